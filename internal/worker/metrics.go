package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge
	imagesTotal   *prometheus.CounterVec
	manifestBytes prometheus.Counter
	webhookErrors *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelrewrite_worker_batches_total",
			Help: "Total batch rewrite jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelrewrite_worker_batch_duration_seconds",
			Help:    "Total processing duration for each batch rewrite job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelrewrite_worker_active_batches",
			Help: "Current number of batches being rewritten.",
		}),
		imagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelrewrite_worker_images_total",
			Help: "Manifest entries processed by outcome.",
		}, []string{"outcome"}),
		manifestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelrewrite_worker_manifest_bytes_total",
			Help: "Total manifest bytes read by the worker.",
		}),
		webhookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelrewrite_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts, by event.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.imagesTotal,
		m.manifestBytes,
		m.webhookErrors,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
