package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/pixelrewrite/internal/config"
	"github.com/dunamismax/pixelrewrite/internal/domain"
	"github.com/dunamismax/pixelrewrite/internal/pipeline"
	"github.com/dunamismax/pixelrewrite/internal/profile"
	"github.com/dunamismax/pixelrewrite/internal/queue"
	"github.com/dunamismax/pixelrewrite/internal/storage"
	"github.com/dunamismax/pixelrewrite/internal/store"
	"github.com/dunamismax/pixelrewrite/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const resultPrefix = "results"

type Server struct {
	logger          zerolog.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  batchProcessor
	objectProcessor batchProcessor
	webhookClient   webhookSender
	jobStore        store.JobStore
	metrics         *metrics
	tracer          trace.Tracer
}

type batchProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	rewriters pipeline.RewriterLookup,
	objectStorage pipeline.ObjectStorage,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
) (*Server, error) {
	if objectStorage == nil {
		return nil, fmt.Errorf("object storage is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, rewriters, workerCfg.BatchParallel)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: objectStorage},
		pipeline.ObjectStoreEmitter{Storage: objectStorage, OutputPrefix: resultPrefix},
		rewriters,
		workerCfg.BatchParallel,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		jobStore:        jobStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("pixelrewrite/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRewriteBatch, s.handleRewriteBatch)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRewriteBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRewriteBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.rewrite_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.profile", payload.Profile),
	)
	if payload.SupportsWebP != nil {
		span.SetAttributes(attribute.Bool("job.supports_webp", *payload.SupportsWebP))
	}
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.logger.With().Str("job_id", payload.JobID).Str("source_type", payload.SourceType).Logger()
	log.Info().Str("profile", payload.Profile).Str("object_key", payload.ObjectKey).Msg("rewriting batch")

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:        payload.JobID,
		SourceType:   payload.SourceType,
		ObjectKey:    payload.ObjectKey,
		Profile:      payload.Profile,
		SupportsWebP: payload.SupportsWebP,
	}

	var result pipeline.Result
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request)
	default:
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err != nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.EventBatchFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"object_key":   payload.ObjectKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if permanent(err) {
			return fmt.Errorf("rewrite batch: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("rewrite batch: %w", err)
	}

	batch := result.Batch
	log.Info().
		Int("total", batch.Total).
		Int("rewritten", batch.Rewritten).
		Int("unchanged", batch.Unchanged).
		Int("failed", batch.Failed).
		Str("result_key", result.ResultKey).
		Msg("batch rewritten")

	s.metrics.manifestBytes.Add(float64(result.SourceBytes))
	s.metrics.imagesTotal.WithLabelValues("rewritten").Add(float64(batch.Rewritten))
	s.metrics.imagesTotal.WithLabelValues("unchanged").Add(float64(batch.Unchanged))
	s.metrics.imagesTotal.WithLabelValues("failed").Add(float64(batch.Failed))

	s.recordResult(ctx, payload.JobID, result.ResultKey)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)

	if err := s.dispatchWebhook(ctx, payload, webhook.EventBatchCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"profile":      batch.Profile,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"result_key":   result.ResultKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"total":        batch.Total,
		"rewritten":    batch.Rewritten,
		"unchanged":    batch.Unchanged,
		"failed":       batch.Failed,
	}); err != nil {
		// Delivery failures do not fail a batch whose result is stored.
		span.RecordError(err)
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "rewritten")
	return nil
}

// permanent reports failures that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, pipeline.ErrInvalidManifest) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, profile.ErrUnknownProfile) ||
		errors.Is(err, storage.ErrObjectTooLarge)
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("status", status).Msg("job status update failed")
	}
}

func (s *Server) recordResult(ctx context.Context, jobID, resultKey string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.SetResult(ctx, jobID, resultKey); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("job result update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RewriteBatchPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookErrors.WithLabelValues(event).Inc()
		s.logger.Error().Err(err).Str("job_id", payload.JobID).Str("event", event).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}
