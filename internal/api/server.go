package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dunamismax/pixelrewrite/internal/capability"
	"github.com/dunamismax/pixelrewrite/internal/domain"
	"github.com/dunamismax/pixelrewrite/internal/id"
	"github.com/dunamismax/pixelrewrite/internal/pipeline"
	"github.com/dunamismax/pixelrewrite/internal/profile"
	"github.com/dunamismax/pixelrewrite/internal/queue"
	"github.com/dunamismax/pixelrewrite/internal/rewrite"
	"github.com/dunamismax/pixelrewrite/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// reasonFallback marks a request passed through unchanged because the
// remote URL could not be built and fallback is enabled.
const reasonFallback = "build_failed"

type Server struct {
	logger                zerolog.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	rewriters             pipeline.RewriterLookup
	capability            rewrite.FormatCapability
	negotiateAccept       bool
	fallbackOnBuildError  bool
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	router                chi.Router
}

type Options struct {
	Logger     zerolog.Logger
	Queue      queueEnqueuer
	JobStore   store.JobStore
	Storage    objectStorage
	Rewriters  pipeline.RewriterLookup
	Capability rewrite.FormatCapability

	// NegotiateAccept lets an "image/webp" Accept header enable the modern
	// format even when Capability does not.
	NegotiateAccept      bool
	FallbackOnBuildError bool
	PresignTTL           time.Duration

	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

type queueEnqueuer interface {
	EnqueueRewriteBatch(ctx context.Context, payload queue.RewriteBatchPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

func NewServer(opts Options) (*Server, error) {
	if opts.Rewriters == nil {
		return nil, errors.New("rewriters are required")
	}
	if opts.JobStore == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.Capability == nil {
		opts.Capability = capability.Static(false)
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                opts.Logger,
		queueClient:           opts.Queue,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		rewriters:             opts.Rewriters,
		capability:            opts.Capability,
		negotiateAccept:       opts.NegotiateAccept,
		fallbackOnBuildError:  opts.FallbackOnBuildError,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		tracer:                opts.Tracer,
		metrics:               newMetrics(),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		s.withRequestLogging,
		s.metrics.withHTTPMetrics,
		s.withTracing,
	)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.withRateLimit)
			r.Post("/rewrite", s.handleRewrite)
			r.Post("/batches", s.handleCreateBatch)
			r.Post("/batches/{id}/start", s.handleStartBatch)
		})
		r.Get("/batches/{id}", s.handleGetBatch)
	})

	s.router = r
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", routeLabel(r)).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rewriteRequest struct {
	domain.ImageRequest
	Profile string `json:"profile,omitempty"`
	// SupportsWebP overrides capability negotiation when set.
	SupportsWebP *bool `json:"supports_webp,omitempty"`
}

type rewriteResponse struct {
	Profile string `json:"profile"`
	domain.RewriteResult
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	var body rewriteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profileName := strings.TrimSpace(body.Profile)
	if profileName == "" {
		profileName = profile.DefaultName
	}
	rw, err := s.rewriters.Lookup(profileName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rw = rw.ForCapability(s.requestCapability(r, body.SupportsWebP))

	req, err := body.ToRewrite()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := domain.RewriteResult{ID: body.ID}
	out, err := rw.Rewrite(req)
	switch {
	case err == nil:
		wire := domain.FromRewrite(body.ID, out.Request)
		result.Rewritten = out.Rewritten
		result.Reason = string(out.Reason)
		result.Request = &wire
	case errors.Is(err, rewrite.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case s.fallbackOnBuildError:
		s.logger.Warn().Err(err).Str("profile", profileName).Msg("remote url build failed, passing request through")
		wire := domain.FromRewrite(body.ID, req)
		result.Reason = reasonFallback
		result.Request = &wire
		result.Error = err.Error()
	default:
		s.metrics.rewriteOutcomes.WithLabelValues(profileName, "error").Inc()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.metrics.rewriteOutcomes.WithLabelValues(profileName, result.Reason).Inc()
	writeJSON(w, http.StatusOK, rewriteResponse{Profile: profileName, RewriteResult: result})
}

func (s *Server) requestCapability(r *http.Request, override *bool) rewrite.FormatCapability {
	if override != nil {
		return capability.Static(*override)
	}
	if s.negotiateAccept {
		return capability.Any(s.capability, capability.FromAccept(r.Header.Get("Accept")))
	}
	return s.capability
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.rewriters.Lookup(req.Profile); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = pipeline.ManifestObjectKey(jobID)
		u, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("generate presigned url failed")
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = u
		uploadState = "ready"
	}

	job := domain.Job{
		ID:           jobID,
		Status:       domain.JobStatusCreated,
		SourceType:   sourceType,
		Profile:      strings.TrimSpace(req.Profile),
		SupportsWebP: req.SupportsWebP,
		WebhookURL:   strings.TrimSpace(req.WebhookURL),
		ObjectKey:    objectKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("create batch failed")
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/batches/%s/start", job.ID),
	})
}

// startableStatuses are the batch states a start request may leave.
var startableStatuses = []string{domain.JobStatusCreated, domain.JobStatusFailed}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if !slices.Contains(startableStatuses, job.Status) {
		writeError(w, http.StatusConflict, fmt.Sprintf("batch is already %s", job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	jobID, previous := job.ID, job.Status
	job, err := s.jobStore.TransitionStatus(r.Context(), jobID, startableStatuses, domain.JobStatusQueued)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, fmt.Sprintf("batch is already %s", job.Status))
		return
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("queue transition failed")
		writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}

	payload := queue.RewriteBatchPayload{
		JobID:        job.ID,
		SourceType:   job.SourceType,
		Profile:      job.Profile,
		SupportsWebP: job.SupportsWebP,
		WebhookURL:   job.WebhookURL,
		ObjectKey:    job.ObjectKey,
		RequestedAt:  time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueRewriteBatch(r.Context(), payload)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		if _, rerr := s.jobStore.TransitionStatus(r.Context(), job.ID, []string{domain.JobStatusQueued}, previous); rerr != nil {
			s.logger.Error().Err(rerr).Str("job_id", job.ID).Str("status", previous).Msg("status rollback failed")
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := map[string]any{"job": job}
	if job.ResultKey != "" && job.SourceType == domain.SourceTypeS3Presigned {
		u, err := s.storage.PresignedGetURL(r.Context(), job.ResultKey, s.presignTTL)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("presign result url failed")
		} else {
			resp["result_url"] = u
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(chi.URLParam(r, "id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("fetch batch failed")
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("manifest is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("manifest check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("manifest check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("manifest is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
