package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelrewrite/internal/capability"
	"github.com/dunamismax/pixelrewrite/internal/domain"
	"github.com/dunamismax/pixelrewrite/internal/profile"
	"github.com/dunamismax/pixelrewrite/internal/queue"
	"github.com/dunamismax/pixelrewrite/internal/ratelimit"
	"github.com/dunamismax/pixelrewrite/internal/rewrite"
	"github.com/dunamismax/pixelrewrite/internal/store"
	"github.com/dunamismax/pixelrewrite/internal/thumbor"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.RewriteBatchPayload
	err      error
}

func (q *fakeQueue) EnqueueRewriteBatch(_ context.Context, payload queue.RewriteBatchPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (f *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/put/" + key, nil
}

func (f *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/get/" + key, nil
}

func (f *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return f.objects[key], nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}, nil
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

type harness struct {
	server  *Server
	queue   *fakeQueue
	storage *fakeStorage
	jobs    *store.MemoryJobStore
}

func newHarness(t *testing.T, mutate func(*Options)) harness {
	t.Helper()
	th, err := thumbor.New("http://thumbor.local/", "")
	require.NoError(t, err)
	reg, err := profile.Parse([]byte("profiles:\n  hq:\n    quality: 90\n"), false)
	require.NoError(t, err)

	h := harness{
		queue:   &fakeQueue{},
		storage: &fakeStorage{objects: map[string]bool{}},
		jobs:    store.NewMemoryJobStore(),
	}
	opts := Options{
		Logger:          zerolog.Nop(),
		Queue:           h.queue,
		JobStore:        h.jobs,
		Storage:         h.storage,
		Rewriters:       reg.Rewriters(th),
		Capability:      capability.Static(false),
		NegotiateAccept: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.server, err = NewServer(opts)
	require.NoError(t, err)
	return h
}

func (h harness) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pixelrewrite_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestRewriteEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name     string
		body     string
		headers  []string
		rewrite  bool
		reason   string
		wantURI  string
		wantSize int
	}{
		{
			name:    "resize",
			body:    `{"uri":"https://img.example/a.jpg","target_width":200,"target_height":100}`,
			rewrite: true,
			reason:  "rewritten",
			wantURI: "http://thumbor.local/unsafe/200x100/https://img.example/a.jpg",
		},
		{
			name:    "accept negotiates webp",
			body:    `{"uri":"https://img.example/a.jpg","target_width":200,"target_height":100}`,
			headers: []string{"Accept", "image/avif,image/webp,*/*"},
			rewrite: true,
			reason:  "rewritten",
			wantURI: "http://thumbor.local/unsafe/200x100/filters:format(webp)/https://img.example/a.jpg",
		},
		{
			name:    "explicit override beats accept",
			body:    `{"uri":"https://img.example/a.jpg","target_width":20,"target_height":10,"supports_webp":false}`,
			headers: []string{"Accept", "image/webp"},
			rewrite: true,
			reason:  "rewritten",
			wantURI: "http://thumbor.local/unsafe/20x10/https://img.example/a.jpg",
		},
		{
			name:    "profile",
			body:    `{"uri":"https://img.example/a.jpg","target_width":20,"target_height":10,"center_inside":true,"profile":"hq"}`,
			rewrite: true,
			reason:  "rewritten",
			wantURI: "http://thumbor.local/unsafe/fit-in/20x10/filters:quality(90)/https://img.example/a.jpg",
		},
		{
			name:     "no size",
			body:     `{"uri":"https://img.example/a.jpg"}`,
			reason:   "no_size",
			wantURI:  "https://img.example/a.jpg",
			wantSize: 0,
		},
		{
			name:     "non http scheme keeps size",
			body:     `{"uri":"file:///tmp/a.jpg","target_width":5,"target_height":5}`,
			reason:   "scheme",
			wantURI:  "file:///tmp/a.jpg",
			wantSize: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/rewrite", tt.body, tt.headers...)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			got := decode[rewriteResponse](t, rec)
			assert.Equal(t, tt.rewrite, got.Rewritten)
			assert.Equal(t, tt.reason, got.Reason)
			require.NotNil(t, got.Request)
			assert.Equal(t, tt.wantURI, got.Request.URI)
			assert.Equal(t, tt.wantSize, got.Request.TargetWidth)
			assert.False(t, got.Request.CenterInside)
		})
	}
}

func TestRewriteEndpointErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"uri":"https://a/b","nope":1}`, want: http.StatusBadRequest},
		{name: "missing uri", body: `{"target_width":10}`, want: http.StatusBadRequest},
		{name: "both centering modes", body: `{"uri":"https://a/b","target_width":1,"target_height":1,"center_inside":true,"center_crop":true}`, want: http.StatusBadRequest},
		{name: "unknown profile", body: `{"uri":"https://a/b","profile":"nope"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/rewrite", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func brokenRewriters(t *testing.T) profile.Rewriters {
	t.Helper()
	th, err := thumbor.New("http://thumbor.local/", "")
	require.NoError(t, err)
	policy := rewrite.Policy{Configure: func(b rewrite.URLBuilder) {
		b.(*thumbor.Builder).Filter("")
	}}
	return profile.Rewriters{profile.DefaultName: rewrite.New(th, policy)}
}

func TestRewriteBuildFailure(t *testing.T) {
	body := `{"uri":"https://img.example/a.jpg","target_width":10,"target_height":10}`

	strict := newHarness(t, func(o *Options) { o.Rewriters = brokenRewriters(t) })
	rec := strict.do(t, http.MethodPost, "/v1/rewrite", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	lenient := newHarness(t, func(o *Options) {
		o.Rewriters = brokenRewriters(t)
		o.FallbackOnBuildError = true
	})
	rec = lenient.do(t, http.MethodPost, "/v1/rewrite", body)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[rewriteResponse](t, rec)
	assert.False(t, got.Rewritten)
	assert.Equal(t, reasonFallback, got.Reason)
	assert.Equal(t, "https://img.example/a.jpg", got.Request.URI)
	assert.Equal(t, 10, got.Request.TargetWidth)
	assert.NotEmpty(t, got.Error)
}

func TestCreateAndStartS3Batch(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/batches", `{"source_type":"s3_presigned","profile":"hq","supports_webp":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[struct {
		JobID  string            `json:"job_id"`
		Status string            `json:"status"`
		Upload map[string]string `json:"upload"`
		Start  string            `json:"start_url"`
	}](t, rec)
	require.NotEmpty(t, created.JobID)
	assert.Equal(t, domain.JobStatusCreated, created.Status)
	assert.Equal(t, "manifests/"+created.JobID+"/manifest.json", created.Upload["object_key"])
	assert.Equal(t, "ready", created.Upload["presigned_url_state"])
	assert.Equal(t, "/v1/batches/"+created.JobID+"/start", created.Start)

	rec = h.do(t, http.MethodPost, created.Start, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.storage.objects[created.Upload["object_key"]] = true
	rec = h.do(t, http.MethodPost, created.Start, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, h.queue.payloads, 1)
	payload := h.queue.payloads[0]
	assert.Equal(t, created.JobID, payload.JobID)
	assert.Equal(t, "hq", payload.Profile)
	require.NotNil(t, payload.SupportsWebP)
	assert.True(t, *payload.SupportsWebP)

	job, ok, err := h.jobs.Get(context.Background(), created.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	rec = h.do(t, http.MethodPost, created.Start, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = h.jobs.SetResult(context.Background(), created.JobID, "results/"+created.JobID+"/result.json")
	require.NoError(t, err)
	rec = h.do(t, http.MethodGet, "/v1/batches/"+created.JobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, "https://minio.local/get/results/"+created.JobID+"/result.json", status["result_url"])
}

func TestCreateLocalBatch(t *testing.T) {
	h := newHarness(t, nil)
	manifest := filepath.Join(t.TempDir(), "manifest.json")

	rec := h.do(t, http.MethodPost, "/v1/batches", `{"source_type":"local_file","object_key":"`+manifest+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[map[string]any](t, rec)
	start := created["start_url"].(string)

	rec = h.do(t, http.MethodPost, start, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, os.WriteFile(manifest, []byte(`{"images":[]}`), 0o644))
	rec = h.do(t, http.MethodPost, start, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBatchErrors(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/batches", `{"source_type":"ftp"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/batches", `{"source_type":"s3_presigned","profile":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/batches/nope/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/batches/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	failing := newHarness(t, nil)
	failing.queue.err = errors.New("redis down")
	rec = failing.do(t, http.MethodPost, "/v1/batches", `{"source_type":"s3_presigned"}`)
	jobID := decode[map[string]any](t, rec)["job_id"].(string)
	failing.storage.objects["manifests/"+jobID+"/manifest.json"] = true
	rec = failing.do(t, http.MethodPost, "/v1/batches/"+jobID+"/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	job, _, err := failing.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCreated, job.Status, "failed enqueue rolls the batch back")

	failing.queue.err = nil
	rec = failing.do(t, http.MethodPost, "/v1/batches/"+jobID+"/start", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestConcurrentStartsEnqueueOnce(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/batches", `{"source_type":"s3_presigned"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[map[string]any](t, rec)["job_id"].(string)
	h.storage.objects["manifests/"+jobID+"/manifest.json"] = true

	const starts = 16
	codes := make([]int, starts)
	var wg sync.WaitGroup
	for i := range starts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/batches/"+jobID+"/start", nil)
			rec := httptest.NewRecorder()
			h.server.Handler().ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	accepted := 0
	for _, code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		default:
			assert.Equal(t, http.StatusConflict, code)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, h.queue.payloads, 1)
}

func TestStartBatchLeavesCapabilityUnsetByDefault(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/batches", `{"source_type":"s3_presigned"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[map[string]any](t, rec)["job_id"].(string)
	h.storage.objects["manifests/"+jobID+"/manifest.json"] = true

	rec = h.do(t, http.MethodPost, "/v1/batches/"+jobID+"/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.queue.payloads, 1)
	assert.Nil(t, h.queue.payloads[0].SupportsWebP)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RateLimiter = denyLimiter{} })

	rec := h.do(t, http.MethodPost, "/v1/rewrite", `{"uri":"https://a/b"}`, "X-User-ID", "u1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	rec = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	open := newHarness(t, func(o *Options) { o.RateLimiter = brokenLimiter{} })
	rec = open.do(t, http.MethodPost, "/v1/rewrite", `{"uri":"https://a/b"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecodeJSONRejectsTrailingValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}{}`))
	var into map[string]any
	assert.Error(t, decodeJSON(req, &into))
}
