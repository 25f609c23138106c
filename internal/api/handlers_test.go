package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bahnwaerter/bumblebee/internal/queue"
	"github.com/bahnwaerter/bumblebee/internal/readiness"
)

// noopLogger returns a slog.Logger that discards all output to keep test output clean.
func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeService is a test double that implements conductorService.
type fakeService struct {
	ready      bool
	deepProbes map[string]readiness.ProbeResult

	enqueued   []queue.JobDescriptor
	enqueueErr error

	dead    []queue.JobDescriptor
	deadErr error
}

func (f *fakeService) IsReady() bool {
	return f.ready
}

func (f *fakeService) Enqueue(_ context.Context, job queue.JobDescriptor) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, job)
	return "job-1", nil
}

func (f *fakeService) DeadLetters(_ context.Context, _ int64) ([]queue.JobDescriptor, error) {
	if f.deadErr != nil {
		return nil, f.deadErr
	}
	return f.dead, nil
}

func (f *fakeService) DeepHealth(_ context.Context) map[string]readiness.ProbeResult {
	if f.deepProbes != nil {
		return f.deepProbes
	}
	return map[string]readiness.ProbeResult{}
}

// newTestEngine builds a minimal Gin engine with only the given handler, no
// middleware, for isolated handler testing.
func newTestEngine(method, path string, h gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Handle(method, path, h)
	return r
}

// --- CreateJob handler ---

func TestCreateJob_202OnValidRequest(t *testing.T) {
	t.Parallel()

	fake := &fakeService{}
	handler := &Handler{svc: fake}

	engine := newTestEngine(http.MethodPost, "/api/v1/jobs", handler.CreateJob)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		strings.NewReader(`{"type": "expiry.check", "payload": {"stage": 1}}`))
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "job-1", body["id"])

	require.Len(t, fake.enqueued, 1)
	assert.Equal(t, "expiry.check", fake.enqueued[0].Type)
	assert.JSONEq(t, `{"stage": 1}`, string(fake.enqueued[0].Payload))
	assert.True(t, fake.enqueued[0].ScheduledFor.IsZero(), "no delay requested")
}

func TestCreateJob_DelayedJobCarriesScheduledFor(t *testing.T) {
	t.Parallel()

	fake := &fakeService{}
	handler := &Handler{svc: fake}

	engine := newTestEngine(http.MethodPost, "/api/v1/jobs", handler.CreateJob)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		strings.NewReader(`{"type": "workspace.cleanup", "delay_seconds": 60}`))
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, fake.enqueued, 1)
	want := time.Now().Add(time.Minute)
	assert.WithinDuration(t, want, fake.enqueued[0].ScheduledFor, 2*time.Second)
}

func TestCreateJob_400OnBadRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing type", `{"payload": {}}`},
		{"malformed JSON", `{`},
		{"negative delay", `{"type": "x", "delay_seconds": -1}`},
		{"negative max attempts", `{"type": "x", "max_attempts": -2}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeService{}
			handler := &Handler{svc: fake}
			engine := newTestEngine(http.MethodPost, "/api/v1/jobs", handler.CreateJob)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tc.body))
			engine.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, fake.enqueued)
		})
	}
}

func TestCreateJob_503WhenBrokerUnavailable(t *testing.T) {
	t.Parallel()

	fake := &fakeService{enqueueErr: errors.New("redis: connection refused")}
	handler := &Handler{svc: fake}

	engine := newTestEngine(http.MethodPost, "/api/v1/jobs", handler.CreateJob)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		strings.NewReader(`{"type": "expiry.check"}`))
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// --- DeadLetters handler ---

func TestDeadLetters_ReturnsJobs(t *testing.T) {
	t.Parallel()

	fake := &fakeService{dead: []queue.JobDescriptor{
		{ID: "j1", Type: "expiry.check", LastError: "boom"},
		{ID: "j2", Type: "workspace.cleanup", LastError: "timeout"},
	}}
	handler := &Handler{svc: fake}

	engine := newTestEngine(http.MethodGet, "/api/v1/jobs/dead", handler.DeadLetters)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/dead", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Jobs  []queue.JobDescriptor `json:"jobs"`
		Count int                   `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Jobs, 2)
	assert.Equal(t, "j1", body.Jobs[0].ID)
}

func TestDeadLetters_EmptyListNotNull(t *testing.T) {
	t.Parallel()

	fake := &fakeService{}
	handler := &Handler{svc: fake}

	engine := newTestEngine(http.MethodGet, "/api/v1/jobs/dead", handler.DeadLetters)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/dead", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"jobs":[]`)
}

// --- Health handler ---

func TestHealth_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	handler := &Handler{svc: &fakeService{}}
	engine := newTestEngine(http.MethodGet, "/health", handler.Health)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "shallow", body["mode"])
}

// --- DeepHealth handler ---

func TestDeepHealth_200WhenAllHealthy(t *testing.T) {
	t.Parallel()

	fake := &fakeService{
		deepProbes: map[string]readiness.ProbeResult{
			"postgres": {Name: "postgres", OK: true},
			"redis":    {Name: "redis", OK: true},
		},
	}
	handler := &Handler{svc: fake}
	engine := newTestEngine(http.MethodGet, "/health/deep", handler.DeepHealth)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/deep", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestDeepHealth_503WhenAnyUnhealthy(t *testing.T) {
	t.Parallel()

	fake := &fakeService{
		deepProbes: map[string]readiness.ProbeResult{
			"postgres": {Name: "postgres", OK: true},
			"redis":    {Name: "redis", OK: false, Error: "connection refused"},
		},
	}
	handler := &Handler{svc: fake}
	engine := newTestEngine(http.MethodGet, "/health/deep", handler.DeepHealth)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/deep", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body["status"])
}

// --- Ready handler ---

func TestReady_503BeforeDependencyGate(t *testing.T) {
	t.Parallel()

	handler := &Handler{svc: &fakeService{ready: false}}
	engine := newTestEngine(http.MethodGet, "/ready", handler.Ready)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, false, body["ready"])
}

func TestReady_200AfterDependencyGate(t *testing.T) {
	t.Parallel()

	handler := &Handler{svc: &fakeService{ready: true}}
	engine := newTestEngine(http.MethodGet, "/ready", handler.Ready)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, true, body["ready"])
}

// --- Recovery middleware ---

func TestRecoveryMiddleware_Returns500OnPanic(t *testing.T) {
	t.Parallel()

	engine := gin.New()
	engine.Use(Recovery(noopLogger()))
	engine.GET("/panic", func(c *gin.Context) {
		panic("intentional test panic")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
}

// --- NewRouter integration smoke test ---

func TestNewRouter_RoutesRegistered(t *testing.T) {
	t.Parallel()

	fake := &fakeService{ready: true, deepProbes: map[string]readiness.ProbeResult{
		"postgres": {Name: "postgres", OK: true},
	}}
	router := NewRouter(fake)

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/ready", "", http.StatusOK},
		{http.MethodGet, "/health/deep", "", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/dead", "", http.StatusOK},
		{http.MethodPost, "/api/v1/jobs", `{"type": "expiry.check"}`, http.StatusAccepted},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		router.Handler().ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, "route %s %s", tc.method, tc.path)
	}
}
