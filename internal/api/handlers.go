package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bahnwaerter/bumblebee/internal/queue"
	"github.com/bahnwaerter/bumblebee/internal/readiness"
)

// conductorService is the subset of *orchestrator.Orchestrator used by the
// HTTP handlers. Declaring it as an interface allows test doubles to be injected.
type conductorService interface {
	Enqueue(ctx context.Context, job queue.JobDescriptor) (string, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.JobDescriptor, error)
	DeepHealth(ctx context.Context) map[string]readiness.ProbeResult
	IsReady() bool
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	svc conductorService
}

// createJobRequest is the POST /api/v1/jobs body.
type createJobRequest struct {
	Type         string          `json:"type" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxAttempts  int             `json:"max_attempts"`
}

// CreateJob handles POST /api/v1/jobs.
// The web front-end offloads slow work here instead of blocking a request.
func (h *Handler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if req.DelaySeconds < 0 || req.MaxAttempts < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "delay_seconds and max_attempts must be non-negative"})
		return
	}

	job := queue.JobDescriptor{
		Type:        req.Type,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	}
	if req.DelaySeconds > 0 {
		job.ScheduledFor = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	id, err := h.svc.Enqueue(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "id": id})
}

// DeadLetters handles GET /api/v1/jobs/dead.
// It lists jobs that exhausted their attempts, oldest first.
func (h *Handler) DeadLetters(c *gin.Context) {
	const limit = 100
	jobs, err := h.svc.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []queue.JobDescriptor{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes both stateful dependencies and returns 200 only when every probe is OK.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.svc.DeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only after the dependency gate has passed; 503 otherwise.
func (h *Handler) Ready(c *gin.Context) {
	if h.svc.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
