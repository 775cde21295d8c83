package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/pkg/logger"
)

// JobQueue is the part of *jobqueue.Queue the admin API uses.
type JobQueue interface {
	EnqueueRaw(ctx context.Context, jobType string, raw json.RawMessage, opts model.EnqueueOptions) (int64, error)
	Find(ctx context.Context, id int64) (*model.Job, error)
	Requeue(ctx context.Context, id int64) error
	Depth(ctx context.Context, jobType string) (int, error)
}

type JobHandler struct {
	queue  JobQueue
	logger *zap.Logger
}

func NewJobHandler(q JobQueue, logger *zap.Logger) *JobHandler {
	return &JobHandler{queue: q, logger: logger}
}

type enqueueRequest struct {
	JobType     string          `json:"job_type" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	Priority    int             `json:"priority"`
	AvailableAt *time.Time      `json:"available_at"`
	MaxAttempts int             `json:"max_attempts"`
}

// Enqueue POST /jobs
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.MaxAttempts < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_attempts must not be negative"})
		return
	}

	id, err := h.queue.EnqueueRaw(c.Request.Context(), req.JobType, req.Payload, model.EnqueueOptions{
		Priority:    req.Priority,
		AvailableAt: req.AvailableAt,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		h.fail(c, "Failed to enqueue job", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job_id": id, "job_type": req.JobType})
}

// Get GET /jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.queue.Find(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to load job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Requeue POST /jobs/:id/requeue
func (h *JobHandler) Requeue(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.queue.Requeue(c.Request.Context(), id); err != nil {
		h.fail(c, "Failed to requeue job", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued", "job_id": id})
}

// Depth GET /queues/:type/depth
func (h *JobHandler) Depth(c *gin.Context) {
	jobType := c.Param("type")
	if !jobs.Known(jobType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job type"})
		return
	}
	depth, err := h.queue.Depth(c.Request.Context(), jobType)
	if err != nil {
		h.fail(c, "Failed to read queue depth", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_type": jobType, "depth": depth})
}

func (h *JobHandler) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidPayload), errors.Is(err, jobs.ErrUnknownType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return 0, false
	}
	return id, true
}
