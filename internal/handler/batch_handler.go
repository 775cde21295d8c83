package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/account"
	"mailpipeline/internal/campaign"
	"mailpipeline/internal/model"
	"mailpipeline/pkg/logger"
)

type Batches interface {
	CreateBatch(ctx context.Context, req campaign.BatchRequest) (campaign.BatchSummary, error)
	Batch(ctx context.Context, id int64) (*model.CampaignBatch, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload, opts model.EnqueueOptions) (int64, error)
}

type Accounts interface {
	Get(id int64) (account.Account, error)
}

type BatchHandler struct {
	batches  Batches
	queue    Enqueuer
	accounts Accounts
	logger   *zap.Logger
}

func NewBatchHandler(b Batches, q Enqueuer, accounts Accounts, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{batches: b, queue: q, accounts: accounts, logger: logger}
}

// Create POST /batches
// 记录批次及其 Send（经过去重栅栏），然后入队 send_campaign_batch
func (h *BatchHandler) Create(c *gin.Context) {
	var req campaign.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if _, err := h.accounts.Get(req.AccountID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	summary, err := h.batches.CreateBatch(ctx, req)
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidBatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("Failed to create campaign batch", zap.String("campaign", req.Campaign), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create batch"})
		return
	}

	// 全部重复时仍然入队，由 dispatch 将空批次标记为 completed
	jobID, err := h.queue.Enqueue(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID}, model.EnqueueOptions{})
	if err != nil {
		log.Error("Failed to enqueue batch dispatch",
			zap.Int64("batch_id", summary.BatchID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "batch stored but dispatch was not enqueued",
			"batch_id": summary.BatchID,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"batch_id":   summary.BatchID,
		"created":    summary.Created,
		"duplicates": summary.Duplicates,
		"job_id":     jobID,
	})
}

// Get GET /batches/:id
func (h *BatchHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	batch, err := h.batches.Batch(c.Request.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to load batch", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batch)
}
