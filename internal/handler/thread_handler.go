package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpipeline/pkg/logger"
)

type ThreadReader interface {
	MarkRead(ctx context.Context, threadID int64, upToMessageID *int64) (int, error)
}

type ThreadHandler struct {
	threads ThreadReader
	logger  *zap.Logger
}

func NewThreadHandler(t ThreadReader, logger *zap.Logger) *ThreadHandler {
	return &ThreadHandler{threads: t, logger: logger}
}

type markReadRequest struct {
	UpToMessageID *int64 `json:"up_to_message_id"`
}

// MarkRead POST /threads/:id/read
// body 可省略；省略时整个线程标记为已读
func (h *ThreadHandler) MarkRead(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	n, err := h.threads.MarkRead(c.Request.Context(), id, req.UpToMessageID)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to mark thread read", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": id, "marked": n})
}
