package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
)

// QueueHandler exposes queue depth and the dead-letter list for
// operators.
type QueueHandler struct {
	queue  queue.Queue
	logger logger.Logger
}

func NewQueueHandler(q queue.Queue, log logger.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: log}
}

// Health reports liveness plus the current queue depth.
func (h *QueueHandler) Health(c *gin.Context) {
	depth, err := h.queue.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queueDepth": depth})
}

// DeadLetters lists dead-lettered jobs, oldest first.
func (h *QueueHandler) DeadLetters(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid limit",
				Message: "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	letters, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", logger.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "failed to list dead letters",
			Message: err.Error(),
		})
		return
	}

	out := make([]gin.H, 0, len(letters))
	for _, dl := range letters {
		entry := gin.H{
			"messageId":     dl.Message.ID,
			"deliveryCount": dl.Message.DeliveryCount,
			"reason":        dl.Reason,
			"movedAt":       dl.MovedAt.Format(time.RFC3339),
		}
		if job, err := queue.DecodeJob(dl.Message.Body); err == nil {
			entry["sourceUri"] = job.SourceURI
			entry["category"] = job.Category
		} else {
			entry["body"] = string(dl.Message.Body)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": out, "count": len(out)})
}
