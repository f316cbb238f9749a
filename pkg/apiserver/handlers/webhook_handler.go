package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/ingest"
)

type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload ingest.WebhookPayload) (ingest.Result, error)
}

type WebhookHandler struct {
	processor WebhookProcessor
	logger    *zap.Logger
}

func NewWebhookHandler(processor WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger}
}

// Community receives a profile webhook. Skipped and duplicate deliveries are
// successful responses so the sender does not redeliver them.
func (h *WebhookHandler) Community(c *gin.Context) {
	var payload ingest.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid payload: "+err.Error()))
		return
	}

	result, err := h.processor.ProcessWebhook(c.Request.Context(), payload)
	if err != nil {
		h.logger.Error("failed to process webhook", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody("failed to process event"))
		return
	}

	c.JSON(http.StatusOK, result)
}
