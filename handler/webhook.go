package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/pkg/logger"
	"github.com/sokanacollectiveCRM/backend-sub000/service"
)

// WebhookVerifier checks a provider event's checksum.
type WebhookVerifier interface {
	VerifyWebhook(checksum, documentID, content string) bool
}

type WebhookHandler struct {
	verifier WebhookVerifier
	pipeline *service.Pipeline
}

func NewWebhookHandler(verifier WebhookVerifier, pipeline *service.Pipeline) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		pipeline: pipeline,
	}
}

type WebhookRequest struct {
	Checksum string `json:"checksum"`
	Content  string `json:"content"`
}

type WebhookContent struct {
	DocumentID string `json:"document_id"`
	Event      string `json:"event"`
	Timestamp  string `json:"timestamp"`
}

// HandleEvent receives signer-activity events from the e-signature provider.
// The webhook is public, so the checksum is verified before anything is
// touched; the lifecycle only ever advances forward, so replayed or
// out-of-order events are harmless.
func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var content WebhookContent
	if err := json.Unmarshal([]byte(req.Content), &content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content format"})
		return
	}

	if !h.verifier.VerifyWebhook(req.Checksum, content.DocumentID, req.Content) {
		logger.Warn(c.Request.Context(), "webhook checksum mismatch",
			"provider_document_id", content.DocumentID,
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Checksum verification failed"})
		return
	}

	state, err := h.pipeline.ApplyProviderEvent(c.Request.Context(), content.DocumentID, content.Event)
	if err != nil {
		// An unrecognized event name on a known document is the sender's
		// fault, not a missing resource.
		if errors.Is(err, model.ErrUnknownProviderEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider_document_id": content.DocumentID,
		"state":                state,
	})
}
