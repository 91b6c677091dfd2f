package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/service"
)

type ContractHandler struct {
	pipeline *service.Pipeline
}

func NewContractHandler(pipeline *service.Pipeline) *ContractHandler {
	return &ContractHandler{pipeline: pipeline}
}

// Generate runs (or resumes) the generation pipeline for a contract. The run
// is synchronous: a fatal error leaves the contract at its last reached
// lifecycle state and the endpoint reports which stage failed.
func (h *ContractHandler) Generate(c *gin.Context) {
	contractID := c.Param("id")

	session, err := h.pipeline.Generate(c.Request.Context(), contractID)
	if err != nil {
		status := statusForPipelineError(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, session)
}

// statusForPipelineError maps the error taxonomy onto HTTP statuses. Fatal
// calibration and placeholder errors are the operator's to fix (422);
// transient provider trouble is 503 so the operator knows a retry may work.
func statusForPipelineError(err error) int {
	var mismatch *model.PlaceholderMismatchError
	switch {
	case errors.Is(err, model.ErrGenerationInFlight):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnknownContractType),
		errors.Is(err, model.ErrMissingRequiredField),
		errors.As(err, &mismatch),
		errors.Is(err, model.ErrLayoutDrift),
		errors.Is(err, model.ErrNoCalibration),
		errors.Is(err, model.ErrCoordinateOutOfBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrProviderRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Get returns the full signing session for a contract
func (h *ContractHandler) Get(c *gin.Context) {
	session := h.pipeline.Session(c.Param("id"))
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No signing session for contract"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetStatus returns just the lifecycle state
func (h *ContractHandler) GetStatus(c *gin.Context) {
	session := h.pipeline.Session(c.Param("id"))
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No signing session for contract"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract_id": session.ContractID,
		"state":       session.State,
	})
}

// Poll asks the provider for signer activity and advances the session
func (h *ContractHandler) Poll(c *gin.Context) {
	contractID := c.Param("id")

	state, err := h.pipeline.Poll(c.Request.Context(), contractID)
	if err != nil {
		if errors.Is(err, model.ErrProviderUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contract_id": contractID,
		"state":       state,
	})
}

// List returns all signing sessions
func (h *ContractHandler) List(c *gin.Context) {
	sessions := h.pipeline.Sessions()

	result := make([]gin.H, len(sessions))
	for i, s := range sessions {
		result[i] = gin.H{
			"contract_id":          s.ContractID,
			"provider_document_id": s.ProviderDocumentID,
			"state":                s.State,
			"created_at":           s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			"updated_at":           s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": result})
}
