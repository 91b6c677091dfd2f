package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/service"
)

type CalibrationHandler struct {
	store      *service.CoordinateStore
	calibrator *service.Calibrator
}

func NewCalibrationHandler(store *service.CoordinateStore, calibrator *service.Calibrator) *CalibrationHandler {
	return &CalibrationHandler{
		store:      store,
		calibrator: calibrator,
	}
}

// GetMap returns the latest committed coordinate map for a template
func (h *CalibrationHandler) GetMap(c *gin.Context) {
	templateID := c.Param("id")

	m, err := h.store.Get(templateID)
	if err != nil {
		if errors.Is(err, model.ErrNoCalibration) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, m)
}

// ListVersions returns the committed version numbers for a template
func (h *CalibrationHandler) ListVersions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"template_id": c.Param("id"),
		"versions":    h.store.Versions(c.Param("id")),
	})
}

type probeRequest struct {
	FieldName string  `json:"field_name" binding:"required"`
	Kind      string  `json:"kind" binding:"required"`
	PageIndex int     `json:"page_index"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width" binding:"required"`
	Height    float64 `json:"height" binding:"required"`
}

// Probe renders a visible marker at the proposed coordinate onto a copy of
// the template's reference artifact and returns a URL for inspection. The
// stored map is untouched; the operator iterates propose/inspect/adjust and
// commits once the whole set looks right.
func (h *CalibrationHandler) Probe(c *gin.Context) {
	templateID := c.Param("id")

	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	fc := model.FieldCoordinate{
		FieldName: req.FieldName,
		Kind:      model.FieldKind(req.Kind),
		PageIndex: req.PageIndex,
		X:         req.X,
		Y:         req.Y,
		Width:     req.Width,
		Height:    req.Height,
	}

	url, err := h.calibrator.Propose(c.Request.Context(), templateID, fc)
	if err != nil {
		if errors.Is(err, model.ErrCoordinateOutOfBounds) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"template_id": templateID,
		"probe_url":   url,
	})
}

type commitRequest struct {
	BaseVersion int                     `json:"base_version"`
	Entries     []model.FieldCoordinate `json:"entries" binding:"required"`
}

// Commit persists the accepted coordinate set as a new version. The commit
// is all-or-nothing and checked against the version the operator calibrated
// from; a concurrent commit wins and this one fails with 409.
func (h *CalibrationHandler) Commit(c *gin.Context) {
	templateID := c.Param("id")

	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	m, err := h.calibrator.Commit(c.Request.Context(), templateID, req.BaseVersion, req.Entries)
	if err != nil {
		if errors.Is(err, model.ErrStaleCalibration) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, m)
}

type rollbackRequest struct {
	Version int `json:"version" binding:"required"`
}

// Rollback re-commits a previously accepted version as the newest one
func (h *CalibrationHandler) Rollback(c *gin.Context) {
	templateID := c.Param("id")

	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	m, err := h.calibrator.Rollback(c.Request.Context(), templateID, req.Version)
	if err != nil {
		if errors.Is(err, model.ErrNoCalibration) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, model.ErrStaleCalibration) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, m)
}
