package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/pkg/logger"
)

// ObjectStore is the slice of object storage the calibrator needs.
type ObjectStore interface {
	GetObject(ctx context.Context, objectName string) ([]byte, error)
	PutObject(ctx context.Context, objectName string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, objectName string) (string, error)
	DeleteObject(ctx context.Context, objectName string) error
}

// ProbeStamper draws a visible marker for one coordinate onto a document.
type ProbeStamper interface {
	StampProbe(data []byte, fc model.FieldCoordinate) ([]byte, error)
	PageGeometry(data []byte) (int, []model.PageDim, error)
}

// Calibrator runs the human-in-the-loop coordinate workflow. Each iteration
// renders one probe onto a throwaway copy of the template's reference
// artifact and hands the operator a URL to inspect; nothing touches the
// stored map until Commit.
type Calibrator struct {
	store   *CoordinateStore
	storage ObjectStore
	stamper ProbeStamper

	mu     sync.Mutex
	probes map[string][]string // templateID -> probe keys awaiting a commit
}

func NewCalibrator(store *CoordinateStore, storage ObjectStore, stamper ProbeStamper) *Calibrator {
	return &Calibrator{
		store:   store,
		storage: storage,
		stamper: stamper,
		probes:  make(map[string][]string),
	}
}

// referenceKey is where a template's reference artifact lives. The reference
// is the converted artifact of a representative contract; an operator
// provisions it alongside the template body before the first calibration.
func referenceKey(templateID string) string {
	return fmt.Sprintf("calibration/%s/reference.pdf", templateID)
}

func probeKey(templateID, probeID string) string {
	return fmt.Sprintf("calibration/%s/probes/%s.pdf", templateID, probeID)
}

// Propose stamps a probe for the proposed coordinate and returns a presigned
// URL to the probe artifact. The stored coordinate map is not mutated.
func (c *Calibrator) Propose(ctx context.Context, templateID string, fc model.FieldCoordinate) (string, error) {
	reference, err := c.storage.GetObject(ctx, referenceKey(templateID))
	if err != nil {
		return "", fmt.Errorf("no reference artifact for template %s: %w", templateID, err)
	}

	pageCount, dims, err := c.stamper.PageGeometry(reference)
	if err != nil {
		return "", fmt.Errorf("failed to measure reference artifact: %w", err)
	}
	ref := model.GeneratedArtifact{PageCount: pageCount, PageDimensions: dims}
	if !ref.ContainsBox(fc) {
		return "", &model.CoordinateOutOfBoundsError{
			FieldName: fc.FieldName,
			PageIndex: fc.PageIndex,
			PageCount: pageCount,
		}
	}

	stamped, err := c.stamper.StampProbe(reference, fc)
	if err != nil {
		return "", err
	}

	probeID := uuid.New().String()
	key := probeKey(templateID, probeID)
	if err := c.storage.PutObject(ctx, key, stamped, "application/pdf"); err != nil {
		return "", err
	}

	url, err := c.storage.PresignedURL(ctx, key)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.probes[templateID] = append(c.probes[templateID], key)
	c.mu.Unlock()

	logger.Info(ctx, "calibration probe rendered",
		"template_id", templateID,
		"field", fc.FieldName,
		"page", fc.PageIndex,
		"probe_id", probeID,
	)
	return url, nil
}

// Commit persists the accepted entry set as a new version, CAS against
// baseVersion. Delegates to the store; exists so handlers talk to one
// calibration surface.
func (c *Calibrator) Commit(ctx context.Context, templateID string, baseVersion int, entries []model.FieldCoordinate) (model.CoordinateMap, error) {
	m, err := c.store.Commit(templateID, baseVersion, entries)
	if err != nil {
		return model.CoordinateMap{}, err
	}
	logger.Info(ctx, "coordinate map committed",
		"template_id", templateID,
		"version", m.Version,
		"entries", len(m.Entries),
	)
	c.cleanupProbes(ctx, templateID)
	return m, nil
}

// cleanupProbes deletes the probe artifacts produced while deriving the
// entries just committed. Best effort: a leftover probe is clutter, not a
// calibration error.
func (c *Calibrator) cleanupProbes(ctx context.Context, templateID string) {
	c.mu.Lock()
	keys := c.probes[templateID]
	delete(c.probes, templateID)
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.storage.DeleteObject(ctx, key); err != nil {
			logger.Warn(ctx, "failed to delete probe artifact", "object_key", key, "error", err)
		}
	}
}

// Rollback re-commits a previously accepted version's entries as the newest
// version, so a bad calibration is undone without re-deriving coordinates.
func (c *Calibrator) Rollback(ctx context.Context, templateID string, toVersion int) (model.CoordinateMap, error) {
	old, err := c.store.GetVersion(templateID, toVersion)
	if err != nil {
		return model.CoordinateMap{}, err
	}
	current, err := c.store.Get(templateID)
	if err != nil {
		return model.CoordinateMap{}, err
	}
	m, err := c.store.Commit(templateID, current.Version, old.Entries)
	if err != nil {
		return model.CoordinateMap{}, err
	}
	logger.Info(ctx, "coordinate map rolled back",
		"template_id", templateID,
		"restored_version", toVersion,
		"new_version", m.Version,
	)
	return m, nil
}
