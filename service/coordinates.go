package service

import (
	"fmt"
	"sync"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// CoordinateStore holds the versioned coordinate maps, one version chain per
// template id. Commits are serialized under the store lock and are a
// compare-and-swap against the version the calibration started from:
// last-writer-wins would silently discard a colleague's calibration.
type CoordinateStore struct {
	mu   sync.RWMutex
	maps map[string][]model.CoordinateMap // templateID -> versions, ascending
}

func NewCoordinateStore() *CoordinateStore {
	return &CoordinateStore{
		maps: make(map[string][]model.CoordinateMap),
	}
}

// Get returns the latest committed coordinate map for the template.
func (s *CoordinateStore) Get(templateID string) (model.CoordinateMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.maps[templateID]
	if len(versions) == 0 {
		return model.CoordinateMap{}, fmt.Errorf("%w for template %s", model.ErrNoCalibration, templateID)
	}
	return cloneMap(versions[len(versions)-1]), nil
}

// GetVersion returns a specific committed version.
func (s *CoordinateStore) GetVersion(templateID string, version int) (model.CoordinateMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.maps[templateID] {
		if m.Version == version {
			return cloneMap(m), nil
		}
	}
	return model.CoordinateMap{}, fmt.Errorf("%w for template %s version %d", model.ErrNoCalibration, templateID, version)
}

// Versions lists committed version numbers for the template, ascending.
func (s *CoordinateStore) Versions(templateID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, 0, len(s.maps[templateID]))
	for _, m := range s.maps[templateID] {
		out = append(out, m.Version)
	}
	return out
}

// Commit persists a new version atomically. baseVersion is the version the
// operator calibrated from (0 when none existed); if another commit landed
// first the whole commit fails with StaleCalibration and nothing changes.
// The entry set is validated before anything is stored: a partial update
// would leave some fields correctly placed and others stale, which is worse
// than an obviously broken full set.
func (s *CoordinateStore) Commit(templateID string, baseVersion int, entries []model.FieldCoordinate) (model.CoordinateMap, error) {
	if err := validateEntries(entries); err != nil {
		return model.CoordinateMap{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	versions := s.maps[templateID]
	if len(versions) > 0 {
		current = versions[len(versions)-1].Version
	}
	if baseVersion != current {
		return model.CoordinateMap{}, &model.StaleCalibrationError{
			TemplateID:     templateID,
			BaseVersion:    baseVersion,
			CurrentVersion: current,
		}
	}

	m := model.CoordinateMap{
		TemplateID: templateID,
		Version:    current + 1,
		Units:      model.UnitPDFPointsBottomLeft,
		Entries:    append([]model.FieldCoordinate(nil), entries...),
	}
	s.maps[templateID] = append(versions, m)

	return cloneMap(m), nil
}

func validateEntries(entries []model.FieldCoordinate) error {
	if len(entries) == 0 {
		return fmt.Errorf("coordinate map must have at least one entry")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.FieldName == "" {
			return fmt.Errorf("coordinate entry missing field name")
		}
		if seen[e.FieldName] {
			return fmt.Errorf("duplicate coordinate entry for field %s", e.FieldName)
		}
		seen[e.FieldName] = true
		switch e.Kind {
		case model.FieldSignature, model.FieldInitials, model.FieldText:
		default:
			return fmt.Errorf("field %s has unknown kind %q", e.FieldName, e.Kind)
		}
		if e.PageIndex < 0 {
			return fmt.Errorf("field %s has negative page index", e.FieldName)
		}
		if e.Width <= 0 || e.Height <= 0 {
			return fmt.Errorf("field %s has non-positive dimensions", e.FieldName)
		}
		if e.X < 0 || e.Y < 0 {
			return fmt.Errorf("field %s has negative position", e.FieldName)
		}
	}
	return nil
}

func cloneMap(m model.CoordinateMap) model.CoordinateMap {
	out := m
	out.Entries = append([]model.FieldCoordinate(nil), m.Entries...)
	return out
}
