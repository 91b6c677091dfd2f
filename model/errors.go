package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the pipeline's failure taxonomy. Renderer, mapper and
// converter failures are deterministic and never retried; only provider
// network calls retry, and only on ErrProviderUnavailable.
var (
	ErrUnknownContractType   = errors.New("unknown contract type")
	ErrMissingRequiredField  = errors.New("missing required field")
	ErrLayoutDrift           = errors.New("layout drift")
	ErrNoCalibration         = errors.New("no calibration")
	ErrStaleCalibration      = errors.New("stale calibration")
	ErrCoordinateOutOfBounds = errors.New("coordinate out of bounds")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrProviderRejected      = errors.New("provider rejected")
	ErrGenerationInFlight    = errors.New("generation already in flight")
	ErrIllegalTransition     = errors.New("illegal lifecycle transition")
	ErrUnknownProviderEvent  = errors.New("unknown provider event")
)

// PlaceholderMismatchError reports placeholders required but absent, and
// values supplied but unknown to the template. Both directions are hard
// errors: an extra key means the mapper is out of sync with the template.
type PlaceholderMismatchError struct {
	TemplateID string
	Missing    []string
	Unexpected []string
}

func (e *PlaceholderMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	return fmt.Sprintf("placeholder mismatch for template %s (%s)", e.TemplateID, strings.Join(parts, "; "))
}

// LayoutDriftError is raised when conversion changes page geometry. The
// artifact must be regenerated; an existing coordinate map is never reused
// against a drifted artifact.
type LayoutDriftError struct {
	InPages  int
	OutPages int
	Detail   string
}

func (e *LayoutDriftError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("layout drift: %s", e.Detail)
	}
	return fmt.Sprintf("layout drift: page count changed from %d to %d", e.InPages, e.OutPages)
}

func (e *LayoutDriftError) Unwrap() error { return ErrLayoutDrift }

// StaleCalibrationError is returned when a commit loses the compare-and-swap
// against the version it was calibrated from.
type StaleCalibrationError struct {
	TemplateID     string
	BaseVersion    int
	CurrentVersion int
}

func (e *StaleCalibrationError) Error() string {
	return fmt.Sprintf("stale calibration for template %s: committed against version %d but store is at %d",
		e.TemplateID, e.BaseVersion, e.CurrentVersion)
}

func (e *StaleCalibrationError) Unwrap() error { return ErrStaleCalibration }

// CoordinateOutOfBoundsError identifies the first field that falls outside
// the artifact's captured page dimensions. Injection fails the whole batch.
type CoordinateOutOfBoundsError struct {
	FieldName string
	PageIndex int
	PageCount int
}

func (e *CoordinateOutOfBoundsError) Error() string {
	return fmt.Sprintf("field %s out of bounds on page %d (artifact has %d pages)",
		e.FieldName, e.PageIndex, e.PageCount)
}

func (e *CoordinateOutOfBoundsError) Unwrap() error { return ErrCoordinateOutOfBounds }

// ProviderError carries the provider's raw response for operator diagnosis.
// Transient errors unwrap to ErrProviderUnavailable and may be retried with
// backoff; everything else unwraps to ErrProviderRejected and is fatal.
type ProviderError struct {
	StatusCode int
	Payload    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "unavailable"
	}
	return fmt.Sprintf("provider %s (status %d): %s", kind, e.StatusCode, e.Payload)
}

func (e *ProviderError) Unwrap() error {
	if e.Transient {
		return ErrProviderUnavailable
	}
	return ErrProviderRejected
}
