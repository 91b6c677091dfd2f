package model

// Coordinate maps are stored in exactly one unit system and page-origin
// convention. Everything inside this service works in PDF points with a
// bottom-left page origin; the provider adapter owns the single conversion to
// the provider's native convention. Mixing conventions per call site is the
// most error-prone failure mode of the whole pipeline, so the convention is a
// constant here rather than a per-map setting.
const UnitPDFPointsBottomLeft = "pdf_points_bottom_left"

// FieldKind selects the provider-side field type created for a coordinate.
type FieldKind string

const (
	FieldSignature FieldKind = "signature"
	FieldInitials  FieldKind = "initials"
	FieldText      FieldKind = "text"
)

// FieldCoordinate places one semantic field on one page of a template's
// artifact. PageIndex is 0-based.
type FieldCoordinate struct {
	FieldName string    `json:"field_name"`
	Kind      FieldKind `json:"kind"`
	PageIndex int       `json:"page_index"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	// Prefill marks text fields populated from contract variables at
	// injection time, so the signer never re-types data the system already
	// has (dates, amounts).
	Prefill bool `json:"prefill,omitempty"`
}

// CoordinateMap is one committed calibration version for a template id.
type CoordinateMap struct {
	TemplateID string            `json:"template_id"`
	Version    int               `json:"version"`
	Units      string            `json:"units"`
	Entries    []FieldCoordinate `json:"entries"`
}

// Entry returns the coordinate for fieldName, or nil.
func (m *CoordinateMap) Entry(fieldName string) *FieldCoordinate {
	for i := range m.Entries {
		if m.Entries[i].FieldName == fieldName {
			return &m.Entries[i]
		}
	}
	return nil
}
