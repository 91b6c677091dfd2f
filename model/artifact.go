package model

import "time"

// PageDim is one page's dimensions in PDF points.
type PageDim struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// GeneratedArtifact records the fixed-layout document produced for one
// contract. Produced once, then immutable. PageDimensions is captured at
// render time and checked against the coordinate map before field injection;
// a mismatch is a fatal calibration error.
type GeneratedArtifact struct {
	ContractID      string    `json:"contract_id" db:"contract_id"`
	TemplateID      string    `json:"template_id" db:"template_id"`
	TemplateVersion int       `json:"template_version" db:"template_version"`
	ObjectKey       string    `json:"object_key" db:"object_key"`
	PageCount       int       `json:"page_count" db:"page_count"`
	PageDimensions  []PageDim `json:"page_dimensions" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ContainsBox reports whether the box described by fc fits inside the
// artifact's page it targets. Bottom-left origin, PDF points.
func (a *GeneratedArtifact) ContainsBox(fc FieldCoordinate) bool {
	if fc.PageIndex < 0 || fc.PageIndex >= len(a.PageDimensions) {
		return false
	}
	dim := a.PageDimensions[fc.PageIndex]
	if fc.X < 0 || fc.Y < 0 || fc.Width <= 0 || fc.Height <= 0 {
		return false
	}
	return fc.X+fc.Width <= dim.Width && fc.Y+fc.Height <= dim.Height
}
