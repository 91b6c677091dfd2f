package service

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// PDFKit reads page geometry and stamps calibration probes. It is the only
// place in the service that opens a PDF; everything else treats artifacts as
// opaque byte streams.
type PDFKit struct{}

func NewPDFKit() *PDFKit {
	return &PDFKit{}
}

// PageGeometry returns the page count and per-page dimensions in PDF points.
func (k *PDFKit) PageGeometry(data []byte) (int, []model.PageDim, error) {
	dims, err := api.PageDims(bytes.NewReader(data), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read page dimensions: %w", err)
	}

	out := make([]model.PageDim, len(dims))
	for i, d := range dims {
		out[i] = model.PageDim{Width: d.Width, Height: d.Height}
	}
	return len(dims), out, nil
}

// StampProbe renders a visible marker for one field coordinate onto a copy of
// the artifact: the field name in a red bordered box, anchored at the field's
// bottom-left corner. Pages are selected 1-based by pdfcpu.
func (k *PDFKit) StampProbe(data []byte, fc model.FieldCoordinate) ([]byte, error) {
	desc := fmt.Sprintf(
		"font:Helvetica, points:9, scale:1 abs, rot:0, pos:bl, off:%.1f %.1f, fillc:#DE3226, strokec:#DE3226, bgcol:#FFF2F0, border:1 #DE3226, op:0.9",
		fc.X, fc.Y,
	)
	label := fmt.Sprintf("%s %.0fx%.0f", fc.FieldName, fc.Width, fc.Height)

	wm, err := api.TextWatermark(label, desc, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe marker: %w", err)
	}

	var out bytes.Buffer
	pages := []string{fmt.Sprintf("%d", fc.PageIndex+1)}
	if err := api.AddWatermarks(bytes.NewReader(data), &out, pages, wm, nil); err != nil {
		return nil, fmt.Errorf("failed to stamp probe: %w", err)
	}
	return out.Bytes(), nil
}
