package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sokanacollectiveCRM/backend-sub000/config"
	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// GeometryReader measures a fixed-layout document independently of what the
// converter claims about it.
type GeometryReader interface {
	PageGeometry(data []byte) (int, []model.PageDim, error)
}

// ConverterService adapts the external layout-preservation conversion
// service. The contract is strict: the output must have the same page count
// and page dimensions as the input (integer rounding allowed); anything else
// is a LayoutDriftError surfaced immediately instead of being discovered
// later as a coordinate mismatch.
type ConverterService struct {
	config     *config.ConverterConfig
	httpClient *http.Client
	geometry   GeometryReader
}

// ConversionResult is the converted artifact plus its verified geometry.
type ConversionResult struct {
	Data           []byte
	PageCount      int
	PageDimensions []model.PageDim
}

type convertResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		File            string `json:"file"` // base64
		SourcePageCount int    `json:"source_page_count"`
		PageCount       int    `json:"page_count"`
		Pages           []struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"pages"`
	} `json:"data"`
}

func NewConverterService(cfg *config.ConverterConfig, geometry GeometryReader) *ConverterService {
	return &ConverterService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		geometry: geometry,
	}
}

// Convert transforms the rendered document into a fixed-layout artifact.
// Deterministic conversion failures are not retried here; the converter is
// possibly slow, synchronous, and may fail transiently, in which case the
// operator re-runs generation.
func (s *ConverterService) Convert(ctx context.Context, data []byte, fromFormat, toFormat string) (*ConversionResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "document."+fromFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	writer.WriteField("source_format", fromFormat)
	writer.WriteField("target_format", toFormat)
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/v1/convert", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("converter returned status %d: %s", resp.StatusCode, string(body))
	}

	var result convertResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("converter error: %s", result.Message)
	}

	converted, err := base64.StdEncoding.DecodeString(result.Data.File)
	if err != nil {
		return nil, fmt.Errorf("failed to decode converted file: %w", err)
	}

	// Layout-preservation contract, part 1: the converter must not change
	// the page count between its input and output.
	if result.Data.PageCount != result.Data.SourcePageCount {
		return nil, &model.LayoutDriftError{
			InPages:  result.Data.SourcePageCount,
			OutPages: result.Data.PageCount,
		}
	}

	// Part 2: measure the returned artifact ourselves and compare against
	// the converter's claimed geometry, allowing integer-unit rounding.
	pageCount, dims, err := s.geometry.PageGeometry(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to measure converted artifact: %w", err)
	}
	if pageCount != result.Data.PageCount {
		return nil, &model.LayoutDriftError{
			InPages:  result.Data.PageCount,
			OutPages: pageCount,
			Detail:   fmt.Sprintf("converter reported %d pages but artifact has %d", result.Data.PageCount, pageCount),
		}
	}
	for i, p := range result.Data.Pages {
		if i >= len(dims) {
			break
		}
		if math.Abs(p.Width-dims[i].Width) > 1.0 || math.Abs(p.Height-dims[i].Height) > 1.0 {
			return nil, &model.LayoutDriftError{
				InPages:  result.Data.PageCount,
				OutPages: pageCount,
				Detail: fmt.Sprintf("page %d dimensions drifted: reported %.1fx%.1f, measured %.1fx%.1f",
					i, p.Width, p.Height, dims[i].Width, dims[i].Height),
			}
		}
	}

	return &ConversionResult{
		Data:           converted,
		PageCount:      pageCount,
		PageDimensions: dims,
	}, nil
}
