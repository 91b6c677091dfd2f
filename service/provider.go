package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sokanacollectiveCRM/backend-sub000/config"
	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/pkg/logger"
)

// tokenExpirySkew refreshes the cached bearer token slightly before the
// provider's reported expiry.
const tokenExpirySkew = 30 * time.Second

// EsignService adapts the e-signature provider's HTTP API: token exchange,
// multipart document upload, full-replace field injection, invitations,
// status reads and voiding. Provider coordinates use a top-left page origin
// in pixels at 72 dpi (1 px == 1 pt); coordinate maps are stored bottom-left
// in points, and toProviderField is the only place that converts between the
// two conventions.
type EsignService struct {
	config     *config.EsignConfig
	httpClient *http.Client

	tokenMu    sync.Mutex
	token      string
	tokenUntil time.Time
}

func NewEsignService(cfg *config.EsignConfig) *EsignService {
	return &EsignService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// bearerToken returns a cached token, re-authenticating only when the cached
// one is missing or about to expire.
func (s *EsignService) bearerToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.token != "" && time.Now().Before(s.tokenUntil) {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", s.config.Username)
	form.Set("password", s.config.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(s.config.ClientID, s.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &model.ProviderError{Payload: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.ProviderError{Payload: err.Error(), Transient: true}
	}
	if resp.StatusCode != http.StatusOK {
		return "", providerError(resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", &model.ProviderError{StatusCode: resp.StatusCode, Payload: string(body)}
	}

	s.token = tok.AccessToken
	s.tokenUntil = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpirySkew)
	return s.token, nil
}

// providerError classifies an HTTP error response. 5xx and 429 are transient
// and retryable; other statuses are an explicit rejection carrying the raw
// payload for operator diagnosis.
func providerError(status int, body []byte) error {
	return &model.ProviderError{
		StatusCode: status,
		Payload:    string(body),
		Transient:  status >= 500 || status == http.StatusTooManyRequests,
	}
}

// doWithRetry executes the request with bounded exponential backoff. Only
// transient failures retry; a rejection or a context cancellation surfaces
// immediately. buildReq is called per attempt because request bodies are
// single-use.
func (s *EsignService) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	delay := 500 * time.Millisecond

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &model.ProviderError{Payload: ctx.Err().Error(), Transient: true}
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := buildReq()
		if err != nil {
			return nil, err
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &model.ProviderError{Payload: ctx.Err().Error(), Transient: true}
			}
			// Network-level failure, including client timeout.
			lastErr = &model.ProviderError{Payload: err.Error(), Transient: true}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &model.ProviderError{Payload: err.Error(), Transient: true}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = providerError(resp.StatusCode, body)
			continue
		}
		return nil, providerError(resp.StatusCode, body)
	}

	return nil, lastErr
}

// Upload pushes the artifact to the provider and returns the provider-side
// document id.
func (s *EsignService) Upload(ctx context.Context, artifact []byte, filename string) (string, error) {
	token, err := s.bearerToken(ctx)
	if err != nil {
		return "", err
	}

	body, err := s.doWithRetry(ctx, func() (*http.Request, error) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return nil, fmt.Errorf("failed to build upload request: %w", err)
		}
		if _, err := part.Write(artifact); err != nil {
			return nil, fmt.Errorf("failed to build upload request: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to build upload request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/document", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.ID == "" {
		return "", &model.ProviderError{Payload: string(body)}
	}
	return result.ID, nil
}

// providerField is the provider's field payload. Coordinates are top-left
// origin pixels.
type providerField struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	PageNumber    int     `json:"page_number"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	Required      bool    `json:"required"`
	PrefilledText string  `json:"prefilled_text,omitempty"`
}

var fieldTypeByKind = map[model.FieldKind]string{
	model.FieldSignature: "signature",
	model.FieldInitials:  "initials",
	model.FieldText:      "text",
}

// toProviderField converts one stored coordinate (bottom-left origin, PDF
// points) into the provider's convention (top-left origin, pixels at 72 dpi).
// This is the single origin-flip in the codebase.
func toProviderField(fc model.FieldCoordinate, page model.PageDim, value string) providerField {
	return providerField{
		Name:          fc.FieldName,
		Type:          fieldTypeByKind[fc.Kind],
		PageNumber:    fc.PageIndex,
		X:             fc.X,
		Y:             page.Height - fc.Y - fc.Height,
		Width:         fc.Width,
		Height:        fc.Height,
		Required:      fc.Kind != model.FieldText,
		PrefilledText: value,
	}
}

// InjectFields creates provider-side fields for every calibrated coordinate.
// The whole batch is bounds-checked against the artifact's captured page
// dimensions before any call is made; one bad coordinate fails everything,
// because a partially-fielded document is worse than none. The provider's
// field endpoint replaces the full set, so re-injection is idempotent.
func (s *EsignService) InjectFields(ctx context.Context, providerDocumentID string, coordMap model.CoordinateMap, vars model.ContractVariables, artifact *model.GeneratedArtifact) ([]model.InjectedField, error) {
	fields := make([]providerField, 0, len(coordMap.Entries))
	injected := make([]model.InjectedField, 0, len(coordMap.Entries))

	for _, fc := range coordMap.Entries {
		if !artifact.ContainsBox(fc) {
			return nil, &model.CoordinateOutOfBoundsError{
				FieldName: fc.FieldName,
				PageIndex: fc.PageIndex,
				PageCount: artifact.PageCount,
			}
		}

		// Pre-fillable fields are populated now so the signer only ever
		// signs, dates and initials.
		value := ""
		if fc.Kind == model.FieldText && fc.Prefill {
			value = vars[fc.FieldName]
		}

		fields = append(fields, toProviderField(fc, artifact.PageDimensions[fc.PageIndex], value))
		injected = append(injected, model.InjectedField{
			FieldName: fc.FieldName,
			Kind:      fc.Kind,
			PageIndex: fc.PageIndex,
			Value:     value,
		})
	}

	token, err := s.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	_, err = s.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.config.APIURL+"/document/"+providerDocumentID, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "fields injected",
		"provider_document_id", providerDocumentID,
		"field_count", len(fields),
	)
	return injected, nil
}

// providerDocument is the provider's document-read response, reduced to what
// the adapter needs for idempotency checks and state derivation.
type providerDocument struct {
	ID      string `json:"id"`
	Invites []struct {
		Email  string `json:"email"`
		Status string `json:"status"` // pending, viewed, fulfilled, declined, expired
	} `json:"invites"`
	Signatures []struct {
		Email    string `json:"email"`
		SignedAt string `json:"signed_at"`
	} `json:"signatures"`
}

func (s *EsignService) getDocument(ctx context.Context, providerDocumentID string) (*providerDocument, error) {
	token, err := s.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := s.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIURL+"/document/"+providerDocumentID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var doc providerDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document response: %w", err)
	}
	return &doc, nil
}

// SendInvitation invites the signer. Resending is idempotent: the provider
// document is read first, and an existing invite for the same signer is left
// alone rather than creating a duplicate signer session.
func (s *EsignService) SendInvitation(ctx context.Context, providerDocumentID, signerEmail string) error {
	doc, err := s.getDocument(ctx, providerDocumentID)
	if err != nil {
		return err
	}
	for _, inv := range doc.Invites {
		if strings.EqualFold(inv.Email, signerEmail) {
			logger.Info(ctx, "invitation already exists, not resending",
				"provider_document_id", providerDocumentID,
			)
			return nil
		}
	}

	token, err := s.bearerToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"email": signerEmail})
	if err != nil {
		return fmt.Errorf("failed to marshal invite: %w", err)
	}

	_, err = s.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/document/"+providerDocumentID+"/invite", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

// PollStatus derives the provider-visible lifecycle state from signer
// activity. Read-only.
func (s *EsignService) PollStatus(ctx context.Context, providerDocumentID string) (model.SessionState, error) {
	doc, err := s.getDocument(ctx, providerDocumentID)
	if err != nil {
		return "", err
	}

	if len(doc.Signatures) > 0 {
		return model.StateSigned, nil
	}
	for _, inv := range doc.Invites {
		switch inv.Status {
		case "fulfilled":
			return model.StateSigned, nil
		case "declined":
			return model.StateDeclined, nil
		case "expired":
			return model.StateExpired, nil
		case "viewed":
			return model.StateViewed, nil
		}
	}
	if len(doc.Invites) > 0 {
		return model.StateInvitationSent, nil
	}
	return model.StateFieldsInjected, nil
}

// Void deletes the provider-side document. Compensating operation for runs
// aborted after upload, so cancellation never leaves an orphaned document.
func (s *EsignService) Void(ctx context.Context, providerDocumentID string) error {
	token, err := s.bearerToken(ctx)
	if err != nil {
		return err
	}

	_, err = s.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.config.APIURL+"/document/"+providerDocumentID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	return err
}

// VerifyWebhook checks the event checksum: SHA256(documentID + seed + content).
func (s *EsignService) VerifyWebhook(checksum, documentID, content string) bool {
	hash := sha256.Sum256([]byte(documentID + s.config.WebhookSeed + content))
	return checksum == hex.EncodeToString(hash[:])
}
