package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sokanacollectiveCRM/backend-sub000/config"
	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) GetObject(ctx context.Context, objectName string) ([]byte, error) {
	data, ok := f.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return data, nil
}

func (f *fakeStore) PutObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	f.objects[objectName] = data
	return nil
}

func (f *fakeStore) PresignedURL(ctx context.Context, objectName string) (string, error) {
	return "https://storage.local/" + objectName, nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, objectName string) error {
	delete(f.objects, objectName)
	return nil
}

type fakeConverter struct{}

func (f *fakeConverter) Convert(ctx context.Context, data []byte, fromFormat, toFormat string) (*service.ConversionResult, error) {
	return &service.ConversionResult{
		Data:           []byte("%PDF-1.7 converted"),
		PageCount:      2,
		PageDimensions: []model.PageDim{{Width: 612, Height: 792}, {Width: 612, Height: 792}},
	}, nil
}

type fakeProvider struct {
	pollState model.SessionState
	pollErr   error
}

func (f *fakeProvider) Upload(ctx context.Context, artifact []byte, filename string) (string, error) {
	return "doc-1", nil
}

func (f *fakeProvider) InjectFields(ctx context.Context, providerDocumentID string, coordMap model.CoordinateMap, vars model.ContractVariables, artifact *model.GeneratedArtifact) ([]model.InjectedField, error) {
	fields := make([]model.InjectedField, 0, len(coordMap.Entries))
	for _, fc := range coordMap.Entries {
		fields = append(fields, model.InjectedField{FieldName: fc.FieldName, Kind: fc.Kind, PageIndex: fc.PageIndex})
	}
	return fields, nil
}

func (f *fakeProvider) SendInvitation(ctx context.Context, providerDocumentID, signerEmail string) error {
	return nil
}

func (f *fakeProvider) PollStatus(ctx context.Context, providerDocumentID string) (model.SessionState, error) {
	if f.pollErr != nil {
		return "", f.pollErr
	}
	return f.pollState, nil
}

func (f *fakeProvider) Void(ctx context.Context, providerDocumentID string) error {
	return nil
}

type fakeRecords struct {
	input    model.ContractInput
	typ      model.ContractType
	err      error
	sessions map[string]*model.SigningSession
}

func (f *fakeRecords) BuildContractInput(ctx context.Context, contractID string) (model.ContractInput, model.ContractType, error) {
	if f.err != nil {
		return model.ContractInput{}, "", f.err
	}
	return f.input, f.typ, nil
}

func (f *fakeRecords) SaveArtifact(ctx context.Context, a *model.GeneratedArtifact) error { return nil }

func (f *fakeRecords) SaveTransition(ctx context.Context, contractID string, tr model.StateTransition) error {
	return nil
}

func (f *fakeRecords) SaveSession(ctx context.Context, s *model.SigningSession) error {
	if f.sessions == nil {
		f.sessions = make(map[string]*model.SigningSession)
	}
	f.sessions[s.ContractID] = s
	return nil
}

func (f *fakeRecords) LoadSession(ctx context.Context, contractID string) (*model.SigningSession, error) {
	return f.sessions[contractID], nil
}

func (f *fakeRecords) LoadSessionByProviderDocument(ctx context.Context, providerDocumentID string) (*model.SigningSession, error) {
	for _, s := range f.sessions {
		if s.ProviderDocumentID == providerDocumentID {
			return s, nil
		}
	}
	return nil, nil
}

type fakeGeometry struct{}

func (f *fakeGeometry) PageGeometry(data []byte) (int, []model.PageDim, error) {
	return 2, []model.PageDim{{Width: 612, Height: 792}, {Width: 612, Height: 792}}, nil
}

type fakeStamper struct{}

func (f *fakeStamper) StampProbe(data []byte, fc model.FieldCoordinate) ([]byte, error) {
	return append(append([]byte(nil), data...), []byte(" probe")...), nil
}

func (f *fakeStamper) PageGeometry(data []byte) (int, []model.PageDim, error) {
	return 2, []model.PageDim{{Width: 612, Height: 792}, {Width: 612, Height: 792}}, nil
}

type testEnv struct {
	pipeline *service.Pipeline
	coords   *service.CoordinateStore
	storage  *fakeStore
	provider *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry, err := service.NewTemplateRegistry([]config.TemplateConfig{
		{
			ID:           "labor-support-v2",
			Version:      2,
			ContractType: "labor_support",
			StorageKey:   "templates/labor-support-v2.docx",
			Placeholders: []string{"client_name", "client_email", "client_initials", "doula_name", "service_date", "total_fee", "deposit", "balance"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	storage := newFakeStore()
	storage.objects["templates/labor-support-v2.docx"] = []byte(
		"Agreement between {$client_name} ({$client_initials}), {$client_email},\n" +
			"and {$doula_name} for services on {$service_date}.\n" +
			"Total {$total_fee}. Deposit {$deposit}. Balance {$balance}.")

	coords := service.NewCoordinateStore()
	provider := &fakeProvider{}

	records := &fakeRecords{
		input: model.ContractInput{
			ClientName:  "Jerry Techluminate",
			ClientEmail: "jerry@example.com",
			DoulaName:   "Amara Okafor",
			ServiceDate: "2025-09-15",
			Total:       "$2,500",
			Deposit:     "$500",
			Balance:     "$2,000",
		},
		typ: model.TypeLaborSupport,
	}

	pipeline := service.NewPipeline(
		registry,
		service.NewVariableMapper(),
		service.NewTemplateRenderer(),
		&fakeConverter{},
		provider,
		storage,
		coords,
		service.NewSessionStore(),
		records,
		&fakeGeometry{},
	)

	return &testEnv{
		pipeline: pipeline,
		coords:   coords,
		storage:  storage,
		provider: provider,
	}
}

func (e *testEnv) calibrate(t *testing.T) {
	t.Helper()
	entries := []model.FieldCoordinate{
		{FieldName: "client_signature", Kind: model.FieldSignature, PageIndex: 1, X: 72, Y: 96, Width: 180, Height: 40},
		{FieldName: "client_initials", Kind: model.FieldInitials, PageIndex: 0, X: 480, Y: 60, Width: 60, Height: 24},
	}
	if _, err := e.coords.Commit("labor-support-v2", 0, entries); err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}
}

func performRequest(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
