package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// fakeConverter returns a canned two-page artifact. An optional gate lets a
// test hold a generation run inside the conversion stage.
type fakeConverter struct {
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (f *fakeConverter) Convert(ctx context.Context, data []byte, fromFormat, toFormat string) (*ConversionResult, error) {
	f.calls++
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return &ConversionResult{
		Data:           []byte("%PDF-1.7 converted"),
		PageCount:      2,
		PageDimensions: letterDims(2),
	}, nil
}

// fakePipelineProvider counts adapter calls and can fail a stage a set number
// of times.
type fakePipelineProvider struct {
	uploadCalls  int
	injectCalls  int
	inviteCalls  int
	voidCalls    int
	uploadFails  int
	inviteFails  int
	pollState    model.SessionState
	lastInjected []model.InjectedField
}

func (f *fakePipelineProvider) Upload(ctx context.Context, artifact []byte, filename string) (string, error) {
	f.uploadCalls++
	if f.uploadFails > 0 {
		f.uploadFails--
		return "", &model.ProviderError{StatusCode: 503, Payload: "upstream down", Transient: true}
	}
	return "doc-" + strings.TrimSuffix(filename, ".pdf"), nil
}

func (f *fakePipelineProvider) InjectFields(ctx context.Context, providerDocumentID string, coordMap model.CoordinateMap, vars model.ContractVariables, artifact *model.GeneratedArtifact) ([]model.InjectedField, error) {
	f.injectCalls++
	injected := make([]model.InjectedField, 0, len(coordMap.Entries))
	for _, fc := range coordMap.Entries {
		value := ""
		if fc.Kind == model.FieldText && fc.Prefill {
			value = vars[fc.FieldName]
		}
		injected = append(injected, model.InjectedField{
			FieldName: fc.FieldName,
			Kind:      fc.Kind,
			PageIndex: fc.PageIndex,
			Value:     value,
		})
	}
	f.lastInjected = injected
	return injected, nil
}

func (f *fakePipelineProvider) SendInvitation(ctx context.Context, providerDocumentID, signerEmail string) error {
	f.inviteCalls++
	if f.inviteFails > 0 {
		f.inviteFails--
		return &model.ProviderError{StatusCode: 502, Payload: "upstream down", Transient: true}
	}
	return nil
}

func (f *fakePipelineProvider) PollStatus(ctx context.Context, providerDocumentID string) (model.SessionState, error) {
	return f.pollState, nil
}

func (f *fakePipelineProvider) Void(ctx context.Context, providerDocumentID string) error {
	f.voidCalls++
	return nil
}

// fakeRecords serves one contract and collects writes. Session rows survive
// in the map the way the relational rows would survive a process restart.
type fakeRecords struct {
	input       model.ContractInput
	typ         model.ContractType
	artifacts   []*model.GeneratedArtifact
	transitions []model.StateTransition
	sessions    map[string]*model.SigningSession
}

func (f *fakeRecords) BuildContractInput(ctx context.Context, contractID string) (model.ContractInput, model.ContractType, error) {
	return f.input, f.typ, nil
}

func (f *fakeRecords) SaveArtifact(ctx context.Context, a *model.GeneratedArtifact) error {
	f.artifacts = append(f.artifacts, a)
	return nil
}

func (f *fakeRecords) SaveTransition(ctx context.Context, contractID string, tr model.StateTransition) error {
	f.transitions = append(f.transitions, tr)
	return nil
}

func (f *fakeRecords) SaveSession(ctx context.Context, s *model.SigningSession) error {
	if f.sessions == nil {
		f.sessions = make(map[string]*model.SigningSession)
	}
	f.sessions[s.ContractID] = copySession(s)
	return nil
}

func (f *fakeRecords) LoadSession(ctx context.Context, contractID string) (*model.SigningSession, error) {
	s, ok := f.sessions[contractID]
	if !ok {
		return nil, nil
	}
	// The session row does not carry injected fields; they are provider-side
	// state rebuilt on re-injection.
	cp := copySession(s)
	cp.Fields = nil
	return cp, nil
}

func (f *fakeRecords) LoadSessionByProviderDocument(ctx context.Context, providerDocumentID string) (*model.SigningSession, error) {
	for _, s := range f.sessions {
		if s.ProviderDocumentID == providerDocumentID {
			return f.LoadSession(ctx, s.ContractID)
		}
	}
	return nil, nil
}

func laborTemplateBody() []byte {
	return []byte("Agreement between {$client_name} ({$client_initials}), {$client_email},\n" +
		"and {$doula_name} for services on {$service_date}.\n" +
		"Total {$total_fee}. Deposit {$deposit}. Balance {$balance}.")
}

type pipelineFixture struct {
	pipeline  *Pipeline
	storage   *fakeObjectStore
	coords    *CoordinateStore
	sessions  *SessionStore
	converter *fakeConverter
	provider  *fakePipelineProvider
	records   *fakeRecords
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	registry, err := NewTemplateRegistry(testTemplateEntries())
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	storage := newFakeObjectStore()
	storage.objects["templates/labor-support-v2.docx"] = laborTemplateBody()

	f := &pipelineFixture{
		storage:   storage,
		coords:    NewCoordinateStore(),
		sessions:  NewSessionStore(),
		converter: &fakeConverter{},
		provider:  &fakePipelineProvider{},
		records:   &fakeRecords{input: validInput(), typ: model.TypeLaborSupport},
	}
	f.pipeline = NewPipeline(
		registry,
		NewVariableMapper(),
		NewTemplateRenderer(),
		f.converter,
		f.provider,
		f.storage,
		f.coords,
		f.sessions,
		f.records,
		&fakeGeometry{pageCount: 2, dims: letterDims(2)},
	)
	return f
}

// restart rebuilds the pipeline over the same durable collaborators with
// fresh in-memory caches, as after a process restart.
func (f *pipelineFixture) restart(t *testing.T) *Pipeline {
	t.Helper()

	registry, err := NewTemplateRegistry(testTemplateEntries())
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	f.sessions = NewSessionStore()
	f.pipeline = NewPipeline(
		registry,
		NewVariableMapper(),
		NewTemplateRenderer(),
		f.converter,
		f.provider,
		f.storage,
		f.coords,
		f.sessions,
		f.records,
		&fakeGeometry{pageCount: 2, dims: letterDims(2)},
	)
	return f.pipeline
}

func (f *pipelineFixture) calibrate(t *testing.T) {
	t.Helper()
	if _, err := f.coords.Commit("labor-support-v2", 0, testEntries()); err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}
}

func TestPipelineGenerate(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)

	session, err := f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if session.State != model.StateInvitationSent {
		t.Errorf("Expected final state invitation_sent, got %s", session.State)
	}
	if session.ProviderDocumentID != "doc-contract-1" {
		t.Errorf("Expected provider document id recorded, got %s", session.ProviderDocumentID)
	}
	if len(session.Fields) != 3 {
		t.Errorf("Expected 3 injected fields, got %d", len(session.Fields))
	}

	// Artifact persisted and stored under the contract's key
	if len(f.records.artifacts) != 1 {
		t.Fatalf("Expected one saved artifact, got %d", len(f.records.artifacts))
	}
	artifact := f.records.artifacts[0]
	if artifact.ObjectKey != "contracts/contract-1/labor-support-v2.pdf" {
		t.Errorf("Unexpected artifact key %s", artifact.ObjectKey)
	}
	if artifact.TemplateVersion != 2 || artifact.PageCount != 2 {
		t.Errorf("Unexpected artifact metadata: %+v", artifact)
	}
	if _, ok := f.storage.objects[artifact.ObjectKey]; !ok {
		t.Error("Expected converted artifact in object storage")
	}

	// Prefilled text field got its value from the variable dictionary
	for _, field := range f.provider.lastInjected {
		if field.FieldName == "service_date" && field.Value != "2025-09-15" {
			t.Errorf("Expected prefilled service_date, got %q", field.Value)
		}
	}

	// Every lifecycle transition was persisted
	wantStates := []model.SessionState{model.StateUploaded, model.StateFieldsInjected, model.StateInvitationSent}
	if len(f.records.transitions) != len(wantStates) {
		t.Fatalf("Expected %d transitions, got %d", len(wantStates), len(f.records.transitions))
	}
	for i, want := range wantStates {
		if f.records.transitions[i].To != want {
			t.Errorf("Transition %d: expected %s, got %s", i, want, f.records.transitions[i].To)
		}
	}
}

func TestPipelineResumeAfterUploadFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)
	f.provider.uploadFails = 1

	_, err := f.pipeline.Generate(context.Background(), "contract-1")
	if !errors.Is(err, model.ErrProviderUnavailable) {
		var perr *model.ProviderError
		if !errors.As(err, &perr) || !perr.Transient {
			t.Fatalf("Expected transient provider error, got %v", err)
		}
	}

	// The session survived at the rendered state
	session := f.sessions.Get("contract-1")
	if session == nil || session.State != model.StateRendered {
		t.Fatalf("Expected session at rendered, got %+v", session)
	}

	// The re-run resumes past rendering and conversion
	session, err = f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if session.State != model.StateInvitationSent {
		t.Errorf("Expected invitation_sent after resume, got %s", session.State)
	}
	if f.converter.calls != 1 {
		t.Errorf("Expected conversion to run once, got %d", f.converter.calls)
	}
	if f.provider.uploadCalls != 2 {
		t.Errorf("Expected 2 upload attempts across runs, got %d", f.provider.uploadCalls)
	}
}

func TestPipelineNoCalibrationBlocksInjection(t *testing.T) {
	f := newPipelineFixture(t)
	// No coordinate map committed

	_, err := f.pipeline.Generate(context.Background(), "contract-1")
	if !errors.Is(err, model.ErrNoCalibration) {
		t.Fatalf("Expected ErrNoCalibration, got %v", err)
	}

	// Upload completed; the run is parked at uploaded
	session := f.sessions.Get("contract-1")
	if session == nil || session.State != model.StateUploaded {
		t.Fatalf("Expected session at uploaded, got %+v", session)
	}
	if f.provider.injectCalls != 0 {
		t.Errorf("Expected no injection without calibration, got %d", f.provider.injectCalls)
	}

	// Calibrating unblocks the re-run, without a second upload
	f.calibrate(t)
	session, err = f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if session.State != model.StateInvitationSent {
		t.Errorf("Expected invitation_sent, got %s", session.State)
	}
	if f.provider.uploadCalls != 1 {
		t.Errorf("Expected a single upload, got %d", f.provider.uploadCalls)
	}
}

func TestPipelineReinjectionAfterRecalibration(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)
	f.provider.inviteFails = 1

	// First run parks at fields_injected because the invitation fails
	_, err := f.pipeline.Generate(context.Background(), "contract-1")
	if err == nil {
		t.Fatal("Expected invitation failure")
	}
	session := f.sessions.Get("contract-1")
	if session.State != model.StateFieldsInjected {
		t.Fatalf("Expected fields_injected, got %s", session.State)
	}

	// Recalibrate, then re-run: fields are injected again with the new map
	entries := testEntries()
	entries[0].X = 144
	if _, err := f.coords.Commit("labor-support-v2", 1, entries); err != nil {
		t.Fatalf("Recalibration failed: %v", err)
	}

	session, err = f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Re-run failed: %v", err)
	}
	if session.State != model.StateInvitationSent {
		t.Errorf("Expected invitation_sent, got %s", session.State)
	}
	if f.provider.injectCalls != 2 {
		t.Errorf("Expected re-injection, got %d inject calls", f.provider.injectCalls)
	}

	// The self-loop is visible in history with the new map version
	found := false
	for _, tr := range session.History {
		if tr.From == model.StateFieldsInjected && tr.To == model.StateFieldsInjected && tr.Note == "coordinate map v2" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected recorded re-injection self-loop, history: %+v", session.History)
	}
}

func TestPipelineSingleFlight(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)
	f.converter.entered = make(chan struct{})
	f.converter.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Generate(context.Background(), "contract-1")
		done <- err
	}()

	// Wait until the first run is inside the conversion stage
	<-f.converter.entered

	if _, err := f.pipeline.Generate(context.Background(), "contract-1"); !errors.Is(err, model.ErrGenerationInFlight) {
		t.Errorf("Expected ErrGenerationInFlight, got %v", err)
	}

	close(f.converter.release)
	if err := <-done; err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// With the first run finished the contract is no longer locked
	if _, err := f.pipeline.Generate(context.Background(), "contract-1"); errors.Is(err, model.ErrGenerationInFlight) {
		t.Error("Expected the lock to be released after the run")
	}
}

func TestPipelinePoll(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)

	if _, err := f.pipeline.Generate(context.Background(), "contract-1"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	f.provider.pollState = model.StateViewed
	state, err := f.pipeline.Poll(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if state != model.StateViewed {
		t.Errorf("Expected viewed, got %s", state)
	}

	// A stale provider read never moves the lifecycle backwards
	f.provider.pollState = model.StateInvitationSent
	state, err = f.pipeline.Poll(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if state != model.StateViewed {
		t.Errorf("Expected state to remain viewed, got %s", state)
	}

	f.provider.pollState = model.StateSigned
	state, err = f.pipeline.Poll(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if state != model.StateSigned {
		t.Errorf("Expected signed, got %s", state)
	}

	// Terminal sessions are not polled again
	f.provider.pollState = model.StateViewed
	state, err = f.pipeline.Poll(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if state != model.StateSigned {
		t.Errorf("Expected signed to stick, got %s", state)
	}

	if _, err := f.pipeline.Poll(context.Background(), "missing"); err == nil {
		t.Error("Expected error for unknown contract")
	}
}

func TestPipelineApplyProviderEvent(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)

	session, err := f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	docID := session.ProviderDocumentID

	state, err := f.pipeline.ApplyProviderEvent(context.Background(), docID, "document.viewed")
	if err != nil {
		t.Fatalf("ApplyProviderEvent failed: %v", err)
	}
	if state != model.StateViewed {
		t.Errorf("Expected viewed, got %s", state)
	}

	// Replayed event is a harmless no-op
	state, err = f.pipeline.ApplyProviderEvent(context.Background(), docID, "document.viewed")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if state != model.StateViewed {
		t.Errorf("Expected viewed after replay, got %s", state)
	}

	state, err = f.pipeline.ApplyProviderEvent(context.Background(), docID, "document.signed")
	if err != nil {
		t.Fatalf("ApplyProviderEvent failed: %v", err)
	}
	if state != model.StateSigned {
		t.Errorf("Expected signed, got %s", state)
	}

	if _, err := f.pipeline.ApplyProviderEvent(context.Background(), "doc-unknown", "document.signed"); err == nil {
		t.Error("Expected error for unknown provider document")
	}
	if _, err := f.pipeline.ApplyProviderEvent(context.Background(), docID, "document.paid"); !errors.Is(err, model.ErrUnknownProviderEvent) {
		t.Errorf("Expected ErrUnknownProviderEvent, got %v", err)
	}
}

func TestPipelineRestartReusesSession(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)

	first, err := f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// A fresh process finds the session in the records store instead of
	// starting the contract over.
	restarted := f.restart(t)
	session, err := restarted.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Generate after restart failed: %v", err)
	}

	if session.ProviderDocumentID != first.ProviderDocumentID {
		t.Errorf("Expected the original provider document %s, got %s", first.ProviderDocumentID, session.ProviderDocumentID)
	}
	if session.State != model.StateInvitationSent {
		t.Errorf("Expected invitation_sent, got %s", session.State)
	}
	if f.provider.uploadCalls != 1 {
		t.Errorf("Expected a single upload across restarts, got %d", f.provider.uploadCalls)
	}
	if f.converter.calls != 1 {
		t.Errorf("Expected a single conversion across restarts, got %d", f.converter.calls)
	}
	if len(f.records.artifacts) != 1 {
		t.Errorf("Expected one artifact row across restarts, got %d", len(f.records.artifacts))
	}

	// The recovered session carries the persisted history
	if len(session.History) == 0 {
		t.Error("Expected transition history to survive the restart")
	}
}

func TestPipelineRestartResumesMidLifecycle(t *testing.T) {
	f := newPipelineFixture(t)
	// No calibration: the first run parks at uploaded

	if _, err := f.pipeline.Generate(context.Background(), "contract-1"); !errors.Is(err, model.ErrNoCalibration) {
		t.Fatalf("Expected ErrNoCalibration, got %v", err)
	}

	restarted := f.restart(t)
	f.calibrate(t)

	session, err := restarted.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Resume after restart failed: %v", err)
	}
	if session.State != model.StateInvitationSent {
		t.Errorf("Expected invitation_sent, got %s", session.State)
	}
	if session.ProviderDocumentID != "doc-contract-1" {
		t.Errorf("Expected the original provider document, got %s", session.ProviderDocumentID)
	}
	if f.provider.uploadCalls != 1 {
		t.Errorf("Expected a single upload across restarts, got %d", f.provider.uploadCalls)
	}
}

func TestPipelineRestartRecoversWebhookLookup(t *testing.T) {
	f := newPipelineFixture(t)
	f.calibrate(t)

	session, err := f.pipeline.Generate(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	restarted := f.restart(t)
	state, err := restarted.ApplyProviderEvent(context.Background(), session.ProviderDocumentID, "document.viewed")
	if err != nil {
		t.Fatalf("ApplyProviderEvent after restart failed: %v", err)
	}
	if state != model.StateViewed {
		t.Errorf("Expected viewed, got %s", state)
	}
}
