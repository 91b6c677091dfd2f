package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
	"github.com/sokanacollectiveCRM/backend-sub000/pkg/logger"
)

// Converter is the layout-preserving conversion stage.
type Converter interface {
	Convert(ctx context.Context, data []byte, fromFormat, toFormat string) (*ConversionResult, error)
}

// Provider is the e-signature provider adapter surface the pipeline drives.
type Provider interface {
	Upload(ctx context.Context, artifact []byte, filename string) (string, error)
	InjectFields(ctx context.Context, providerDocumentID string, coordMap model.CoordinateMap, vars model.ContractVariables, artifact *model.GeneratedArtifact) ([]model.InjectedField, error)
	SendInvitation(ctx context.Context, providerDocumentID, signerEmail string) error
	PollStatus(ctx context.Context, providerDocumentID string) (model.SessionState, error)
	Void(ctx context.Context, providerDocumentID string) error
}

// ContractRecords is the relational-store surface the pipeline consumes.
// Sessions are written through on every change and read back after a process
// restart, so the in-memory store is a cache, not the source of truth.
type ContractRecords interface {
	BuildContractInput(ctx context.Context, contractID string) (model.ContractInput, model.ContractType, error)
	SaveArtifact(ctx context.Context, a *model.GeneratedArtifact) error
	SaveTransition(ctx context.Context, contractID string, tr model.StateTransition) error
	SaveSession(ctx context.Context, s *model.SigningSession) error
	LoadSession(ctx context.Context, contractID string) (*model.SigningSession, error)
	LoadSessionByProviderDocument(ctx context.Context, providerDocumentID string) (*model.SigningSession, error)
}

// Pipeline runs the contract generation sequence: registry -> mapper ->
// renderer -> converter -> artifact -> coordinate lookup -> provider upload,
// field injection and invitation. Stages for one contract run strictly in
// order and single-flight; different contracts run independently. A fatal
// error leaves the contract at its last reached lifecycle state, and a
// re-run resumes past the completed stages.
type Pipeline struct {
	registry  *TemplateRegistry
	mapper    *VariableMapper
	renderer  *TemplateRenderer
	converter Converter
	provider  Provider
	storage   ObjectStore
	coords    *CoordinateStore
	sessions  *SessionStore
	records   ContractRecords
	geometry  GeometryReader

	mu        sync.Mutex
	inflight  map[string]bool
	artifacts map[string]*model.GeneratedArtifact
}

func NewPipeline(
	registry *TemplateRegistry,
	mapper *VariableMapper,
	renderer *TemplateRenderer,
	converter Converter,
	provider Provider,
	storage ObjectStore,
	coords *CoordinateStore,
	sessions *SessionStore,
	records ContractRecords,
	geometry GeometryReader,
) *Pipeline {
	return &Pipeline{
		registry:  registry,
		mapper:    mapper,
		renderer:  renderer,
		converter: converter,
		provider:  provider,
		storage:   storage,
		coords:    coords,
		sessions:  sessions,
		records:   records,
		geometry:  geometry,
		inflight:  make(map[string]bool),
		artifacts: make(map[string]*model.GeneratedArtifact),
	}
}

func (p *Pipeline) begin(contractID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[contractID] {
		return false
	}
	p.inflight[contractID] = true
	return true
}

func (p *Pipeline) end(contractID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, contractID)
}

func (p *Pipeline) artifact(contractID string) *model.GeneratedArtifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.artifacts[contractID]
}

func (p *Pipeline) setArtifact(a *model.GeneratedArtifact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.artifacts[a.ContractID] = a
}

func artifactKey(contractID, templateID string) string {
	return fmt.Sprintf("contracts/%s/%s.pdf", contractID, templateID)
}

// Generate runs or resumes the generation pipeline for one contract.
func (p *Pipeline) Generate(ctx context.Context, contractID string) (session *model.SigningSession, err error) {
	if !p.begin(contractID) {
		return nil, fmt.Errorf("%w for contract %s", model.ErrGenerationInFlight, contractID)
	}
	defer p.end(contractID)

	ctx = context.WithValue(ctx, logger.ContractIDKey, contractID)

	// Aborting after upload must not leave an orphaned provider-side
	// document: void it if cancellation interrupted the run before the
	// invitation went out.
	defer func() {
		if err == nil || ctx.Err() == nil {
			return
		}
		s := p.sessions.Get(contractID)
		if s == nil || s.ProviderDocumentID == "" {
			return
		}
		if s.State != model.StateUploaded && s.State != model.StateFieldsInjected {
			return
		}
		vctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if verr := p.provider.Void(vctx, s.ProviderDocumentID); verr != nil {
			logger.Error(ctx, "failed to void provider document after abort",
				"provider_document_id", s.ProviderDocumentID, "error", verr)
		} else {
			logger.Warn(ctx, "voided provider document after aborted run",
				"provider_document_id", s.ProviderDocumentID)
		}
	}()

	input, contractType, err := p.records.BuildContractInput(ctx, contractID)
	if err != nil {
		return nil, err
	}
	tmpl, err := p.registry.Resolve(contractType)
	if err != nil {
		return nil, err
	}
	vars, err := p.mapper.Map(tmpl, input)
	if err != nil {
		return nil, err
	}

	session = p.sessions.Get(contractID)
	if session == nil {
		if session, err = p.recoverSession(ctx, contractID); err != nil {
			return nil, err
		}
	}
	if session == nil {
		if session, err = p.renderAndConvert(ctx, contractID, tmpl, vars, input.ClientEmail); err != nil {
			return nil, err
		}
	}

	artifact := p.artifact(contractID)
	if artifact == nil {
		// Process restarted since the artifact was produced; re-measure it.
		if artifact, err = p.recoverArtifact(ctx, contractID, tmpl); err != nil {
			return nil, err
		}
	}

	if session.State == model.StateRendered {
		data, err := p.storage.GetObject(ctx, artifact.ObjectKey)
		if err != nil {
			return nil, err
		}
		docID, err := p.provider.Upload(ctx, data, contractID+".pdf")
		if err != nil {
			return nil, err
		}
		if err := p.sessions.SetProviderDocument(contractID, docID); err != nil {
			return nil, err
		}
		if err := p.advance(ctx, contractID, model.StateUploaded, ""); err != nil {
			return nil, err
		}
		session = p.sessions.Get(contractID)
	}

	if session.State == model.StateUploaded || session.State == model.StateFieldsInjected {
		coordMap, err := p.coords.Get(tmpl.ID)
		if err != nil {
			return nil, err
		}
		fields, err := p.provider.InjectFields(ctx, session.ProviderDocumentID, coordMap, vars, artifact)
		if err != nil {
			return nil, err
		}
		if err := p.sessions.SetFields(contractID, fields); err != nil {
			return nil, err
		}
		if err := p.advance(ctx, contractID, model.StateFieldsInjected, fmt.Sprintf("coordinate map v%d", coordMap.Version)); err != nil {
			return nil, err
		}
		session = p.sessions.Get(contractID)
	}

	if session.State == model.StateFieldsInjected {
		if err := p.provider.SendInvitation(ctx, session.ProviderDocumentID, session.SignerEmail); err != nil {
			return nil, err
		}
		if err := p.advance(ctx, contractID, model.StateInvitationSent, ""); err != nil {
			return nil, err
		}
		session = p.sessions.Get(contractID)
	}

	logger.Info(ctx, "generation run finished", "state", string(session.State))
	return session, nil
}

// renderAndConvert produces the fixed-layout artifact and opens the session
// in the rendered state.
func (p *Pipeline) renderAndConvert(ctx context.Context, contractID string, tmpl *model.Template, vars model.ContractVariables, signerEmail string) (*model.SigningSession, error) {
	body, err := p.storage.GetObject(ctx, tmpl.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to download template %s: %w", tmpl.ID, err)
	}

	rendered, err := p.renderer.Render(tmpl, body, vars)
	if err != nil {
		return nil, err
	}

	result, err := p.converter.Convert(ctx, rendered, "docx", "pdf")
	if err != nil {
		return nil, err
	}

	key := artifactKey(contractID, tmpl.ID)
	if err := p.storage.PutObject(ctx, key, result.Data, "application/pdf"); err != nil {
		return nil, err
	}

	artifact := &model.GeneratedArtifact{
		ContractID:      contractID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		ObjectKey:       key,
		PageCount:       result.PageCount,
		PageDimensions:  result.PageDimensions,
		CreatedAt:       time.Now(),
	}
	if err := p.records.SaveArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	p.setArtifact(artifact)

	session, err := p.sessions.Create(contractID, signerEmail)
	if err != nil {
		return nil, err
	}
	if err := p.records.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	logger.Info(ctx, "artifact generated",
		"template_id", tmpl.ID,
		"page_count", artifact.PageCount,
		"object_key", key,
	)
	return session, nil
}

// recoverArtifact rebuilds the in-memory artifact record by re-measuring the
// stored byte stream.
func (p *Pipeline) recoverArtifact(ctx context.Context, contractID string, tmpl *model.Template) (*model.GeneratedArtifact, error) {
	key := artifactKey(contractID, tmpl.ID)
	data, err := p.storage.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to recover artifact for contract %s: %w", contractID, err)
	}
	pageCount, dims, err := p.geometry.PageGeometry(data)
	if err != nil {
		return nil, err
	}
	artifact := &model.GeneratedArtifact{
		ContractID:      contractID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		ObjectKey:       key,
		PageCount:       pageCount,
		PageDimensions:  dims,
	}
	p.setArtifact(artifact)
	return artifact, nil
}

func (p *Pipeline) advance(ctx context.Context, contractID string, to model.SessionState, note string) error {
	tr, err := p.sessions.Advance(contractID, to, note)
	if err != nil {
		return err
	}
	if err := p.records.SaveTransition(ctx, contractID, tr); err != nil {
		return err
	}
	if err := p.records.SaveSession(ctx, p.sessions.Get(contractID)); err != nil {
		return err
	}
	logger.Info(ctx, "lifecycle transition", "from", string(tr.From), "to", string(tr.To))
	return nil
}

// recoverSession rebuilds the in-memory session from the durable rows after a
// process restart, so a resumed run never opens a second provider document
// for a contract that already uploaded one.
func (p *Pipeline) recoverSession(ctx context.Context, contractID string) (*model.SigningSession, error) {
	stored, err := p.records.LoadSession(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	if err := p.sessions.Restore(stored); err != nil {
		return nil, err
	}
	logger.Info(ctx, "session recovered from records", "state", string(stored.State))
	return p.sessions.Get(contractID), nil
}

// Poll queries the provider for signer activity and advances the session.
func (p *Pipeline) Poll(ctx context.Context, contractID string) (model.SessionState, error) {
	session := p.sessions.Get(contractID)
	if session == nil {
		var err error
		if session, err = p.recoverSession(ctx, contractID); err != nil {
			return "", err
		}
	}
	if session == nil {
		return "", fmt.Errorf("no session for contract %s", contractID)
	}
	if session.State.IsTerminal() || session.ProviderDocumentID == "" {
		return session.State, nil
	}

	ctx = context.WithValue(ctx, logger.ContractIDKey, contractID)
	remote, err := p.provider.PollStatus(ctx, session.ProviderDocumentID)
	if err != nil {
		return session.State, err
	}
	return p.applyRemoteState(ctx, session, remote)
}

// ApplyProviderEvent advances a session from a verified webhook event.
func (p *Pipeline) ApplyProviderEvent(ctx context.Context, providerDocumentID, event string) (model.SessionState, error) {
	session := p.sessions.GetByProviderDocument(providerDocumentID)
	if session == nil {
		stored, err := p.records.LoadSessionByProviderDocument(ctx, providerDocumentID)
		if err != nil {
			return "", err
		}
		if stored != nil {
			if err := p.sessions.Restore(stored); err != nil {
				return "", err
			}
			session = p.sessions.GetByProviderDocument(providerDocumentID)
		}
	}
	if session == nil {
		return "", fmt.Errorf("no session for provider document %s", providerDocumentID)
	}

	var remote model.SessionState
	switch event {
	case "document.viewed":
		remote = model.StateViewed
	case "document.signed":
		remote = model.StateSigned
	case "document.declined":
		remote = model.StateDeclined
	case "document.expired":
		remote = model.StateExpired
	default:
		return session.State, fmt.Errorf("%w %q for document %s", model.ErrUnknownProviderEvent, event, providerDocumentID)
	}

	ctx = context.WithValue(ctx, logger.ContractIDKey, session.ContractID)
	return p.applyRemoteState(ctx, session, remote)
}

// applyRemoteState advances toward the provider-reported state. States the
// session already passed are ignored; only forward, legal transitions apply.
func (p *Pipeline) applyRemoteState(ctx context.Context, session *model.SigningSession, remote model.SessionState) (model.SessionState, error) {
	if remote == session.State || !model.CanTransition(session.State, remote) {
		return session.State, nil
	}
	if err := p.advance(ctx, session.ContractID, remote, "provider reported"); err != nil {
		return session.State, err
	}
	return remote, nil
}

// Session exposes the current session for status endpoints.
func (p *Pipeline) Session(contractID string) *model.SigningSession {
	return p.sessions.Get(contractID)
}

// Sessions lists all tracked sessions.
func (p *Pipeline) Sessions() []*model.SigningSession {
	return p.sessions.List()
}
