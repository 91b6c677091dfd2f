package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// SessionStore is an in-memory store for signing sessions, keyed by contract
// id. Exactly one session exists per contract. Lifecycle legality is enforced
// here so no caller can skip a state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.SigningSession
	byDoc    map[string]string // providerDocumentID -> contractID
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*model.SigningSession),
		byDoc:    make(map[string]string),
	}
}

// Create starts a session in the rendered state. Creating a second session
// for the same contract is an error.
func (s *SessionStore) Create(contractID, signerEmail string) (*model.SigningSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[contractID]; exists {
		return nil, fmt.Errorf("session already exists for contract %s", contractID)
	}

	now := time.Now()
	session := &model.SigningSession{
		ContractID:  contractID,
		SignerEmail: signerEmail,
		State:       model.StateRendered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[contractID] = session
	return copySession(session), nil
}

// Restore seeds a session recovered from durable records, used after a
// process restart. Restoring over a live session is an error.
func (s *SessionStore) Restore(session *model.SigningSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ContractID]; exists {
		return fmt.Errorf("session already exists for contract %s", session.ContractID)
	}

	cp := copySession(session)
	s.sessions[cp.ContractID] = cp
	if cp.ProviderDocumentID != "" {
		s.byDoc[cp.ProviderDocumentID] = cp.ContractID
	}
	return nil
}

// Get returns the session for a contract, or nil.
func (s *SessionStore) Get(contractID string) *model.SigningSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[contractID]
	if !ok {
		return nil
	}
	return copySession(session)
}

// GetByProviderDocument resolves a provider document id to its session, used
// by the webhook handler.
func (s *SessionStore) GetByProviderDocument(providerDocumentID string) *model.SigningSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contractID, ok := s.byDoc[providerDocumentID]
	if !ok {
		return nil
	}
	session, ok := s.sessions[contractID]
	if !ok {
		return nil
	}
	return copySession(session)
}

// SetProviderDocument records the provider-side id after upload.
func (s *SessionStore) SetProviderDocument(contractID, providerDocumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[contractID]
	if !ok {
		return fmt.Errorf("no session for contract %s", contractID)
	}
	session.ProviderDocumentID = providerDocumentID
	session.UpdatedAt = time.Now()
	s.byDoc[providerDocumentID] = contractID
	return nil
}

// SetFields records the injected field set.
func (s *SessionStore) SetFields(contractID string, fields []model.InjectedField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[contractID]
	if !ok {
		return fmt.Errorf("no session for contract %s", contractID)
	}
	session.Fields = append([]model.InjectedField(nil), fields...)
	session.UpdatedAt = time.Now()
	return nil
}

// Advance moves the session to the next state, appending to its history.
// Illegal transitions fail; advancing to the current state is a no-op except
// for fields_injected, whose self-loop is recorded (re-injection happened).
func (s *SessionStore) Advance(contractID string, to model.SessionState, note string) (model.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[contractID]
	if !ok {
		return model.StateTransition{}, fmt.Errorf("no session for contract %s", contractID)
	}

	from := session.State
	if from == to && to != model.StateFieldsInjected {
		return model.StateTransition{}, fmt.Errorf("%w: %s -> %s", model.ErrIllegalTransition, from, to)
	}
	if !model.CanTransition(from, to) {
		return model.StateTransition{}, fmt.Errorf("%w: %s -> %s", model.ErrIllegalTransition, from, to)
	}

	tr := model.StateTransition{From: from, To: to, At: time.Now(), Note: note}
	session.State = to
	session.History = append(session.History, tr)
	session.UpdatedAt = tr.At
	return tr, nil
}

// List returns all sessions, newest first by update time.
func (s *SessionStore) List() []*model.SigningSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.SigningSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, copySession(session))
	}
	return out
}

// Count returns the number of sessions in the store.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(in *model.SigningSession) *model.SigningSession {
	out := *in
	out.Fields = append([]model.InjectedField(nil), in.Fields...)
	out.History = append([]model.StateTransition(nil), in.History...)
	return &out
}
