package model

import "time"

// SessionState is the signing session lifecycle state.
type SessionState string

const (
	StateRendered       SessionState = "rendered"
	StateUploaded       SessionState = "uploaded"
	StateFieldsInjected SessionState = "fields_injected"
	StateInvitationSent SessionState = "invitation_sent"
	StateViewed         SessionState = "viewed"
	StateSigned         SessionState = "signed"
	StateDeclined       SessionState = "declined"
	StateExpired        SessionState = "expired"
)

// transitions is the legal state graph. One-directional except that
// fields_injected re-enters itself: the provider's field endpoint is a
// full-replace, so every field-level update resends the complete set.
var transitions = map[SessionState][]SessionState{
	StateRendered:       {StateUploaded},
	StateUploaded:       {StateFieldsInjected},
	StateFieldsInjected: {StateFieldsInjected, StateInvitationSent},
	StateInvitationSent: {StateViewed, StateSigned, StateDeclined, StateExpired},
	StateViewed:         {StateSigned, StateDeclined, StateExpired},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends the session.
func (s SessionState) IsTerminal() bool {
	return s == StateSigned || s == StateDeclined || s == StateExpired
}

// StateTransition is one recorded lifecycle step.
type StateTransition struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
	At   time.Time    `json:"at"`
	Note string       `json:"note,omitempty"`
}

// InjectedField is one provider-side field created from a calibrated
// coordinate, with the value prefilled at injection time when applicable.
type InjectedField struct {
	FieldName string    `json:"field_name"`
	Kind      FieldKind `json:"kind"`
	PageIndex int       `json:"page_index"`
	Value     string    `json:"value,omitempty"`
}

// SessionRecord is the persisted signing session row. History lives in
// session_transitions; injected fields are provider-side state and are not
// persisted.
type SessionRecord struct {
	ContractID         string       `db:"contract_id"`
	SignerEmail        string       `db:"signer_email"`
	ProviderDocumentID string       `db:"provider_document_id"`
	State              SessionState `db:"state"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

// TransitionRecord is the persisted lifecycle transition row.
type TransitionRecord struct {
	ContractID string       `db:"contract_id"`
	From       SessionState `db:"from_state"`
	To         SessionState `db:"to_state"`
	At         time.Time    `db:"at"`
	Note       string       `db:"note"`
}

// SigningSession tracks one contract's provider-side document through the
// lifecycle. Exactly one session exists per contract.
type SigningSession struct {
	ContractID         string            `json:"contract_id"`
	ProviderDocumentID string            `json:"provider_document_id"`
	SignerEmail        string            `json:"signer_email"`
	State              SessionState      `json:"state"`
	Fields             []InjectedField   `json:"fields,omitempty"`
	History            []StateTransition `json:"history"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
