package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// RecordsStore reads the client, contract and payment rows that feed the
// variable mapper, and persists artifact metadata and lifecycle transitions.
type RecordsStore struct {
	db *sqlx.DB
}

func NewRecordsStore(db *sqlx.DB) *RecordsStore {
	return &RecordsStore{db: db}
}

// GetContract retrieves a contract row by id.
func (r *RecordsStore) GetContract(ctx context.Context, id string) (*model.ContractRecord, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "client_id", "contract_type", "doula_name", "service_date", "created_at", "updated_at")
	sb.From("contracts")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rec model.ContractRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract %s not found", id)
		}
		return nil, fmt.Errorf("failed to load contract %s: %w", id, err)
	}
	return &rec, nil
}

func (r *RecordsStore) getClient(ctx context.Context, id string) (*model.ClientRecord, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "name", "email")
	sb.From("clients")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rec model.ClientRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %s not found", id)
		}
		return nil, fmt.Errorf("failed to load client %s: %w", id, err)
	}
	return &rec, nil
}

func (r *RecordsStore) getPayment(ctx context.Context, contractID string) (*model.PaymentRecord, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("contract_id", "total", "deposit", "balance")
	sb.From("payments")
	sb.Where(sb.Equal("contract_id", contractID))

	query, args := sb.Build()
	var rec model.PaymentRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment schedule for contract %s not found", contractID)
		}
		return nil, fmt.Errorf("failed to load payment for contract %s: %w", contractID, err)
	}
	return &rec, nil
}

// BuildContractInput assembles the mapper's raw input from the relational
// records. The balance comes from the payment row as stored; the mapper, not
// this store, verifies total = deposit + balance.
func (r *RecordsStore) BuildContractInput(ctx context.Context, contractID string) (model.ContractInput, model.ContractType, error) {
	contract, err := r.GetContract(ctx, contractID)
	if err != nil {
		return model.ContractInput{}, "", err
	}
	client, err := r.getClient(ctx, contract.ClientID)
	if err != nil {
		return model.ContractInput{}, "", err
	}
	payment, err := r.getPayment(ctx, contractID)
	if err != nil {
		return model.ContractInput{}, "", err
	}

	input := model.ContractInput{
		ClientName:  client.Name,
		ClientEmail: client.Email,
		DoulaName:   contract.DoulaName,
		ServiceDate: contract.ServiceDate,
		Total:       payment.Total,
		Deposit:     payment.Deposit,
		Balance:     payment.Balance,
	}
	return input, contract.Type, nil
}

// SaveArtifact persists the generated artifact's metadata. The byte stream
// itself lives in object storage under ObjectKey.
func (r *RecordsStore) SaveArtifact(ctx context.Context, a *model.GeneratedArtifact) error {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("generated_artifacts")
	sb.Cols("contract_id", "template_id", "template_version", "object_key", "page_count", "created_at")
	sb.Values(a.ContractID, a.TemplateID, a.TemplateVersion, a.ObjectKey, a.PageCount, a.CreatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save artifact for contract %s: %w", a.ContractID, err)
	}
	return nil
}

// SaveSession upserts the session's current row. The transition history is
// appended separately by SaveTransition.
func (r *RecordsStore) SaveSession(ctx context.Context, s *model.SigningSession) error {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("signing_sessions")
	sb.Cols("contract_id", "signer_email", "provider_document_id", "state", "created_at", "updated_at")
	sb.Values(s.ContractID, s.SignerEmail, s.ProviderDocumentID, string(s.State), s.CreatedAt, s.UpdatedAt)
	sb.SQL("ON CONFLICT (contract_id) DO UPDATE SET provider_document_id = EXCLUDED.provider_document_id, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at")

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save session for contract %s: %w", s.ContractID, err)
	}
	return nil
}

// LoadSession rehydrates a signing session and its transition history from
// the durable rows, or nil when the contract has never produced one.
func (r *RecordsStore) LoadSession(ctx context.Context, contractID string) (*model.SigningSession, error) {
	sb := sessionSelect()
	sb.Where(sb.Equal("contract_id", contractID))

	query, args := sb.Build()
	var row model.SessionRecord
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session for contract %s: %w", contractID, err)
	}
	return r.assembleSession(ctx, &row)
}

// LoadSessionByProviderDocument resolves a provider document id to its
// session, or nil. Used by the webhook path after a restart.
func (r *RecordsStore) LoadSessionByProviderDocument(ctx context.Context, providerDocumentID string) (*model.SigningSession, error) {
	sb := sessionSelect()
	sb.Where(sb.Equal("provider_document_id", providerDocumentID))

	query, args := sb.Build()
	var row model.SessionRecord
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session for provider document %s: %w", providerDocumentID, err)
	}
	return r.assembleSession(ctx, &row)
}

func sessionSelect() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("contract_id", "signer_email", "provider_document_id", "state", "created_at", "updated_at")
	sb.From("signing_sessions")
	return sb
}

func (r *RecordsStore) assembleSession(ctx context.Context, row *model.SessionRecord) (*model.SigningSession, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("contract_id", "from_state", "to_state", "at", "note")
	sb.From("session_transitions")
	sb.Where(sb.Equal("contract_id", row.ContractID))
	sb.OrderBy("at").Asc()

	query, args := sb.Build()
	var rows []model.TransitionRecord
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load transitions for contract %s: %w", row.ContractID, err)
	}

	history := make([]model.StateTransition, 0, len(rows))
	for _, tr := range rows {
		history = append(history, model.StateTransition{From: tr.From, To: tr.To, At: tr.At, Note: tr.Note})
	}
	return &model.SigningSession{
		ContractID:         row.ContractID,
		ProviderDocumentID: row.ProviderDocumentID,
		SignerEmail:        row.SignerEmail,
		State:              row.State,
		History:            history,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

// SaveTransition appends one lifecycle transition to the contract's history.
func (r *RecordsStore) SaveTransition(ctx context.Context, contractID string, tr model.StateTransition) error {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("session_transitions")
	sb.Cols("contract_id", "from_state", "to_state", "at", "note")
	sb.Values(contractID, string(tr.From), string(tr.To), tr.At, tr.Note)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save transition for contract %s: %w", contractID, err)
	}
	return nil
}
