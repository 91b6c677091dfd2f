package model

import "time"

// ContractType classifies a service agreement and selects the template and
// variable-mapping rules that apply to it. Immutable once a contract has been
// generated.
type ContractType string

const (
	TypeLaborSupport     ContractType = "labor_support"
	TypePostpartumDoula  ContractType = "postpartum_doula"
	TypeLactationSupport ContractType = "lactation_support"
)

// Valid reports whether t is a known contract type.
func (t ContractType) Valid() bool {
	switch t {
	case TypeLaborSupport, TypePostpartumDoula, TypeLactationSupport:
		return true
	}
	return false
}

// ContractInput is the raw material for the variable mapper, assembled from
// the client, contract and payment records. Currency values are pre-formatted
// display strings ("$2,500"); the caller supplies the balance already computed
// as total minus deposit.
type ContractInput struct {
	ClientName  string `validate:"required"`
	ClientEmail string `validate:"required,email"`
	DoulaName   string `validate:"required"`
	ServiceDate string `validate:"required"`
	Total       string `validate:"required"`
	Deposit     string `validate:"required"`
	Balance     string `validate:"required"`
	// Extra carries service-specific values keyed by placeholder name,
	// e.g. visit_count for postpartum packages.
	Extra map[string]string
}

// ContractVariables is the placeholder-name to value dictionary merged into a
// template. Its key set must equal the template's placeholder schema exactly.
type ContractVariables map[string]string

// ContractRecord is the persisted contract row.
type ContractRecord struct {
	ID          string       `db:"id"`
	ClientID    string       `db:"client_id"`
	Type        ContractType `db:"contract_type"`
	DoulaName   string       `db:"doula_name"`
	ServiceDate string       `db:"service_date"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// ClientRecord is the persisted client row.
type ClientRecord struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`
}

// PaymentRecord holds the agreed fee schedule for one contract. Amounts are
// stored as display strings; no currency math happens downstream of here.
type PaymentRecord struct {
	ContractID string `db:"contract_id"`
	Total      string `db:"total"`
	Deposit    string `db:"deposit"`
	Balance    string `db:"balance"`
}
