package service

import (
	"fmt"

	"github.com/sokanacollectiveCRM/backend-sub000/config"
	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// TemplateRegistry maps a contract type to its registered template. Pure
// lookup, no side effects.
type TemplateRegistry struct {
	byType map[model.ContractType]*model.Template
	byID   map[string]*model.Template
}

// NewTemplateRegistry builds the registry from configuration. The last entry
// registered for a contract type wins, which is how a re-uploaded template
// (new id, same type) supersedes its predecessor.
func NewTemplateRegistry(entries []config.TemplateConfig) (*TemplateRegistry, error) {
	r := &TemplateRegistry{
		byType: make(map[model.ContractType]*model.Template),
		byID:   make(map[string]*model.Template),
	}

	for _, e := range entries {
		ct := model.ContractType(e.ContractType)
		if !ct.Valid() {
			return nil, fmt.Errorf("template %s: %w: %q", e.ID, model.ErrUnknownContractType, e.ContractType)
		}
		version := e.Version
		if version == 0 {
			version = 1
		}
		tmpl := &model.Template{
			ID:                e.ID,
			Version:           version,
			ContractType:      ct,
			StorageKey:        e.StorageKey,
			PlaceholderSchema: append([]string(nil), e.Placeholders...),
		}
		r.byType[ct] = tmpl
		r.byID[e.ID] = tmpl
	}

	return r, nil
}

// Resolve returns the template registered for the contract type.
func (r *TemplateRegistry) Resolve(contractType model.ContractType) (*model.Template, error) {
	tmpl, ok := r.byType[contractType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownContractType, contractType)
	}
	return tmpl, nil
}

// Get returns a template by id, for calibration endpoints that address
// templates directly.
func (r *TemplateRegistry) Get(templateID string) (*model.Template, error) {
	tmpl, ok := r.byID[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: no template with id %q", model.ErrUnknownContractType, templateID)
	}
	return tmpl, nil
}
