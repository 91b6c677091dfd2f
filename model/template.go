package model

// Template describes one uploaded template version. Templates are versioned by
// re-upload under a new id; an id's placeholder schema never changes in place.
type Template struct {
	ID           string       `json:"id"`
	Version      int          `json:"version"`
	ContractType ContractType `json:"contract_type"`
	StorageKey   string       `json:"storage_key"`
	// PlaceholderSchema is the ordered set of placeholder names the template
	// body requires. Unknown or missing placeholders at render time are a hard
	// error, never a literal "undefined" in the output.
	PlaceholderSchema []string `json:"placeholder_schema"`
}

// HasPlaceholder reports whether name is part of the template's schema.
func (t *Template) HasPlaceholder(name string) bool {
	for _, p := range t.PlaceholderSchema {
		if p == name {
			return true
		}
	}
	return false
}
