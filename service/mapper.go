package service

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// aliasRules duplicates a value under a second key for templates known to
// contain a misspelled placeholder alongside the correct one. The template's
// schema is authoritative, so the typo must be matched verbatim and both keys
// populated.
var aliasRules = map[model.ContractType]map[string]string{
	model.TypePostpartumDoula: {
		"cleint_initials": "client_initials",
	},
}

// VariableMapper turns raw contract input into the exact placeholder
// dictionary a template requires.
type VariableMapper struct {
	validate *validator.Validate
}

func NewVariableMapper() *VariableMapper {
	return &VariableMapper{
		validate: validator.New(),
	}
}

// Map produces the ContractVariables for one contract instance. The returned
// dictionary's key set equals the template's placeholder schema exactly;
// missing or extra keys mean the mapper and template are out of sync and are
// both reported as a PlaceholderMismatchError.
func (m *VariableMapper) Map(tmpl *model.Template, input model.ContractInput) (model.ContractVariables, error) {
	if err := m.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMissingRequiredField, err)
	}

	initials, err := deriveInitials(input.ClientName)
	if err != nil {
		return nil, err
	}

	if err := checkBalance(input.Total, input.Deposit, input.Balance); err != nil {
		return nil, err
	}

	vars := model.ContractVariables{
		"client_name":     input.ClientName,
		"client_email":    input.ClientEmail,
		"client_initials": initials,
		"doula_name":      input.DoulaName,
		"service_date":    input.ServiceDate,
		"total_fee":       input.Total,
		"deposit":         input.Deposit,
		"balance":         input.Balance,
	}
	for k, v := range input.Extra {
		vars[k] = v
	}

	for alias, source := range aliasRules[tmpl.ContractType] {
		if v, ok := vars[source]; ok {
			vars[alias] = v
		}
	}

	// Guarantee: key set == schema, both directions.
	var missing []string
	for _, name := range tmpl.PlaceholderSchema {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	var unexpected []string
	for name := range vars {
		if !tmpl.HasPlaceholder(name) {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return nil, &model.PlaceholderMismatchError{
			TemplateID: tmpl.ID,
			Missing:    missing,
			Unexpected: unexpected,
		}
	}

	return vars, nil
}

// deriveInitials takes the first character of each whitespace-separated name
// token, upper-cased.
func deriveInitials(fullName string) (string, error) {
	tokens := strings.Fields(fullName)
	if len(tokens) == 0 {
		return "", fmt.Errorf("%w: client name is empty", model.ErrMissingRequiredField)
	}

	var b strings.Builder
	for _, tok := range tokens {
		r := []rune(tok)[0]
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String(), nil
}

// checkBalance rejects a supplied balance that does not equal total minus
// deposit. The mapper never computes the balance itself; it only verifies the
// caller's arithmetic on the pre-formatted display strings.
func checkBalance(total, deposit, balance string) error {
	t, err := parseMoneyCents(total)
	if err != nil {
		return fmt.Errorf("%w: total %q: %v", model.ErrMissingRequiredField, total, err)
	}
	d, err := parseMoneyCents(deposit)
	if err != nil {
		return fmt.Errorf("%w: deposit %q: %v", model.ErrMissingRequiredField, deposit, err)
	}
	b, err := parseMoneyCents(balance)
	if err != nil {
		return fmt.Errorf("%w: balance %q: %v", model.ErrMissingRequiredField, balance, err)
	}

	if t != d+b {
		return fmt.Errorf("%w: balance %s does not equal total %s minus deposit %s",
			model.ErrMissingRequiredField, balance, total, deposit)
	}
	return nil
}

// parseMoneyCents parses a display amount like "$2,500" or "$2,500.50" into
// cents. Used only for the balance consistency check; the display strings pass
// through to the template untouched.
func parseMoneyCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	dollars := s
	cents := "00"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		dollars = s[:i]
		cents = s[i+1:]
		if len(cents) != 2 {
			return 0, fmt.Errorf("expected two decimal places in %q", s)
		}
	}

	var total int64
	for _, r := range dollars {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid character %q in amount", r)
		}
		total = total*10 + int64(r-'0')
	}
	total *= 100
	for _, r := range cents {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid character %q in amount", r)
		}
	}
	total += int64(cents[0]-'0')*10 + int64(cents[1]-'0')
	return total, nil
}
