package service

import (
	"bytes"
	"sort"

	"github.com/sokanacollectiveCRM/backend-sub000/model"
)

// TemplateRenderer merges a variable dictionary into a template body.
// Templates carry {$name} tags inline; everything outside a tag is copied
// byte-for-byte, so page geometry is never touched. A tag without a supplied
// value, or a value without a tag in the body, fails with
// PlaceholderMismatchError instead of leaking literal placeholder text into
// the output.
type TemplateRenderer struct{}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

const (
	tagOpen  = "{$"
	tagClose = '}'
)

// Render is deterministic for identical inputs.
func (r *TemplateRenderer) Render(tmpl *model.Template, body []byte, vars model.ContractVariables) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(body))

	missing := make(map[string]bool)
	used := make(map[string]bool)

	for i := 0; i < len(body); {
		j := bytes.Index(body[i:], []byte(tagOpen))
		if j < 0 {
			out.Write(body[i:])
			break
		}
		out.Write(body[i : i+j])
		i += j

		name, end, ok := scanTag(body, i)
		if !ok {
			// Not a well-formed tag; copy the opener literally and move on.
			out.WriteString(tagOpen)
			i += len(tagOpen)
			continue
		}

		value, have := vars[name]
		if !have {
			missing[name] = true
		} else {
			out.WriteString(value)
		}
		used[name] = true
		i = end
	}

	var unexpected []string
	for name := range vars {
		if !used[name] {
			unexpected = append(unexpected, name)
		}
	}

	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, &model.PlaceholderMismatchError{
			TemplateID: tmpl.ID,
			Missing:    sortedKeys(missing),
			Unexpected: unexpected,
		}
	}

	return out.Bytes(), nil
}

// scanTag reads a {$name} tag starting at offset i (which points at "{$").
// Returns the tag name and the offset just past the closing brace.
func scanTag(body []byte, i int) (name string, end int, ok bool) {
	start := i + len(tagOpen)
	for j := start; j < len(body); j++ {
		c := body[j]
		if c == tagClose {
			if j == start {
				return "", 0, false
			}
			return string(body[start:j]), j + 1, true
		}
		if !isTagChar(c) {
			return "", 0, false
		}
	}
	return "", 0, false
}

func isTagChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
