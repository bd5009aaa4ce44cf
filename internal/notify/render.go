package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMissingPlaceholder is returned when a template names a value the event
// payload does not carry.
var ErrMissingPlaceholder = errors.New("missing placeholder")

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Vars is a decoded event payload used to fill templates.
type Vars map[string]any

// DecodeVars parses a JSON object payload, keeping numbers as written.
func DecodeVars(payload json.RawMessage) (Vars, error) {
	vars := Vars{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return vars, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return vars, nil
}

// Lookup resolves a dotted path such as "customer.email".
func (v Vars) Lookup(path string) (any, bool) {
	var cur any = map[string]any(v)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Render replaces every {name} in tmpl. All missing names are reported together.
func Render(tmpl string, vars Vars) (string, error) {
	var missing []string

	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		val, ok := vars.Lookup(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return format(val)
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingPlaceholder, strings.Join(missing, ", "))
	}
	return out, nil
}

func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
