package notify

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	vars, err := DecodeVars(json.RawMessage(`{
		"name": "Ada",
		"amount": 1200.00,
		"paid": false,
		"customer": {"email": "ada@example.com", "tier": {"level": 3}},
		"items": [1, 2],
		"note": null
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"string", "Hello {name}", "Hello Ada"},
		{"number keeps formatting", "Due {amount}", "Due 1200.00"},
		{"bool", "paid={paid}", "paid=false"},
		{"nested", "{customer.email}", "ada@example.com"},
		{"deep", "L{customer.tier.level}", "L3"},
		{"array as json", "{items}", "[1,2]"},
		{"null is empty", "[{note}]", "[]"},
		{"repeated", "{name}/{name}", "Ada/Ada"},
		{"braces without identifier", "{ } and {}", "{ } and {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRender_MissingPlaceholders(t *testing.T) {
	vars := Vars{"customer": map[string]any{"email": "x"}}

	_, err := Render("{customer.phone} {total}", vars)
	if !errors.Is(err, ErrMissingPlaceholder) {
		t.Fatalf("expected ErrMissingPlaceholder, got %v", err)
	}
	if got := err.Error(); got != "missing placeholder: customer.phone, total" {
		t.Errorf("unexpected message %q", got)
	}

	// path through a scalar
	if _, err := Render("{customer.email.domain}", vars); !errors.Is(err, ErrMissingPlaceholder) {
		t.Fatalf("expected ErrMissingPlaceholder, got %v", err)
	}
}

func TestDecodeVars(t *testing.T) {
	if v, err := DecodeVars(nil); err != nil || len(v) != 0 {
		t.Fatalf("empty payload: %v %v", v, err)
	}
	if _, err := DecodeVars(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("array payload should be rejected")
	}
}
