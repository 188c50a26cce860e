// Package queryspec defines the recursive query specification value that
// the rest of the server identifies, schedules and materialises (spec.md §3).
package queryspec

import "fmt"

// Spec is a recursive value: a discriminator (Kind) plus a mapping of named
// parameters. A Spec has no identity of its own; its identity is its
// fingerprint (internal/domain/fingerprint).
//
// Params values are restricted to: string, bool, float64, int,
// time.Time, github.com/shopspring/decimal.Decimal, []any (ordered
// sequences of the above), map[string]any, and nested Spec values.
type Spec struct {
	Kind   string
	Params map[string]any
}

// New builds a Spec, defensively copying params so later caller mutation
// cannot change a Spec already handed to the fingerprinter or scheduler.
func New(kind string, params map[string]any) Spec {
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}

	return Spec{Kind: kind, Params: cp}
}

// Get retrieves a required parameter, reporting which key was missing.
func (s Spec) Get(key string) (any, error) {
	v, ok := s.Params[key]
	if !ok {
		return nil, fmt.Errorf("queryspec: missing required param %q for kind %q", key, s.Kind)
	}

	return v, nil
}

// String reports a required string parameter.
func (s Spec) String(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}

	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("queryspec: param %q of kind %q must be a string, got %T", key, s.Kind, v)
	}

	return str, nil
}

// StringOr reports a string parameter or a default when absent.
func (s Spec) StringOr(key, def string) string {
	v, ok := s.Params[key]
	if !ok {
		return def
	}

	if str, ok := v.(string); ok {
		return str
	}

	return def
}

// Nested reports a required nested Spec parameter (a sub-query).
func (s Spec) Nested(key string) (Spec, error) {
	v, err := s.Get(key)
	if err != nil {
		return Spec{}, err
	}

	sub, ok := v.(Spec)
	if !ok {
		return Spec{}, fmt.Errorf("queryspec: param %q of kind %q must be a nested spec, got %T", key, s.Kind, v)
	}

	return sub, nil
}

// Sequence reports a required []any parameter, e.g. a date range.
func (s Spec) Sequence(key string) ([]any, error) {
	v, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("queryspec: param %q of kind %q must be a sequence, got %T", key, s.Kind, v)
	}

	return seq, nil
}
