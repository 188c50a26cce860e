// Package fingerprint derives the stable content-addressed identifier of a
// query specification (spec.md §3 Fingerprint, §4.1 C1).
package fingerprint

import (
	"crypto/md5" //nolint:gosec // addressing role only, not a security boundary (spec.md §4.1)
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// prefixes registers an optional literal tag a kind's fingerprint is
// prepended with, so ids of that kind are visually distinct in logs
// (spec.md's supplemented "md5 prefixing for non-SQL kinds" behaviour).
// Empty for every real analytical kind; not wired to any kind by default
// because the cache.cached.query_id column is fixed CHAR(32) (spec.md §6)
// and a prefixed id would not round-trip through it. Kept as an extension
// point, see DESIGN.md.
var prefixes = map[string]string{}

// RegisterPrefix assigns kind a literal fingerprint prefix.
func RegisterPrefix(kind, prefix string) {
	prefixes[kind] = prefix
}

// Fingerprint computes the 32-character lowercase hex digest of a spec.
// Deterministic, pure, independent of time/host/process (spec.md §4.1).
func Fingerprint(spec queryspec.Spec) (string, error) {
	canonicalJSON, err := CanonicalJSON(spec)
	if err != nil {
		return "", err
	}

	sum := md5.Sum([]byte(canonicalJSON)) //nolint:gosec
	id := hex.EncodeToString(sum[:])

	if prefix := prefixes[spec.Kind]; prefix != "" {
		return prefix + id, nil
	}

	return id, nil
}

// CanonicalJSON returns the canonical JSON envelope
// `{"query_kind": ..., "params": ...}` that Fingerprint hashes. It is also
// the representation persisted as cache.cached.query (spec.md §6), so that
// get_query_params(id) -> spec satisfies fingerprint(spec) == id (spec.md
// §8 round-trip property).
func CanonicalJSON(spec queryspec.Spec) (string, error) {
	canon, err := canonicalizeParams(spec.Params)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", spec.Kind, err)
	}

	envelope := map[string]any{
		"query_kind": spec.Kind,
		"params":     canon,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: marshal canonical form: %w", spec.Kind, err)
	}

	return string(b), nil
}

// canonicalizeParams walks a spec's Params (or any nested structure within
// it), sorting map keys implicitly via encoding/json, preserving sequence
// order, formatting dates and decimals with one canonical representation,
// and replacing nested QuerySpecs with {"__ref__": <their fingerprint>}
// (Merkle-style, never inlined) per spec.md §3/§4.1.
func canonicalizeParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))

	for k, v := range params {
		c, err := canonicalizeValue(v)
		if err != nil {
			return nil, err
		}

		out[k] = c
	}

	return out, nil
}

func canonicalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case queryspec.Spec:
		ref, err := Fingerprint(val)
		if err != nil {
			return nil, err
		}

		return map[string]any{"__ref__": ref}, nil

	case *queryspec.Spec:
		if val == nil {
			return nil, nil
		}

		return canonicalizeValue(*val)

	case map[string]any:
		return canonicalizeParams(val)

	case []any:
		out := make([]any, len(val))

		for i, vv := range val {
			c, err := canonicalizeValue(vv)
			if err != nil {
				return nil, err
			}

			out[i] = c
		}

		return out, nil

	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil

	case decimal.Decimal:
		return val.String(), nil

	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil

	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil

	default:
		return val, nil
	}
}
