package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopspring/decimal"

	"github.com/flowkit/queryserver/internal/domain/fingerprint"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a := queryspec.New("daily_location", map[string]any{
		"date":             "2016-01-01",
		"method":           "last",
		"aggregation_unit": "admin3",
	})
	b := queryspec.New("daily_location", map[string]any{
		"aggregation_unit": "admin3",
		"date":             "2016-01-01",
		"method":           "last",
	})

	idA, err := fingerprint.Fingerprint(a)
	require.NoError(t, err)

	idB, err := fingerprint.Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
	assert.Len(t, idA, 32)
}

func TestFingerprint_DiffersOnValue(t *testing.T) {
	a := queryspec.New("daily_location", map[string]any{"date": "2016-01-01"})
	b := queryspec.New("daily_location", map[string]any{"date": "2016-01-02"})

	idA, err := fingerprint.Fingerprint(a)
	require.NoError(t, err)

	idB, err := fingerprint.Fingerprint(b)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}

func TestFingerprint_NestedSpecAliasesInlineOrPrebuilt(t *testing.T) {
	sub := queryspec.New("daily_location", map[string]any{"date": "2016-01-01"})

	inline := queryspec.New("meaningful_locations_aggregate", map[string]any{
		"locations": sub,
	})

	subID, err := fingerprint.Fingerprint(sub)
	require.NoError(t, err)

	prebuilt := queryspec.New("meaningful_locations_aggregate", map[string]any{
		"locations": queryspec.New("__ref__", map[string]any{"__ref__": subID}),
	})

	idInline, err := fingerprint.Fingerprint(inline)
	require.NoError(t, err)

	// A sub-spec supplied inline fingerprints to the same ref shape as one
	// expressed directly as a {"__ref__": id} mapping, so both forms alias.
	idExplicitRef, err := fingerprint.Fingerprint(queryspec.New("meaningful_locations_aggregate", map[string]any{
		"locations": map[string]any{"__ref__": subID},
	}))
	require.NoError(t, err)

	assert.NotEmpty(t, idInline)
	assert.Equal(t, idExplicitRef, idInline)
	_ = prebuilt
}

func TestFingerprint_DecimalAndFloatCanonicalize(t *testing.T) {
	a := queryspec.New("total_transaction_amount", map[string]any{"threshold": float64(100)})
	b := queryspec.New("total_transaction_amount", map[string]any{"threshold": decimal.NewFromInt(100)})

	idA, err := fingerprint.Fingerprint(a)
	require.NoError(t, err)

	idB, err := fingerprint.Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
}

func TestFingerprint_SequenceOrderMatters(t *testing.T) {
	a := queryspec.New("modal_location", map[string]any{"dates": []any{"2016-01-01", "2016-01-02"}})
	b := queryspec.New("modal_location", map[string]any{"dates": []any{"2016-01-02", "2016-01-01"}})

	idA, err := fingerprint.Fingerprint(a)
	require.NoError(t, err)

	idB, err := fingerprint.Fingerprint(b)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}
