package querykind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupUnknownKind(t *testing.T) {
	t.Parallel()

	r := Default()

	_, err := r.Lookup("not_a_real_kind")

	require.Error(t, err)
}

func TestRegistry_ValidateDummyQuery(t *testing.T) {
	t.Parallel()

	r := Default()

	spec, err := r.Validate("dummy_query", map[string]any{})

	require.NoError(t, err)
	assert.Equal(t, "dummy_query", spec.Kind)
}

func TestDailyLocation_ValidateRejectsUnknownMethod(t *testing.T) {
	t.Parallel()

	_, err := DailyLocation{}.Validate(map[string]any{
		"date":             "2016-01-01",
		"method":           "bogus",
		"aggregation_unit": "admin3",
	})

	require.Error(t, err)
}

func TestDailyLocation_ValidateAccepts(t *testing.T) {
	t.Parallel()

	spec, err := DailyLocation{}.Validate(map[string]any{
		"date":             "2016-01-01",
		"method":           "last",
		"aggregation_unit": "admin3",
	})

	require.NoError(t, err)
	assert.Equal(t, "daily_location", spec.Kind)

	deps, err := DailyLocation{}.Dependencies(spec)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestModalLocation_DependenciesOneDailyLocationPerDate(t *testing.T) {
	t.Parallel()

	spec, err := ModalLocation{}.Validate(map[string]any{
		"start_date":       "2016-01-01",
		"end_date":         "2016-01-05",
		"aggregation_unit": "admin3",
	})
	require.NoError(t, err)

	deps, err := ModalLocation{}.Dependencies(spec)
	require.NoError(t, err)
	assert.Len(t, deps, 5)

	for _, d := range deps {
		assert.Equal(t, "daily_location", d.Kind)
	}
}

func TestModalLocation_ValidateRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	_, err := ModalLocation{}.Validate(map[string]any{
		"start_date":       "2016-01-05",
		"end_date":         "2016-01-01",
		"aggregation_unit": "admin3",
	})

	require.Error(t, err)
}

func TestSubscriberDegree_DefaultsDirectionToBoth(t *testing.T) {
	t.Parallel()

	spec, err := SubscriberDegree{}.Validate(map[string]any{
		"start": "2016-01-01",
		"stop":  "2016-01-07",
	})

	require.NoError(t, err)
	assert.Equal(t, "both", spec.StringOr("direction", ""))
}

func TestSubscriberDegree_RejectsInvalidDirection(t *testing.T) {
	t.Parallel()

	_, err := SubscriberDegree{}.Validate(map[string]any{
		"start":     "2016-01-01",
		"stop":      "2016-01-07",
		"direction": "sideways",
	})

	require.Error(t, err)
}
