package querykind

import (
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// DummyQuery is a zero-dependency, zero-SQL query kind used for tests and
// smoke checks (SPEC_FULL.md §4, grounded in
// original_source/flowmachine/flowmachine/core/dummy_query.py): it drives
// the state machine directly through enqueue -> executing -> completed
// without touching the warehouse.
type DummyQuery struct{}

func (DummyQuery) Name() string { return DummyQueryKind }

// Validate accepts any params; none of them is read, they only feed the
// spec's fingerprint.
func (DummyQuery) Validate(params map[string]any) (queryspec.Spec, error) {
	return queryspec.New("dummy_query", params), nil
}

// Dependencies is always empty: dummy_query has no prerequisites.
func (DummyQuery) Dependencies(queryspec.Spec) ([]queryspec.Spec, error) {
	return nil, nil
}

// Build is never actually invoked: the scheduler special-cases
// DummyQueryKind and commits it straight through without a CREATE TABLE AS
// (internal/scheduler.materialize), matching original_source's "without
// touching the warehouse" semantics. It still returns a harmless SELECT so
// the Kind interface stays total if something calls it directly (e.g. a
// future admin tool invoking Build outside the scheduler).
func (DummyQuery) Build(spec queryspec.Spec, _ map[string]Ref) (string, []any, error) {
	return "SELECT 1 AS dummy_value", nil, nil
}
