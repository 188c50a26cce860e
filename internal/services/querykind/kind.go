// Package querykind is the closed tagged-union registry that replaces
// dynamic class dispatch on query_kind (spec.md §9, SPEC_FULL.md §5): each
// kind contributes a (validate, dependencies, sql) triple, looked up once
// at startup instead of virtual-dispatched per request.
package querykind

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// sqlBuilder is the placeholder-format builder every kind's Build shares,
// the same convention internal/adapters/postgres/cache uses so a kind's
// generated SQL and the cache layer's never disagree on placeholder style.
var sqlBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DummyQueryKind names the zero-dependency, zero-SQL smoke-test kind
// (dummy_query.go), exported so the scheduler can special-case it by name
// rather than type-asserting against the concrete Kind.
const DummyQueryKind = "dummy_query"

// Ref identifies a materialised dependency's relation, handed to Build so
// a kind's SQL can reference its prerequisites by table name rather than
// by a live object reference (spec.md §9 "Replacing the object graph with
// ids").
type Ref struct {
	QueryID string
	Schema  string
	Table   string
}

// Kind is one query_kind's full contract: validating inbound params into a
// typed Spec, declaring direct dependencies, and building the materialising
// SQL once every dependency's Ref is known.
type Kind interface {
	Name() string
	Validate(params map[string]any) (queryspec.Spec, error)
	Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error)
	// Build returns the materialising SELECT alongside its positional
	// placeholder arguments (squirrel's sq.Dollar convention, matching
	// internal/adapters/postgres/cache's builder): every user-supplied
	// value flows in as an arg, never interpolated into sql itself.
	Build(spec queryspec.Spec, deps map[string]Ref) (sql string, args []any, err error)
}

// Registry is the closed map of every known query_kind, built once at
// startup (spec.md §9's "table query_kind -> (validator,
// dependency_computer, sql_builder)").
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry builds a Registry from the given kinds, keyed by Name().
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name()] = k
	}

	return r
}

// Default returns a Registry populated with every built-in kind
// (SPEC_FULL.md §5).
func Default() *Registry {
	return NewRegistry(
		DummyQuery{},
		DailyLocation{},
		SubscriberDegree{},
		TotalTransactionAmount{},
		ModalLocation{},
	)
}

// Lookup resolves kind by name, or a ValidationError if unregistered
// (spec.md §7: "unknown query_kind" is a validation error).
func (r *Registry) Lookup(kind string) (Kind, error) {
	k, ok := r.kinds[kind]
	if !ok {
		return nil, common.ValidationError{
			Code:    "unknown_query_kind",
			Title:   "Unknown query kind",
			Message: fmt.Sprintf("no such query_kind: %q", kind),
		}
	}

	return k, nil
}

// Validate resolves spec's kind and runs its Validate, the single entry
// point run_query uses (spec.md §4.6, §7).
func (r *Registry) Validate(kind string, params map[string]any) (queryspec.Spec, error) {
	k, err := r.Lookup(kind)
	if err != nil {
		return queryspec.Spec{}, err
	}

	return k.Validate(params)
}

// Dependencies implements internal/domain/graph.DependencyResolver,
// dispatching to the spec's own kind.
func (r *Registry) Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error) {
	k, err := r.Lookup(spec.Kind)
	if err != nil {
		return nil, err
	}

	return k.Dependencies(spec)
}

// Build dispatches to spec's kind's Build.
func (r *Registry) Build(spec queryspec.Spec, deps map[string]Ref) (string, []any, error) {
	k, err := r.Lookup(spec.Kind)
	if err != nil {
		return "", nil, err
	}

	return k.Build(spec, deps)
}
