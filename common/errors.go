package common

import (
	"strings"
)

// ValidationError records a QuerySpec that failed validation before any
// state record was created (spec.md §7: "surfaced synchronously on
// run_query as status:error, no state record created").
type ValidationError struct {
	EntityType string
	Title      string
	Message    string
	Code       string
	Err        error
}

func (e ValidationError) Error() string {
	if strings.TrimSpace(e.Code) != "" {
		return e.Code + " - " + e.Message
	}

	return e.Message
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// AuthorizationError indicates a bearer token lacked the claim required
// for the action/query_kind/aggregation_unit triple (spec.md §4.6).
type AuthorizationError struct {
	Title   string
	Message string
	Code    string
	Err     error
}

func (e AuthorizationError) Error() string {
	return e.Message
}

func (e AuthorizationError) Unwrap() error {
	return e.Err
}

// AwolError is returned for a fingerprint neither in the state registry
// nor in the cache (spec.md §3 "awol").
type AwolError struct {
	QueryID string
	Message string
}

func (e AwolError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "Unknown query id: '" + e.QueryID + "'"
}

// ExecutionError wraps a warehouse-side failure recorded against a
// fingerprint's QueryRecord (spec.md §7 "Execution errors").
type ExecutionError struct {
	QueryID string
	Title   string
	Message string
	Err     error
}

func (e ExecutionError) Error() string {
	return e.Message
}

func (e ExecutionError) Unwrap() error {
	return e.Err
}

// DependencyFailedError is the cause recorded on a parent whose
// dependency errored or was cancelled (spec.md §4.5, §7).
type DependencyFailedError struct {
	QueryID   string
	ChildID   string
	ChildKind string
}

func (e DependencyFailedError) Error() string {
	return "dependency_failed(" + e.ChildID + ")"
}

// CycleDetectedError signals a cyclic dependency graph (spec.md §4.2):
// a programming error in the consuming layer, not a runtime condition
// to recover from.
type CycleDetectedError struct {
	QueryID string
}

func (e CycleDetectedError) Error() string {
	return "cycle detected in dependency graph rooted at " + e.QueryID
}

// InternalServerError is the catch-all for anything not in the taxonomy
// above; it never leaks internal detail to the wire.
type InternalServerError struct {
	Title   string
	Message string
	Code    string
	Err     error
}

func (e InternalServerError) Error() string {
	return e.Message
}

func (e InternalServerError) Unwrap() error {
	return e.Err
}

// ValidateInternalError wraps any error not already part of the
// taxonomy into an InternalServerError, preserving the cause for logs
// while presenting a stable message to callers.
func ValidateInternalError(err error) error {
	return InternalServerError{
		Code:    "internal_error",
		Title:   "Internal Server Error",
		Message: "The server encountered an unexpected error while executing the request.",
		Err:     err,
	}
}
