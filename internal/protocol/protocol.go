// Package protocol is the request/reply contract between the stateless
// gateway and this stateful server (spec.md §4.6 C6): one JSON envelope in,
// one JSON envelope out, independent of whatever transport carries it (a
// socket, or — as wired here — a direct in-process call from
// internal/adapters/http/in).
package protocol

import (
	"context"
	"fmt"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/adapters/postgres/cache"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
	"github.com/flowkit/queryserver/internal/services/querykind"
)

// Action names the protocol's closed set of operations (spec.md §4.6 table).
type Action string

const (
	ActionRunQuery              Action = "run_query"
	ActionPollQuery             Action = "poll_query"
	ActionGetSQLForQueryResult  Action = "get_sql_for_query_result"
	ActionGetQueryParams        Action = "get_query_params"
	ActionGetQueryKind          Action = "get_query_kind"
	ActionCancelQuery           Action = "cancel_query"
)

// Status is the reply envelope's top-level disposition.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusOK       Status = "ok"
	StatusError    Status = "error"
)

// Request is one inbound envelope: `{request_id, action, params}`.
type Request struct {
	RequestID string
	Action    Action
	Params    map[string]any
}

// Reply is one outbound envelope: `{status, msg, data}`.
type Reply struct {
	RequestID string
	Status    Status
	Msg       string
	Data      map[string]any
}

// KindValidator is the subset of querykind.Registry the protocol layer needs.
type KindValidator interface {
	Validate(kind string, params map[string]any) (queryspec.Spec, error)
}

// Scheduler is the subset of internal/scheduler.Scheduler the protocol layer
// needs.
type Scheduler interface {
	Submit(ctx context.Context, spec queryspec.Spec) (string, error)
	State(ctx context.Context, id string) (statemachine.State, error)
	Cancel(ctx context.Context, id string) error
}

// CacheRepository is the subset of internal/adapters/postgres/cache the
// protocol layer needs to answer get_sql_for_query_result, get_query_params
// and get_query_kind.
type CacheRepository interface {
	Lookup(ctx context.Context, id string) (*cache.Record, error)
	Touch(ctx context.Context, id string) error
}

// Server dispatches protocol actions against the scheduler and cache. It
// owns no state of its own: every action is a thin translation onto
// StateMachine/Scheduler/Cache calls (spec.md §4.6, §4.7 "the choice of
// transport is not observable above this layer").
type Server struct {
	kinds     KindValidator
	scheduler Scheduler
	cache     CacheRepository
}

// New builds a protocol Server.
func New(kinds KindValidator, scheduler Scheduler, cache CacheRepository) *Server {
	return &Server{kinds: kinds, scheduler: scheduler, cache: cache}
}

// Dispatch routes req to the matching action handler, always returning a
// Reply (never an error) so transport adapters have one uniform shape to
// translate — including request_id echo, required by spec.md §6.
func (s *Server) Dispatch(ctx context.Context, req Request) Reply {
	reply := s.dispatch(ctx, req)
	reply.RequestID = req.RequestID

	return reply
}

func (s *Server) dispatch(ctx context.Context, req Request) Reply {
	switch req.Action {
	case ActionRunQuery:
		return s.runQuery(ctx, req.Params)
	case ActionPollQuery:
		return s.pollQuery(ctx, req.Params)
	case ActionGetSQLForQueryResult:
		return s.getSQLForQueryResult(ctx, req.Params)
	case ActionGetQueryParams:
		return s.getQueryParams(ctx, req.Params)
	case ActionGetQueryKind:
		return s.getQueryKind(ctx, req.Params)
	case ActionCancelQuery:
		return s.cancelQuery(ctx, req.Params)
	default:
		return errorReply(common.ValidationError{
			Code:    "unknown_action",
			Title:   "Unknown action",
			Message: fmt.Sprintf("no such action: %q", req.Action),
		}, "")
	}
}

// runQuery validates params into a Spec under its query_kind, then submits
// it to the scheduler. Idempotent on the resulting id (spec.md §4.6).
func (s *Server) runQuery(ctx context.Context, params map[string]any) Reply {
	kind, _ := params["query_kind"].(string)

	kindParams, _ := params["params"].(map[string]any)
	if kindParams == nil {
		kindParams = map[string]any{}
	}

	spec, err := s.kinds.Validate(kind, kindParams)
	if err != nil {
		return errorReply(err, "")
	}

	id, err := s.scheduler.Submit(ctx, spec)
	if err != nil {
		return errorReply(err, "")
	}

	return Reply{Status: StatusAccepted, Data: map[string]any{"query_id": id}}
}

func (s *Server) queryID(params map[string]any) (string, error) {
	id, ok := params["query_id"].(string)
	if !ok || id == "" {
		return "", common.ValidationError{
			Code:    "missing_query_id",
			Title:   "Missing query_id",
			Message: "params.query_id is required",
		}
	}

	return id, nil
}

func (s *Server) pollQuery(ctx context.Context, params map[string]any) Reply {
	id, err := s.queryID(params)
	if err != nil {
		return errorReply(err, "")
	}

	state, err := s.scheduler.State(ctx, id)
	if err != nil {
		return errorReply(err, "")
	}

	switch state {
	case statemachine.Awol:
		return errorReply(common.AwolError{QueryID: id}, string(state))
	case statemachine.Errored, statemachine.Cancelled:
		// Mirrors notCompletedReply below, so poll_query and
		// get_sql_for_query_result agree: both surface errored/cancelled
		// as StatusError (spec.md §6: 500 on either).
		return notCompletedReply(id, state)
	default:
		return Reply{Status: StatusOK, Data: map[string]any{"query_state": string(state)}}
	}
}

// getSQLForQueryResult returns the materialised relation's SELECT text,
// only once state is completed (spec.md §4.6: "only when state is
// completed"). Touches the cache record so access_count/last_accessed
// reflect the read, feeding the eviction score (spec.md §4.4).
func (s *Server) getSQLForQueryResult(ctx context.Context, params map[string]any) Reply {
	id, err := s.queryID(params)
	if err != nil {
		return errorReply(err, "")
	}

	state, err := s.scheduler.State(ctx, id)
	if err != nil {
		return errorReply(err, "")
	}

	if state != statemachine.Completed {
		return notCompletedReply(id, state)
	}

	rec, err := s.cache.Lookup(ctx, id)
	if err != nil {
		return errorReply(err, string(state))
	}

	if rec == nil || rec.Schema == "" || rec.TableName == "" {
		return errorReply(common.AwolError{QueryID: id}, string(statemachine.Awol))
	}

	if err := s.cache.Touch(ctx, id); err != nil {
		return errorReply(err, string(state))
	}

	sql := fmt.Sprintf(`SELECT * FROM "%s"."%s"`, rec.Schema, rec.TableName)

	return Reply{Status: StatusOK, Data: map[string]any{"sql": sql}}
}

func (s *Server) getQueryParams(ctx context.Context, params map[string]any) Reply {
	id, err := s.queryID(params)
	if err != nil {
		return errorReply(err, "")
	}

	rec, err := s.cache.Lookup(ctx, id)
	if err != nil {
		return errorReply(err, "")
	}

	if rec == nil {
		return errorReply(common.AwolError{QueryID: id}, string(statemachine.Awol))
	}

	return Reply{Status: StatusOK, Data: map[string]any{"query_params": rec.Spec}}
}

func (s *Server) getQueryKind(ctx context.Context, params map[string]any) Reply {
	id, err := s.queryID(params)
	if err != nil {
		return errorReply(err, "")
	}

	rec, err := s.cache.Lookup(ctx, id)
	if err != nil {
		return errorReply(err, "")
	}

	if rec == nil {
		return errorReply(common.AwolError{QueryID: id}, string(statemachine.Awol))
	}

	return Reply{Status: StatusOK, Data: map[string]any{"query_kind": rec.QueryKind}}
}

func (s *Server) cancelQuery(ctx context.Context, params map[string]any) Reply {
	id, err := s.queryID(params)
	if err != nil {
		return errorReply(err, "")
	}

	if err := s.scheduler.Cancel(ctx, id); err != nil {
		return errorReply(err, "")
	}

	return Reply{Status: StatusOK, Data: map[string]any{}}
}

// notCompletedReply reports a query still running, failed, or unknown, in
// the shape callers poll with (spec.md §4.6 error envelope: data.query_state
// one of queued/executing/errored/cancelled/awol/known).
func notCompletedReply(id string, state statemachine.State) Reply {
	switch state {
	case statemachine.Errored:
		return errorReply(common.ExecutionError{QueryID: id, Message: "query errored"}, string(state))
	case statemachine.Cancelled:
		return errorReply(fmt.Errorf("query %s was cancelled", id), string(state))
	default:
		return errorReply(fmt.Errorf("query %s is not completed", id), string(state))
	}
}

func errorReply(err error, state string) Reply {
	data := map[string]any{}
	if state != "" {
		data["query_state"] = state
	}

	return Reply{Status: StatusError, Msg: err.Error(), Data: data}
}
