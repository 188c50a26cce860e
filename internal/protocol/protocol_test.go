package protocol_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/internal/adapters/postgres/cache"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
	"github.com/flowkit/queryserver/internal/protocol"
)

type fakeKinds struct {
	validateErr error
}

func (f fakeKinds) Validate(kind string, params map[string]any) (queryspec.Spec, error) {
	if f.validateErr != nil {
		return queryspec.Spec{}, f.validateErr
	}

	return queryspec.New(kind, params), nil
}

type fakeScheduler struct {
	submitID  string
	submitErr error
	state     statemachine.State
	stateErr  error
	cancelErr error
}

func (f fakeScheduler) Submit(ctx context.Context, spec queryspec.Spec) (string, error) {
	return f.submitID, f.submitErr
}

func (f fakeScheduler) State(ctx context.Context, id string) (statemachine.State, error) {
	return f.state, f.stateErr
}

func (f fakeScheduler) Cancel(ctx context.Context, id string) error {
	return f.cancelErr
}

type fakeCache struct {
	records map[string]*cache.Record
}

func (f fakeCache) Lookup(ctx context.Context, id string) (*cache.Record, error) {
	return f.records[id], nil
}

func (f fakeCache) Touch(ctx context.Context, id string) error {
	return nil
}

func TestRunQuery_SubmitsValidatedSpec(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{submitID: "q123"}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{
		RequestID: "r1",
		Action:    protocol.ActionRunQuery,
		Params:    map[string]any{"query_kind": "dummy_query", "params": map[string]any{}},
	})

	require.Equal(t, protocol.StatusAccepted, reply.Status)
	assert.Equal(t, "r1", reply.RequestID)
	assert.Equal(t, "q123", reply.Data["query_id"])
}

func TestRunQuery_ValidationErrorPropagates(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{validateErr: assertError("bad kind")}, fakeScheduler{}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{
		Action: protocol.ActionRunQuery,
		Params: map[string]any{"query_kind": "nope"},
	})

	assert.Equal(t, protocol.StatusError, reply.Status)
}

func TestPollQuery_MissingIDIsAwol(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{state: statemachine.Awol}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{
		Action: protocol.ActionPollQuery,
		Params: map[string]any{"query_id": "unknown"},
	})

	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "awol", reply.Data["query_state"])
}

func TestPollQuery_ReportsRunningState(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{state: statemachine.Executing}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{
		Action: protocol.ActionPollQuery,
		Params: map[string]any{"query_id": "q1"},
	})

	require.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, "executing", reply.Data["query_state"])
}

func TestGetSQLForQueryResult_NotCompletedReturnsState(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{state: statemachine.Errored}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{
		Action: protocol.ActionGetSQLForQueryResult,
		Params: map[string]any{"query_id": "q1"},
	})

	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "errored", reply.Data["query_state"])
}

func TestGetSQLForQueryResult_CompletedBuildsSelect(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{state: statemachine.Completed}, fakeCache{
		records: map[string]*cache.Record{
			"q1": {Schema: "warehouse", TableName: "q_q1"},
		},
	})

	reply := s.Dispatch(context.Background(), protocol.Request{
		Action: protocol.ActionGetSQLForQueryResult,
		Params: map[string]any{"query_id": "q1"},
	})

	require.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, `SELECT * FROM "warehouse"."q_q1"`, reply.Data["sql"])
}

func TestCancelQuery_DelegatesToScheduler(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{
		Action: protocol.ActionCancelQuery,
		Params: map[string]any{"query_id": "q1"},
	})

	assert.Equal(t, protocol.StatusOK, reply.Status)
}

func TestDispatch_UnknownActionIsError(t *testing.T) {
	t.Parallel()

	s := protocol.New(fakeKinds{}, fakeScheduler{}, fakeCache{})

	reply := s.Dispatch(context.Background(), protocol.Request{Action: "not_a_real_action"})

	assert.Equal(t, protocol.StatusError, reply.Status)
}

type assertError string

func (e assertError) Error() string { return string(e) }
