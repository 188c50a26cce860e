package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/common/mlog"
	mredis "github.com/flowkit/queryserver/internal/adapters/redis"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
)

func newTestStore(t *testing.T) *mredis.StateStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	return mredis.NewStateStore(client, &mlog.NoneLogger{})
}

func TestStateMachine_HappyPath(t *testing.T) {
	sm := statemachine.New(newTestStore(t))
	ctx := context.Background()

	state, err := sm.Enqueue(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, statemachine.Queued, state)

	require.NoError(t, sm.BeginExecute(ctx, "q1"))

	committed := false
	require.NoError(t, sm.Finish(ctx, "q1", func() error {
		committed = true
		return nil
	}))
	require.True(t, committed)

	got, err := sm.Get(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, statemachine.Completed, got)
}

func TestStateMachine_EnqueueIdempotentWhileQueued(t *testing.T) {
	sm := statemachine.New(newTestStore(t))
	ctx := context.Background()

	_, err := sm.Enqueue(ctx, "dup")
	require.NoError(t, err)

	state, err := sm.Enqueue(ctx, "dup")
	require.NoError(t, err)
	require.Equal(t, statemachine.Queued, state)
}

func TestStateMachine_CancelWhileExecuting(t *testing.T) {
	sm := statemachine.New(newTestStore(t))
	ctx := context.Background()

	_, err := sm.Enqueue(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, sm.BeginExecute(ctx, "c1"))
	require.NoError(t, sm.Cancel(ctx, "c1"))

	got, err := sm.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, statemachine.Cancelled, got)
}

func TestStateMachine_GetUnknownIsAwol(t *testing.T) {
	sm := statemachine.New(newTestStore(t))

	got, err := sm.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, statemachine.Awol, got)
}

func TestStateMachine_AwaitUnblocksOnTerminalTransition(t *testing.T) {
	sm := statemachine.New(newTestStore(t))
	ctx := context.Background()

	_, err := sm.Enqueue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, sm.BeginExecute(ctx, "w1"))

	done := make(chan statemachine.Record, 1)

	go func() {
		rec, err := sm.Await(ctx, "w1")
		require.NoError(t, err)
		done <- rec
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sm.Finish(ctx, "w1", nil))

	select {
	case rec := <-done:
		require.Equal(t, statemachine.Completed, rec.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not unblock after terminal transition")
	}
}

func TestStateMachine_FailRecordsCause(t *testing.T) {
	sm := statemachine.New(newTestStore(t))
	ctx := context.Background()

	_, err := sm.Enqueue(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, sm.BeginExecute(ctx, "f1"))
	require.NoError(t, sm.Fail(ctx, "f1", errors.New("dependency_failed(child1)")))

	got, err := sm.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, statemachine.Errored, got)

	rec, err := sm.Await(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "dependency_failed(child1)", rec.Cause)
}
