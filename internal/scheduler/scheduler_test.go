package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/internal/adapters/postgres/cache"
	mredis "github.com/flowkit/queryserver/internal/adapters/redis"
	"github.com/flowkit/queryserver/internal/domain/fingerprint"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
	"github.com/flowkit/queryserver/internal/scheduler"
	"github.com/flowkit/queryserver/internal/services/querykind"
)

// fakeCache is an in-memory stand-in for internal/adapters/postgres/cache.Repository.
type fakeCache struct {
	mu          sync.Mutex
	records     map[string]*cache.Record
	reserveHits int
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: map[string]*cache.Record{}}
}

func (f *fakeCache) IsCompleted(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]

	return ok && rec.TableName != "", nil
}

func (f *fakeCache) Lookup(_ context.Context, id string) (*cache.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}

	cp := *rec

	return &cp, nil
}

func (f *fakeCache) Reserve(_ context.Context, id, kind, specJSON string, deps []string, mult *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserveHits++

	if _, ok := f.records[id]; ok {
		return nil
	}

	f.records[id] = &cache.Record{QueryID: id, QueryKind: kind, Spec: specJSON, Dependencies: deps, CacheScoreMultiplier: mult}

	return nil
}

func (f *fakeCache) Commit(_ context.Context, id, schema, table string, computeTimeMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return fmt.Errorf("commit of unreserved id %s", id)
	}

	rec.Schema = schema
	rec.TableName = table
	rec.ComputeTimeMS = computeTimeMS

	return nil
}

// fakeWarehouse is an in-memory stand-in for internal/adapters/postgres/warehouse.Warehouse.
type fakeWarehouse struct {
	mu        sync.Mutex
	built     []string
	dropped   []string
	failTable map[string]bool
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{failTable: map[string]bool{}}
}

func (w *fakeWarehouse) Materialize(_ context.Context, _, table, selectSQL string, _ ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.built = append(w.built, table)

	if w.failTable[table] {
		return fmt.Errorf("materialize %s: simulated failure", table)
	}

	return nil
}

func (w *fakeWarehouse) RelationExists(context.Context, string, string) (bool, error) {
	return false, nil
}

func (w *fakeWarehouse) Explain(context.Context, string, ...any) (string, error) {
	return `[{"Plan": {}}]`, nil
}

func (w *fakeWarehouse) DropTable(_ context.Context, _, table string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dropped = append(w.dropped, table)

	return nil
}

func (w *fakeWarehouse) buildOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.built...)
}

// fakeKinds is a two-kind test registry: "leaf" has no dependencies, "parent"
// depends on every leaf spec passed to newParentSpec.
type fakeKinds struct{}

func (fakeKinds) Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error) {
	if spec.Kind != "parent" {
		return nil, nil
	}

	raw, err := spec.Get("leaves")
	if err != nil {
		return nil, err
	}

	names := raw.([]string)

	deps := make([]queryspec.Spec, 0, len(names))
	for _, n := range names {
		deps = append(deps, queryspec.New("leaf", map[string]any{"name": n}))
	}

	return deps, nil
}

func (fakeKinds) Build(spec queryspec.Spec, deps map[string]querykind.Ref) (string, []any, error) {
	switch spec.Kind {
	case "leaf":
		name, _ := spec.String("name")
		return "SELECT leaf " + name, nil, nil
	case querykind.DummyQueryKind:
		return "SELECT 1 AS dummy_value", nil, nil
	}

	if len(deps) == 0 {
		return "", nil, fmt.Errorf("parent: no dependencies resolved")
	}

	return "SELECT parent", nil, nil
}

func newTestSM(t *testing.T) *statemachine.StateMachine {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := mredis.NewStateStore(client, &mlog.NoneLogger{})

	return statemachine.New(store)
}

func newTestScheduler(t *testing.T, wh *fakeWarehouse, ch *fakeCache) (*scheduler.Scheduler, func()) {
	t.Helper()

	sm := newTestSM(t)
	s := scheduler.New(sm, ch, wh, fakeKinds{}, nil, nil, nil, &mlog.NoneLogger{}, scheduler.Config{WorkerPoolSize: 2, Schema: "warehouse"})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	return s, func() {
		cancel()
		<-done
	}
}

func TestScheduler_SubmitLeafCompletes(t *testing.T) {
	t.Parallel()

	wh, ch := newFakeWarehouse(), newFakeCache()
	s, stop := newTestScheduler(t, wh, ch)

	defer stop()

	ctx := context.Background()

	spec := queryspec.New("leaf", map[string]any{"name": "a"})

	id, err := s.Submit(ctx, spec)
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := s.Await(awaitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Completed, rec.State)
}

func TestScheduler_ParentWaitsForLeaves(t *testing.T) {
	t.Parallel()

	wh, ch := newFakeWarehouse(), newFakeCache()
	s, stop := newTestScheduler(t, wh, ch)

	defer stop()

	ctx := context.Background()

	spec := queryspec.New("parent", map[string]any{"leaves": []string{"x", "y"}})

	id, err := s.Submit(ctx, spec)
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := s.Await(awaitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Completed, rec.State)

	order := wh.buildOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "q_"+id, order[len(order)-1], "parent must materialise last, after both leaves")
}

func TestScheduler_DependencyFailureCascades(t *testing.T) {
	t.Parallel()

	wh, ch := newFakeWarehouse(), newFakeCache()
	s, stop := newTestScheduler(t, wh, ch)

	defer stop()

	ctx := context.Background()

	leafSpec := queryspec.New("leaf", map[string]any{"name": "broken"})
	leafID, err := fingerprint.Fingerprint(leafSpec)
	require.NoError(t, err)

	wh.failTable["q_"+leafID] = true

	spec := queryspec.New("parent", map[string]any{"leaves": []string{"broken"}})

	id, err := s.Submit(ctx, spec)
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := s.Await(awaitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Errored, rec.State)
	assert.Contains(t, rec.Cause, "dependency_failed")
}

func TestScheduler_DummyQueryCompletesWithoutTouchingWarehouse(t *testing.T) {
	t.Parallel()

	wh, ch := newFakeWarehouse(), newFakeCache()
	s, stop := newTestScheduler(t, wh, ch)

	defer stop()

	ctx := context.Background()

	spec := queryspec.New(querykind.DummyQueryKind, map[string]any{})

	id, err := s.Submit(ctx, spec)
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := s.Await(awaitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Completed, rec.State)
	assert.Empty(t, wh.buildOrder(), "dummy_query must never reach Materialize")
}

func TestScheduler_SubmitDedupesConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	wh, ch := newFakeWarehouse(), newFakeCache()
	s, stop := newTestScheduler(t, wh, ch)

	defer stop()

	ctx := context.Background()

	spec := queryspec.New("leaf", map[string]any{"name": "dedup"})

	var wg sync.WaitGroup

	ids := make([]string, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			id, err := s.Submit(ctx, spec)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}

	wg.Wait()

	assert.Equal(t, ids[0], ids[1])

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.Await(awaitCtx, ids[0])
	require.NoError(t, err)
}
