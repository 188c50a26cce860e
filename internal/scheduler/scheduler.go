// Package scheduler is the bounded worker pool that executes a query's
// dependency DAG leaves-first, materialising each node into the cache
// before its parents become eligible to run (spec.md §4.5 C5).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/internal/adapters/mongodb"
	"github.com/flowkit/queryserver/internal/adapters/postgres/cache"
	"github.com/flowkit/queryserver/internal/adapters/postgres/warehouse"
	"github.com/flowkit/queryserver/internal/domain/fingerprint"
	"github.com/flowkit/queryserver/internal/domain/graph"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
	"github.com/flowkit/queryserver/internal/services/querykind"
)

// CacheRepository is the subset of internal/adapters/postgres/cache the
// scheduler needs.
type CacheRepository interface {
	IsCompleted(ctx context.Context, id string) (bool, error)
	Lookup(ctx context.Context, id string) (*cache.Record, error)
	Reserve(ctx context.Context, id, kind, specJSON string, deps []string, scoreMultiplier *float64) error
	Commit(ctx context.Context, id, schema, table string, computeTimeMS int64) error
}

// Warehouse is the subset of internal/adapters/postgres/warehouse the
// scheduler needs.
type Warehouse interface {
	Materialize(ctx context.Context, schema, table, selectSQL string, args ...any) error
	RelationExists(ctx context.Context, schema, table string) (bool, error)
	Explain(ctx context.Context, selectSQL string, args ...any) (string, error)
	DropTable(ctx context.Context, schema, table string) error
}

// KindRegistry is the subset of internal/services/querykind.Registry the
// scheduler needs; it also satisfies graph.DependencyResolver.
type KindRegistry interface {
	Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error)
	Build(spec queryspec.Spec, deps map[string]querykind.Ref) (string, []any, error)
}

// Breaker runs fn through a circuit breaker with retry (pkg/mcircuitbreaker).
type Breaker interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// LifecyclePublisher announces terminal transitions (internal/adapters/rabbitmq).
type LifecyclePublisher interface {
	Publish(ctx context.Context, id, queryKind string, rec statemachine.Record) error
}

// AuditRecorder records materialisation attempts (internal/adapters/mongodb,
// SPEC_FULL.md §3 mongodb wiring).
type AuditRecorder interface {
	Record(ctx context.Context, attempt mongodb.Attempt) error
}

// passthroughBreaker runs fn directly; used when no Breaker is configured.
type passthroughBreaker struct{}

func (passthroughBreaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// node is the scheduler's merged view of one fingerprint across every
// currently active submission: its spec, the parents waiting on it, and
// how many of its own dependencies are still unresolved.
type node struct {
	spec    queryspec.Spec
	parents map[string]bool
	pending int
}

// Config configures a Scheduler.
type Config struct {
	WorkerPoolSize int           // bootstrap defaults it to the number of cores (spec.md §6 WORKER_POOL_SIZE); New falls back to 1
	QueueDepth     int           // ready-queue backpressure threshold (spec.md §4.5 step 6)
	Schema         string        // warehouse schema materialised relations live in
	RetryBudget    time.Duration // reserved for future deadline wiring
}

// Scheduler drains a FIFO ready queue of unstored dependency-graph nodes,
// enforcing DAG order: a parent is only enqueued once every one of its
// unstored dependencies has completed (spec.md §4.5).
type Scheduler struct {
	sm        *statemachine.StateMachine
	cacheRepo CacheRepository
	warehouse Warehouse
	kinds     KindRegistry
	breaker   Breaker
	lifecycle LifecyclePublisher
	audit     AuditRecorder
	logger    mlog.Logger
	cfg       Config

	sg    singleflight.Group
	ready chan string

	mu     sync.Mutex
	nodes  map[string]*node
	queued map[string]bool
}

// New builds a Scheduler. lifecycle may be nil (no lifecycle events
// published). breaker may be nil (materialisation runs without retry).
// audit may be nil (no execution-audit trail recorded).
func New(sm *statemachine.StateMachine, cacheRepo CacheRepository, warehouse Warehouse, kinds KindRegistry, breaker Breaker, lifecycle LifecyclePublisher, audit AuditRecorder, logger mlog.Logger, cfg Config) *Scheduler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}

	if cfg.Schema == "" {
		cfg.Schema = "warehouse"
	}

	if breaker == nil {
		breaker = passthroughBreaker{}
	}

	return &Scheduler{
		sm:        sm,
		cacheRepo: cacheRepo,
		warehouse: warehouse,
		kinds:     kinds,
		breaker:   breaker,
		lifecycle: lifecycle,
		audit:     audit,
		logger:    logger,
		cfg:       cfg,
		ready:     make(chan string, cfg.QueueDepth),
		nodes:     make(map[string]*node),
		queued:    make(map[string]bool),
	}
}

// Run starts cfg.WorkerPoolSize workers draining the ready queue, until ctx
// is cancelled. It blocks until every worker has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		g.Go(func() error {
			return s.workerLoop(ctx)
		})
	}

	return g.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-s.ready:
			if !ok {
				return nil
			}

			s.mu.Lock()
			delete(s.queued, id)
			s.mu.Unlock()

			s.execute(ctx, id)
		}
	}
}

// Submit computes spec's fingerprint, reserves cache records and
// statemachine entries for its full unstored dependency closure, and
// enqueues the leaves. It returns immediately with the root id (spec.md
// §4.6 run_query: "accepted", idempotent on id). Concurrent submissions of
// the same spec are deduplicated via singleflight (spec.md §8 "at most one
// worker-side materialisation occurs").
func (s *Scheduler) Submit(ctx context.Context, spec queryspec.Spec) (string, error) {
	id, err := fingerprint.Fingerprint(spec)
	if err != nil {
		return "", err
	}

	_, err, _ = s.sg.Do(id, func() (any, error) {
		return nil, s.submitClosure(ctx, spec, id)
	})

	return id, err
}

func (s *Scheduler) submitClosure(ctx context.Context, spec queryspec.Spec, rootID string) error {
	dag, err := graph.Closure(ctx, s.kinds, storedCheckerFunc(s.cacheRepo.IsCompleted), spec)
	if err != nil {
		return err
	}

	unstored := graph.UnstoredClosure(dag)

	if err := s.reserveAll(ctx, dag); err != nil {
		return err
	}

	s.mu.Lock()

	for id, n := range unstored.Nodes {
		tracked, ok := s.nodes[id]
		if !ok {
			tracked = &node{spec: n.Spec, parents: map[string]bool{}}
			s.nodes[id] = tracked
		}

		tracked.pending = graph.InDegree(unstored, id)
	}

	for id, deps := range unstored.Edges {
		for _, dep := range deps {
			s.nodes[dep].parents[id] = true
		}
	}

	leaves := make([]string, 0)

	for id := range unstored.Nodes {
		if graph.InDegree(unstored, id) == 0 {
			leaves = append(leaves, id)
		}
	}

	s.mu.Unlock()

	for id := range unstored.Nodes {
		if _, err := s.sm.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("scheduler: enqueue %s: %w", id, err)
		}
	}

	for _, id := range leaves {
		s.pushReady(ctx, id)
	}

	_ = rootID

	return nil
}

func (s *Scheduler) reserveAll(ctx context.Context, dag *graph.DAG) error {
	for id, n := range dag.Nodes {
		deps := dag.Edges[id]

		specJSON, err := fingerprint.CanonicalJSON(n.Spec)
		if err != nil {
			return err
		}

		if err := s.cacheRepo.Reserve(ctx, id, n.Spec.Kind, specJSON, deps, nil); err != nil {
			return fmt.Errorf("scheduler: reserve %s: %w", id, err)
		}
	}

	return nil
}

// pushReady enqueues id onto the ready channel, deduplicating ids already
// present (spec.md §4.5 step 6 backpressure). A genuinely new id blocks
// the caller until the channel drains below QueueDepth.
func (s *Scheduler) pushReady(ctx context.Context, id string) {
	s.mu.Lock()
	if s.queued[id] {
		s.mu.Unlock()
		return
	}

	s.queued[id] = true
	s.mu.Unlock()

	select {
	case s.ready <- id:
	case <-ctx.Done():
	}
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	s.mu.Unlock()

	if !ok {
		s.logger.Errorf("scheduler: executing untracked id %s", id)
		return
	}

	if err := s.sm.BeginExecute(ctx, id); err != nil {
		s.logger.Warnf("scheduler: %s not ready to execute: %s", id, err)
		return
	}

	start := time.Now()

	sqlText, sqlArgs, err := s.materialize(ctx, id, n.spec)

	elapsed := time.Since(start)

	s.recordAttempt(ctx, id, n.spec.Kind, sqlText, sqlArgs, start, elapsed, err)

	if err != nil {
		s.fail(ctx, id, n.spec.Kind, err)
		return
	}

	rec, lookupErr := s.cacheRepo.Lookup(ctx, id)
	if lookupErr != nil {
		s.fail(ctx, id, n.spec.Kind, lookupErr)
		return
	}

	if rec == nil {
		s.fail(ctx, id, n.spec.Kind, fmt.Errorf("scheduler: no cache record for %s after materialize", id))
		return
	}

	err = s.sm.Finish(ctx, id, func() error {
		return s.cacheRepo.Commit(ctx, id, rec.Schema, rec.TableName, elapsed.Milliseconds())
	})
	if err != nil {
		// Finish fails when id is no longer executing (e.g. cancelled while
		// its SQL ran, so commit never ran), when the commit itself fails,
		// or when the store's CAS loses a race after the commit. In each
		// case the relation just materialised is dropped rather than left
		// behind a store state other than completed, and an id still
		// executing (a failed commit) is recorded as errored.
		if rec.Schema != "" && rec.TableName != "" {
			if dropErr := s.warehouse.DropTable(ctx, rec.Schema, rec.TableName); dropErr != nil {
				s.logger.Errorf("scheduler: rolling back orphaned relation %s.%s for %s: %s", rec.Schema, rec.TableName, id, dropErr)
			}
		}

		s.logger.Errorf("scheduler: finish %s: %s", id, err)

		if state, getErr := s.sm.Get(ctx, id); getErr == nil && state == statemachine.Executing {
			s.fail(ctx, id, n.spec.Kind, err)
		}

		return
	}

	s.publishLifecycle(ctx, id, n.spec.Kind, statemachine.Record{State: statemachine.Completed})
	s.onTerminal(ctx, id)
}

// materialize builds and runs id's SQL, returning the SQL text and its
// bound args for the audit trail regardless of outcome (SPEC_FULL.md §3).
// dummy_query is special-cased: it commits straight through without ever
// touching the warehouse, per original_source's dummy_query semantics.
func (s *Scheduler) materialize(ctx context.Context, id string, spec queryspec.Spec) (string, []any, error) {
	if spec.Kind == querykind.DummyQueryKind {
		return "", nil, s.cacheRepo.Commit(ctx, id, "", "", 0)
	}

	schema := s.cfg.Schema
	table := "q_" + id

	exists, err := s.warehouse.RelationExists(ctx, schema, table)
	if err != nil {
		return "", nil, err
	}

	if exists {
		// A worker lost a materialisation race: the relation is already
		// there (spec.md §4.5 edge case). Treat it as success without
		// re-running the SQL.
		return "", nil, s.cacheRepo.Commit(ctx, id, schema, table, 0)
	}

	deps, err := s.resolveDependencyRefs(ctx, id, spec)
	if err != nil {
		return "", nil, err
	}

	sqlText, sqlArgs, err := s.kinds.Build(spec, deps)
	if err != nil {
		return "", nil, err
	}

	err = s.breaker.Run(ctx, func(ctx context.Context) error {
		return s.warehouse.Materialize(ctx, schema, table, sqlText, sqlArgs...)
	})

	return sqlText, sqlArgs, err
}

// recordAttempt appends one execution attempt to the audit trail. Best
// effort: an audit write failure is logged, never propagated, since the
// audit trail is a side channel and must not block query execution.
func (s *Scheduler) recordAttempt(ctx context.Context, id, kind, sqlText string, sqlArgs []any, start time.Time, elapsed time.Duration, execErr error) {
	if s.audit == nil {
		return
	}

	attempt := mongodb.Attempt{
		QueryID:    id,
		QueryKind:  kind,
		SQL:        sqlText,
		StartedAt:  start,
		FinishedAt: start.Add(elapsed),
		DurationMS: elapsed.Milliseconds(),
		Outcome:    "completed",
	}

	if execErr != nil {
		attempt.Outcome = "errored"
		attempt.FailureReason = execErr.Error()
	}

	if sqlText != "" {
		if plan, err := s.warehouse.Explain(ctx, sqlText, sqlArgs...); err == nil {
			if decoded, err := warehouse.MarshalExplainPlan(plan); err == nil {
				attempt.ExplainPlan = decoded
			} else {
				attempt.ExplainPlan = plan
			}
		}
	}

	if err := s.audit.Record(ctx, attempt); err != nil {
		s.logger.Warnf("scheduler: recording audit attempt for %s: %s", id, err)
	}
}

func (s *Scheduler) resolveDependencyRefs(ctx context.Context, id string, spec queryspec.Spec) (map[string]querykind.Ref, error) {
	deps, err := s.kinds.Dependencies(spec)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]querykind.Ref, len(deps))

	for _, depSpec := range deps {
		depID, err := fingerprint.Fingerprint(depSpec)
		if err != nil {
			return nil, err
		}

		rec, err := s.cacheRepo.Lookup(ctx, depID)
		if err != nil {
			return nil, err
		}

		if rec == nil || rec.Schema == "" || rec.TableName == "" {
			return nil, fmt.Errorf("scheduler: dependency %s of %s not materialised", depID, id)
		}

		refs[depID] = querykind.Ref{QueryID: depID, Schema: rec.Schema, Table: rec.TableName}
	}

	return refs, nil
}

// fail transitions id to errored and cascades dependency_failed to every
// ancestor still pending on it, per spec.md §4.5: "If a dependency fails,
// the worker MUST NOT attempt its own SQL; it transitions the parent to
// errored with a dependency_failed(<child_id>) cause."
func (s *Scheduler) fail(ctx context.Context, id, kind string, cause error) {
	s.logger.Errorf("scheduler: %s failed: %s", id, cause)

	if err := s.sm.Fail(ctx, id, cause); err != nil {
		s.logger.Errorf("scheduler: recording failure for %s: %s", id, err)
	}

	s.publishLifecycle(ctx, id, kind, statemachine.Record{State: statemachine.Errored, Cause: cause.Error()})
	s.cascadeFailure(ctx, id)
}

func (s *Scheduler) cascadeFailure(ctx context.Context, failedID string) {
	s.mu.Lock()
	n, ok := s.nodes[failedID]

	var parents []string
	if ok {
		for p := range n.parents {
			parents = append(parents, p)
		}
	}

	s.mu.Unlock()

	for _, parentID := range parents {
		s.mu.Lock()
		parentNode, parentOK := s.nodes[parentID]
		s.mu.Unlock()

		kind := ""
		if parentOK {
			kind = parentNode.spec.Kind
		}

		cause := common.DependencyFailedError{QueryID: parentID, ChildID: failedID}

		if err := s.sm.Fail(ctx, parentID, cause); err != nil {
			// Already terminal (e.g. a sibling failure cascaded here first):
			// not an error, just a race this cascade lost.
			continue
		}

		s.publishLifecycle(ctx, parentID, kind, statemachine.Record{State: statemachine.Errored, Cause: cause.Error()})
		s.cascadeFailure(ctx, parentID)
	}
}

// onTerminal fans out a completion: any parent whose in-degree drops to 0
// is enqueued (spec.md §4.5 step 4).
func (s *Scheduler) onTerminal(ctx context.Context, id string) {
	s.mu.Lock()

	n, ok := s.nodes[id]

	var ready []string

	if ok {
		for parentID := range n.parents {
			parent, pOK := s.nodes[parentID]
			if !pOK {
				continue
			}

			parent.pending--
			if parent.pending == 0 {
				ready = append(ready, parentID)
			}
		}
	}

	s.mu.Unlock()

	for _, parentID := range ready {
		s.pushReady(ctx, parentID)
	}
}

func (s *Scheduler) publishLifecycle(ctx context.Context, id, kind string, rec statemachine.Record) {
	if s.lifecycle == nil {
		return
	}

	if err := s.lifecycle.Publish(ctx, id, kind, rec); err != nil {
		s.logger.Warnf("scheduler: publishing lifecycle event for %s: %s", id, err)
	}
}

// Cancel cancels id, cascading dependency_failed to its ancestors the same
// way an execution failure does (spec.md §5 "Cancellation and timeout").
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.sm.Cancel(ctx, id); err != nil {
		return err
	}

	kind := ""

	s.mu.Lock()
	if n, ok := s.nodes[id]; ok {
		kind = n.spec.Kind
	}
	s.mu.Unlock()

	s.publishLifecycle(ctx, id, kind, statemachine.Record{State: statemachine.Cancelled})
	s.cascadeFailure(ctx, id)

	return nil
}

// Await blocks until id reaches a terminal state, for poll_query /
// run_query-synchronous-wait callers (internal/protocol).
func (s *Scheduler) Await(ctx context.Context, id string) (statemachine.Record, error) {
	return s.sm.Await(ctx, id)
}

// State reports id's current lifecycle state, or Awol if unknown.
func (s *Scheduler) State(ctx context.Context, id string) (statemachine.State, error) {
	return s.sm.Get(ctx, id)
}

type storedCheckerFunc func(ctx context.Context, id string) (bool, error)

func (f storedCheckerFunc) IsCompleted(ctx context.Context, id string) (bool, error) {
	return f(ctx, id)
}
