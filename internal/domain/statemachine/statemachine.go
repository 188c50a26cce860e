// Package statemachine implements the per-fingerprint lifecycle
// (spec.md §3 State, §4.3 C3): known -> queued -> executing ->
// completed/errored/cancelled, hosted in a process-wide registry keyed by
// id, with transitions serialised per id and terminal transitions
// published for any number of waiters.
package statemachine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// State is one of the fingerprint lifecycle states (spec.md §3).
type State string

const (
	Known     State = "known"
	Queued    State = "queued"
	Executing State = "executing"
	Completed State = "completed"
	Errored   State = "errored"
	Cancelled State = "cancelled"
	// Awol is the sentinel for an id neither in memory nor in the cache
	// (spec.md §3, §4.6). It is never stored; Get synthesises it.
	Awol State = "awol"
)

// Terminal reports whether s is one a fingerprint only leaves via an
// explicit reset (spec.md §8 "state monotonicity").
func (s State) Terminal() bool {
	return s == Completed || s == Errored || s == Cancelled
}

// Record is the state store's unit of storage: the current state plus a
// cause for errored/cancelled (e.g. "dependency_failed(<child_id>)").
type Record struct {
	State State
	Cause string
}

// Store is the durable backing for fingerprint state, implemented by
// internal/adapters/redis against a JSON-encoded Redis key + Pub/Sub
// channel per id.
type Store interface {
	// Get returns the stored record for id, or ok=false if none exists
	// (absent is treated as Known by the state machine).
	Get(ctx context.Context, id string) (Record, bool, error)
	// CompareAndSwap atomically sets id's record to {to, cause} iff id's
	// current state equals from, or iff from==Known and no record exists
	// yet. Returns swapped=false (no error) on a failed precondition.
	CompareAndSwap(ctx context.Context, id string, from, to State, cause string) (swapped bool, err error)
	// Publish announces a terminal transition to any subscriber.
	Publish(ctx context.Context, id string, rec Record) error
	// Subscribe returns a channel receiving every subsequent Publish for
	// id, and a cancel function the caller must invoke when done.
	Subscribe(ctx context.Context, id string) (<-chan Record, func(), error)
}

// keyedMutex stripes in-process locks by id hash (spec.md §5: "a single
// mutex-protected map, or a striped map keyed by id prefix for
// scalability") so concurrent submitters of the same id serialise without
// one global lock penalising unrelated ids.
type keyedMutex struct {
	stripes [256]sync.Mutex
}

func (k *keyedMutex) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	idx := h.Sum32() % uint32(len(k.stripes))

	k.stripes[idx].Lock()

	return k.stripes[idx].Unlock
}

// StateMachine drives one fingerprint's lifecycle transitions against a
// durable Store, serialising concurrent callers per id.
type StateMachine struct {
	store Store
	locks keyedMutex
}

// New creates a StateMachine backed by store.
func New(store Store) *StateMachine {
	return &StateMachine{store: store}
}

// Get reports id's current state, or Awol if the store has no record.
func (sm *StateMachine) Get(ctx context.Context, id string) (State, error) {
	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if !ok {
		return Awol, nil
	}

	return rec.State, nil
}

// Enqueue transitions known -> queued. Idempotent if already queued or
// executing: returns the current state as a no-op (spec.md §4.3,
// §4.4 "concurrent build deduplication").
func (sm *StateMachine) Enqueue(ctx context.Context, id string) (State, error) {
	unlock := sm.locks.lock(id)
	defer unlock()

	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if ok && (rec.State == Queued || rec.State == Executing) {
		return rec.State, nil
	}

	from := Known
	if ok {
		from = rec.State
	}

	swapped, err := sm.store.CompareAndSwap(ctx, id, from, Queued, "")
	if err != nil {
		return "", err
	}

	if !swapped {
		return "", fmt.Errorf("statemachine: cannot enqueue %s from state %s", id, from)
	}

	return Queued, nil
}

// BeginExecute transitions queued -> executing; fails if id is not queued.
func (sm *StateMachine) BeginExecute(ctx context.Context, id string) error {
	unlock := sm.locks.lock(id)
	defer unlock()

	swapped, err := sm.store.CompareAndSwap(ctx, id, Queued, Executing, "")
	if err != nil {
		return err
	}

	if !swapped {
		return fmt.Errorf("statemachine: cannot begin_execute %s: not queued", id)
	}

	return nil
}

// Finish transitions executing -> completed, invoking commit (the cache
// commit, per spec.md §4.3 "commits result to the cache atomically with
// the transition") before the published state change becomes visible.
// commit only runs once id is confirmed still executing, and the per-id
// lock is held across that check, the commit, and the CAS: a concurrent
// Cancel takes the same lock (spec.md §5 "Cancellation and timeout"), so
// it cannot flip id to cancelled between the check and the commit and
// leave the cache record committed under a state the store never reaches.
// If commit fails, the caller should call Fail instead.
func (sm *StateMachine) Finish(ctx context.Context, id string, commit func() error) error {
	unlock := sm.locks.lock(id)
	defer unlock()

	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if !ok || rec.State != Executing {
		from := Known
		if ok {
			from = rec.State
		}

		return fmt.Errorf("statemachine: cannot finish %s: not executing (is %s)", id, from)
	}

	if commit != nil {
		if err := commit(); err != nil {
			return fmt.Errorf("statemachine: commit for %s: %w", id, err)
		}
	}

	swapped, err := sm.store.CompareAndSwap(ctx, id, Executing, Completed, "")
	if err != nil {
		return err
	}

	if !swapped {
		return fmt.Errorf("statemachine: cannot finish %s: state changed concurrently", id)
	}

	return sm.store.Publish(ctx, id, Record{State: Completed})
}

// Fail transitions id to errored, recording cause. id may be failing mid
// execution (executing -> errored) or cascading from a dependency that
// failed before id ever ran (known/queued -> errored, spec.md §4.5: a
// parent still waiting on a failed child never gets to execute at all).
// On an id already terminal (a race with a sibling cascade) it changes
// nothing and returns an error.
func (sm *StateMachine) Fail(ctx context.Context, id string, cause error) error {
	unlock := sm.locks.lock(id)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}

	from := Known
	if ok {
		from = rec.State
	}

	if from.Terminal() {
		unlock()
		return fmt.Errorf("statemachine: cannot fail %s: already %s", id, from)
	}

	swapped, err := sm.store.CompareAndSwap(ctx, id, from, Errored, msg)
	unlock()

	if err != nil {
		return err
	}

	if !swapped {
		return fmt.Errorf("statemachine: cannot fail %s: state changed concurrently", id)
	}

	return sm.store.Publish(ctx, id, Record{State: Errored, Cause: msg})
}

// Cancel transitions queued or executing -> cancelled.
func (sm *StateMachine) Cancel(ctx context.Context, id string) error {
	unlock := sm.locks.lock(id)

	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}

	if !ok || (rec.State != Queued && rec.State != Executing) {
		unlock()
		return fmt.Errorf("statemachine: cannot cancel %s: not queued or executing", id)
	}

	swapped, err := sm.store.CompareAndSwap(ctx, id, rec.State, Cancelled, "")
	unlock()

	if err != nil {
		return err
	}

	if !swapped {
		return fmt.Errorf("statemachine: cannot cancel %s: state changed concurrently", id)
	}

	return sm.store.Publish(ctx, id, Record{State: Cancelled})
}

// Reset transitions errored or cancelled -> known (manual requeue), or
// reconciles startup state per spec.md §3 invariant 2.
func (sm *StateMachine) Reset(ctx context.Context, id string) error {
	unlock := sm.locks.lock(id)
	defer unlock()

	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	swapped, err := sm.store.CompareAndSwap(ctx, id, rec.State, Known, "")
	if err != nil {
		return err
	}

	if !swapped {
		return fmt.Errorf("statemachine: cannot reset %s: state changed concurrently", id)
	}

	return nil
}

// Await blocks until id reaches a terminal state, or ctx is cancelled.
// Any number of callers may await the same id: each subscribes
// independently to the Store's Pub/Sub channel (spec.md §4.3: "observes
// the terminal transition via a condition variable / notification
// primitive").
func (sm *StateMachine) Await(ctx context.Context, id string) (Record, error) {
	rec, ok, err := sm.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}

	if ok && rec.State.Terminal() {
		return rec, nil
	}

	ch, cancel, err := sm.store.Subscribe(ctx, id)
	if err != nil {
		return Record{}, err
	}

	defer cancel()

	// re-check after subscribing, in case the transition happened between
	// the Get above and the Subscribe taking effect.
	rec, ok, err = sm.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}

	if ok && rec.State.Terminal() {
		return rec, nil
	}

	select {
	case rec := <-ch:
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}
