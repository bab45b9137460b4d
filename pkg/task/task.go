// Package task implements the TaskManager (C3): per-node lock acquisition
// bundled with the live Node record, its resolved driver bag, and state
// machine dispatch. It is the single choke point every node mutation in
// this conductor passes through.
package task

import (
	"context"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/locker"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/statemachine"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// DriverResolver resolves the DriverBag a Task should bind to for a given
// node. In production this is backed by a driver registry loaded at
// startup (out of scope here); tests supply a fixed bag.
type DriverResolver interface {
	ResolveDrivers(node *types.Node) types.DriverBag
}

// TaskManager is the conductor's lock-and-load entry point for node
// operations.
type TaskManager struct {
	store   store.Store
	locker  *locker.Locker
	drivers DriverResolver
}

// New builds a TaskManager over the given Store, using drivers to resolve
// each acquired node's DriverBag.
func New(st store.Store, drivers DriverResolver) *TaskManager {
	return &TaskManager{store: st, locker: locker.New(), drivers: drivers}
}

// Task bundles a locked Node with everything an operation needs to act on
// it: its resolved drivers, the store to persist through, and the held
// lock. Every exit path — including a panic recovered by the caller —
// must route through Release.
type Task struct {
	Node    *types.Node
	Drivers types.DriverBag
	Purpose string

	mgr      *TaskManager
	lock     *locker.Lock
	released bool
}

// Acquire obtains a lock on nodeID (shared or exclusive) and loads the
// node, returning a Task bound to it. purpose is a free-text label used in
// logging (matching the teacher's component-tagged logger pattern) and as
// the TasksHeld metric label.
func (tm *TaskManager) Acquire(ctx context.Context, nodeID string, exclusive bool, purpose string) (*Task, error) {
	lk, err := tm.locker.Acquire(ctx, nodeID, exclusive)
	if err != nil {
		return nil, err
	}

	node, err := tm.store.GetNode(ctx, nodeID)
	if err != nil {
		lk.Release()
		return nil, err
	}

	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	metrics.TasksHeld.WithLabelValues(purpose).Inc()
	log.WithComponent("task").Debug().
		Str("node_id", nodeID).
		Str("mode", mode).
		Str("purpose", purpose).
		Msg("task acquired")

	return &Task{
		Node:    node,
		Drivers: tm.resolveDrivers(node),
		Purpose: purpose,
		mgr:     tm,
		lock:    lk,
	}, nil
}

func (tm *TaskManager) resolveDrivers(node *types.Node) types.DriverBag {
	if tm.drivers == nil {
		return types.DriverBag{}
	}
	return tm.drivers.ResolveDrivers(node)
}

// UpgradeLock atomically converts this Task's shared lock to exclusive.
func (t *Task) UpgradeLock() error {
	return t.lock.Upgrade()
}

// Exclusive reports whether the Task currently holds an exclusive lock.
func (t *Task) Exclusive() bool {
	return t.lock.Exclusive()
}

// RequireExclusive returns *cerrors.ExclusiveLockRequired if the Task is
// not held exclusively. Operations documented "requires exclusive lock"
// call this first.
func (t *Task) RequireExclusive() error {
	if !t.lock.Exclusive() {
		return &cerrors.ExclusiveLockRequired{}
	}
	return nil
}

// ReleaseResources drops the lock eagerly, before dispatching an RPC that
// will itself re-acquire (§5). Safe to call at most meaningfully once;
// subsequent calls (including the deferred Release) are no-ops.
func (t *Task) ReleaseResources() {
	t.Release()
}

// Release drops the lock if ReleaseResources hasn't already. Callers
// should defer this immediately after Acquire succeeds so the lock is
// dropped on every exit path, including a panic the caller recovers from
// further up the stack.
func (t *Task) Release() {
	if t.released {
		return
	}
	t.released = true
	metrics.TasksHeld.WithLabelValues(t.Purpose).Dec()
	t.lock.Release()
}

// ProcessEvent advances the provision state machine for the Task's node
// and, on success, persists the change. Must be called under exclusive
// lock (§4.1).
func (t *Task) ProcessEvent(ctx context.Context, event types.Event) error {
	if err := t.RequireExclusive(); err != nil {
		return err
	}

	from := t.Node.ProvisionState
	to, err := statemachine.Next(from, event)
	if err != nil {
		metrics.StateTransitionRejectedTotal.WithLabelValues(string(from), string(event)).Inc()
		return err
	}

	t.Node.ProvisionState = to
	if statemachine.IsStableState(to) {
		t.Node.TargetProvisionState = types.ProvisionState("")
	}

	if err := t.mgr.store.Save(ctx, t.Node); err != nil {
		return err
	}

	metrics.StateTransitionsTotal.WithLabelValues(string(from), string(event), string(to)).Inc()
	log.WithNodeID(t.Node.UUID).Info().
		Str("from", string(from)).
		Str("event", string(event)).
		Str("to", string(to)).
		Msg("provision state transition")

	return nil
}

// Save persists the Task's node via the Node Store.
func (t *Task) Save(ctx context.Context) error {
	return t.mgr.store.Save(ctx, t.Node)
}

// Refresh reloads the Task's node in place, discarding unsaved changes.
func (t *Task) Refresh(ctx context.Context) error {
	return t.mgr.store.Refresh(ctx, t.Node)
}
