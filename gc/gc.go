// Package gc runs garbage collection across registered storage modules.
// Each module snapshots its own state under lock; a cycle only collects
// when every module could be snapshotted, so cross-module references are
// always visible before anything is deleted.
package gc

import (
	"context"

	"github.com/projecteru2/chrysalis/lock"
)

// Module describes one storage module participating in garbage collection,
// typed by its snapshot S.
type Module[S any] struct {
	Name string

	// Locker is used by GC to coordinate with active operations.
	// TryLock returns false when another operation is in progress; the whole
	// GC cycle is then aborted and retried on the next run.
	Locker lock.Locker

	// ReadDB reads the module's current state.
	// Called while the lock is held — must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the resource IDs this module should delete, given its
	// own snapshot and all other modules' snapshots (typed as any) for
	// cross-module analysis.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given resource IDs.
	// Called while the lock is held — must not re-acquire it.
	Collect func(ctx context.Context, ids []string) error
}

// runner is the internal interface Orchestrator uses to hold heterogeneous
// Module[S] values. Unexported — callers work with Module[S] and Register.
type runner interface {
	getName() string
	getLocker() lock.Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	return m.Resolve(snap.(S), others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
