// Package chain implements the snapshot chain manager: creation, commit,
// archive/rebase, boot resolution and migration flattening of backing-file
// snapshot chains, backed by the durable chain ledger.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/hypervisor"
	"github.com/projecteru2/chrysalis/ledger"
	"github.com/projecteru2/chrysalis/lock"
	"github.com/projecteru2/chrysalis/lock/flock"
	"github.com/projecteru2/chrysalis/storage"
	"github.com/projecteru2/chrysalis/types"
)

// Manager owns all mutating operations on disk chains. Per-disk mutations
// are serialized by an exclusive chain lock; operations on different disks
// proceed in parallel.
type Manager struct {
	conf  *config.Config
	store storage.Store[types.ChainIndex]
	led   *ledger.Ledger
	hv    hypervisor.Hypervisor
	paths Resolver

	mu    sync.Mutex
	locks map[string]lock.Locker
}

// NewManager creates a Manager over the given ledger store and hypervisor.
func NewManager(conf *config.Config, store storage.Store[types.ChainIndex], hv hypervisor.Hypervisor) *Manager {
	return &Manager{
		conf:  conf,
		store: store,
		led:   ledger.New(store),
		hv:    hv,
		paths: NewResolver(conf),
		locks: make(map[string]lock.Locker),
	}
}

// Ledger exposes read-only access to chain state.
func (m *Manager) Ledger() *ledger.Ledger { return m.led }

// Resolver exposes the pure path resolver.
func (m *Manager) Resolver() Resolver { return m.paths }

// diskLock returns the chain lock for disk, creating it lazily. The same
// Locker instance is shared by all goroutines in this process, so in-process
// exclusion and cross-process flock compose.
func (m *Manager) diskLock(disk types.DiskRef) lock.Locker {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[disk.Key()]
	if !ok {
		l = flock.New(m.conf.DiskLockFile(disk))
		m.locks[disk.Key()] = l
	}
	return l
}

// withDiskLock runs fn while holding disk's exclusive chain lock.
func (m *Manager) withDiskLock(ctx context.Context, disk types.DiskRef, fn func() error) error {
	return lock.WithLock(ctx, m.diskLock(disk), fn)
}

// guard refuses chain mutations while a store-mode commit cycle is pending.
// A pending cycle means archived links may hold dangling backing references;
// nothing else is allowed to touch the chain until ResumeRebase converges.
func (m *Manager) guard(disk types.DiskRef, state *types.ChainState) error {
	if state.RebasePhase != types.RebaseIdle {
		return &PartialRebaseError{Disk: disk, Phase: state.RebasePhase, Next: state.RebaseNext}
	}
	return nil
}

// waitJob polls a merge job until it reaches a terminal state or ctx ends.
// The job is allowed to run unbounded; any deadline comes from the caller's
// ctx, and cancellation aborts the job so the ledger stays pre-commit.
func (m *Manager) waitJob(ctx context.Context, job hypervisor.Job) error {
	ticker := time.NewTicker(m.conf.JobPollInterval)
	defer ticker.Stop()
	for {
		state, err := job.Status(ctx)
		switch state {
		case hypervisor.JobDone:
			return nil
		case hypervisor.JobFailed:
			return fmt.Errorf("merge job %s: %w", job.ID(), err)
		case hypervisor.JobRunning:
		}
		select {
		case <-ctx.Done():
			_ = job.Cancel(context.WithoutCancel(ctx))
			return fmt.Errorf("merge job %s cancelled: %w", job.ID(), ctx.Err())
		case <-ticker.C:
		}
	}
}
