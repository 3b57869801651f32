package chain

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/hypervisor"
	"github.com/projecteru2/chrysalis/types"
)

// CommitToRoot merges every live link down into the chain root through an
// asynchronous block-merge job, then retires the merged links per the disk's
// retention mode. On job failure or cancellation the ledger is left
// untouched and the chain remains valid, so retrying reaches the same final
// state as a single successful attempt.
func (m *Manager) CommitToRoot(ctx context.Context, disk types.DiskRef) error {
	return m.withDiskLock(ctx, disk, func() error {
		return m.commitLocked(ctx, disk)
	})
}

// commitLocked is the commit path shared with Disable and the migration
// coordinator. Caller holds the chain lock.
func (m *Manager) commitLocked(ctx context.Context, disk types.DiskRef) error {
	state, err := m.led.Read(ctx, disk)
	if err != nil {
		return err
	}
	if !state.Enabled {
		return fmt.Errorf("commit %s: disk not enabled", disk)
	}
	if err := m.guard(disk, &state); err != nil {
		return err
	}

	if !state.HasLinks() {
		// Degenerate chain: nothing to merge, just settle the flag.
		if state.Committed {
			return nil
		}
		_, err := m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
			s.Committed = true
			return nil
		})
		return err
	}

	if state.StoreMode {
		return m.commitStoreLocked(ctx, disk, state)
	}
	return m.commitDiscardLocked(ctx, disk, state)
}

// commitDiscardLocked merges the chain into the root and moves the merged
// link files to the trash directory (their names are retired, never reused;
// GC removes the bytes later). The root keeps its identifier.
func (m *Manager) commitDiscardLocked(ctx context.Context, disk types.DiskRef, state types.ChainState) error {
	logger := log.WithFunc("chain.CommitToRoot")

	if err := m.runMerge(ctx, disk, &state); err != nil {
		return err
	}

	links := state.Links()
	for _, i := range links {
		if err := m.retireLinkFile(disk, i); err != nil {
			return err
		}
	}

	if _, err := m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
		for _, i := range links {
			s.Retire(i)
		}
		s.Committed = true
		return nil
	}); err != nil {
		return fmt.Errorf("record commit for %s: %w", disk, err)
	}
	logger.Infof(ctx, "committed %s: %d links folded into root %d", disk, len(links), state.RootIndex)
	return nil
}

// runMerge launches and supervises the block-merge job folding every live
// link into the root. The ledger is not touched here: a failed or cancelled
// job leaves the pre-commit state fully intact.
func (m *Manager) runMerge(ctx context.Context, disk types.DiskRef, state *types.ChainState) error {
	spec := hypervisor.MergeSpec{
		Domain: disk.VM,
		Device: disk.Disk,
		Base:   m.paths.Root(disk, state),
		Top:    m.paths.Top(disk, state),
		Links:  m.paths.Links(disk, state),
	}
	job, err := m.hv.StartMerge(ctx, spec)
	if err != nil {
		return fmt.Errorf("start merge on %s: %w", disk, err)
	}
	log.WithFunc("chain.runMerge").Infof(ctx, "merge job %s started on %s (%d links)", job.ID(), disk, len(spec.Links))
	return m.waitJob(ctx, job)
}

// retireLinkFile moves a merged link's file out of the active directory so
// its name can never be confused with the live chain. Missing files are
// fine: a retried commit may have moved them already.
func (m *Manager) retireLinkFile(disk types.DiskRef, index uint64) error {
	src := m.conf.LinkPath(disk, index)
	dst := m.conf.TrashPath(disk, index)
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retire link %d of %s: %w", index, disk, err)
	}
	return nil
}
