package chain

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// commitStoreLocked is the store-mode commit: every link is preserved in the
// per-disk archive directory before the merge discards it from the active
// chain. The cycle is a persisted state machine so a crash at any point
// resumes deterministically instead of being inferred from the filesystem:
//
//	idle ──archive links, allocate new root──▶ archived
//	archived ──block merge into old root──▶ merged
//	merged ──prune links, relink root──▶ rebasing
//	rebasing ──rebase archived links in order──▶ idle (committed)
//
// The merged root is relinked under a freshly allocated identifier so the
// old root's filename is retired like any other merged link. Relinking
// invalidates the backing pointer of every archived snapshot — not just this
// cycle's — so the rebasing phase walks the full archive set in index order.
// RootIndex moves only after the last rebase succeeds.
func (m *Manager) commitStoreLocked(ctx context.Context, disk types.DiskRef, state types.ChainState) error {
	links := state.Links()

	// Second directory entry for identical bytes, not a copy. Idempotent.
	for _, i := range links {
		if err := utils.LinkOrCopy(m.paths.Link(disk, i), m.paths.Archive(disk, i)); err != nil {
			return fmt.Errorf("archive link %d of %s: %w", i, disk, err)
		}
	}

	newRoot, next, err := m.led.Advance(ctx, disk, state.Version)
	if err != nil {
		return fmt.Errorf("allocate new root for %s: %w", disk, err)
	}
	state, err = m.led.Update(ctx, disk, next.Version, func(s *types.ChainState) error {
		for _, i := range links {
			s.AddArchived(i)
		}
		s.RebasePhase = types.RebaseArchived
		s.RebaseNext = s.Archived[0]
		s.RebaseRoot = newRoot
		return nil
	})
	if err != nil {
		return fmt.Errorf("record archive phase for %s: %w", disk, err)
	}

	return m.runStoreCommit(ctx, disk, state)
}

// ResumeRebase resumes an interrupted store-mode commit from its persisted
// phase. It must be called (and converge) before any further chain operation
// is permitted on the disk.
func (m *Manager) ResumeRebase(ctx context.Context, disk types.DiskRef) error {
	return m.withDiskLock(ctx, disk, func() error {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		if state.RebasePhase == types.RebaseIdle {
			return nil
		}
		log.WithFunc("chain.ResumeRebase").Infof(ctx, "resuming %s from phase %s (next %d)",
			disk, state.RebasePhase, state.RebaseNext)
		return m.runStoreCommit(ctx, disk, state)
	})
}

// runStoreCommit drives the archived, merged and rebasing phases to
// completion. Caller holds the chain lock and has persisted at least the
// archived phase.
func (m *Manager) runStoreCommit(ctx context.Context, disk types.DiskRef, state types.ChainState) error {
	logger := log.WithFunc("chain.runStoreCommit")
	links := state.Links()

	if state.RebasePhase == types.RebaseArchived {
		if state.HasLinks() {
			if err := m.runMerge(ctx, disk, &state); err != nil {
				return err
			}
		}
		// The merged phase is persisted before the prune: whether the merge
		// ran is a ledger fact, never re-derived from the filesystem. Without
		// it a resume would re-issue a block commit for a top the pivot
		// already detached from the domain's chain.
		var err error
		if state, err = m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
			s.RebasePhase = types.RebaseMerged
			return nil
		}); err != nil {
			return fmt.Errorf("record merged phase for %s: %w", disk, err)
		}
	}

	if state.RebasePhase == types.RebaseMerged {
		// Prune merged link names from the active directory. The archive
		// entries keep the bytes alive.
		for _, i := range links {
			if err := os.Remove(m.paths.Link(disk, i)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("prune link %d of %s: %w", i, disk, err)
			}
		}

		// Retire the old root's filename by renaming the merged image to the
		// freshly allocated identifier.
		oldRoot := m.paths.Root(disk, &state)
		newRoot := m.paths.Link(disk, state.RebaseRoot)
		if utils.FileExists(oldRoot) {
			if err := os.Rename(oldRoot, newRoot); err != nil {
				return fmt.Errorf("relink root of %s to index %d: %w", disk, state.RebaseRoot, err)
			}
		} else if !utils.FileExists(newRoot) {
			return &InconsistencyError{Disk: disk, Index: state.RootIndex, Reason: "merged root missing from active directory"}
		}

		var err error
		if state, err = m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
			s.RebasePhase = types.RebaseRebasing
			return nil
		}); err != nil {
			return fmt.Errorf("record rebase phase for %s: %w", disk, err)
		}
	}

	// Rebase every archived link onto the new root, in index order, resuming
	// from the first unrebased link. A failure leaves the persisted cursor
	// behind, so the retry picks up exactly where this attempt died.
	newRootPath := m.paths.Link(disk, state.RebaseRoot)
	for _, i := range state.Archived {
		if i < state.RebaseNext {
			continue
		}
		if err := m.hv.Rebase(ctx, m.paths.Archive(disk, i), newRootPath); err != nil {
			return &PartialRebaseError{Disk: disk, Phase: state.RebasePhase, Next: i, Err: err}
		}
		var err error
		if state, err = m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
			s.RebaseNext = i + 1
			return nil
		}); err != nil {
			return fmt.Errorf("record rebase progress for %s: %w", disk, err)
		}
	}

	oldRoot := state.RootIndex
	if _, err := m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
		for _, i := range links {
			s.Retire(i)
		}
		s.Retire(oldRoot)
		s.Unretire(s.RebaseRoot)
		s.RootIndex = s.RebaseRoot
		s.Committed = true
		s.RebasePhase = types.RebaseIdle
		s.RebaseNext = 0
		s.RebaseRoot = 0
		return nil
	}); err != nil {
		return fmt.Errorf("record store commit for %s: %w", disk, err)
	}
	logger.Infof(ctx, "committed %s with retention: %d links archived, root %d -> %d",
		disk, len(links), oldRoot, state.RebaseRoot)
	return nil
}
