package chain

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// Restore rolls a disk back to an earlier point in time: the chain root, or
// — under store mode — any archived snapshot index. A fresh overlay on the
// chosen base becomes the new writable top under a newly allocated index;
// the abandoned links are retired and their files moved to trash. The
// archived history is untouched, so a restore can itself be restored from.
func (m *Manager) Restore(ctx context.Context, disk types.DiskRef, useRoot bool, snapIndex uint64) (uint64, error) {
	logger := log.WithFunc("chain.Restore")
	var index uint64
	err := m.withDiskLock(ctx, disk, func() error {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		if !state.Enabled {
			return fmt.Errorf("restore %s: disk not enabled", disk)
		}
		if err := m.guard(disk, &state); err != nil {
			return err
		}

		var base string
		switch {
		case useRoot:
			base = m.paths.Root(disk, &state)
		case !state.StoreMode:
			return fmt.Errorf("restore %s: snapshot %d not retained (store mode off), only the root is restorable", disk, snapIndex)
		default:
			base = m.paths.Archive(disk, snapIndex)
			if !utils.ValidFile(base) {
				return fmt.Errorf("restore %s: no archived snapshot with index %d", disk, snapIndex)
			}
		}

		abandoned := state.Links()
		allocated, next, err := m.led.Advance(ctx, disk, state.Version)
		if err != nil {
			return fmt.Errorf("allocate link for %s: %w", disk, err)
		}
		// Restoring the root gets a fresh overlay on it, same as a snapshot.
		// Restoring an archived snapshot copies its bytes in as the new top:
		// the archive entry stays immutable and the copy chains onto the
		// current root like any other link, so later commits fold it there.
		overlay := m.paths.Link(disk, allocated)
		if useRoot {
			err = m.hv.CreateOverlay(ctx, base, overlay)
		} else {
			err = utils.CopyFile(base, overlay)
		}
		if err != nil {
			return fmt.Errorf("restore %s: %w", disk, err)
		}

		if _, err := m.led.Update(ctx, disk, next.Version, func(s *types.ChainState) error {
			s.Unretire(allocated)
			for _, i := range abandoned {
				s.Retire(i)
			}
			s.Committed = false
			return nil
		}); err != nil {
			return fmt.Errorf("record restore for %s: %w", disk, err)
		}

		// Abandoned branch files go to trash; failures here only delay GC.
		for _, i := range abandoned {
			if err := m.retireLinkFile(disk, i); err != nil {
				logger.Warnf(ctx, "%v", err)
			}
		}
		index = allocated
		logger.Infof(ctx, "restored %s from %s as link %d (%d links abandoned)", disk, base, allocated, len(abandoned))
		return nil
	})
	return index, err
}
