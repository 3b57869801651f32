package chain

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/types"
)

// Snapshot allocates the next chain link and creates a new overlay image on
// top of the current top. The ledger persists the allocation first (so the
// index can never be reused, even across a crash) and makes the link live
// only after the hypervisor confirms the overlay. On hypervisor failure the
// allocated index stays permanently retired and the visible chain state is
// unchanged.
func (m *Manager) Snapshot(ctx context.Context, disk types.DiskRef) (uint64, error) {
	logger := log.WithFunc("chain.Snapshot")
	var index uint64
	err := m.withDiskLock(ctx, disk, func() error {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		if !state.Enabled {
			return fmt.Errorf("snapshot %s: disk not enabled", disk)
		}
		if err := m.guard(disk, &state); err != nil {
			return err
		}

		base := m.paths.Top(disk, &state)

		allocated, next, err := m.led.Advance(ctx, disk, state.Version)
		if err != nil {
			return fmt.Errorf("allocate link for %s: %w", disk, err)
		}
		overlay := m.paths.Link(disk, allocated)

		if err := m.hv.CreateOverlay(ctx, base, overlay); err != nil {
			// The allocation stays retired; no chain mutation is visible.
			return fmt.Errorf("snapshot %s: %w", disk, err)
		}

		if _, err := m.led.Update(ctx, disk, next.Version, func(s *types.ChainState) error {
			s.Unretire(allocated)
			s.Committed = false
			return nil
		}); err != nil {
			return fmt.Errorf("record link %d for %s: %w", allocated, disk, err)
		}
		index = allocated
		logger.Infof(ctx, "created link %d on %s (base %s)", allocated, disk, base)
		return nil
	})
	return index, err
}
