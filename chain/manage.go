package chain

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/ledger"
	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// Enable places a disk under chain management. The existing disk image at
// basePath is adopted as the chain root (index 0) by moving it into the
// active directory; the ledger record starts fully committed with no links.
func (m *Manager) Enable(ctx context.Context, disk types.DiskRef, basePath string, storeMode, dailyMode bool) error {
	logger := log.WithFunc("chain.Enable")

	if _, err := m.led.Read(ctx, disk); err == nil {
		return fmt.Errorf("%s: %w", disk, ledger.ErrExists)
	}
	if !utils.ValidFile(basePath) {
		return fmt.Errorf("enable %s: base image %s is not a regular file", disk, basePath)
	}
	info, err := m.hv.ImageInfo(ctx, basePath)
	if err != nil {
		return fmt.Errorf("enable %s: %w", disk, err)
	}
	if !info.SelfContained() {
		return fmt.Errorf("enable %s: base image %s has a backing file, want a self-contained root", disk, basePath)
	}

	if err := m.conf.EnsureDiskDirs(disk); err != nil {
		return err
	}
	// Adoption and record creation happen under the chain lock: GC treats a
	// disk directory without a ledger record as an orphan, and only the lock
	// keeps it from collecting the root image mid-adoption.
	return m.withDiskLock(ctx, disk, func() error {
		if err := m.conf.EnsureDiskDirs(disk); err != nil {
			return err
		}
		rootPath := m.paths.Link(disk, 0)
		if basePath != rootPath {
			if err := os.Rename(basePath, rootPath); err != nil {
				return fmt.Errorf("adopt root image for %s: %w", disk, err)
			}
		}

		state := types.ChainState{
			Enabled:   true,
			Committed: true,
			NextIndex: 1,
			RootIndex: 0,
			StoreMode: storeMode,
			DailyMode: dailyMode,
		}
		if err := m.led.Create(ctx, disk, state); err != nil {
			// Hand the image back so a failed enable leaves no trace.
			if basePath != rootPath {
				_ = os.Rename(rootPath, basePath)
			}
			return err
		}
		logger.Infof(ctx, "enabled %s, root %s", disk, rootPath)
		return nil
	})
}

// Disable removes a disk from chain management. Any open chain is flattened
// to the root first so the remaining image is self-contained, then the
// ledger record is destroyed. The root image file stays in place for the
// operator.
func (m *Manager) Disable(ctx context.Context, disk types.DiskRef) error {
	logger := log.WithFunc("chain.Disable")
	return m.withDiskLock(ctx, disk, func() error {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		if err := m.guard(disk, &state); err != nil {
			return err
		}
		if state.HasLinks() || !state.Committed {
			if err := m.commitLocked(ctx, disk); err != nil {
				return fmt.Errorf("flatten before disable %s: %w", disk, err)
			}
			if state, err = m.led.Read(ctx, disk); err != nil {
				return err
			}
		}
		if err := m.led.Delete(ctx, disk); err != nil {
			return err
		}
		logger.Infof(ctx, "disabled %s, root image remains at %s", disk, m.paths.Root(disk, &state))
		return nil
	})
}

// SetStoreMode toggles snapshot retention for a disk. Turning retention on
// requires a fully committed chain: links created before the flag flip were
// never archived, so an open chain would lose history silently.
func (m *Manager) SetStoreMode(ctx context.Context, disk types.DiskRef, enable bool) error {
	return m.withDiskLock(ctx, disk, func() error {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		if err := m.guard(disk, &state); err != nil {
			return err
		}
		if enable && state.HasLinks() {
			return fmt.Errorf("enable store mode on %s: chain has open links, commit first", disk)
		}
		_, err = m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
			s.StoreMode = enable
			return nil
		})
		return err
	})
}

// SetDailyMode toggles scheduler-driven periodic snapshots for a disk.
func (m *Manager) SetDailyMode(ctx context.Context, disk types.DiskRef, enable bool) error {
	return m.withDiskLock(ctx, disk, func() error {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		_, err = m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
			s.DailyMode = enable
			return nil
		})
		return err
	})
}

// Status returns a detached copy of the chain state for one disk.
func (m *Manager) Status(ctx context.Context, disk types.DiskRef) (types.ChainState, error) {
	return m.led.Read(ctx, disk)
}

// List returns chain state for every managed disk, keyed by "vm/disk".
func (m *Manager) List(ctx context.Context) (map[string]types.ChainState, error) {
	return m.led.List(ctx)
}
