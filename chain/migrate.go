package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// PrepareMigrate flattens every enabled chain of a VM down to a single root
// image so only one self-contained file per disk has to move. Commits run
// concurrently across disks; each disk's own cycle stays serialized by its
// chain lock. When destDir is non-empty, archived snapshots of store-mode
// disks are transferred there afterwards (destDir/<vm>/<disk>/archive/),
// concurrently per disk.
//
// The VM must be shut down by the caller first: an active top would receive
// writes during the copy. Live links are detected per disk by the commit
// itself, which folds them into the root before anything moves.
func (m *Manager) PrepareMigrate(ctx context.Context, vmID, destDir string) error {
	logger := log.WithFunc("chain.PrepareMigrate")
	disks, err := m.vmDisks(ctx, vmID)
	if err != nil {
		return err
	}
	if len(disks) == 0 {
		return fmt.Errorf("prepare migrate %s: no enabled disks", vmID)
	}

	pool, err := ants.NewPool(m.conf.PoolSize)
	if err != nil {
		return fmt.Errorf("create ants pool: %w", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, disk := range disks {
		wg.Add(1)
		d := disk
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := m.CommitToRoot(ctx, d); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flatten %s: %w", d, err))
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit flatten %s: %w", d, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Infof(ctx, "flattened %d disks of %s", len(disks), vmID)

	if destDir == "" {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.conf.PoolSize)
	for _, disk := range disks {
		d := disk
		g.Go(func() error {
			return m.transferArchive(gctx, d, filepath.Join(destDir, d.VM, d.Disk, "archive"))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("transfer archives of %s: %w", vmID, err)
	}
	return nil
}

// CompleteMigrate verifies every chain of a migrated VM is flattened with
// its root present, then opens a fresh writable top on each disk so the VM
// boots on an overlay again instead of writing into the root.
func (m *Manager) CompleteMigrate(ctx context.Context, vmID string) error {
	logger := log.WithFunc("chain.CompleteMigrate")
	disks, err := m.vmDisks(ctx, vmID)
	if err != nil {
		return err
	}
	if len(disks) == 0 {
		return fmt.Errorf("complete migrate %s: no enabled disks", vmID)
	}

	for _, disk := range disks {
		state, err := m.led.Read(ctx, disk)
		if err != nil {
			return err
		}
		if err := m.guard(disk, &state); err != nil {
			return err
		}
		if !state.Committed || state.HasLinks() {
			return fmt.Errorf("complete migrate %s: disk %s not flattened", vmID, disk)
		}
		root := m.paths.Root(disk, &state)
		if !utils.ValidFile(root) {
			return &InconsistencyError{Disk: disk, Index: state.RootIndex, Reason: "root image missing after migration"}
		}
		if err := m.conf.EnsureDiskDirs(disk); err != nil {
			return fmt.Errorf("ensure dirs for %s: %w", disk, err)
		}
		index, err := m.Snapshot(ctx, disk)
		if err != nil {
			return fmt.Errorf("reopen chain of %s: %w", disk, err)
		}
		logger.Infof(ctx, "reopened %s with top link %d", disk, index)
	}
	return nil
}

// vmDisks returns the enabled disks of a VM in stable key order.
func (m *Manager) vmDisks(ctx context.Context, vmID string) ([]types.DiskRef, error) {
	chains, err := m.led.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(chains))
	for key := range chains {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var disks []types.DiskRef
	for _, key := range keys {
		disk, err := types.ParseDiskRef(key)
		if err != nil {
			return nil, fmt.Errorf("corrupt ledger key: %w", err)
		}
		if disk.VM == vmID && chains[key].Enabled {
			disks = append(disks, disk)
		}
	}
	return disks, nil
}

// transferArchive hard-links (or copies) every archived snapshot of a
// store-mode disk into destDir. Idempotent, so a failed transfer can rerun.
func (m *Manager) transferArchive(ctx context.Context, disk types.DiskRef, destDir string) error {
	state, err := m.led.Read(ctx, disk)
	if err != nil {
		return err
	}
	if !state.StoreMode || len(state.Archived) == 0 {
		return nil
	}
	if err := utils.EnsureDirs(destDir); err != nil {
		return err
	}
	for _, i := range state.Archived {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		src := m.paths.Archive(disk, i)
		if !utils.FileExists(src) {
			return &InconsistencyError{Disk: disk, Index: i, Reason: "archived snapshot missing"}
		}
		if err := utils.LinkOrCopy(src, filepath.Join(destDir, filepath.Base(src))); err != nil {
			return fmt.Errorf("transfer snapshot %d of %s: %w", i, disk, err)
		}
	}
	log.WithFunc("chain.transferArchive").Infof(ctx, "transferred %d archived snapshots of %s", len(state.Archived), disk)
	return nil
}
