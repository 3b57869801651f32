package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/chrysalis/gc"
	"github.com/projecteru2/chrysalis/ledger"
	"github.com/projecteru2/chrysalis/lock/flock"
	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// chainSnapshot is the typed GC snapshot for the chain module.
type chainSnapshot struct {
	diskKeys  map[string]struct{} // "vm/disk" keys present in the ledger
	trash     []string            // absolute paths of trashed link files
	staleTemp []string            // absolute paths of stale temp files
	diskDirs  []string            // "vm/disk" relative paths found on disk
}

// GCModule returns the typed gc.Module for chain storage. The collected
// garbage is strictly what chain operations already disowned: trashed link
// files, temp files older than the staleness threshold, and disk directories
// whose ledger record was deleted by Disable.
func (m *Manager) GCModule() gc.Module[chainSnapshot] {
	return gc.Module[chainSnapshot]{
		Name:   "chains",
		Locker: flock.New(filepath.Join(m.conf.ChainDBDir(), "gc.lock")),
		ReadDB: func(ctx context.Context) (chainSnapshot, error) {
			snap := chainSnapshot{diskKeys: make(map[string]struct{})}
			chains, err := m.led.List(ctx)
			if err != nil {
				return snap, err
			}
			cutoff := time.Now().Add(-utils.StaleTempAge)
			for key := range chains {
				snap.diskKeys[key] = struct{}{}
			}
			for _, vm := range utils.ScanSubdirs(m.conf.ChainsRootDir()) {
				if vm == "db" {
					// Reserved system subdirectory (ledger files).
					continue
				}
				for _, dev := range utils.ScanSubdirs(filepath.Join(m.conf.ChainsRootDir(), vm)) {
					disk := types.DiskRef{VM: vm, Disk: dev}
					snap.diskDirs = append(snap.diskDirs, disk.Key())
					snap.trash = append(snap.trash, scanFiles(m.conf.DiskTrashDir(disk), nil)...)
					stale := func(info os.FileInfo) bool {
						return strings.HasPrefix(info.Name(), ".tmp-") && info.ModTime().Before(cutoff)
					}
					snap.staleTemp = append(snap.staleTemp, scanFiles(m.conf.DiskActiveDir(disk), stale)...)
					snap.staleTemp = append(snap.staleTemp, scanFiles(m.conf.DiskArchiveDir(disk), stale)...)
				}
			}
			return snap, nil
		},
		Resolve: func(snap chainSnapshot, _ map[string]any) []string {
			targets := append(append([]string(nil), snap.trash...), snap.staleTemp...)
			for _, key := range snap.diskDirs {
				if _, ok := snap.diskKeys[key]; !ok {
					targets = append(targets, filepath.Join(m.conf.ChainsRootDir(), key))
				}
			}
			return targets
		},
		Collect: func(ctx context.Context, paths []string) error {
			var errs []error
			for _, p := range paths {
				if disk, ok := m.diskDirTarget(p); ok {
					if err := m.collectOrphanDir(ctx, disk); err != nil {
						errs = append(errs, err)
					}
					continue
				}
				if err := os.RemoveAll(p); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// diskDirTarget reports whether p is a whole per-disk chain directory (as
// opposed to a single trash or temp file inside one).
func (m *Manager) diskDirTarget(p string) (types.DiskRef, bool) {
	rel, err := filepath.Rel(m.conf.ChainsRootDir(), p)
	if err != nil || strings.HasPrefix(rel, "..") || strings.Count(rel, string(filepath.Separator)) != 1 {
		return types.DiskRef{}, false
	}
	disk, err := types.ParseDiskRef(filepath.ToSlash(rel))
	if err != nil {
		return types.DiskRef{}, false
	}
	return disk, true
}

// collectOrphanDir removes a disk directory that has no ledger record. The
// removal runs under the disk's chain lock and re-reads the ledger after
// acquiring it: between the GC snapshot and collection, Enable may be
// adopting a root image into this very directory. A busy lock means a chain
// operation is in flight; the directory is left for the next cycle.
func (m *Manager) collectOrphanDir(ctx context.Context, disk types.DiskRef) error {
	l := m.diskLock(disk)
	held, err := l.TryLock(ctx)
	if err != nil || !held {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	if _, err := m.led.Read(ctx, disk); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return os.RemoveAll(m.conf.DiskDir(disk))
}

// RegisterGC registers the chain GC module with the given Orchestrator.
func (m *Manager) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, m.GCModule())
}

// scanFiles lists regular files in dir, filtered by match when non-nil.
func scanFiles(dir string, match func(os.FileInfo) bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if match != nil {
			info, err := e.Info()
			if err != nil || !match(info) {
				continue
			}
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths
}
