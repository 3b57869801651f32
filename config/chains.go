package config

import (
	"fmt"
	"path/filepath"

	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// EnsureChainDirs creates the static directories required by the chain manager.
// Called once at startup.
func (c *Config) EnsureChainDirs() error {
	return utils.EnsureDirs(c.ChainsRootDir(), c.ChainDBDir())
}

// EnsureDiskDirs creates the per-disk directories (active, archive, trash).
// Called when a disk is enabled for management.
func (c *Config) EnsureDiskDirs(disk types.DiskRef) error {
	return utils.EnsureDirs(c.DiskActiveDir(disk), c.DiskArchiveDir(disk), c.DiskTrashDir(disk))
}

func (c *Config) ChainsRootDir() string { return filepath.Join(c.RootDir, "chains") }
func (c *Config) ChainDBDir() string { return filepath.Join(c.ChainsRootDir(), "db") }

// LedgerFile, LedgerLock and LedgerBolt are the chain ledger store paths.
func (c *Config) LedgerFile() string { return filepath.Join(c.ChainDBDir(), "chains.json") }
func (c *Config) LedgerLock() string { return filepath.Join(c.ChainDBDir(), "chains.lock") }
func (c *Config) LedgerBolt() string { return filepath.Join(c.ChainDBDir(), "chains.db") }

// DiskDir is the root of one managed disk's on-disk state.
func (c *Config) DiskDir(disk types.DiskRef) string {
	return filepath.Join(c.ChainsRootDir(), disk.VM, disk.Disk)
}

// DiskActiveDir holds the live chain: the root image and every live link.
func (c *Config) DiskActiveDir(disk types.DiskRef) string {
	return filepath.Join(c.DiskDir(disk), "active")
}

// DiskArchiveDir holds preserved historical snapshots under store mode.
func (c *Config) DiskArchiveDir(disk types.DiskRef) string {
	return filepath.Join(c.DiskDir(disk), "archive")
}

// DiskTrashDir holds retired link files awaiting GC.
func (c *Config) DiskTrashDir(disk types.DiskRef) string {
	return filepath.Join(c.DiskDir(disk), "trash")
}

// DiskLockFile is the per-disk chain lock. Exactly one mutating operation
// (snapshot, commit, archive, migrate) may hold it at a time.
func (c *Config) DiskLockFile(disk types.DiskRef) string {
	return filepath.Join(c.DiskDir(disk), "chain.lock")
}

// LinkName is the filename for the image with the given chain index.
// Indices are never reused, so a name identifies one image forever.
func LinkName(index uint64) string { return fmt.Sprintf("snap-%d.qcow2", index) }

// LinkPath is the active-directory path of the image with the given index.
func (c *Config) LinkPath(disk types.DiskRef, index uint64) string {
	return filepath.Join(c.DiskActiveDir(disk), LinkName(index))
}

// ArchivePath is the archive-directory path of the image with the given index.
func (c *Config) ArchivePath(disk types.DiskRef, index uint64) string {
	return filepath.Join(c.DiskArchiveDir(disk), LinkName(index))
}

// TrashPath is the trash-directory path of the image with the given index.
func (c *Config) TrashPath(disk types.DiskRef, index uint64) string {
	return filepath.Join(c.DiskTrashDir(disk), LinkName(index))
}
