package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/types"
)

func TestRestoreFromRoot(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	for i := 0; i < 2; i++ {
		_, err := m.Snapshot(ctx, disk)
		require.NoError(t, err)
	}

	index, err := m.Restore(ctx, disk, true, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, index)

	state := mustStatus(t, m, disk)
	assert.Equal(t, []uint64{3}, state.Links())
	assert.False(t, state.Committed)
	assert.True(t, state.IsRetired(1))
	assert.True(t, state.IsRetired(2))

	// The new top is an overlay directly on the root; the abandoned branch
	// is out of the active directory.
	info, err := hv.ImageInfo(ctx, m.paths.Link(disk, 3))
	require.NoError(t, err)
	assert.Equal(t, m.paths.Link(disk, 0), info.BackingFile)
	assert.NoFileExists(t, m.paths.Link(disk, 1))
	assert.FileExists(t, m.conf.TrashPath(disk, 1))

	// A restore can itself be restored from.
	index, err = m.Restore(ctx, disk, true, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, index)
	state = mustStatus(t, m, disk)
	assert.Equal(t, []uint64{4}, state.Links())
}

func TestRestoreFromArchivedSnapshot(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)
	require.NoError(t, m.CommitToRoot(ctx, disk)) // archives 1, root -> 2

	index, err := m.Restore(ctx, disk, false, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, index)

	state := mustStatus(t, m, disk)
	assert.Equal(t, []uint64{3}, state.Links())
	assert.False(t, state.Committed)

	// The archived snapshot was copied in as the new top, so it chains onto
	// the current root and the archive entry itself stays immutable.
	info, err := hv.ImageInfo(ctx, m.paths.Link(disk, 3))
	require.NoError(t, err)
	assert.Equal(t, m.paths.Link(disk, 2), info.BackingFile)
	assert.FileExists(t, m.conf.ArchivePath(disk, 1))

	// A later commit folds the restored top into the root without touching
	// the archive bytes.
	require.NoError(t, m.CommitToRoot(ctx, disk))
	state = mustStatus(t, m, disk)
	assert.Equal(t, []uint64{1, 3}, state.Archived)
	assert.EqualValues(t, 4, state.RootIndex)
}

func TestRestoreUnknownArchiveIndex(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	_, err := m.Restore(ctx, disk, false, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no archived snapshot")
}

func TestRestoreArchiveRequiresStoreMode(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)
	require.NoError(t, m.CommitToRoot(ctx, disk))

	_, err = m.Restore(ctx, disk, false, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store mode off")
}
