package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

func TestCommitStoreArchivesAndRelinksRoot(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	for i := 0; i < 3; i++ {
		_, err := m.Snapshot(ctx, disk)
		require.NoError(t, err)
	}
	require.NoError(t, m.CommitToRoot(ctx, disk))

	state := mustStatus(t, m, disk)
	assert.True(t, state.Committed)
	assert.Equal(t, types.RebaseIdle, state.RebasePhase)
	assert.Empty(t, state.Links())

	// Every merged link survives in the archive.
	assert.Equal(t, []uint64{1, 2, 3}, state.Archived)
	for _, i := range state.Archived {
		assert.FileExists(t, m.conf.ArchivePath(disk, i))
		assert.NoFileExists(t, m.paths.Link(disk, i))
	}

	// The merged root moved to a fresh identifier; the old name is retired.
	assert.EqualValues(t, 4, state.RootIndex)
	assert.EqualValues(t, 5, state.NextIndex)
	assert.True(t, state.IsRetired(0))
	assert.FileExists(t, m.paths.Link(disk, 4))
	assert.NoFileExists(t, m.paths.Link(disk, 0))

	// All archived links point at the renamed root.
	for _, i := range state.Archived {
		info, err := hv.ImageInfo(ctx, m.conf.ArchivePath(disk, i))
		require.NoError(t, err)
		assert.Equal(t, m.paths.Link(disk, 4), info.BackingFile)
	}
}

func TestCommitStoreSecondCycleRebasesOldArchives(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)
	require.NoError(t, m.CommitToRoot(ctx, disk)) // archives 1, root -> 2

	_, err = m.Snapshot(ctx, disk) // link 3
	require.NoError(t, err)
	require.NoError(t, m.CommitToRoot(ctx, disk)) // archives 3, root -> 4

	state := mustStatus(t, m, disk)
	assert.Equal(t, []uint64{1, 3}, state.Archived)
	assert.EqualValues(t, 4, state.RootIndex)

	// The first cycle's archive was rebased again: a root rename
	// invalidates every archived backing pointer, not just this cycle's.
	newRoot := m.paths.Link(disk, 4)
	for _, i := range state.Archived {
		info, err := hv.ImageInfo(ctx, m.conf.ArchivePath(disk, i))
		require.NoError(t, err)
		assert.Equal(t, newRoot, info.BackingFile)
	}
}

func TestResumeRebaseConverges(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	for i := 0; i < 3; i++ {
		_, err := m.Snapshot(ctx, disk)
		require.NoError(t, err)
	}

	// Fail the rebase of archive 2: the cycle dies mid-rebasing with the
	// cursor persisted at the failed link.
	hv.RebaseErrs[m.conf.ArchivePath(disk, 2)] = errors.New("rebase i/o error")
	err := m.CommitToRoot(ctx, disk)
	var partial *PartialRebaseError
	require.ErrorAs(t, err, &partial)
	assert.EqualValues(t, 2, partial.Next)

	state := mustStatus(t, m, disk)
	assert.Equal(t, types.RebaseRebasing, state.RebasePhase)
	assert.EqualValues(t, 2, state.RebaseNext)
	assert.False(t, state.Committed)

	// Every other chain operation is refused until the cycle converges.
	_, err = m.Snapshot(ctx, disk)
	require.ErrorAs(t, err, &partial)
	err = m.CommitToRoot(ctx, disk)
	require.ErrorAs(t, err, &partial)
	_, err = m.ResolveBoot(ctx, disk)
	require.ErrorAs(t, err, &partial)
	_, err = m.Restore(ctx, disk, true, 0)
	require.ErrorAs(t, err, &partial)

	// Clear the fault and resume: the cycle picks up at the cursor and
	// lands in the same state a clean commit produces.
	delete(hv.RebaseErrs, m.conf.ArchivePath(disk, 2))
	require.NoError(t, m.ResumeRebase(ctx, disk))

	state = mustStatus(t, m, disk)
	assert.True(t, state.Committed)
	assert.Equal(t, types.RebaseIdle, state.RebasePhase)
	assert.EqualValues(t, 4, state.RootIndex)
	assert.Equal(t, []uint64{1, 2, 3}, state.Archived)
	for _, i := range state.Archived {
		info, err := hv.ImageInfo(ctx, m.conf.ArchivePath(disk, i))
		require.NoError(t, err)
		assert.Equal(t, m.paths.Link(disk, 4), info.BackingFile)
	}
}

func TestResumeAfterMergeDoesNotRemerge(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)

	// Rebuild the state a crash leaves between the merge confirmation and
	// the prune: link 1 archived, new root allocated, merged phase recorded,
	// link and root files still in the active directory.
	state := mustStatus(t, m, disk)
	require.NoError(t, utils.LinkOrCopy(m.paths.Link(disk, 1), m.conf.ArchivePath(disk, 1)))
	newRoot, state, err := m.led.Advance(ctx, disk, state.Version)
	require.NoError(t, err)
	require.EqualValues(t, 2, newRoot)
	_, err = m.led.Update(ctx, disk, state.Version, func(s *types.ChainState) error {
		s.AddArchived(1)
		s.RebasePhase = types.RebaseMerged
		s.RebaseNext = 1
		s.RebaseRoot = newRoot
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.ResumeRebase(ctx, disk))

	// The merge is a ledger fact: no second block job was issued.
	assert.Zero(t, hv.Merges)

	state = mustStatus(t, m, disk)
	assert.True(t, state.Committed)
	assert.Equal(t, types.RebaseIdle, state.RebasePhase)
	assert.EqualValues(t, 2, state.RootIndex)
	assert.NoFileExists(t, m.paths.Link(disk, 1))
	assert.NoFileExists(t, m.paths.Link(disk, 0))
	info, err := hv.ImageInfo(ctx, m.conf.ArchivePath(disk, 1))
	require.NoError(t, err)
	assert.Equal(t, m.paths.Link(disk, 2), info.BackingFile)
}

func TestResumeRebaseIdleIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	before := mustStatus(t, m, disk)
	require.NoError(t, m.ResumeRebase(ctx, disk))
	assert.Equal(t, before.Version, mustStatus(t, m, disk).Version)
}

func TestCommitStoreDegenerateChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, true)

	// No links: nothing to archive, the root identifier stays.
	require.NoError(t, m.CommitToRoot(ctx, disk))
	state := mustStatus(t, m, disk)
	assert.EqualValues(t, 0, state.RootIndex)
	assert.Empty(t, state.Archived)
	assert.True(t, state.Committed)
}
