package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/hypervisor/fake"
	"github.com/projecteru2/chrysalis/ledger"
	"github.com/projecteru2/chrysalis/lock/flock"
	jsonstore "github.com/projecteru2/chrysalis/storage/json"
	"github.com/projecteru2/chrysalis/types"
)

func newTestManager(t *testing.T) (*Manager, *fake.Fake) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.LogDir = t.TempDir()
	conf.JobPollInterval = time.Millisecond
	require.NoError(t, conf.EnsureChainDirs())

	store := jsonstore.New[types.ChainIndex](conf.LedgerFile(), flock.New(conf.LedgerLock()))
	hv := fake.New()
	return NewManager(conf, store, hv), hv
}

// enableDisk adopts a fresh fake base image for disk.
func enableDisk(t *testing.T, m *Manager, disk types.DiskRef, storeMode bool) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "base.qcow2")
	require.NoError(t, fake.WriteBase(base))
	require.NoError(t, m.Enable(context.Background(), disk, base, storeMode, false))
}

func mustStatus(t *testing.T, m *Manager, disk types.DiskRef) types.ChainState {
	t.Helper()
	state, err := m.Status(context.Background(), disk)
	require.NoError(t, err)
	return state
}

func TestEnableAdoptsRoot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}

	base := filepath.Join(t.TempDir(), "base.qcow2")
	require.NoError(t, fake.WriteBase(base))
	require.NoError(t, m.Enable(ctx, disk, base, false, true))

	state := mustStatus(t, m, disk)
	assert.True(t, state.Enabled)
	assert.True(t, state.Committed)
	assert.True(t, state.DailyMode)
	assert.EqualValues(t, 0, state.RootIndex)
	assert.EqualValues(t, 1, state.NextIndex)

	// The base image moved into the active directory under the root name.
	assert.FileExists(t, m.paths.Link(disk, 0))
	assert.NoFileExists(t, base)

	// A second enable on the same disk is refused.
	base2 := filepath.Join(t.TempDir(), "base2.qcow2")
	require.NoError(t, fake.WriteBase(base2))
	err := m.Enable(ctx, disk, base2, false, false)
	assert.ErrorIs(t, err, ledger.ErrExists)
	assert.FileExists(t, base2)
}

func TestEnableRejectsBackedImage(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}

	dir := t.TempDir()
	base := filepath.Join(dir, "base.qcow2")
	overlay := filepath.Join(dir, "overlay.qcow2")
	require.NoError(t, fake.WriteBase(base))
	require.NoError(t, hv.CreateOverlay(ctx, base, overlay))

	err := m.Enable(ctx, disk, overlay, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-contained")
}

func TestSnapshotAllocatesMonotonically(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	for want := uint64(1); want <= 3; want++ {
		index, err := m.Snapshot(ctx, disk)
		require.NoError(t, err)
		assert.Equal(t, want, index)
	}

	state := mustStatus(t, m, disk)
	assert.Equal(t, []uint64{1, 2, 3}, state.Links())
	assert.False(t, state.Committed)

	// Each link is backed by its predecessor.
	prev := m.paths.Link(disk, 0)
	for _, i := range state.Links() {
		info, err := hv.ImageInfo(ctx, m.paths.Link(disk, i))
		require.NoError(t, err)
		assert.Equal(t, prev, info.BackingFile)
		prev = m.paths.Link(disk, i)
	}
}

func TestSnapshotFailureBurnsIndex(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)

	hv.FailNextOverlay = errors.New("qemu-img exploded")
	_, err = m.Snapshot(ctx, disk)
	require.Error(t, err)

	// The failed allocation (2) is permanently retired; the next snapshot
	// gets a fresh identifier and the visible chain never contained 2.
	index, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)
	assert.EqualValues(t, 3, index)

	state := mustStatus(t, m, disk)
	assert.Equal(t, []uint64{1, 3}, state.Links())
	assert.True(t, state.IsRetired(2))
}

func TestCommitDiscardFoldsAndTrashes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	for i := 0; i < 2; i++ {
		_, err := m.Snapshot(ctx, disk)
		require.NoError(t, err)
	}
	require.NoError(t, m.CommitToRoot(ctx, disk))

	state := mustStatus(t, m, disk)
	assert.True(t, state.Committed)
	assert.Empty(t, state.Links())
	assert.EqualValues(t, 0, state.RootIndex)
	assert.Empty(t, state.Archived)

	// Link files left the active directory for the trash.
	assert.NoFileExists(t, m.paths.Link(disk, 1))
	assert.NoFileExists(t, m.paths.Link(disk, 2))
	assert.FileExists(t, m.conf.TrashPath(disk, 1))
	assert.FileExists(t, m.conf.TrashPath(disk, 2))

	// Committing a settled chain is a no-op.
	versionBefore := state.Version
	require.NoError(t, m.CommitToRoot(ctx, disk))
	assert.Equal(t, versionBefore, mustStatus(t, m, disk).Version)
}

func TestCommitJobFailureLeavesLedgerUntouched(t *testing.T) {
	m, hv := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)
	before := mustStatus(t, m, disk)

	hv.FailNextMergeJob = errors.New("block job failed")
	err = m.CommitToRoot(ctx, disk)
	require.Error(t, err)

	after := mustStatus(t, m, disk)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Links(), after.Links())
	assert.False(t, after.Committed)
	assert.FileExists(t, m.paths.Link(disk, 1))

	// The retry reaches the state a single successful commit would have.
	require.NoError(t, m.CommitToRoot(ctx, disk))
	assert.True(t, mustStatus(t, m, disk).Committed)
}

func TestCommitTimeoutCancelsJob(t *testing.T) {
	m, hv := newTestManager(t)
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(context.Background(), disk)
	require.NoError(t, err)

	hv.HoldMerges()
	defer hv.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.CommitToRoot(ctx, disk)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	state := mustStatus(t, m, disk)
	assert.False(t, state.Committed)
	assert.Equal(t, []uint64{1}, state.Links())
}

func TestDisableFlattensAndForgets(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)
	require.NoError(t, m.Disable(ctx, disk))

	_, err = m.Status(ctx, disk)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// The flattened root stays for the operator.
	assert.FileExists(t, m.paths.Link(disk, 0))
	assert.NoFileExists(t, m.paths.Link(disk, 1))
}

func TestSetStoreModeOnlyAtCommitBoundary(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(ctx, disk)
	require.NoError(t, err)

	err = m.SetStoreMode(ctx, disk, true)
	require.Error(t, err)
	assert.False(t, mustStatus(t, m, disk).StoreMode)

	require.NoError(t, m.CommitToRoot(ctx, disk))
	require.NoError(t, m.SetStoreMode(ctx, disk, true))
	assert.True(t, mustStatus(t, m, disk).StoreMode)
}

func TestStatusUnknownDisk(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Status(context.Background(), types.DiskRef{VM: "ghost", Disk: "vda"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestListEnumeratesChains(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	a := types.DiskRef{VM: "vm1", Disk: "vda"}
	b := types.DiskRef{VM: "vm2", Disk: "vdb"}
	enableDisk(t, m, a, false)
	enableDisk(t, m, b, true)

	chains, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.True(t, chains[b.Key()].StoreMode)
}

func TestChainLockSerializesDisk(t *testing.T) {
	m, hv := newTestManager(t)
	disk := types.DiskRef{VM: "vm1", Disk: "vda"}
	enableDisk(t, m, disk, false)

	_, err := m.Snapshot(context.Background(), disk)
	require.NoError(t, err)

	hv.HoldMerges()
	commitErr := make(chan error, 1)
	go func() {
		commitErr <- m.CommitToRoot(context.Background(), disk)
	}()

	// While the merge is in flight the chain lock is held: a snapshot
	// attempt with a short deadline cannot get in.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Snapshot(ctx, disk)
	require.Error(t, err)

	hv.Release()
	require.NoError(t, <-commitErr)

	// After the commit the chain accepts snapshots again.
	index, err := m.Snapshot(context.Background(), disk)
	require.NoError(t, err)
	assert.EqualValues(t, 2, index)

	state := mustStatus(t, m, disk)
	assert.Equal(t, []uint64{2}, state.Links())
	assert.FileExists(t, m.conf.TrashPath(disk, 1))
	_ = os.Remove(m.conf.TrashPath(disk, 1))
}
