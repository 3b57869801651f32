package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/chain"
	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/hypervisor/fake"
	"github.com/projecteru2/chrysalis/lock/flock"
	jsonstore "github.com/projecteru2/chrysalis/storage/json"
	"github.com/projecteru2/chrysalis/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *chain.Manager, *fake.Fake) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.LogDir = t.TempDir()
	conf.JobPollInterval = time.Millisecond
	conf.SnapshotTimeout = time.Second
	require.NoError(t, conf.EnsureChainDirs())

	store := jsonstore.New[types.ChainIndex](conf.LedgerFile(), flock.New(conf.LedgerLock()))
	hv := fake.New()
	mgr := chain.NewManager(conf, store, hv)
	return New(conf, mgr), mgr, hv
}

func enable(t *testing.T, mgr *chain.Manager, disk types.DiskRef, daily bool) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "base.qcow2")
	require.NoError(t, fake.WriteBase(base))
	require.NoError(t, mgr.Enable(context.Background(), disk, base, false, daily))
}

func TestRunOnceSnapshotsDailyDisksOnly(t *testing.T) {
	sched, mgr, _ := newTestScheduler(t)
	ctx := context.Background()
	daily := types.DiskRef{VM: "vm1", Disk: "vda"}
	manual := types.DiskRef{VM: "vm1", Disk: "vdb"}
	enable(t, mgr, daily, true)
	enable(t, mgr, manual, false)

	sched.RunOnce(ctx)

	state, err := mgr.Status(ctx, daily)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Depth())
	assert.False(t, state.Committed)

	state, err = mgr.Status(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Depth())
	assert.True(t, state.Committed)
}

func TestRunOnceFailureDoesNotBlockOtherDisks(t *testing.T) {
	sched, mgr, hv := newTestScheduler(t)
	ctx := context.Background()
	a := types.DiskRef{VM: "vm1", Disk: "vda"}
	b := types.DiskRef{VM: "vm2", Disk: "vda"}
	enable(t, mgr, a, true)
	enable(t, mgr, b, true)

	// One disk's overlay creation fails; the pass still covers the rest.
	hv.FailNextOverlay = assert.AnError
	sched.RunOnce(ctx)

	var depths []int
	for _, disk := range []types.DiskRef{a, b} {
		state, err := mgr.Status(ctx, disk)
		require.NoError(t, err)
		depths = append(depths, state.Depth())
	}
	assert.ElementsMatch(t, []int{0, 1}, depths)
}
