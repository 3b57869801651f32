package chain

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/hypervisor/fake"
	"github.com/projecteru2/chrysalis/types"
)

// assertUnbrokenChain walks the backing pointers from the top of the active
// chain down to the root and checks they traverse exactly the live links the
// ledger reports, ending at a self-contained root image.
func assertUnbrokenChain(t *testing.T, m *Manager, hv *fake.Fake, disk types.DiskRef) {
	t.Helper()
	ctx := context.Background()
	state := mustStatus(t, m, disk)

	links := state.Links()
	var want []uint64
	for i := len(links) - 1; i >= 0; i-- {
		want = append(want, links[i])
	}
	want = append(want, state.RootIndex)

	cur := m.paths.Link(disk, want[0])
	for n, idx := range want {
		require.Equal(t, m.paths.Link(disk, idx), cur, "link %d out of place", idx)
		info, err := hv.ImageInfo(ctx, cur)
		require.NoError(t, err)
		if n == len(want)-1 {
			assert.True(t, info.SelfContained(), "root %s must have no backing file", cur)
		} else {
			cur = info.BackingFile
		}
	}
}

// TestRandomSequencesKeepChainInvariants drives a deterministic random mix of
// snapshot, commit, restore and ledger-reload steps and checks after every
// step that backing linkage is unbroken and allocated indices are never
// reused. The reload step rebuilds the manager from the persisted ledger, the
// same path a restart takes.
func TestRandomSequencesKeepChainInvariants(t *testing.T) {
	for _, tc := range []struct {
		name      string
		storeMode bool
	}{
		{name: "discard", storeMode: false},
		{name: "store", storeMode: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, hv := newTestManager(t)
			ctx := context.Background()
			disk := types.DiskRef{VM: "vm1", Disk: "vda"}
			enableDisk(t, m, disk, tc.storeMode)

			rng := rand.New(rand.NewSource(7))
			seen := map[uint64]struct{}{0: {}}
			lastNext := uint64(1)

			for step := 0; step < 60; step++ {
				switch rng.Intn(6) {
				case 0, 1, 2:
					_, err := m.Snapshot(ctx, disk)
					require.NoError(t, err, "step %d", step)
				case 3:
					require.NoError(t, m.CommitToRoot(ctx, disk), "step %d", step)
				case 4:
					_, err := m.Restore(ctx, disk, true, 0)
					require.NoError(t, err, "step %d", step)
				case 5:
					m = NewManager(m.conf, m.store, hv)
				}

				state := mustStatus(t, m, disk)
				require.GreaterOrEqual(t, state.NextIndex, lastNext, "step %d: allocator went backwards", step)
				for i := lastNext; i < state.NextIndex; i++ {
					_, dup := seen[i]
					require.False(t, dup, "step %d: index %d allocated twice", step, i)
					seen[i] = struct{}{}
				}
				lastNext = state.NextIndex
				assertUnbrokenChain(t, m, hv, disk)
			}
		})
	}
}
