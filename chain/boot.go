package chain

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// ResolveBoot determines the authoritative top-of-chain path for a VM start,
// purely from ledger state — any disk path the hypervisor may have cached is
// ignored. Resolution is read-only and takes no chain lock; the ledger read
// always observes a fully-committed snapshot.
//
// When the chain was left open (enabled and not committed), the whole chain
// is re-validated before the path is handed out: the root must be
// self-contained and every live link present and backed by its predecessor.
// Any mismatch fails the boot attempt with an InconsistencyError — nothing
// is guessed or silently repaired.
func (m *Manager) ResolveBoot(ctx context.Context, disk types.DiskRef) (string, error) {
	state, err := m.led.Read(ctx, disk)
	if err != nil {
		return "", err
	}
	if !state.Enabled {
		return "", fmt.Errorf("resolve boot for %s: disk not enabled", disk)
	}
	if state.RebasePhase != types.RebaseIdle {
		return "", &PartialRebaseError{Disk: disk, Phase: state.RebasePhase, Next: state.RebaseNext}
	}

	top := m.paths.Top(disk, &state)

	if !state.Committed {
		if err := m.validateChain(ctx, disk, &state); err != nil {
			return "", err
		}
	} else if !utils.FileExists(m.paths.Root(disk, &state)) {
		return "", &InconsistencyError{Disk: disk, Index: state.RootIndex, Reason: "root image missing"}
	}

	log.WithFunc("chain.ResolveBoot").Infof(ctx, "%s boots from %s (index %d)", disk, top, state.TopIndex())
	return top, nil
}

// validateChain checks that the on-disk chain matches the ledger: the root
// is self-contained and each live link's backing pointer names its
// predecessor.
func (m *Manager) validateChain(ctx context.Context, disk types.DiskRef, state *types.ChainState) error {
	rootPath := m.paths.Root(disk, state)
	info, err := m.hv.ImageInfo(ctx, rootPath)
	if err != nil {
		return &InconsistencyError{Disk: disk, Index: state.RootIndex, Reason: fmt.Sprintf("root unreadable: %v", err)}
	}
	if !info.SelfContained() {
		return &InconsistencyError{Disk: disk, Index: state.RootIndex,
			Reason: fmt.Sprintf("root backed by %s, want self-contained", info.BackingFile)}
	}

	prev := rootPath
	for _, i := range state.Links() {
		path := m.paths.Link(disk, i)
		info, err := m.hv.ImageInfo(ctx, path)
		if err != nil {
			return &InconsistencyError{Disk: disk, Index: i, Reason: fmt.Sprintf("link unreadable: %v", err)}
		}
		if info.BackingFile != prev {
			return &InconsistencyError{Disk: disk, Index: i,
				Reason: fmt.Sprintf("link backed by %q, want %q", info.BackingFile, prev)}
		}
		prev = path
	}
	return nil
}
