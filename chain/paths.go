package chain

import (
	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/types"
)

// Resolver maps ledger state to on-disk image paths. Every function is pure:
// paths are derived from the chain state alone, never from the filesystem or
// from hypervisor-reported disk state, so resolution stays correct even when
// the VM layer is broken or holds a stale view.
type Resolver struct {
	conf *config.Config
}

// NewResolver creates a Resolver over the configured directory layout.
func NewResolver(conf *config.Config) Resolver {
	return Resolver{conf: conf}
}

// Root returns the path of the image currently serving as chain root.
func (r Resolver) Root(disk types.DiskRef, state *types.ChainState) string {
	return r.conf.LinkPath(disk, state.RootIndex)
}

// Top returns the path of the sole writable top of the chain: the highest
// live link, or the root when the chain is fully committed.
func (r Resolver) Top(disk types.DiskRef, state *types.ChainState) string {
	return r.conf.LinkPath(disk, state.TopIndex())
}

// Link returns the active-directory path for a link index.
func (r Resolver) Link(disk types.DiskRef, index uint64) string {
	return r.conf.LinkPath(disk, index)
}

// Links returns the paths of the live links in chain order (bottom to top).
func (r Resolver) Links(disk types.DiskRef, state *types.ChainState) []string {
	indices := state.Links()
	paths := make([]string, 0, len(indices))
	for _, i := range indices {
		paths = append(paths, r.conf.LinkPath(disk, i))
	}
	return paths
}

// Archive returns the archive-directory path for a link index.
func (r Resolver) Archive(disk types.DiskRef, index uint64) string {
	return r.conf.ArchivePath(disk, index)
}
