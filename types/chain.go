package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RebasePhase tracks the resumable archive-then-rebase state machine for
// store-mode commits. An empty phase means no cycle is in progress.
type RebasePhase string

const (
	RebaseIdle     RebasePhase = ""         // no archive/rebase cycle in progress
	RebaseArchived RebasePhase = "archived" // links hard-linked into the archive dir, merge pending
	RebaseMerged   RebasePhase = "merged"   // merge confirmed, prune and root relink pending
	RebaseRebasing RebasePhase = "rebasing" // root relinked, archived links being rebased in order
)

// DiskRef identifies one managed VM disk.
type DiskRef struct {
	VM   string `json:"vm"`
	Disk string `json:"disk"` // guest device name, e.g. "vda"
}

// Key returns the ledger key for the disk.
func (d DiskRef) Key() string { return d.VM + "/" + d.Disk }

func (d DiskRef) String() string { return d.Key() }

// ParseDiskRef parses a "vm/disk" key back into a DiskRef.
func ParseDiskRef(key string) (DiskRef, error) {
	vm, disk, ok := strings.Cut(key, "/")
	if !ok || vm == "" || disk == "" {
		return DiskRef{}, fmt.Errorf("invalid disk ref %q, want vm/disk", key)
	}
	return DiskRef{VM: vm, Disk: disk}, nil
}

// ChainState is the durable per-disk record of snapshot chain state.
// NextIndex and RootIndex are mutated only under the disk's chain lock;
// Version implements optimistic concurrency on every ledger write.
type ChainState struct {
	Enabled   bool   `json:"enabled"`
	Committed bool   `json:"committed"`
	NextIndex uint64 `json:"next_index"` // next unused link identifier, never reused
	RootIndex uint64 `json:"root_index"` // identifier of the current chain root image
	StoreMode bool   `json:"store_mode"` // archive historical snapshots instead of discarding
	DailyMode bool   `json:"daily_mode"` // periodic snapshot scheduled automatically

	// Version is bumped on every ledger write; writers supply the version
	// they read and lose the race if it moved.
	Version uint64 `json:"version"`

	// Retired holds indices that were allocated but are not part of the live
	// chain: failed creations, merged links, and replaced roots. An index in
	// Retired is permanently dead — its filename is never reused.
	Retired []uint64 `json:"retired,omitempty"`

	// Archived holds the indices preserved in the archive directory, in
	// ascending order. Every store-mode commit relinks the root under a new
	// name, so all archived links are rebased onto it each cycle.
	Archived []uint64 `json:"archived,omitempty"`

	// Resumable store-mode commit bookkeeping. RebaseNext is the first
	// archived index not yet rebased; RebaseRoot is the identifier allocated
	// for the post-merge root. Both are meaningful only while RebasePhase is
	// not RebaseIdle.
	RebasePhase RebasePhase `json:"rebase_phase,omitempty"`
	RebaseNext  uint64      `json:"rebase_next,omitempty"`
	RebaseRoot  uint64      `json:"rebase_root,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRetired reports whether index i has been permanently retired.
func (s *ChainState) IsRetired(i uint64) bool {
	for _, r := range s.Retired {
		if r == i {
			return true
		}
	}
	return false
}

// Retire adds i to the tombstone set. Idempotent.
func (s *ChainState) Retire(i uint64) {
	if !s.IsRetired(i) {
		s.Retired = append(s.Retired, i)
	}
}

// Unretire removes i from the tombstone set, making it live again.
// Used when a freshly allocated index is confirmed by the hypervisor.
func (s *ChainState) Unretire(i uint64) {
	for n, r := range s.Retired {
		if r == i {
			s.Retired = append(s.Retired[:n], s.Retired[n+1:]...)
			return
		}
	}
}

// IsArchived reports whether index i is preserved in the archive directory.
func (s *ChainState) IsArchived(i uint64) bool {
	for _, a := range s.Archived {
		if a == i {
			return true
		}
	}
	return false
}

// AddArchived records i as archived. The set stays in ascending order: the
// rebase cursor resumes from the first index not yet rebased, which only
// works when iteration order matches index order. Idempotent.
func (s *ChainState) AddArchived(i uint64) {
	if s.IsArchived(i) {
		return
	}
	n := sort.Search(len(s.Archived), func(k int) bool { return s.Archived[k] > i })
	s.Archived = append(s.Archived, 0)
	copy(s.Archived[n+1:], s.Archived[n:])
	s.Archived[n] = i
}

// Links returns the live link indices above the root, in chain order.
// The live chain is every index in (RootIndex, NextIndex) that has not been
// retired; link i is backed by the previous live link (or the root).
func (s *ChainState) Links() []uint64 {
	var links []uint64
	for i := s.RootIndex + 1; i < s.NextIndex; i++ {
		if !s.IsRetired(i) {
			links = append(links, i)
		}
	}
	return links
}

// TopIndex returns the identifier of the sole writable top of the chain:
// the highest live link, or the root when no links exist.
func (s *ChainState) TopIndex() uint64 {
	for i := s.NextIndex; i > s.RootIndex+1; i-- {
		if !s.IsRetired(i - 1) {
			return i - 1
		}
	}
	return s.RootIndex
}

// HasLinks reports whether any snapshot link exists above the root.
func (s *ChainState) HasLinks() bool { return s.TopIndex() != s.RootIndex }

// Depth returns the number of live links above the root.
func (s *ChainState) Depth() int { return len(s.Links()) }

// ChainIndex is the top-level ledger structure, one per host.
// Keys are DiskRef keys ("vm/disk").
type ChainIndex struct {
	Chains map[string]*ChainState `json:"chains"`
}

// Init implements storage.Initer — initialises nil maps after deserialization.
func (idx *ChainIndex) Init() {
	if idx.Chains == nil {
		idx.Chains = make(map[string]*ChainState)
	}
}
