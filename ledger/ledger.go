// Package ledger is the durable per-disk record of snapshot chain state.
// Every mutation is optimistic: writers carry the version they read, and a
// write whose expected version no longer matches loses the race. Chain
// engines read state, perform their hypervisor work, and persist only after
// the hypervisor confirms — the ledger never reflects an unconfirmed action.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/chrysalis/storage"
	"github.com/projecteru2/chrysalis/types"
)

var (
	// ErrNotFound is returned when a disk is not managed.
	ErrNotFound = errors.New("disk not managed")
	// ErrExists is returned when enabling a disk that already has a record.
	ErrExists = errors.New("disk already managed")
	// ErrConflict is returned when a write lost a version race.
	// Callers retry with freshly read state.
	ErrConflict = errors.New("chain state version conflict")
)

// Ledger exposes chain state records over a storage.Store.
type Ledger struct {
	store storage.Store[types.ChainIndex]
}

// New creates a Ledger over the given store.
func New(store storage.Store[types.ChainIndex]) *Ledger {
	return &Ledger{store: store}
}

// Read returns a detached copy of the chain state for disk.
// The copy reflects a fully-committed ledger write, never an in-progress one.
func (l *Ledger) Read(ctx context.Context, disk types.DiskRef) (types.ChainState, error) {
	var state types.ChainState
	err := l.store.With(ctx, func(idx *types.ChainIndex) error {
		rec := idx.Chains[disk.Key()]
		if rec == nil {
			return fmt.Errorf("%s: %w", disk, ErrNotFound)
		}
		state = *rec
		state.Retired = append([]uint64(nil), rec.Retired...)
		state.Archived = append([]uint64(nil), rec.Archived...)
		return nil
	})
	return state, err
}

// List returns detached copies of every chain state, keyed by disk ref.
func (l *Ledger) List(ctx context.Context) (map[string]types.ChainState, error) {
	out := make(map[string]types.ChainState)
	err := l.store.With(ctx, func(idx *types.ChainIndex) error {
		for key, rec := range idx.Chains {
			if rec == nil {
				continue
			}
			state := *rec
			state.Retired = append([]uint64(nil), rec.Retired...)
			state.Archived = append([]uint64(nil), rec.Archived...)
			out[key] = state
		}
		return nil
	})
	return out, err
}

// Create inserts a new chain state for disk. Fails with ErrExists if the
// disk already has a record. Version starts at 1.
func (l *Ledger) Create(ctx context.Context, disk types.DiskRef, state types.ChainState) error {
	return l.store.Update(ctx, func(idx *types.ChainIndex) error {
		if idx.Chains[disk.Key()] != nil {
			return fmt.Errorf("%s: %w", disk, ErrExists)
		}
		now := time.Now()
		state.Version = 1
		state.CreatedAt = now
		state.UpdatedAt = now
		idx.Chains[disk.Key()] = &state
		return nil
	})
}

// Delete removes the chain state for disk. Only called when management is
// explicitly disabled.
func (l *Ledger) Delete(ctx context.Context, disk types.DiskRef) error {
	return l.store.Update(ctx, func(idx *types.ChainIndex) error {
		if idx.Chains[disk.Key()] == nil {
			return fmt.Errorf("%s: %w", disk, ErrNotFound)
		}
		delete(idx.Chains, disk.Key())
		return nil
	})
}

// Update applies mutate to the chain state for disk if and only if the
// stored version still equals expected (write_if_matches semantics).
// On success the version is bumped and the new state persisted atomically.
// Returns ErrConflict when the version moved underneath the caller.
func (l *Ledger) Update(ctx context.Context, disk types.DiskRef, expected uint64, mutate func(*types.ChainState) error) (types.ChainState, error) {
	var out types.ChainState
	err := l.store.Update(ctx, func(idx *types.ChainIndex) error {
		rec := idx.Chains[disk.Key()]
		if rec == nil {
			return fmt.Errorf("%s: %w", disk, ErrNotFound)
		}
		if rec.Version != expected {
			return fmt.Errorf("%s: expected version %d, found %d: %w", disk, expected, rec.Version, ErrConflict)
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.Version++
		rec.UpdatedAt = time.Now()
		out = *rec
		out.Retired = append([]uint64(nil), rec.Retired...)
		out.Archived = append([]uint64(nil), rec.Archived...)
		return nil
	})
	return out, err
}

// Advance atomically allocates the next unused link identifier.
// The index is persisted as retired-by-default: it joins the live chain only
// when the caller confirms the corresponding hypervisor action via a second
// write (Unretire). A crash or failure between the two writes leaves the
// index permanently retired, so identifiers are strictly increasing and
// never repeat even across mid-operation crashes.
func (l *Ledger) Advance(ctx context.Context, disk types.DiskRef, expected uint64) (uint64, types.ChainState, error) {
	var allocated uint64
	state, err := l.Update(ctx, disk, expected, func(s *types.ChainState) error {
		allocated = s.NextIndex
		s.NextIndex++
		s.Retire(allocated)
		return nil
	})
	return allocated, state, err
}
