package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/projecteru2/chrysalis/storage"
)

var (
	bucketState = []byte("state")
	keyIndex    = []byte("index")
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps T as a single JSON document inside a bbolt database.
// bbolt gives single-writer transactions and crash-safe persistence; the
// cross-process half of the locking comes from bbolt's own file lock, the
// in-process TryLock token mirrors the flock store's behaviour.
type Store[T any] struct {
	db *bbolt.DB
	ch chan struct{}
}

// Open opens (creating if needed) the bbolt database at path.
func Open[T any](path string) (*Store[T], error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("init bolt db %s: %w", path, err)
	}
	return &Store[T]{db: db, ch: make(chan struct{}, 1)}, nil
}

// Close closes the underlying database.
func (s *Store[T]) Close() error { return s.db.Close() }

// With loads the document in a read transaction and passes it to fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()
	return s.Read(fn)
}

// Update performs a read-modify-write inside a single bbolt transaction,
// so the new state becomes visible atomically or not at all.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()
	return s.Write(fn)
}

// Read deserializes the document and passes it to fn. Caller holds the lock.
func (s *Store[T]) Read(fn func(*T) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data, err := decode[T](tx.Bucket(bucketState).Get(keyIndex))
		if err != nil {
			return err
		}
		return fn(data)
	})
}

// Write deserializes the document, passes it to fn, and persists the result
// in the same transaction if fn returns nil. Caller holds the lock.
func (s *Store[T]) Write(fn func(*T) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketState)
		data, err := decode[T](b.Get(keyIndex))
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		return b.Put(keyIndex, raw)
	})
}

// TryLock attempts to acquire the in-process token without blocking.
func (s *Store[T]) TryLock(_ context.Context) (bool, error) {
	select {
	case s.ch <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Unlock releases a token previously acquired by TryLock.
func (s *Store[T]) Unlock(_ context.Context) error {
	select {
	case <-s.ch:
	default:
	}
	return nil
}

func decode[T any](raw []byte) (*T, error) {
	var data T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse state: %w", err)
		}
	}
	if initer, ok := any(&data).(storage.Initer); ok {
		initer.Init()
	}
	return &data, nil
}
