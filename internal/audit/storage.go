package audit

import (
	"context"
	"fmt"
	"sync"
)

// Storage persists audit entries in seq order. Implementations must keep
// appends durable before returning; the Log serialises all writes, so
// Append is never called concurrently.
type Storage interface {
	// Append persists the entry at the tail of the log.
	Append(ctx context.Context, e *Entry) error

	// Get returns the entry with the given sequence number.
	Get(ctx context.Context, seq uint64) (*Entry, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (uint64, error)

	// Scan streams entries with seq >= from in ascending seq order until
	// fn returns an error or the log is exhausted.
	Scan(ctx context.Context, from uint64, fn func(*Entry) error) error

	// Close releases any resources held by the storage.
	Close() error
}

// ErrSeqNotFound is wrapped by Get when no entry has the requested seq.
var ErrSeqNotFound = fmt.Errorf("audit entry not found")

// MemoryStorage is an in-memory, thread-safe Storage. It is useful for
// testing and for deployments that do not need durability across restarts.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append implements Storage.
func (s *MemoryStorage) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.entries)); e.Seq != want {
		return fmt.Errorf("append out of order: got seq %d, want %d", e.Seq, want)
	}
	s.entries = append(s.entries, e)
	return nil
}

// Get implements Storage.
func (s *MemoryStorage) Get(_ context.Context, seq uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return nil, fmt.Errorf("%w: seq %d", ErrSeqNotFound, seq)
	}
	return s.entries[seq], nil
}

// Len implements Storage.
func (s *MemoryStorage) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Scan implements Storage.
func (s *MemoryStorage) Scan(ctx context.Context, from uint64, fn func(*Entry) error) error {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	for _, e := range entries {
		if e.Seq < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Storage.
func (s *MemoryStorage) Close() error { return nil }

// mutate replaces the stored entry at seq. Tests use it to simulate
// on-disk tampering.
func (s *MemoryStorage) mutate(seq uint64, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.entries[seq]
	fn(&cp)
	s.entries[seq] = &cp
}
