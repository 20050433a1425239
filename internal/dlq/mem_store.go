package dlq

import (
	"context"
	"sync"

	"github.com/roasbeef/hive/internal/identity"
)

// MemStore is a bounded in-memory Store for tests and single-process
// setups.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq uint64
	cap     int
}

// NewMemStore creates an empty store with the given cap.
func NewMemStore(maxEntries int) *MemStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &MemStore{cap: maxEntries}
}

// Add implements Store.
func (m *MemStore) Add(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	entry.Seq = m.nextSeq
	m.entries = append(m.entries, entry)

	if len(m.entries) > m.cap {
		m.entries = m.entries[len(m.entries)-m.cap:]
	}

	return nil
}

// List implements Store.
func (m *MemStore) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}

	return append([]Entry(nil), m.entries[:n]...), nil
}

// ListByActor implements Store.
func (m *MemStore) ListByActor(_ context.Context, key identity.ActorKey,
	limit int) ([]Entry, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry
	for _, entry := range m.entries {
		if limit > 0 && len(entries) >= limit {
			break
		}
		if entry.Key != key {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Remove implements Store.
func (m *MemStore) Remove(_ context.Context, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.entries {
		if entry.Seq == seq {
			m.entries = append(
				m.entries[:i], m.entries[i+1:]...,
			)
			break
		}
	}

	return nil
}

// Clear implements Store.
func (m *MemStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil

	return nil
}

// Len implements Store.
func (m *MemStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries), nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	return nil
}
