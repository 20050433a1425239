package state

import (
	"context"
	"sync"

	"github.com/roasbeef/hive/internal/identity"
)

// MemStore is an in-memory Store for tests and single-process setups. It
// enforces the same version guard as the SQL store.
type MemStore struct {
	mu    sync.Mutex
	slots map[slotKey]Record
}

type slotKey struct {
	actor identity.ActorKey
	name  string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		slots: make(map[slotKey]Record),
	}
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, key identity.ActorKey,
	name string) (Record, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.slots[slotKey{actor: key, name: name}]

	// Copy the payload so callers cannot mutate the stored blob.
	rec.Payload = append([]byte(nil), rec.Payload...)

	return rec, nil
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, key identity.ActorKey,
	name string, payload []byte, expected uint64) (uint64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	sk := slotKey{actor: key, name: name}
	if actual := m.slots[sk].Version; actual != expected {
		return 0, errVersionMismatch(key, name, expected, actual)
	}

	rec := Record{
		Payload: append([]byte(nil), payload...),
		Version: expected + 1,
	}
	m.slots[sk] = rec

	return rec.Version, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, key identity.ActorKey,
	name string, expected uint64) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	sk := slotKey{actor: key, name: name}
	actual, exists := m.slots[sk]
	if !exists && expected == 0 {
		return nil
	}
	if actual.Version != expected {
		return errVersionMismatch(key, name, expected, actual.Version)
	}

	delete(m.slots, sk)

	return nil
}
