package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roasbeef/hive/internal/identity"
)

// MemStore is an in-memory Store for tests and single-process setups.
type MemStore struct {
	mu   sync.Mutex
	rems map[remKey]Reminder
}

type remKey struct {
	actor identity.ActorKey
	name  string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		rems: make(map[remKey]Reminder),
	}
}

// Register implements Store.
func (m *MemStore) Register(_ context.Context, rem Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rem.NextFireAt = rem.DueAt
	rem.LastFiredAt = time.Time{}
	m.rems[remKey{actor: rem.Key, name: rem.Name}] = rem

	return nil
}

// Cancel implements Store.
func (m *MemStore) Cancel(_ context.Context, key identity.ActorKey,
	name string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rems, remKey{actor: key, name: name})

	return nil
}

// Due implements Store.
func (m *MemStore) Due(_ context.Context, now time.Time,
	limit int) ([]Reminder, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Reminder
	for _, rem := range m.rems {
		if !rem.NextFireAt.After(now) {
			due = append(due, rem)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextFireAt.Before(due[j].NextFireAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// MarkFired implements Store.
func (m *MemStore) MarkFired(_ context.Context, key identity.ActorKey,
	name string, firedAt, next time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	rk := remKey{actor: key, name: name}
	rem, ok := m.rems[rk]
	if !ok {
		return nil
	}

	if rem.Period == 0 {
		delete(m.rems, rk)
		return nil
	}

	rem.NextFireAt = next
	rem.LastFiredAt = firedAt
	m.rems[rk] = rem

	return nil
}

// List implements Store.
func (m *MemStore) List(_ context.Context,
	key identity.ActorKey) ([]Reminder, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var rems []Reminder
	for rk, rem := range m.rems {
		if rk.actor == key {
			rems = append(rems, rem)
		}
	}
	sort.Slice(rems, func(i, j int) bool {
		return rems[i].Name < rems[j].Name
	})

	return rems, nil
}
