// Package placement maps actor keys to silos: it keeps a consistent-hash
// ring built from the live membership view plus the endpoint of every
// member, and answers ownership queries for routing and serving decisions.
package placement

import (
	"sync"

	"github.com/roasbeef/hive/internal/hashring"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/membership"
)

// Directory is the queryable placement view. It is rebuilt from membership
// snapshots and is safe for concurrent readers.
type Directory struct {
	mu        sync.RWMutex
	ring      *hashring.Ring
	endpoints map[string]string
	version   uint64
}

// NewDirectory creates a directory seeded from the given snapshot.
func NewDirectory(snap membership.Snapshot) *Directory {
	d := &Directory{
		ring:      hashring.New(hashring.DefaultVirtualNodes),
		endpoints: make(map[string]string),
	}
	d.Update(snap)

	return d
}

// Update rebuilds the ring and endpoint table from a membership snapshot.
// Snapshots older than the current view are ignored.
func (d *Directory) Update(snap membership.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if snap.Version != 0 && snap.Version <= d.version {
		return
	}
	d.version = snap.Version

	d.ring.Rebuild(snap.Active())

	endpoints := make(map[string]string, len(snap.Silos))
	for _, silo := range snap.Silos {
		endpoints[silo.ID] = silo.Endpoint
	}
	d.endpoints = endpoints
}

// OwnerOf returns the silo that owns the key and its endpoint. ok is false
// when the ring is empty.
func (d *Directory) OwnerOf(key identity.ActorKey) (siloID,
	endpoint string, ok bool) {

	d.mu.RLock()
	defer d.mu.RUnlock()

	siloID, ok = d.ring.OwnerOf(key)
	if !ok {
		return "", "", false
	}

	return siloID, d.endpoints[siloID], true
}

// Owns reports whether the given silo owns the key on the current ring.
func (d *Directory) Owns(siloID string, key identity.ActorKey) bool {
	owner, _, ok := d.OwnerOf(key)

	return ok && owner == siloID
}

// Version returns the membership version the directory was built from.
func (d *Directory) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.version
}

// Size returns the number of silos on the ring.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.ring.Size()
}
