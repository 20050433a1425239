// Package membership tracks which silos are part of the cluster and how
// alive each of them looks. Placement consumes membership as versioned
// snapshots: the hash ring is rebuilt from the active silo set whenever the
// snapshot version advances.
package membership

import (
	"context"
	"sort"
	"time"
)

// Status describes the liveness of one silo.
type Status uint8

const (
	// StatusJoining is a silo that has announced itself but not yet
	// completed startup.
	StatusJoining Status = iota

	// StatusActive is a live silo that owns ring segments.
	StatusActive

	// StatusSuspect is a silo whose heartbeat is overdue. Suspect silos
	// keep their ring segments until they are declared dead.
	StatusSuspect

	// StatusDead is a silo whose heartbeat lapsed past the dead
	// threshold. Dead silos are removed from the ring.
	StatusDead

	// StatusLeft is a silo that shut down cleanly.
	StatusLeft
)

// String returns the lower-case label used in logs and the silos table.
func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusActive:
		return "active"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// SiloInfo is one silo's membership record.
type SiloInfo struct {
	// ID uniquely names the silo within the cluster.
	ID string

	// Endpoint is the silo's transport address.
	Endpoint string

	// Status is the silo's current liveness classification.
	Status Status

	// JoinEpoch is when the silo joined, in unix milliseconds. A silo
	// that restarts gets a fresh epoch, which fences stale activations.
	JoinEpoch int64

	// LastHeartbeat is the last time the silo reported in.
	LastHeartbeat time.Time
}

// Snapshot is an immutable view of the cluster at one version. Versions are
// strictly increasing per provider; consumers drop snapshots older than what
// they already hold.
type Snapshot struct {
	// Version orders snapshots from one provider.
	Version uint64

	// Silos holds every known silo, sorted by ID.
	Silos []SiloInfo
}

// Active returns the IDs of silos that should own ring segments. Suspect
// silos are retained so a slow heartbeat does not trigger mass migration.
func (s Snapshot) Active() []string {
	var ids []string
	for _, silo := range s.Silos {
		switch silo.Status {
		case StatusActive, StatusSuspect:
			ids = append(ids, silo.ID)
		}
	}

	sort.Strings(ids)

	return ids
}

// Lookup returns the record of the given silo, if present.
func (s Snapshot) Lookup(id string) (SiloInfo, bool) {
	for _, silo := range s.Silos {
		if silo.ID == id {
			return silo, true
		}
	}

	return SiloInfo{}, false
}

// Provider exposes cluster membership to the rest of the silo.
type Provider interface {
	// Join announces the local silo and starts any background liveness
	// reporting.
	Join(ctx context.Context, self SiloInfo) error

	// Leave marks the local silo as cleanly departed and stops
	// background reporting.
	Leave(ctx context.Context) error

	// Snapshot returns the current membership view.
	Snapshot() Snapshot

	// Subscribe registers for snapshot updates. The returned cancel
	// func releases the subscription. The channel is buffered and
	// coalescing: a slow consumer only ever misses intermediate
	// snapshots, never the latest one.
	Subscribe() (<-chan Snapshot, func())
}

// notifier implements the coalescing Subscribe contract shared by the
// providers in this package.
type notifier struct {
	subs map[int]chan Snapshot
	next int
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[int]chan Snapshot),
	}
}

// subscribe must be called with the provider's lock held.
func (n *notifier) subscribe(unsub func(id int)) (<-chan Snapshot, func()) {
	id := n.next
	n.next++

	ch := make(chan Snapshot, 1)
	n.subs[id] = ch

	return ch, func() { unsub(id) }
}

// publish must be called with the provider's lock held. Pending snapshots a
// subscriber has not drained yet are replaced with the newest one.
func (n *notifier) publish(snap Snapshot) {
	for _, ch := range n.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
