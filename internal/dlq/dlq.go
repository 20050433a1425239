// Package dlq stores envelopes the runtime had to shed: mailbox overflow
// evictions and messages orphaned by deactivation. Entries are kept for
// inspection and optional redelivery; the store is bounded and evicts its
// oldest entries past the cap.
package dlq

import (
	"context"
	"time"

	"github.com/roasbeef/hive/internal/identity"
)

// DefaultMaxEntries bounds a store when no cap is configured.
const DefaultMaxEntries = 10_000

// Entry is one dead-lettered invocation.
type Entry struct {
	// Seq is the store-assigned sequence number, ascending with age.
	Seq uint64 `json:"seq"`

	// Key addresses the actor the message was bound for.
	Key identity.ActorKey `json:"key"`

	// Method and Args reproduce the original invocation.
	Method string `json:"method"`
	Args   []byte `json:"args,omitempty"`

	// Cause is why the message was shed.
	Cause string `json:"cause"`

	// DroppedAt is when the runtime shed the message.
	DroppedAt time.Time `json:"dropped_at"`
}

// Store persists dead-lettered entries.
type Store interface {
	// Add appends an entry, evicting the oldest past the cap. The
	// entry's Seq is assigned by the store.
	Add(ctx context.Context, entry Entry) error

	// List returns up to limit entries, oldest first.
	List(ctx context.Context, limit int) ([]Entry, error)

	// ListByActor returns up to limit entries bound for the given actor,
	// oldest first.
	ListByActor(ctx context.Context, key identity.ActorKey,
		limit int) ([]Entry, error)

	// Remove deletes an entry by sequence number, typically after
	// redelivery. Removing an unknown sequence is a no-op.
	Remove(ctx context.Context, seq uint64) error

	// Clear drops every stored entry.
	Clear(ctx context.Context) error

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// Close releases the store.
	Close() error
}
