// Package state persists named actor state slots with optimistic
// concurrency. Every slot carries a monotonically increasing version; a
// writer must present the version it last read, and a mismatch fails the
// write without applying it.
package state

import (
	"context"

	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/identity"
)

// Record is one stored state slot.
type Record struct {
	// Payload is the codec-encoded state blob.
	Payload []byte

	// Version is the slot's current version. The first successful save
	// of a slot produces version 1.
	Version uint64
}

// Store persists actor state slots keyed by (actor key, slot name).
type Store interface {
	// Load returns the current record of the given slot. A slot that
	// was never written returns a zero Record and no error.
	Load(ctx context.Context, key identity.ActorKey,
		name string) (Record, error)

	// Save writes the slot if its stored version still equals expected.
	// An expected version of 0 requires the slot to not exist yet. On
	// success the new version is returned; on a version mismatch the
	// error carries KindConcurrency and nothing is written.
	Save(ctx context.Context, key identity.ActorKey, name string,
		payload []byte, expected uint64) (uint64, error)

	// Delete removes the slot under the same version guard as Save.
	// Deleting a slot that does not exist is a no-op when expected is 0.
	Delete(ctx context.Context, key identity.ActorKey, name string,
		expected uint64) error
}

// errVersionMismatch builds the KindConcurrency error both store
// implementations return.
func errVersionMismatch(key identity.ActorKey, name string, expected,
	actual uint64) error {

	return errdefs.New(errdefs.KindConcurrency,
		"stale version for %s/%s: expected %d, have %d",
		key, name, expected, actual)
}
