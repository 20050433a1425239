// Package identity defines the cluster-wide logical address of an actor
// and its mapping onto the placement ring's key space.
package identity

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Separator joins the type and id components in the canonical string form
// of a key. Type names may not contain it; ids may, since everything after
// the first separator belongs to the id.
const Separator = ":"

// ActorKey is the immutable (type-name, id) pair that uniquely identifies a
// logical actor across the cluster.
type ActorKey struct {
	// Type is the registered actor type name.
	Type string

	// ID is the application-chosen instance identifier.
	ID string
}

// NewKey builds an ActorKey from its components.
func NewKey(actorType, id string) ActorKey {
	return ActorKey{Type: actorType, ID: id}
}

// String returns the canonical "type:id" form used for ring hashing, map
// keys, and log output.
func (k ActorKey) String() string {
	return k.Type + Separator + k.ID
}

// IsZero reports whether the key is the empty value.
func (k ActorKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// Validate checks that both components are present.
func (k ActorKey) Validate() error {
	if k.Type == "" {
		return fmt.Errorf("actor key missing type component")
	}
	if strings.Contains(k.Type, Separator) {
		return fmt.Errorf("actor type %q contains separator", k.Type)
	}
	if k.ID == "" {
		return fmt.Errorf("actor key missing id component")
	}

	return nil
}

// RingKey returns the fingerprint used to place the key on the consistent
// hash ring. xxhash is used over a cryptographic hash for throughput; the
// ring only needs speed and uniformity, not collision resistance.
func (k ActorKey) RingKey() uint64 {
	return xxhash.Sum64String(k.String())
}

// ParseKey parses the canonical "type:id" form. The id component may itself
// contain the separator.
func ParseKey(s string) (ActorKey, error) {
	idx := strings.Index(s, Separator)
	if idx <= 0 || idx == len(s)-1 {
		return ActorKey{}, fmt.Errorf("malformed actor key %q", s)
	}

	key := ActorKey{
		Type: s[:idx],
		ID:   s[idx+1:],
	}

	return key, key.Validate()
}
