package runtime

import (
	"context"
	"sync"

	"github.com/roasbeef/hive/internal/codec"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/state"
	"github.com/roasbeef/hive/internal/telemetry"
)

// StateHandle gives an actor instance access to its durable state slots. It
// tracks the version of every slot it has read so writes carry the right
// optimistic concurrency guard, and stages writes so they commit together
// after the current invocation.
type StateHandle struct {
	key   identity.ActorKey
	store state.Store
	codec codec.Codec
	hooks telemetry.Hooks

	mu    sync.Mutex
	slots map[string]*slotState
}

type slotState struct {
	version uint64
	staged  []byte
	dirty   bool
}

// newStateHandle binds a handle to one actor's slots.
func newStateHandle(key identity.ActorKey, store state.Store,
	cdc codec.Codec, hooks telemetry.Hooks) *StateHandle {

	return &StateHandle{
		key:   key,
		store: store,
		codec: cdc,
		hooks: hooks,
		slots: make(map[string]*slotState),
	}
}

// Load reads a slot into target. A slot that was never written leaves the
// target untouched and returns found=false.
func (h *StateHandle) Load(ctx context.Context, name string,
	target any) (bool, error) {

	rec, err := h.store.Load(ctx, h.key, name)
	if err != nil {
		return false, err
	}
	h.hooks.StateLoaded(h.key.Type)

	h.mu.Lock()
	h.slot(name).version = rec.Version
	h.mu.Unlock()

	if rec.Version == 0 {
		return false, nil
	}

	if err := h.codec.Unmarshal(rec.Payload, target); err != nil {
		return false, err
	}

	return true, nil
}

// Stage records a pending write for the slot. Staged writes are committed
// by Flush, which the runtime calls after the invocation returns.
func (h *StateHandle) Stage(name string, value any) error {
	payload, err := h.codec.Marshal(value)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.slot(name)
	s.staged = payload
	s.dirty = true

	return nil
}

// Save stages and immediately flushes a single slot.
func (h *StateHandle) Save(ctx context.Context, name string,
	value any) error {

	if err := h.Stage(name, value); err != nil {
		return err
	}

	return h.Flush(ctx)
}

// Flush commits every staged slot. A version conflict aborts the flush and
// surfaces as a KindConcurrency error to the caller of the invocation.
func (h *StateHandle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, s := range h.slots {
		if !s.dirty {
			continue
		}

		newVersion, err := h.store.Save(
			ctx, h.key, name, s.staged, s.version,
		)
		if err != nil {
			return err
		}
		h.hooks.StateSaved(h.key.Type)

		s.version = newVersion
		s.staged = nil
		s.dirty = false
	}

	return nil
}

// Delete removes a slot under the tracked version guard.
func (h *StateHandle) Delete(ctx context.Context, name string) error {
	h.mu.Lock()
	version := h.slot(name).version
	h.mu.Unlock()

	if err := h.store.Delete(ctx, h.key, name, version); err != nil {
		return err
	}

	h.mu.Lock()
	s := h.slot(name)
	s.version = 0
	s.staged = nil
	s.dirty = false
	h.mu.Unlock()

	return nil
}

// Version returns the tracked version of a slot.
func (h *StateHandle) Version(name string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.slot(name).version
}

// discard drops staged writes, used when an invocation faults before its
// writes commit.
func (h *StateHandle) discard() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.slots {
		s.staged = nil
		s.dirty = false
	}
}

// slot must be called with the lock held.
func (h *StateHandle) slot(name string) *slotState {
	s, ok := h.slots[name]
	if !ok {
		s = &slotState{}
		h.slots[name] = s
	}

	return s
}
