package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/codec"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/mailbox"
	"github.com/roasbeef/hive/internal/state"
	"github.com/roasbeef/hive/internal/telemetry"
	"github.com/roasbeef/hive/internal/wire"
)

const (
	// MethodReminder is the reserved method the reminder service uses to
	// deliver ticks through the mailbox. Args carry the reminder name.
	MethodReminder = "~reminder"

	// MethodStream is the reserved method the stream broker uses to
	// deliver events through the mailbox. Args carry a StreamEvent.
	MethodStream = "~stream"

	// numShards splits the activation map to cut lock contention.
	numShards = 16

	// DefaultIdleScanInterval is how often the idle collector sweeps.
	DefaultIdleScanInterval = 30 * time.Second
)

// StreamEvent is the payload of a MethodStream request.
type StreamEvent struct {
	Subject string `json:"subject"`
	Payload []byte `json:"payload"`
}

// ReminderTick is the payload of a MethodReminder request.
type ReminderTick struct {
	// Name identifies the registration on the target actor.
	Name string `json:"name"`

	// LastFiredAt is the previous firing time; zero on the first fire.
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`

	// FiredAt is when the scanner picked the reminder up.
	FiredAt time.Time `json:"fired_at"`
}

// DropHandler observes envelopes shed by any mailbox, after their promises
// have been failed. The silo wires this to the dead-letter queue.
type DropHandler func(key identity.ActorKey, env *mailbox.Envelope,
	cause error)

// ManagerConfig assembles a Manager's collaborators.
type ManagerConfig struct {
	Registry *Registry
	States   state.Store
	Codec    codec.Codec
	Hooks    telemetry.Hooks
	OnDrop   DropHandler

	// IdleScanInterval overrides the idle collector cadence.
	IdleScanInterval time.Duration
}

// Manager owns every activation on the local silo.
type Manager struct {
	registry *Registry
	states   state.Store
	codec    codec.Codec
	hooks    telemetry.Hooks
	dropFn   DropHandler

	shards [numShards]*shard

	// workerMu guards the stateless worker sets, which live outside the
	// sharded map because one key fans out to several activations.
	workerMu sync.Mutex
	workers  map[identity.ActorKey]*workerSet

	flight singleflight.Group

	scanEvery time.Duration
	quit      chan struct{}
	wg        sync.WaitGroup
}

type shard struct {
	mu   sync.Mutex
	acts map[identity.ActorKey]*activation
}

type workerSet struct {
	mu   sync.Mutex
	acts []*activation
	next uint32
}

// NewManager creates a manager and starts its idle collector.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.Hooks == nil {
		cfg.Hooks = telemetry.Noop{}
	}
	if cfg.States == nil {
		cfg.States = state.NewMemStore()
	}
	if cfg.IdleScanInterval <= 0 {
		cfg.IdleScanInterval = DefaultIdleScanInterval
	}

	m := &Manager{
		registry:  cfg.Registry,
		states:    cfg.States,
		codec:     cfg.Codec,
		hooks:     cfg.Hooks,
		dropFn:    cfg.OnDrop,
		workers:   make(map[identity.ActorKey]*workerSet),
		scanEvery: cfg.IdleScanInterval,
		quit:      make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			acts: make(map[identity.ActorKey]*activation),
		}
	}

	m.wg.Add(1)
	go m.idleCollector()

	return m
}

// Invoke routes a request to its target activation, creating it on demand.
// The returned future resolves with the codec-encoded result.
func (m *Manager) Invoke(ctx context.Context,
	req *wire.Request) async.Future[[]byte] {

	promise := async.NewPromise[[]byte]()

	typ, ok := m.registry.Lookup(req.ActorType)
	if !ok {
		async.CompleteErr(promise, errdefs.New(errdefs.KindNotFound,
			"unknown actor type %s", req.ActorType))
		return promise.Future()
	}

	key := req.Key()

	// The call chain lives in the context on the local path and in the
	// trace bytes on the remote path; reconcile the two so cycles are
	// visible either way.
	chain := ChainFrom(ctx)
	if chain == nil {
		chain = DecodeChain(req.Trace)
		ctx = WithChain(ctx, chain)
	} else if len(req.Trace) == 0 {
		req.Trace = chain.Encode()
	}

	if chain.Contains(key) {
		if !typ.Reentrant {
			async.CompleteErr(promise, errdefs.New(
				errdefs.KindReentrancy,
				"call chain already holds %s", key))
			return promise.Future()
		}

		// The activation's dispatch goroutine is parked awaiting
		// this nested call, so running it inline is the only way to
		// make progress.
		if act := m.lookup(key); act != nil {
			payload, err := act.invokeNested(ctx, req)
			if err != nil {
				async.CompleteErr(promise, err)
			} else {
				async.CompleteOk(promise, payload)
			}

			return promise.Future()
		}
	}

	env := &mailbox.Envelope{
		Request:    req,
		Promise:    promise,
		EnqueuedAt: time.Now(),
	}
	if req.Flags&wire.FlagOneWay != 0 {
		env.Promise = nil
		async.CompleteOk(promise, nil)
	}

	if err := m.post(ctx, typ, key, env); err != nil {
		if env.Promise != nil {
			async.CompleteErr(promise, err)
		}
	}

	return promise.Future()
}

// post enqueues the envelope, retrying once if it raced a concurrent
// deactivation of the same key.
func (m *Manager) post(ctx context.Context, typ *Type,
	key identity.ActorKey, env *mailbox.Envelope) error {

	for attempt := 0; attempt < 2; attempt++ {
		var (
			act *activation
			err error
		)
		if typ.StatelessWorker {
			act, err = m.workerFor(ctx, typ, key)
		} else {
			act, err = m.activationFor(ctx, typ, key)
		}
		if err != nil {
			return err
		}

		err = act.mb.Push(ctx, env)
		if err == nil {
			return nil
		}

		// A closed mailbox means the activation died between lookup
		// and push; one more pass creates a fresh one.
		if errdefs.KindOf(err) == errdefs.KindUnreachable &&
			attempt == 0 {

			continue
		}

		return err
	}

	return errdefs.New(errdefs.KindUnreachable,
		"activation for %s keeps closing", key)
}

// activationFor returns the live activation for the key, creating it under
// a per-key singleflight latch so racing callers share one activation.
func (m *Manager) activationFor(ctx context.Context, typ *Type,
	key identity.ActorKey) (*activation, error) {

	if act := m.lookup(key); act != nil {
		return act, nil
	}

	v, err, _ := m.flight.Do(key.String(), func() (any, error) {
		if act := m.lookup(key); act != nil {
			return act, nil
		}

		act, err := newActivation(ctx, m, typ, key)
		if err != nil {
			return nil, err
		}

		sh := m.shard(key)
		sh.mu.Lock()
		sh.acts[key] = act
		sh.mu.Unlock()

		return act, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*activation), nil
}

// workerFor returns one of the stateless workers for the key, growing the
// set up to the type's MaxWorkers.
func (m *Manager) workerFor(ctx context.Context, typ *Type,
	key identity.ActorKey) (*activation, error) {

	m.workerMu.Lock()
	set, ok := m.workers[key]
	if !ok {
		set = &workerSet{}
		m.workers[key] = set
	}
	m.workerMu.Unlock()

	set.mu.Lock()
	defer set.mu.Unlock()

	// Prefer an idle worker; otherwise grow, then round-robin.
	for _, act := range set.acts {
		if act.mb.Len() == 0 && act.inflight.Load() == 0 {
			return act, nil
		}
	}

	if len(set.acts) < typ.MaxWorkers {
		act, err := newActivation(ctx, m, typ, key)
		if err != nil {
			return nil, err
		}
		set.acts = append(set.acts, act)

		return act, nil
	}

	act := set.acts[set.next%uint32(len(set.acts))]
	set.next++

	return act, nil
}

func (m *Manager) lookup(key identity.ActorKey) *activation {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return sh.acts[key]
}

func (m *Manager) shard(key identity.ActorKey) *shard {
	return m.shards[xxhash.Sum64String(key.String())%numShards]
}

// remove is called by an activation's teardown.
func (m *Manager) remove(a *activation) {
	if a.typ.StatelessWorker {
		m.workerMu.Lock()
		if set, ok := m.workers[a.key]; ok {
			set.mu.Lock()
			for i, act := range set.acts {
				if act == a {
					set.acts = append(
						set.acts[:i],
						set.acts[i+1:]...,
					)
					break
				}
			}
			set.mu.Unlock()
		}
		m.workerMu.Unlock()

		return
	}

	sh := m.shard(a.key)
	sh.mu.Lock()
	if sh.acts[a.key] == a {
		delete(sh.acts, a.key)
	}
	sh.mu.Unlock()
}

// onDrop forwards shed envelopes to telemetry and the configured sink.
func (m *Manager) onDrop(a *activation, env *mailbox.Envelope, cause error) {
	m.hooks.MessageDropped(a.typ.Name)
	if m.dropFn != nil {
		m.dropFn(a.key, env, cause)
	}
}

// ActiveCount returns the number of live activations, stateless workers
// included.
func (m *Manager) ActiveCount() int {
	var n int
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.acts)
		sh.mu.Unlock()
	}

	m.workerMu.Lock()
	for _, set := range m.workers {
		set.mu.Lock()
		n += len(set.acts)
		set.mu.Unlock()
	}
	m.workerMu.Unlock()

	return n
}

// ReconcileOwnership deactivates every activation whose key the local silo
// no longer owns. Queued envelopes surface KindNotOwner so callers re-route
// against the fresh ring.
func (m *Manager) ReconcileOwnership(owned func(identity.ActorKey) bool) {
	for _, act := range m.snapshot() {
		if act.typ.StatelessWorker {
			// Stateless workers serve wherever the request
			// landed; they follow traffic, not the ring.
			continue
		}

		if !owned(act.key) {
			act.requestStop(errdefs.New(errdefs.KindNotOwner,
				"ownership of %s moved", act.key))
		}
	}
}

// Deactivate stops the activation of the given key, if any, and waits for
// its teardown.
func (m *Manager) Deactivate(ctx context.Context,
	key identity.ActorKey) error {

	act := m.lookup(key)
	if act == nil {
		return nil
	}

	act.requestDrain(nil)

	select {
	case <-act.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop deactivates everything and halts the idle collector.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.quit)
	m.wg.Wait()

	cause := errdefs.New(errdefs.KindUnreachable, "silo shutting down")

	// Accepted work is served before teardown; only pushes arriving after
	// this point are rejected.
	acts := m.snapshot()
	for _, act := range acts {
		act.requestDrain(cause)
	}
	for _, act := range acts {
		select {
		case <-act.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (m *Manager) snapshot() []*activation {
	var acts []*activation
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, act := range sh.acts {
			acts = append(acts, act)
		}
		sh.mu.Unlock()
	}

	m.workerMu.Lock()
	for _, set := range m.workers {
		set.mu.Lock()
		acts = append(acts, set.acts...)
		set.mu.Unlock()
	}
	m.workerMu.Unlock()

	return acts
}

func (m *Manager) idleCollector() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.scanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, act := range m.snapshot() {
				if act.idleSince(now) < act.typ.IdleTimeout {
					continue
				}

				act.requestDrain(errdefs.New(
					errdefs.KindCancelled,
					"idle collection"))
			}

		case <-m.quit:
			return
		}
	}
}
