// Package silo assembles one cluster node out of the runtime's parts: the
// activation manager, placement directory, membership provider, transport,
// reminder service, stream broker and the durable side stores. A Silo owns
// the lifecycle of everything it builds; callers interact with the cluster
// through its gateway.
package silo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/hive/internal/codec"
	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/dlq"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/gateway"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/mailbox"
	"github.com/roasbeef/hive/internal/membership"
	"github.com/roasbeef/hive/internal/outbox"
	"github.com/roasbeef/hive/internal/placement"
	"github.com/roasbeef/hive/internal/reminder"
	"github.com/roasbeef/hive/internal/runtime"
	"github.com/roasbeef/hive/internal/state"
	"github.com/roasbeef/hive/internal/stream"
	"github.com/roasbeef/hive/internal/telemetry"
	"github.com/roasbeef/hive/internal/transport"
	"github.com/roasbeef/hive/internal/wire"
)

// Config assembles a Silo. ID and Registry are required; everything else
// has a sensible single-process default.
type Config struct {
	// ID names this silo in the cluster.
	ID string

	// Endpoint is the address other silos use to reach this one. For
	// loopback networks any unique string works.
	Endpoint string

	// ListenAddr, when set, starts a gRPC transport server on that
	// address. Leave empty for loopback-only deployments.
	ListenAddr string

	// Registry holds the actor types this silo hosts.
	Registry *runtime.Registry

	// DB, when set, backs actor state, reminders, membership heartbeats
	// and the outbox. Without it every store is in-memory.
	DB *db.Store

	// DLQ receives shed messages. Defaults to a bounded in-memory store.
	// The silo takes ownership and closes it on Stop.
	DLQ dlq.Store

	// Membership provides the cluster view. Defaults to a static
	// single-silo provider containing only this silo.
	Membership membership.Provider

	// Network, when set, wires this silo into an in-process loopback
	// cluster instead of gRPC.
	Network *transport.Loopback

	// Codec overrides the payload codec.
	Codec codec.Codec

	// Hooks receives runtime telemetry.
	Hooks telemetry.Hooks

	// RetryBudget and RetryBackoff tune the gateway.
	RetryBudget  int
	RetryBackoff time.Duration

	// ReminderTick overrides the reminder scan interval.
	ReminderTick time.Duration

	// IdleScanInterval overrides the idle collector cadence.
	IdleScanInterval time.Duration
}

// Silo is one assembled cluster node.
type Silo struct {
	cfg Config

	manager   *runtime.Manager
	directory *placement.Directory
	members   membership.Provider
	reminders *reminder.Service
	broker    *stream.Broker
	deadLtrs  dlq.Store
	gw        *gateway.Gateway
	remote    transport.Invoker

	outbox  *outbox.Store
	inbox   *outbox.Inbox
	drainer *outbox.Drainer

	server *transport.Server

	memberCancel func()
	wg           sync.WaitGroup
	quit         chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles a silo. Nothing runs until Start.
func New(cfg Config) (*Silo, error) {
	if cfg.ID == "" {
		return nil, errdefs.New(errdefs.KindUnknown,
			"silo needs an id")
	}
	if cfg.Registry == nil {
		return nil, errdefs.New(errdefs.KindUnknown,
			"silo needs an actor registry")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.Hooks == nil {
		cfg.Hooks = telemetry.Noop{}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.ListenAddr
	}
	if cfg.DLQ == nil {
		cfg.DLQ = dlq.NewMemStore(0)
	}
	if cfg.Membership == nil {
		cfg.Membership = membership.NewStaticProvider()
	}

	s := &Silo{
		cfg:      cfg,
		members:  cfg.Membership,
		deadLtrs: cfg.DLQ,
		quit:     make(chan struct{}),
	}

	var states state.Store = state.NewMemStore()
	var reminders reminder.Store = reminder.NewMemStore()
	if cfg.DB != nil {
		states = state.NewSQLStore(cfg.DB)
		reminders = reminder.NewSQLStore(cfg.DB)
	}

	s.manager = runtime.NewManager(runtime.ManagerConfig{
		Registry:         cfg.Registry,
		States:           states,
		Codec:            cfg.Codec,
		Hooks:            cfg.Hooks,
		OnDrop:           s.deadLetter,
		IdleScanInterval: cfg.IdleScanInterval,
	})

	s.directory = placement.NewDirectory(s.members.Snapshot())

	s.broker = stream.NewBroker(stream.Config{
		Deliver: s.deliverStream,
		Hooks:   cfg.Hooks,
	})
	for _, name := range cfg.Registry.Types() {
		typ, ok := cfg.Registry.Lookup(name)
		if !ok {
			continue
		}
		for _, subject := range typ.Subscriptions {
			s.broker.RegisterImplicit(subject, name)
		}
	}

	s.reminders = reminder.NewService(reminder.ServiceConfig{
		Store:        reminders,
		Owned:        s.owns,
		Deliver:      s.deliverReminder,
		TickInterval: cfg.ReminderTick,
	})

	if cfg.DB != nil {
		s.outbox = outbox.NewStore(cfg.DB)
		s.inbox = outbox.NewInbox(cfg.DB)
		s.drainer = outbox.NewDrainer(outbox.DrainerConfig{
			Store:   s.outbox,
			Publish: s.publishDrained,
		})
	}

	if cfg.Network != nil {
		cfg.Network.Register(cfg.Endpoint, s.handleRequest)
		s.remote = cfg.Network
	} else {
		s.remote = transport.NewGRPCClient()
	}

	s.gw = gateway.New(gateway.Config{
		SelfID:       cfg.ID,
		Local:        s.manager,
		Remote:       s.remote,
		Directory:    s.directory,
		Codec:        cfg.Codec,
		RetryBudget:  cfg.RetryBudget,
		RetryBackoff: cfg.RetryBackoff,
		Hooks:        cfg.Hooks,
		Refresh: func(context.Context) error {
			s.directory.Update(s.members.Snapshot())
			return nil
		},
	})

	return s, nil
}

// Start joins the cluster and launches every background service.
func (s *Silo) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.start(ctx)
	})

	return startErr
}

func (s *Silo) start(ctx context.Context) error {
	if s.cfg.ListenAddr != "" {
		s.server = transport.NewServer(transport.ServerConfig{
			ListenAddr: s.cfg.ListenAddr,
			Handler:    s.handleRequest,
		})
		if err := s.server.Start(); err != nil {
			return err
		}

		// A :0 listen address resolves to a concrete port only after
		// the listener is up.
		if s.cfg.Endpoint == "" || s.cfg.Endpoint == s.cfg.ListenAddr {
			s.cfg.Endpoint = s.server.Addr()
		}
	}

	err := s.members.Join(ctx, membership.SiloInfo{
		ID:        s.cfg.ID,
		Endpoint:  s.cfg.Endpoint,
		JoinEpoch: time.Now().UnixMilli(),
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnreachable, err,
			"membership join")
	}
	s.directory.Update(s.members.Snapshot())

	updates, cancel := s.members.Subscribe()
	s.memberCancel = cancel

	s.wg.Add(1)
	go s.watchMembership(updates)

	s.reminders.Start()
	if s.drainer != nil {
		s.drainer.Start()
	}

	log.InfoS(ctx, "Silo started",
		"silo_id", s.cfg.ID,
		"endpoint", s.cfg.Endpoint,
		"ring_size", s.directory.Size())

	return nil
}

// Stop leaves the cluster and tears everything down, newest first.
func (s *Silo) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		stopErr = s.stop(ctx)
	})

	return stopErr
}

func (s *Silo) stop(ctx context.Context) error {
	close(s.quit)

	if err := s.members.Leave(ctx); err != nil {
		log.WarnS(ctx, "Membership leave failed", err)
	}
	if s.memberCancel != nil {
		s.memberCancel()
	}
	s.wg.Wait()

	s.reminders.Stop()
	if s.drainer != nil {
		s.drainer.Stop()
	}
	s.broker.Close()

	if err := s.manager.Stop(ctx); err != nil {
		log.WarnS(ctx, "Runtime stop failed", err)
	}

	if s.server != nil {
		s.server.Stop()
	}
	if s.cfg.Network != nil {
		s.cfg.Network.Deregister(s.cfg.Endpoint)
	}
	if err := s.remote.Close(); err != nil {
		log.WarnS(ctx, "Transport close failed", err)
	}

	if err := s.deadLtrs.Close(); err != nil {
		log.WarnS(ctx, "Dead letter store close failed", err)
	}

	log.InfoS(ctx, "Silo stopped", "silo_id", s.cfg.ID)

	return nil
}

// Gateway returns the silo's client entry point.
func (s *Silo) Gateway() *gateway.Gateway {
	return s.gw
}

// Actor returns a handle for the given actor.
func (s *Silo) Actor(actorType, id string) gateway.Handle {
	return s.gw.Actor(actorType, id)
}

// Reminders exposes reminder registration.
func (s *Silo) Reminders() *reminder.Service {
	return s.reminders
}

// Streams exposes the stream broker for explicit subscriptions and
// publishing.
func (s *Silo) Streams() *stream.Broker {
	return s.broker
}

// DeadLetters exposes the shed-message store.
func (s *Silo) DeadLetters() dlq.Store {
	return s.deadLtrs
}

// Outbox exposes the transactional outbox. Nil without a database.
func (s *Silo) Outbox() *outbox.Store {
	return s.outbox
}

// Directory exposes the placement view.
func (s *Silo) Directory() *placement.Directory {
	return s.directory
}

// ActiveActors returns the local activation count.
func (s *Silo) ActiveActors() int {
	return s.manager.ActiveCount()
}

// owns reports whether this silo owns the key on the current ring.
func (s *Silo) owns(key identity.ActorKey) bool {
	return s.directory.Owns(s.cfg.ID, key)
}

// watchMembership folds membership updates into the placement directory and
// evicts activations the new ring places elsewhere.
func (s *Silo) watchMembership(updates <-chan membership.Snapshot) {
	defer s.wg.Done()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}

			before := s.directory.Version()
			s.directory.Update(snap)
			if s.directory.Version() == before {
				continue
			}

			log.DebugS(context.Background(),
				"Placement view updated",
				"version", snap.Version,
				"ring_size", s.directory.Size())

			s.manager.ReconcileOwnership(s.owns)

		case <-s.quit:
			return
		}
	}
}

// handleRequest serves one inbound invocation. Requests for keys this silo
// no longer owns are rejected before touching the runtime so the caller can
// re-route.
func (s *Silo) handleRequest(ctx context.Context,
	req *wire.Request) (*wire.Response, error) {

	key := req.Key()
	if !s.owns(key) {
		owner, _, ok := s.directory.OwnerOf(key)
		if !ok {
			owner = "unknown"
		}
		rejection := errdefs.New(errdefs.KindNotOwner,
			"silo %s does not own %s, owner is %s",
			s.cfg.ID, key, owner)

		return &wire.Response{
			Correlation: req.Correlation,
			Status:      errdefs.CodeFor(rejection),
			ErrMessage:  rejection.Message,
		}, nil
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	payload, err := s.manager.Invoke(ctx, req).Await(ctx).Unpack()
	if err != nil {
		msg := err.Error()
		var tagged *errdefs.Error
		if errors.As(err, &tagged) {
			msg = tagged.Message
		}

		return &wire.Response{
			Correlation: req.Correlation,
			Status:      errdefs.CodeFor(err),
			ErrMessage:  msg,
		}, nil
	}

	return &wire.Response{
		Correlation: req.Correlation,
		Payload:     payload,
	}, nil
}

// deliverReminder routes a due reminder tick through the target's mailbox.
func (s *Silo) deliverReminder(ctx context.Context,
	rem reminder.Reminder) error {

	args, err := s.cfg.Codec.Marshal(runtime.ReminderTick{
		Name:        rem.Name,
		LastFiredAt: rem.LastFiredAt,
		FiredAt:     time.Now(),
	})
	if err != nil {
		return err
	}

	req := &wire.Request{
		Correlation: newCorrelation(),
		ActorType:   rem.Key.Type,
		ActorID:     rem.Key.ID,
		Method:      runtime.MethodReminder,
		Args:        args,
	}

	_, err = s.manager.Invoke(ctx, req).Await(ctx).Unpack()

	return err
}

// deliverStream routes an implicit-subscription event through the target's
// mailbox. Events carrying a message id pass the inbox ledger first, so a
// redelivered outbox message invokes each actor at most once.
func (s *Silo) deliverStream(ctx context.Context, key identity.ActorKey,
	event stream.Event) error {

	if event.ID != "" && s.inbox != nil {
		seen, err := s.inbox.Observe(ctx, key, event.ID)
		if err != nil {
			// At-least-once wins over dedup when the ledger is
			// unavailable.
			log.WarnS(ctx, "Inbox observe failed", err,
				"actor", key, "message_id", event.ID)
		} else if seen {
			log.DebugS(ctx, "Duplicate stream delivery suppressed",
				"actor", key, "subject", event.Subject,
				"message_id", event.ID)
			return nil
		}
	}

	// Events for actors owned elsewhere route through the gateway; the
	// publish side runs on whichever silo accepted the event.
	if !s.owns(key) {
		return s.gw.Call(
			ctx, key, runtime.MethodStream,
			runtime.StreamEvent{
				Subject: event.Subject,
				Payload: event.Payload,
			},
			nil,
		)
	}

	args, err := s.cfg.Codec.Marshal(runtime.StreamEvent{
		Subject: event.Subject,
		Payload: event.Payload,
	})
	if err != nil {
		return err
	}

	req := &wire.Request{
		Correlation: newCorrelation(),
		ActorType:   key.Type,
		ActorID:     key.ID,
		Method:      runtime.MethodStream,
		Args:        args,
	}

	_, err = s.manager.Invoke(ctx, req).Await(ctx).Unpack()

	return err
}

// publishDrained feeds an outbox message into the broker. The message id
// rides along as the event id so implicit deliveries can dedup redeliveries.
func (s *Silo) publishDrained(ctx context.Context,
	msg outbox.Message) error {

	return s.broker.Publish(ctx, stream.Event{
		ID:      msg.MessageID,
		Subject: msg.Subject,
		Key:     msg.Key,
		Payload: msg.Payload,
	})
}

// deadLetter records a shed envelope.
func (s *Silo) deadLetter(key identity.ActorKey, env *mailbox.Envelope,
	cause error) {

	ctx := context.Background()
	entry := dlq.Entry{
		Key:       key,
		Cause:     cause.Error(),
		DroppedAt: time.Now(),
	}
	if env.Request != nil {
		entry.Method = env.Request.Method
		entry.Args = env.Request.Args
	}

	if err := s.deadLtrs.Add(ctx, entry); err != nil {
		log.ErrorS(ctx, "Failed to dead-letter message", err,
			"actor", key)
		return
	}

	log.WarnS(ctx, "Message dead-lettered", cause,
		"actor", key, "method", entry.Method)
}

// newCorrelation mints a correlation id for internally originated requests.
func newCorrelation() wire.CorrelationID {
	var c wire.CorrelationID
	u := uuid.New()
	copy(c[:], u[:])

	return c
}
