// Package stream implements the in-silo pub/sub broker. Events on a subject
// fan out to explicit subscribers (plain handlers with a per-subscription
// buffer and backpressure policy) and to implicit subscribers (actor types
// that declared the subject), which receive events through their mailboxes.
// Delivery is ordered per subject for implicit subscribers and per
// subscription for explicit ones.
package stream

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/telemetry"
)

// Policy selects what happens when a subscriber's buffer is full or its
// rate budget is spent.
type Policy uint8

const (
	// PolicyBlock makes Publish wait for buffer space.
	PolicyBlock Policy = iota

	// PolicyDropOldest evicts the oldest buffered event.
	PolicyDropOldest

	// PolicyDropNewest drops the incoming event.
	PolicyDropNewest

	// PolicyThrottle drops events that exceed the subscription's rate
	// budget, keeping the buffer for bursts within it.
	PolicyThrottle
)

// String returns the config-file label of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyDropNewest:
		return "drop-newest"
	case PolicyThrottle:
		return "throttle"
	default:
		return "unknown"
	}
}

// Event is one published message.
type Event struct {
	// ID identifies the message for redelivery dedup. Empty ids skip
	// the dedup ledger; the outbox drainer always sets one.
	ID string

	// Subject names the stream.
	Subject string

	// Key selects the target actor instance for implicit subscribers.
	// Events with an empty key reach explicit subscribers only.
	Key string

	// Payload is the codec-encoded event body.
	Payload []byte
}

// Handler consumes events for an explicit subscription.
type Handler func(ctx context.Context, event Event) error

// SubOptions tunes one explicit subscription.
type SubOptions struct {
	// Policy is the backpressure policy. Defaults to PolicyBlock.
	Policy Policy

	// Buffer is the subscription's queue depth. Defaults to 64.
	Buffer int

	// Rate and Burst bound delivery for PolicyThrottle.
	Rate  rate.Limit
	Burst int

	// ThrottleWait makes Publish wait for the rate budget instead of
	// shedding events that exceed it. The publish context bounds the
	// wait.
	ThrottleWait bool
}

// DeliverFunc routes an event into an actor's mailbox and waits for the
// actor to process it.
type DeliverFunc func(ctx context.Context, key identity.ActorKey,
	event Event) error

// Config assembles a Broker.
type Config struct {
	// Deliver routes implicit-subscription events to actors. Required
	// when implicit subscriptions are registered.
	Deliver DeliverFunc

	// Hooks receives broker telemetry. Defaults to the no-op set.
	Hooks telemetry.Hooks

	// Workers and QueueDepth size the implicit delivery pool.
	Workers    int
	QueueDepth int
}

// Broker routes published events to subscribers.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	subs     map[string][]*subscription
	implicit map[string][]string
	nextID   int
	closed   bool

	// pool serializes implicit deliveries per subject, so actors
	// observe events in publish order.
	pool *async.Pool

	wg sync.WaitGroup
}

type subscription struct {
	id      int
	subject string
	handler Handler
	opts    SubOptions

	queue   chan Event
	limiter *rate.Limiter
	quit    chan struct{}
}

// NewBroker creates a broker ready for subscriptions.
func NewBroker(cfg Config) *Broker {
	if cfg.Hooks == nil {
		cfg.Hooks = telemetry.Noop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	return &Broker{
		cfg:      cfg,
		subs:     make(map[string][]*subscription),
		implicit: make(map[string][]string),
		pool:     async.NewPool(cfg.Workers, cfg.QueueDepth),
	}
}

// Subscribe registers an explicit handler for a subject. The returned
// cancel func drains and removes the subscription.
func (b *Broker) Subscribe(subject string, handler Handler,
	opts SubOptions) func() {

	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	sub := &subscription{
		subject: subject,
		handler: handler,
		opts:    opts,
		queue:   make(chan Event, opts.Buffer),
		quit:    make(chan struct{}),
	}
	if opts.Policy == PolicyThrottle {
		limit := opts.Rate
		if limit <= 0 {
			limit = rate.Limit(100)
		}
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		sub.limiter = rate.NewLimiter(limit, burst)
	}

	b.mu.Lock()
	sub.id = b.nextID
	b.nextID++
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

// RegisterImplicit declares that every activation of the given actor type
// consumes the subject. Keyed events on the subject are routed to the actor
// (actorType, event key).
func (b *Broker) RegisterImplicit(subject, actorType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.implicit[subject] = append(b.implicit[subject], actorType)
}

// Publish fans an event out to every subscriber of its subject. The error
// reflects local admission only; delivery to slow subscribers proceeds
// asynchronously under their policies.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errdefs.New(errdefs.KindUnreachable, "broker closed")
	}
	subs := append([]*subscription(nil), b.subs[event.Subject]...)
	types := append([]string(nil), b.implicit[event.Subject]...)
	b.mu.Unlock()

	b.cfg.Hooks.StreamPublished(event.Subject)

	for _, sub := range subs {
		b.enqueue(ctx, sub, event)
	}

	// Implicit subscribers need a key to select the actor instance;
	// key-less events stop at explicit subscribers.
	if event.Key == "" || len(types) == 0 {
		return nil
	}
	if b.cfg.Deliver == nil {
		return errdefs.New(errdefs.KindUnsupportedMethod,
			"no actor delivery configured for %s", event.Subject)
	}

	for _, actorType := range types {
		key := identity.NewKey(actorType, event.Key)
		b.pool.Submit(event.Subject, func() {
			b.deliverImplicit(key, event)
		})
	}

	return nil
}

// enqueue applies the subscription's backpressure policy.
func (b *Broker) enqueue(ctx context.Context, sub *subscription,
	event Event) {

	if sub.limiter != nil {
		if sub.opts.ThrottleWait {
			if err := sub.limiter.Wait(ctx); err != nil {
				b.cfg.Hooks.StreamThrottled(event.Subject)
				log.TraceS(ctx, "Throttle wait abandoned",
					"subject", event.Subject,
					"sub", sub.id)
				return
			}
		} else if !sub.limiter.Allow() {
			b.cfg.Hooks.StreamThrottled(event.Subject)
			log.TraceS(ctx, "Event throttled",
				"subject", event.Subject, "sub", sub.id)
			return
		}
	}

	defer func() {
		b.cfg.Hooks.StreamDepth(event.Subject, len(sub.queue))
	}()

	switch sub.opts.Policy {
	case PolicyBlock:
		select {
		case sub.queue <- event:
		case <-sub.quit:
		case <-ctx.Done():
			b.cfg.Hooks.StreamDropped(event.Subject)
		}

	case PolicyDropOldest:
		for {
			select {
			case sub.queue <- event:
				return
			default:
			}

			select {
			case <-sub.queue:
				b.cfg.Hooks.StreamDropped(event.Subject)
			default:
			}
		}

	default:
		// Drop-newest, and throttle's buffer overflow.
		select {
		case sub.queue <- event:
		default:
			b.cfg.Hooks.StreamDropped(event.Subject)
		}
	}
}

func (b *Broker) deliverLoop(sub *subscription) {
	defer b.wg.Done()

	ctx := context.Background()
	for {
		select {
		case event := <-sub.queue:
			b.cfg.Hooks.StreamDepth(sub.subject, len(sub.queue))
			if err := sub.handler(ctx, event); err != nil {
				log.WarnS(ctx, "Stream handler failed", err,
					"subject", sub.subject,
					"sub", sub.id)
				continue
			}
			b.cfg.Hooks.StreamDelivered(sub.subject)

		case <-sub.quit:
			return
		}
	}
}

func (b *Broker) deliverImplicit(key identity.ActorKey, event Event) {
	ctx := context.Background()

	err := b.cfg.Deliver(ctx, key, event)
	if err != nil {
		b.cfg.Hooks.StreamDropped(event.Subject)
		log.WarnS(ctx, "Actor stream delivery failed", err,
			"subject", event.Subject,
			"actor", key)
		return
	}

	b.cfg.Hooks.StreamDelivered(event.Subject)
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	subs := b.subs[sub.subject]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.subject] = append(
				subs[:i], subs[i+1:]...,
			)
			break
		}
	}
	b.mu.Unlock()

	close(sub.quit)
}

// Close stops the broker: no further publishes are admitted and the
// delivery pool drains.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0)
	for _, list := range b.subs {
		subs = append(subs, list...)
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
	}
	b.wg.Wait()
	b.pool.Stop()
}
