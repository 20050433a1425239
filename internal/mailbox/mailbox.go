// Package mailbox implements the bounded per-activation message queue. A
// mailbox has exactly one consumer (the activation's dispatch loop) and any
// number of producers; overflow behavior is selected per actor type.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/wire"
)

// DefaultCapacity bounds a mailbox when the actor type does not override it.
const DefaultCapacity = 128

// Policy selects what happens when a push finds the mailbox full.
type Policy uint8

const (
	// PolicyBlock makes the producer wait for space or for its context
	// to expire.
	PolicyBlock Policy = iota

	// PolicyDropOldest evicts the oldest queued envelope to admit the
	// new one. The evicted envelope fails with KindThrottled.
	PolicyDropOldest

	// PolicyDropNewest rejects the incoming envelope and keeps the
	// queue as is.
	PolicyDropNewest

	// PolicyFail rejects the incoming envelope without routing it to
	// the drop hook; the producer handles the error synchronously.
	PolicyFail
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
	case PolicyFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Envelope is one queued invocation together with the promise its caller is
// waiting on.
type Envelope struct {
	// Request is the decoded invocation.
	Request *wire.Request

	// Promise resolves with the invocation's result. Nil for one-way
	// envelopes.
	Promise async.Promise[[]byte]

	// EnqueuedAt is when the envelope entered the mailbox.
	EnqueuedAt time.Time
}

// Fail completes the envelope's promise with the given error, if a caller is
// waiting.
func (e *Envelope) Fail(err error) {
	if e.Promise != nil {
		async.CompleteErr(e.Promise, err)
	}
}

// DropFunc observes envelopes the mailbox sheds: evictions under the drop
// policies and everything still queued when the mailbox closes. The runtime
// wires this to the dead-letter queue.
type DropFunc func(env *Envelope, cause error)

// Mailbox is a bounded FIFO queue with one consumer.
type Mailbox struct {
	mu       sync.Mutex
	queue    []*Envelope
	capacity int
	policy   Policy

	closed   bool
	closeErr error

	// wake signals the consumer that the queue may be non-empty; space
	// signals blocked producers that room may have opened up. Both are
	// capacity-1 notification channels.
	wake  chan struct{}
	space chan struct{}
	quit  chan struct{}

	onDrop DropFunc
}

// New creates a mailbox with the given capacity and overflow policy. The
// drop hook may be nil.
func New(capacity int, policy Policy, onDrop DropFunc) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if onDrop == nil {
		onDrop = func(*Envelope, error) {}
	}

	return &Mailbox{
		capacity: capacity,
		policy:   policy,
		wake:     make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		quit:     make(chan struct{}),
		onDrop:   onDrop,
	}
}

// Push enqueues an envelope, applying the overflow policy when the mailbox
// is full. Under PolicyBlock the context bounds the wait.
func (m *Mailbox) Push(ctx context.Context, env *Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	for {
		m.mu.Lock()
		if m.closed {
			err := m.closeErr
			m.mu.Unlock()

			return err
		}

		if len(m.queue) < m.capacity {
			m.queue = append(m.queue, env)
			m.mu.Unlock()
			signal(m.wake)

			return nil
		}

		switch m.policy {
		case PolicyDropOldest:
			oldest := m.queue[0]
			m.queue = append(m.queue[1:], env)
			m.mu.Unlock()
			signal(m.wake)

			cause := errdefs.New(errdefs.KindThrottled,
				"mailbox full: evicted for newer message")
			oldest.Fail(cause)
			m.onDrop(oldest, cause)

			return nil

		case PolicyDropNewest:
			m.mu.Unlock()

			cause := errdefs.New(errdefs.KindThrottled,
				"mailbox full: message dropped")
			env.Fail(cause)
			m.onDrop(env, cause)

			return cause

		case PolicyFail:
			m.mu.Unlock()

			return errdefs.New(errdefs.KindThrottled,
				"mailbox full")

		case PolicyBlock:
			m.mu.Unlock()

			select {
			case <-m.space:

			case <-ctx.Done():
				return errdefs.Wrap(
					errdefs.KindOf(ctx.Err()), ctx.Err(),
					"waiting for mailbox space",
				)

			case <-m.quit:
				// Loop once more to pick up the close error.
			}
		}
	}
}

// Pop removes the oldest envelope, blocking until one is available, the
// context expires, or the mailbox is closed and drained.
func (m *Mailbox) Pop(ctx context.Context) (*Envelope, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			env := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			signal(m.space)

			return env, nil
		}
		if m.closed {
			err := m.closeErr
			m.mu.Unlock()

			return nil, err
		}
		m.mu.Unlock()

		select {
		case <-m.wake:

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-m.quit:
			// Loop once more to observe the close error.
		}
	}
}

// Len returns the number of queued envelopes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// Close rejects future pushes with the given cause and sheds everything
// still queued through the drop hook. After a CloseDrain it sheds whatever
// the consumer did not get to; a second Close is otherwise a no-op.
func (m *Mailbox) Close(cause error) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.closeErr = closeCause(cause)
		close(m.quit)
	}
	cause = m.closeErr
	orphans := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, env := range orphans {
		env.Fail(cause)
		m.onDrop(env, cause)
	}
}

// CloseDrain rejects future pushes but leaves the queue in place: the
// consumer keeps popping until it is empty and only then observes the close
// error. Used for graceful deactivation, where accepted messages should
// still be served. A no-op after any close.
func (m *Mailbox) CloseDrain(cause error) {
	cause = closeCause(cause)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause
	close(m.quit)
	m.mu.Unlock()
}

func closeCause(cause error) error {
	if cause == nil {
		return errdefs.New(errdefs.KindUnreachable, "mailbox closed")
	}

	return cause
}

// signal performs a non-blocking send on a capacity-1 notification channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
