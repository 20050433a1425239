// Package runtime hosts actor activations: it creates them on demand,
// enforces the single-writer mailbox discipline, applies supervision
// directives on faults, and tears activations down when they idle out or
// lose ring ownership.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roasbeef/hive/internal/mailbox"
)

// DefaultIdleTimeout is how long an activation may sit without traffic
// before the idle collector deactivates it.
const DefaultIdleTimeout = 10 * time.Minute

// MethodHandler executes one named operation against an actor instance.
// Args and the returned payload are codec-encoded.
type MethodHandler func(ctx context.Context, inst any,
	args []byte) ([]byte, error)

// Directive tells the runtime how to proceed after an invocation fault.
type Directive uint8

const (
	// DirectiveResume keeps the activation and its state; only the
	// failed invocation is affected.
	DirectiveResume Directive = iota

	// DirectiveRestart replaces the actor instance with a fresh one
	// from the factory, replaying OnActivate.
	DirectiveRestart

	// DirectiveStop deactivates the actor. The next message creates a
	// fresh activation.
	DirectiveStop

	// DirectiveEscalate deactivates the actor and logs the fault at
	// error level. With no parent actor above the root, escalation
	// terminates the activation.
	DirectiveEscalate
)

// String returns the log label of the directive.
func (d Directive) String() string {
	switch d {
	case DirectiveResume:
		return "resume"
	case DirectiveRestart:
		return "restart"
	case DirectiveStop:
		return "stop"
	case DirectiveEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Supervisor decides the directive for a fault. Attempts counts consecutive
// faults of this activation since the last successful invocation.
type Supervisor func(err error, attempts int) Directive

// DefaultSupervisor resumes on ordinary errors and restarts on panics, with
// a stop once an activation keeps faulting.
func DefaultSupervisor(err error, attempts int) Directive {
	if attempts >= 5 {
		return DirectiveStop
	}
	if _, ok := err.(*panicError); ok {
		return DirectiveRestart
	}

	return DirectiveResume
}

// Activator is implemented by actor instances that want a lifecycle hook
// with access to their durable state before the first message.
type Activator interface {
	OnActivate(ctx context.Context, state *StateHandle) error
}

// Deactivator is implemented by actor instances that want to flush or
// release resources on teardown.
type Deactivator interface {
	OnDeactivate(ctx context.Context) error
}

// ReminderHandler receives durable reminder ticks for an actor type.
type ReminderHandler func(ctx context.Context, inst any,
	tick ReminderTick) error

// StreamHandler receives stream events for an actor type's implicit
// subscriptions.
type StreamHandler func(ctx context.Context, inst any, subject string,
	payload []byte) error

// Type describes one registered actor type.
type Type struct {
	// Name is the actor type name used in actor keys.
	Name string

	// Factory creates a new, un-activated instance.
	Factory func() any

	// Methods maps operation names to handlers.
	Methods map[string]MethodHandler

	// Reentrant allows calls that loop back to an actor already on the
	// call chain. Non-reentrant types fail such calls instead of
	// deadlocking.
	Reentrant bool

	// StatelessWorker runs up to MaxWorkers interchangeable activations
	// per key instead of a single one. Stateless workers cannot hold
	// durable state.
	StatelessWorker bool

	// MaxWorkers bounds the worker set of a stateless worker type.
	MaxWorkers int

	// MailboxCapacity and MailboxPolicy configure the per-activation
	// queue. Zero capacity selects the default.
	MailboxCapacity int
	MailboxPolicy   mailbox.Policy

	// IdleTimeout overrides the default idle collection deadline.
	IdleTimeout time.Duration

	// Supervisor overrides DefaultSupervisor for this type.
	Supervisor Supervisor

	// OnReminder handles reminder ticks. Types without it cannot
	// register reminders.
	OnReminder ReminderHandler

	// OnStream handles events for subjects this type implicitly
	// subscribes to.
	OnStream StreamHandler

	// Subscriptions lists subjects every activation of this type is
	// implicitly subscribed to.
	Subscriptions []string
}

// validate normalizes and checks a type at registration.
func (t *Type) validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("actor type needs a name")

	case t.Factory == nil:
		return fmt.Errorf("actor type %s needs a factory", t.Name)

	case len(t.Methods) == 0:
		return fmt.Errorf("actor type %s has no methods", t.Name)

	case t.StatelessWorker && t.Reentrant:
		return fmt.Errorf("actor type %s: stateless workers are "+
			"never part of a call chain cycle", t.Name)

	case len(t.Subscriptions) > 0 && t.OnStream == nil:
		return fmt.Errorf("actor type %s subscribes without a "+
			"stream handler", t.Name)
	}

	if t.StatelessWorker && t.MaxWorkers <= 0 {
		t.MaxWorkers = 4
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = DefaultIdleTimeout
	}
	if t.Supervisor == nil {
		t.Supervisor = DefaultSupervisor
	}

	return nil
}

// Registry holds the actor types a silo can host.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]*Type),
	}
}

// Register adds a type. Registering the same name twice is an error.
func (r *Registry) Register(typ Type) error {
	if err := typ.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[typ.Name]; ok {
		return fmt.Errorf("actor type %s already registered",
			typ.Name)
	}
	r.types[typ.Name] = &typ

	return nil
}

// Lookup returns the type with the given name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typ, ok := r.types[name]

	return typ, ok
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	return names
}
