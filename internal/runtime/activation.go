package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/mailbox"
	"github.com/roasbeef/hive/internal/wire"
)

// panicError wraps a recovered panic so supervisors can distinguish it from
// an ordinary invocation error.
type panicError struct {
	value any
	stack []byte
}

// Error returns the error message.
func (p *panicError) Error() string {
	return fmt.Sprintf("actor panicked: %v", p.value)
}

// activation is one live actor: an instance, its mailbox, and the single
// goroutine that drains it.
type activation struct {
	key identity.ActorKey
	typ *Type
	mgr *Manager

	mb     *mailbox.Mailbox
	handle *StateHandle

	// instMu guards inst and faults across restarts and nested calls.
	instMu sync.Mutex
	inst   any
	faults int

	// lastBusy is the unix-nano timestamp of the last processed
	// envelope, read by the idle collector. inflight counts envelopes
	// currently executing.
	lastBusy atomic.Int64
	inflight atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newActivation constructs and activates an actor. The instance's
// OnActivate hook runs before any message is accepted.
func newActivation(ctx context.Context, mgr *Manager, typ *Type,
	key identity.ActorKey) (*activation, error) {

	loopCtx, cancel := context.WithCancel(context.Background())

	a := &activation{
		key:    key,
		typ:    typ,
		mgr:    mgr,
		handle: newStateHandle(key, mgr.states, mgr.codec, mgr.hooks),
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.mb = mailbox.New(
		typ.MailboxCapacity, typ.MailboxPolicy,
		func(env *mailbox.Envelope, cause error) {
			mgr.onDrop(a, env, cause)
		},
	)
	a.lastBusy.Store(time.Now().UnixNano())

	a.inst = typ.Factory()
	if err := a.runOnActivate(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to activate %s: %w", key, err)
	}

	go a.loop()

	mgr.hooks.ActorActivated(typ.Name)
	log.DebugS(ctx, "Actor activated", "actor", key)

	return a, nil
}

func (a *activation) runOnActivate(ctx context.Context) error {
	if hook, ok := a.inst.(Activator); ok {
		return hook.OnActivate(ctx, a.handle)
	}

	return nil
}

// loop is the activation's single dispatch goroutine. It exits when the
// mailbox closes, then tears the activation down.
func (a *activation) loop() {
	defer close(a.done)

	for {
		env, err := a.mb.Pop(a.ctx)
		if err != nil {
			a.teardown(err)
			return
		}

		if !a.process(env) {
			a.teardown(errdefs.New(errdefs.KindUnreachable,
				"actor %s stopped by supervisor", a.key))
			return
		}
	}
}

// process handles one envelope and reports whether the loop should keep
// running.
func (a *activation) process(env *mailbox.Envelope) bool {
	a.lastBusy.Store(time.Now().UnixNano())
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	ctx := a.ctx
	if !env.Request.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.Request.Deadline)
		defer cancel()
	}
	ctx = WithChain(ctx, DecodeChain(env.Request.Trace).Append(a.key))

	start := time.Now()
	payload, err := a.invoke(ctx, env.Request)
	a.mgr.hooks.InvocationDone(
		a.typ.Name, env.Request.Method, time.Since(start), err,
	)
	a.lastBusy.Store(time.Now().UnixNano())

	if err == nil {
		a.instMu.Lock()
		a.faults = 0
		a.instMu.Unlock()

		if env.Promise != nil {
			async.CompleteOk(env.Promise, payload)
		}

		return true
	}

	return a.handleFault(ctx, env, err)
}

// invoke runs the method handler with panic isolation, then commits staged
// state. A staged write that fails its version check fails the whole
// invocation.
func (a *activation) invoke(ctx context.Context,
	req *wire.Request) (payload []byte, err error) {

	handler, err := a.resolveHandler(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	a.instMu.Lock()
	inst := a.inst
	a.instMu.Unlock()

	payload, err = handler(ctx, inst, req.Args)
	if err != nil {
		return nil, err
	}

	if err := a.handle.Flush(ctx); err != nil {
		return nil, err
	}

	return payload, nil
}

// resolveHandler maps the request method to a handler, routing the
// reserved reminder and stream methods to the type's lifecycle callbacks.
func (a *activation) resolveHandler(
	req *wire.Request) (MethodHandler, error) {

	switch req.Method {
	case MethodReminder:
		if a.typ.OnReminder == nil {
			return nil, errdefs.New(
				errdefs.KindUnsupportedMethod,
				"%s has no reminder handler", req.ActorType)
		}

		return func(ctx context.Context, inst any,
			args []byte) ([]byte, error) {

			var tick ReminderTick
			if err := a.mgr.codec.Unmarshal(
				args, &tick,
			); err != nil {
				return nil, err
			}

			if err := a.typ.OnReminder(
				ctx, inst, tick,
			); err != nil {
				return nil, err
			}
			a.mgr.hooks.ReminderFired(a.typ.Name, tick.Name)

			return nil, nil
		}, nil

	case MethodStream:
		if a.typ.OnStream == nil {
			return nil, errdefs.New(
				errdefs.KindUnsupportedMethod,
				"%s has no stream handler", req.ActorType)
		}

		return func(ctx context.Context, inst any,
			args []byte) ([]byte, error) {

			var event StreamEvent
			err := a.mgr.codec.Unmarshal(args, &event)
			if err != nil {
				return nil, err
			}

			return nil, a.typ.OnStream(
				ctx, inst, event.Subject, event.Payload,
			)
		}, nil
	}

	handler, ok := a.typ.Methods[req.Method]
	if !ok {
		return nil, errdefs.New(errdefs.KindUnsupportedMethod,
			"%s has no method %s", req.ActorType, req.Method)
	}

	return handler, nil
}

// invokeNested runs a reentrant call on the caller's goroutine. The
// activation's own loop is parked awaiting this very call, so the
// single-writer discipline holds.
func (a *activation) invokeNested(ctx context.Context,
	req *wire.Request) ([]byte, error) {

	ctx = WithChain(ctx, ChainFrom(ctx).Append(a.key))

	return a.invoke(ctx, req)
}

// handleFault applies the type's supervision directive. It reports whether
// the dispatch loop should continue.
func (a *activation) handleFault(ctx context.Context, env *mailbox.Envelope,
	err error) bool {

	a.instMu.Lock()
	a.faults++
	attempts := a.faults
	a.instMu.Unlock()

	a.handle.discard()

	directive := a.typ.Supervisor(err, attempts)

	if pe, ok := err.(*panicError); ok {
		log.ErrorS(ctx, "Actor invocation panicked", err,
			"actor", a.key,
			"method", env.Request.Method,
			"directive", directive,
			"stack", string(pe.stack))
	} else {
		log.DebugS(ctx, "Actor invocation failed",
			"actor", a.key,
			"method", env.Request.Method,
			"directive", directive,
			"err", err)
	}

	env.Fail(err)

	// Faulted envelopes are dead-lettered alongside shed ones so the
	// original invocation and its cause stay inspectable.
	a.mgr.onDrop(a, env, err)

	switch directive {
	case DirectiveResume:
		return true

	case DirectiveRestart:
		a.instMu.Lock()
		a.inst = a.typ.Factory()
		a.instMu.Unlock()

		if actErr := a.runOnActivate(ctx); actErr != nil {
			log.ErrorS(ctx, "Actor restart failed", actErr,
				"actor", a.key)
			return false
		}

		return true

	case DirectiveEscalate:
		log.ErrorS(ctx, "Actor fault escalated, terminating "+
			"activation", err, "actor", a.key)
		return false

	case DirectiveStop:
		return false

	default:
		return false
	}
}

// requestStop closes the mailbox so the dispatch loop exits; queued
// envelopes are shed. Safe to call from any goroutine and more than once.
func (a *activation) requestStop(cause error) {
	a.mb.Close(cause)
}

// requestDrain stops accepting messages but lets the dispatch loop finish
// what was already queued before tearing down.
func (a *activation) requestDrain(cause error) {
	a.mb.CloseDrain(cause)
}

// teardown runs exactly once, from the dispatch goroutine.
func (a *activation) teardown(cause error) {
	a.mb.Close(cause)

	if hook, ok := a.inst.(Deactivator); ok {
		if err := hook.OnDeactivate(a.ctx); err != nil {
			log.WarnS(a.ctx, "OnDeactivate failed", err,
				"actor", a.key)
		}
	}

	a.cancel()
	a.mgr.remove(a)

	reason := "stopped"
	if cause != nil {
		reason = errdefs.KindOf(cause).String()
	}
	a.mgr.hooks.ActorDeactivated(a.typ.Name, reason)
	log.DebugS(a.ctx, "Actor deactivated",
		"actor", a.key, "reason", reason)
}

// idleSince reports how long the activation has been without traffic.
func (a *activation) idleSince(now time.Time) time.Duration {
	if a.mb.Len() > 0 || a.inflight.Load() > 0 {
		return 0
	}

	return now.Sub(time.Unix(0, a.lastBusy.Load()))
}
