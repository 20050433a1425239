// Package gateway is the client entry point into the cluster. It resolves
// the owner of the target actor on the placement ring, dispatches locally
// when this silo owns the key and over the transport otherwise, and retries
// transient failures within a bounded budget. Ownership rejections always
// consume a retry because the call never executed; unreachable and timeout
// failures are retried only when the caller marked the call idempotent.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/codec"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/identity"
	"github.com/roasbeef/hive/internal/placement"
	"github.com/roasbeef/hive/internal/runtime"
	"github.com/roasbeef/hive/internal/telemetry"
	"github.com/roasbeef/hive/internal/transport"
	"github.com/roasbeef/hive/internal/wire"
)

const (
	// DefaultRetryBudget is how many times one logical call may be
	// re-dispatched after its first attempt.
	DefaultRetryBudget = 3

	// DefaultRetryBackoff is the pause between retry attempts.
	DefaultRetryBackoff = 50 * time.Millisecond
)

// LocalInvoker dispatches a request into the co-located runtime. The
// runtime manager satisfies it.
type LocalInvoker interface {
	Invoke(ctx context.Context, req *wire.Request) async.Future[[]byte]
}

// RefreshFunc pulls a fresh membership view into the placement directory.
// The gateway calls it before retrying an ownership rejection.
type RefreshFunc func(ctx context.Context) error

// Config assembles a Gateway.
type Config struct {
	// SelfID is this silo's id; keys it owns dispatch locally. Empty for
	// an external client with no co-located runtime.
	SelfID string

	// Local serves calls this silo owns. Required when SelfID is set.
	Local LocalInvoker

	// Remote sends calls to other silos.
	Remote transport.Invoker

	// Directory answers ownership queries.
	Directory *placement.Directory

	// Codec encodes arguments and decodes replies. Defaults to the JSON
	// codec.
	Codec codec.Codec

	// RetryBudget caps re-dispatches per logical call. Non-positive
	// selects DefaultRetryBudget.
	RetryBudget int

	// RetryBackoff is the pause between attempts. Non-positive selects
	// DefaultRetryBackoff.
	RetryBackoff time.Duration

	// Refresh, when set, is invoked before retrying an ownership
	// rejection so the next attempt routes on a current ring.
	Refresh RefreshFunc

	// Hooks receives transport telemetry. Defaults to the no-op set.
	Hooks telemetry.Hooks
}

// Gateway routes actor calls to their ring owner.
type Gateway struct {
	cfg Config
}

// New creates a gateway from the config, applying defaults.
func New(cfg Config) *Gateway {
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Hooks == nil {
		cfg.Hooks = telemetry.Noop{}
	}

	return &Gateway{cfg: cfg}
}

// callOptions holds per-call modifiers.
type callOptions struct {
	idempotent bool
}

// CallOption modifies one call.
type CallOption func(*callOptions)

// Idempotent marks the call safe to re-execute. Unreachable and timeout
// failures become retryable; without it they surface immediately because
// the call may already have run on the owner.
func Idempotent() CallOption {
	return func(o *callOptions) {
		o.idempotent = true
	}
}

// Call invokes method on the target actor and decodes the result into
// reply. A nil reply discards the result payload.
func (g *Gateway) Call(ctx context.Context, key identity.ActorKey,
	method string, args any, reply any, opts ...CallOption) error {

	payload, err := g.dispatch(ctx, key, method, args, 0, opts)
	if err != nil {
		return err
	}

	if reply == nil || len(payload) == 0 {
		return nil
	}

	return g.cfg.Codec.Unmarshal(payload, reply)
}

// Tell invokes method on the target actor fire-and-forget: the call is
// acknowledged once enqueued on the owner, and any result is discarded.
func (g *Gateway) Tell(ctx context.Context, key identity.ActorKey,
	method string, args any, opts ...CallOption) error {

	_, err := g.dispatch(ctx, key, method, args, wire.FlagOneWay, opts)

	return err
}

// dispatch runs the route/send/retry loop shared by Call and Tell.
func (g *Gateway) dispatch(ctx context.Context, key identity.ActorKey,
	method string, args any, flags uint8,
	opts []CallOption) ([]byte, error) {

	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.idempotent {
		flags |= wire.FlagIdempotent
	}

	argBytes, err := g.cfg.Codec.Marshal(args)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			if err := g.pause(ctx); err != nil {
				return nil, err
			}
		}

		payload, err := g.attempt(ctx, key, method, argBytes, flags)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		kind := errdefs.KindOf(err)
		switch {
		case kind == errdefs.KindNotOwner ||
			kind == errdefs.KindRingRefresh:

			// The owner rejected routing before executing the
			// call, so a retry is always safe. Refresh the ring
			// first so the next attempt lands on the real owner.
			g.refresh(ctx)

		case options.idempotent && (kind == errdefs.KindUnreachable ||
			kind == errdefs.KindTimeout ||
			kind == errdefs.KindThrottled):

			log.DebugS(ctx, "Retrying idempotent call",
				"actor", key, "method", method,
				"attempt", attempt+1, "kind", kind)

		default:
			return nil, err
		}
	}

	return nil, lastErr
}

// attempt routes and sends the call once.
func (g *Gateway) attempt(ctx context.Context, key identity.ActorKey,
	method string, args []byte, flags uint8) ([]byte, error) {

	owner, endpoint, ok := g.cfg.Directory.OwnerOf(key)
	if !ok {
		return nil, errdefs.New(errdefs.KindUnreachable,
			"placement ring is empty")
	}

	req := &wire.Request{
		Correlation: newCorrelation(),
		Flags:       flags,
		ActorType:   key.Type,
		ActorID:     key.ID,
		Method:      method,
		Args:        args,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Deadline = deadline
	}

	// A call issued from inside an activation carries the call chain so
	// the next hop can detect cycles across silos.
	if chain := runtime.ChainFrom(ctx); len(chain) > 0 {
		req.Trace = chain.Encode()
	}

	if g.cfg.SelfID != "" && owner == g.cfg.SelfID {
		res := g.cfg.Local.Invoke(ctx, req).Await(ctx)

		return res.Unpack()
	}

	start := time.Now()
	resp, err := g.cfg.Remote.Invoke(ctx, endpoint, req)
	g.cfg.Hooks.TransportInvoked(endpoint, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	return resp.Payload, nil
}

// refresh pulls a fresh ring view if the gateway has a refresher.
func (g *Gateway) refresh(ctx context.Context) {
	if g.cfg.Refresh == nil {
		return
	}

	if err := g.cfg.Refresh(ctx); err != nil {
		log.WarnS(ctx, "Placement refresh failed", err)
	}
}

// pause waits one backoff interval, honoring cancellation.
func (g *Gateway) pause(ctx context.Context) error {
	timer := time.NewTimer(g.cfg.RetryBackoff)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil

	case <-ctx.Done():
		return errdefs.Wrap(errdefs.KindCancelled, ctx.Err(),
			"retry interrupted")
	}
}

// newCorrelation mints a fresh correlation id.
func newCorrelation() wire.CorrelationID {
	var c wire.CorrelationID
	u := uuid.New()
	copy(c[:], u[:])

	return c
}
