// Package transport moves invocation frames between silos. The wire
// payloads are already framed by the wire package, so the gRPC layer runs a
// passthrough codec and a hand-rolled service descriptor; no generated code
// is involved.
package transport

import (
	"context"
	"sync"

	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/wire"
)

// Handler serves one inbound invocation frame on the receiving silo.
type Handler func(ctx context.Context,
	req *wire.Request) (*wire.Response, error)

// Invoker sends invocation frames to remote silos by endpoint.
type Invoker interface {
	// Invoke sends the request and waits for the paired response.
	// Transport failures are tagged KindUnreachable or KindTimeout;
	// application errors ride inside the response status.
	Invoke(ctx context.Context, endpoint string,
		req *wire.Request) (*wire.Response, error)

	// Close releases held connections.
	Close() error
}

// Loopback is an in-process transport: endpoints map straight to handlers.
// Tests and single-silo deployments use it in place of gRPC.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopback creates an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers: make(map[string]Handler),
	}
}

// Register attaches a silo's handler under its endpoint.
func (l *Loopback) Register(endpoint string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[endpoint] = handler
}

// Deregister detaches an endpoint, simulating a silo crash.
func (l *Loopback) Deregister(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.handlers, endpoint)
}

// Invoke implements Invoker.
func (l *Loopback) Invoke(ctx context.Context, endpoint string,
	req *wire.Request) (*wire.Response, error) {

	l.mu.RLock()
	handler, ok := l.handlers[endpoint]
	l.mu.RUnlock()

	if !ok {
		return nil, errdefs.New(errdefs.KindUnreachable,
			"no silo at %s", endpoint)
	}

	// Round-trip through the frame encoding so loopback exercises the
	// same wire path as gRPC.
	reqCopy, err := wire.DecodeRequest(wire.EncodeRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := handler(ctx, reqCopy)
	if err != nil {
		return nil, err
	}

	return wire.DecodeResponse(wire.EncodeResponse(resp))
}

// Close implements Invoker.
func (l *Loopback) Close() error {
	return nil
}
