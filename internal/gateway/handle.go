package gateway

import (
	"context"

	"github.com/roasbeef/hive/internal/identity"
)

// Handle is a typed-by-convention reference to one actor. It carries no
// liveness: the actor activates on first use and the handle stays valid
// across deactivations and migrations.
type Handle struct {
	gw  *Gateway
	key identity.ActorKey
}

// Actor returns a handle for the given actor type and id.
func (g *Gateway) Actor(actorType, id string) Handle {
	return Handle{
		gw:  g,
		key: identity.NewKey(actorType, id),
	}
}

// Key returns the actor key the handle addresses.
func (h Handle) Key() identity.ActorKey {
	return h.key
}

// Call invokes method on the actor and decodes the result into reply.
func (h Handle) Call(ctx context.Context, method string, args any,
	reply any, opts ...CallOption) error {

	return h.gw.Call(ctx, h.key, method, args, reply, opts...)
}

// Tell invokes method fire-and-forget.
func (h Handle) Tell(ctx context.Context, method string, args any,
	opts ...CallOption) error {

	return h.gw.Tell(ctx, h.key, method, args, opts...)
}
