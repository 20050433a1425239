package runtime

import (
	"context"
	"strings"

	"github.com/roasbeef/hive/internal/identity"
)

// chainKey is the context key carrying the call chain.
type chainKey struct{}

// Chain is the ordered list of actors currently on the synchronous call
// path. It travels across silos in the request trace bytes, so a cycle is
// detectable no matter where each hop ran.
type Chain []identity.ActorKey

// Contains reports whether the given actor is already on the chain.
func (c Chain) Contains(key identity.ActorKey) bool {
	for _, hop := range c {
		if hop == key {
			return true
		}
	}

	return false
}

// Append returns a new chain extended with the given hop.
func (c Chain) Append(key identity.ActorKey) Chain {
	next := make(Chain, len(c), len(c)+1)
	copy(next, c)

	return append(next, key)
}

// Encode renders the chain for the wire trace field.
func (c Chain) Encode() []byte {
	if len(c) == 0 {
		return nil
	}

	hops := make([]string, len(c))
	for i, hop := range c {
		hops[i] = hop.String()
	}

	return []byte(strings.Join(hops, "|"))
}

// DecodeChain parses trace bytes back into a chain. Malformed hops are
// skipped rather than failing the call.
func DecodeChain(trace []byte) Chain {
	if len(trace) == 0 {
		return nil
	}

	var chain Chain
	for _, hop := range strings.Split(string(trace), "|") {
		key, err := identity.ParseKey(hop)
		if err != nil {
			continue
		}
		chain = append(chain, key)
	}

	return chain
}

// WithChain attaches a chain to the context.
func WithChain(ctx context.Context, chain Chain) context.Context {
	return context.WithValue(ctx, chainKey{}, chain)
}

// ChainFrom extracts the chain from the context, if any.
func ChainFrom(ctx context.Context) Chain {
	chain, _ := ctx.Value(chainKey{}).(Chain)

	return chain
}
