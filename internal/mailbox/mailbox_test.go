package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/wire"
)

func newEnv(method string) *Envelope {
	return &Envelope{
		Request: &wire.Request{
			ActorType: "Counter",
			ActorID:   "k",
			Method:    method,
		},
		Promise: async.NewPromise[[]byte](),
	}
}

func TestFIFOOrdering(t *testing.T) {
	t.Parallel()

	mb := New(8, PolicyBlock, nil)
	ctx := context.Background()

	for _, method := range []string{"a", "b", "c"} {
		require.NoError(t, mb.Push(ctx, newEnv(method)))
	}

	for _, want := range []string{"a", "b", "c"} {
		env, err := mb.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, env.Request.Method)
	}
}

func TestDropOldestEvictsHead(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		dropped []*Envelope
	)
	mb := New(2, PolicyDropOldest, func(env *Envelope, _ error) {
		mu.Lock()
		dropped = append(dropped, env)
		mu.Unlock()
	})
	ctx := context.Background()

	first := newEnv("a")
	require.NoError(t, mb.Push(ctx, first))
	require.NoError(t, mb.Push(ctx, newEnv("b")))
	require.NoError(t, mb.Push(ctx, newEnv("c")))

	// The oldest envelope is gone; its caller sees a throttle error.
	_, err := first.Promise.Future().Await(ctx).Unpack()
	require.Equal(t, errdefs.KindThrottled, errdefs.KindOf(err))

	mu.Lock()
	require.Len(t, dropped, 1)
	require.Equal(t, "a", dropped[0].Request.Method)
	mu.Unlock()

	env, err := mb.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", env.Request.Method)
}

func TestDropNewestRejectsIncoming(t *testing.T) {
	t.Parallel()

	mb := New(1, PolicyDropNewest, nil)
	ctx := context.Background()

	require.NoError(t, mb.Push(ctx, newEnv("a")))

	rejected := newEnv("b")
	err := mb.Push(ctx, rejected)
	require.Equal(t, errdefs.KindThrottled, errdefs.KindOf(err))

	_, err = rejected.Promise.Future().Await(ctx).Unpack()
	require.Equal(t, errdefs.KindThrottled, errdefs.KindOf(err))

	// The queued envelope is untouched.
	env, err := mb.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", env.Request.Method)
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	t.Parallel()

	mb := New(1, PolicyBlock, nil)
	ctx := context.Background()

	require.NoError(t, mb.Push(ctx, newEnv("a")))

	pushed := make(chan error, 1)
	go func() {
		pushed <- mb.Push(ctx, newEnv("b"))
	}()

	select {
	case <-pushed:
		t.Fatal("push should block on a full mailbox")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := mb.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, <-pushed)
}

func TestBlockPolicyHonorsContext(t *testing.T) {
	t.Parallel()

	mb := New(1, PolicyBlock, nil)
	require.NoError(t, mb.Push(context.Background(), newEnv("a")))

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()

	err := mb.Push(ctx, newEnv("b"))
	require.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))
}

func TestCloseDrainServesQueueThenStops(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		dropped int
	)
	mb := New(8, PolicyBlock, func(*Envelope, error) {
		mu.Lock()
		dropped++
		mu.Unlock()
	})
	ctx := context.Background()

	require.NoError(t, mb.Push(ctx, newEnv("a")))
	require.NoError(t, mb.Push(ctx, newEnv("b")))

	cause := errdefs.New(errdefs.KindCancelled, "idle collection")
	mb.CloseDrain(cause)

	// New pushes are rejected, but the consumer still gets what was
	// accepted before the close.
	err := mb.Push(ctx, newEnv("c"))
	require.Equal(t, errdefs.KindCancelled, errdefs.KindOf(err))

	for _, want := range []string{"a", "b"} {
		env, err := mb.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, env.Request.Method)
	}

	_, err = mb.Pop(ctx)
	require.Equal(t, errdefs.KindCancelled, errdefs.KindOf(err))

	// Nothing was shed on the drain path.
	mu.Lock()
	require.Equal(t, 0, dropped)
	mu.Unlock()

	// A hard close after the drain has nothing left to shed.
	mb.Close(nil)
	mu.Lock()
	require.Equal(t, 0, dropped)
	mu.Unlock()
}

func TestCloseShedsQueuedEnvelopes(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		dropped int
	)
	mb := New(8, PolicyBlock, func(*Envelope, error) {
		mu.Lock()
		dropped++
		mu.Unlock()
	})
	ctx := context.Background()

	queued := newEnv("a")
	require.NoError(t, mb.Push(ctx, queued))
	require.NoError(t, mb.Push(ctx, newEnv("b")))

	cause := errdefs.New(errdefs.KindUnreachable, "silo shutting down")
	mb.Close(cause)
	mb.Close(cause)

	_, err := queued.Promise.Future().Await(ctx).Unpack()
	require.Equal(t, errdefs.KindUnreachable, errdefs.KindOf(err))

	mu.Lock()
	require.Equal(t, 2, dropped)
	mu.Unlock()

	// Both ends observe the close cause afterwards.
	require.Equal(t, errdefs.KindUnreachable,
		errdefs.KindOf(mb.Push(ctx, newEnv("c"))))
	_, err = mb.Pop(ctx)
	require.Equal(t, errdefs.KindUnreachable, errdefs.KindOf(err))
}

func TestCloseUnblocksWaitingConsumer(t *testing.T) {
	t.Parallel()

	mb := New(4, PolicyBlock, nil)

	popped := make(chan error, 1)
	go func() {
		_, err := mb.Pop(context.Background())
		popped <- err
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Close(nil)

	select {
	case err := <-popped:
		require.Equal(t,
			errdefs.KindUnreachable, errdefs.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("consumer never unblocked")
	}
}
