package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func TestPromiseCompleteOnceWins(t *testing.T) {
	t.Parallel()

	p := NewPromise[int]()
	require.True(t, p.Complete(fn.Ok(1)))
	require.False(t, p.Complete(fn.Ok(2)))

	val, err := p.Future().Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 1, val)
}

func TestAwaitRespectsContext(t *testing.T) {
	t.Parallel()

	p := NewPromise[int]()

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()

	_, err := p.Future().Await(ctx).Unpack()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A later completion still resolves for fresh waiters.
	CompleteOk(p, 7)
	val, err := p.Future().Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 7, val)
}

func TestThenApplyTransformsSuccess(t *testing.T) {
	t.Parallel()

	p := NewPromise[int]()
	doubled := p.Future().ThenApply(
		context.Background(), func(v int) int { return v * 2 },
	)

	CompleteOk(p, 21)
	val, err := doubled.Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 42, val)
}

func TestThenApplyPassesErrorsThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := NewPromise[int]()
	mapped := p.Future().ThenApply(
		context.Background(), func(v int) int { return v + 1 },
	)

	CompleteErr(p, boom)
	_, err := mapped.Await(context.Background()).Unpack()
	require.ErrorIs(t, err, boom)
}

func TestOnCompleteFires(t *testing.T) {
	t.Parallel()

	p := NewPromise[string]()
	got := make(chan fn.Result[string], 1)
	p.Future().OnComplete(context.Background(), func(r fn.Result[string]) {
		got <- r
	})

	CompleteOk(p, "done")

	select {
	case r := <-got:
		val, err := r.Unpack()
		require.NoError(t, err)
		require.Equal(t, "done", val)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

// TestPoolAffinityOrdering verifies the property the stream broker depends
// on: jobs under one key run serially in submission order even with many
// workers.
func TestPoolAffinityOrdering(t *testing.T) {
	t.Parallel()

	pool := NewPool(8, 16)

	var mu sync.Mutex
	seen := make(map[string][]int)

	const perKey = 50
	keys := []string{"alpha", "beta", "gamma", "delta"}
	for i := 0; i < perKey; i++ {
		for _, key := range keys {
			key, i := key, i
			pool.Submit(key, func() {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			})
		}
	}

	pool.Stop()

	for _, key := range keys {
		require.Len(t, seen[key], perKey)
		for i, v := range seen[key] {
			require.Equal(t, i, v, "key %s out of order", key)
		}
	}
}
