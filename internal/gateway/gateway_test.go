package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/hive/internal/async"
	"github.com/roasbeef/hive/internal/codec"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/membership"
	"github.com/roasbeef/hive/internal/placement"
	"github.com/roasbeef/hive/internal/transport"
	"github.com/roasbeef/hive/internal/wire"
)

// localFunc adapts a function into a LocalInvoker.
type localFunc func(ctx context.Context, req *wire.Request) async.Future[[]byte]

func (f localFunc) Invoke(ctx context.Context,
	req *wire.Request) async.Future[[]byte] {

	return f(ctx, req)
}

// remoteFunc adapts a function into a transport.Invoker.
type remoteFunc func(ctx context.Context, endpoint string,
	req *wire.Request) (*wire.Response, error)

func (f remoteFunc) Invoke(ctx context.Context, endpoint string,
	req *wire.Request) (*wire.Response, error) {

	return f(ctx, endpoint, req)
}

func (remoteFunc) Close() error {
	return nil
}

// newSnapshot builds a membership view of active silos, id -> endpoint.
func newSnapshot(version uint64,
	silos map[string]string) membership.Snapshot {

	snap := membership.Snapshot{Version: version}
	for id, endpoint := range silos {
		snap.Silos = append(snap.Silos, membership.SiloInfo{
			ID:       id,
			Endpoint: endpoint,
			Status:   membership.StatusActive,
		})
	}

	return snap
}

type incArgs struct {
	N int `json:"n"`
}

type incReply struct {
	N int `json:"n"`
}

func TestLocalDispatch(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s1": "ep1",
	}))

	local := localFunc(func(_ context.Context,
		req *wire.Request) async.Future[[]byte] {

		var args incArgs
		require.NoError(t, codec.Default.Unmarshal(req.Args, &args))

		payload, err := codec.Default.Marshal(incReply{N: args.N + 1})
		require.NoError(t, err)

		promise := async.NewPromise[[]byte]()
		async.CompleteOk(promise, payload)

		return promise.Future()
	})

	gw := New(Config{
		SelfID:    "s1",
		Local:     local,
		Directory: dir,
	})

	var reply incReply
	err := gw.Actor("Counter", "c-1").Call(
		context.Background(), "Increment", incArgs{N: 41}, &reply,
	)
	require.NoError(t, err)
	require.Equal(t, 42, reply.N)
}

func TestRemoteDispatchOverLoopback(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s2": "ep2",
	}))

	network := transport.NewLoopback()
	network.Register("ep2", func(_ context.Context,
		req *wire.Request) (*wire.Response, error) {

		var args incArgs
		require.NoError(t, codec.Default.Unmarshal(req.Args, &args))

		payload, err := codec.Default.Marshal(incReply{N: args.N * 2})
		require.NoError(t, err)

		return &wire.Response{
			Correlation: req.Correlation,
			Payload:     payload,
		}, nil
	})

	gw := New(Config{
		SelfID:    "s1",
		Remote:    network,
		Directory: dir,
	})

	var reply incReply
	err := gw.Call(
		context.Background(),
		gw.Actor("Counter", "c-1").Key(),
		"Double", incArgs{N: 21}, &reply,
	)
	require.NoError(t, err)
	require.Equal(t, 42, reply.N)
}

func TestNotOwnerRefreshesAndRetries(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s2": "ep2",
	}))

	var (
		mu       sync.Mutex
		attempts []string
	)
	remote := remoteFunc(func(_ context.Context, endpoint string,
		req *wire.Request) (*wire.Response, error) {

		mu.Lock()
		attempts = append(attempts, endpoint)
		mu.Unlock()

		if endpoint == "ep2" {
			rejection := errdefs.New(
				errdefs.KindNotOwner, "owner is s3",
			)

			return &wire.Response{
				Correlation: req.Correlation,
				Status:      errdefs.CodeFor(rejection),
				ErrMessage:  rejection.Message,
			}, nil
		}

		return &wire.Response{Correlation: req.Correlation}, nil
	})

	var refreshed int
	gw := New(Config{
		SelfID:       "s1",
		Remote:       remote,
		Directory:    dir,
		RetryBackoff: time.Millisecond,
		Refresh: func(_ context.Context) error {
			refreshed++
			dir.Update(newSnapshot(2, map[string]string{
				"s3": "ep3",
			}))

			return nil
		},
	})

	err := gw.Call(
		context.Background(),
		gw.Actor("Counter", "c-1").Key(),
		"Increment", incArgs{N: 1}, nil,
	)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)
	require.Equal(t, []string{"ep2", "ep3"}, attempts)
}

func TestUnreachableNotRetriedByDefault(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s2": "ep2",
	}))

	var (
		mu    sync.Mutex
		calls int
	)
	remote := remoteFunc(func(context.Context, string,
		*wire.Request) (*wire.Response, error) {

		mu.Lock()
		calls++
		mu.Unlock()

		return nil, errdefs.New(errdefs.KindUnreachable, "silo down")
	})

	gw := New(Config{
		SelfID:       "s1",
		Remote:       remote,
		Directory:    dir,
		RetryBackoff: time.Millisecond,
	})

	err := gw.Call(
		context.Background(),
		gw.Actor("Counter", "c-1").Key(),
		"Increment", incArgs{N: 1}, nil,
	)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindUnreachable))

	// The call may already have executed on the owner, so without the
	// idempotent marker it must not be re-sent.
	require.Equal(t, 1, calls)
}

func TestIdempotentRetriesUnreachable(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s2": "ep2",
	}))

	var (
		mu    sync.Mutex
		calls int
	)
	remote := remoteFunc(func(_ context.Context, _ string,
		req *wire.Request) (*wire.Response, error) {

		require.NotZero(t, req.Flags&wire.FlagIdempotent)

		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errdefs.New(
				errdefs.KindUnreachable, "silo down",
			)
		}

		return &wire.Response{Correlation: req.Correlation}, nil
	})

	gw := New(Config{
		SelfID:       "s1",
		Remote:       remote,
		Directory:    dir,
		RetryBackoff: time.Millisecond,
	})

	err := gw.Call(
		context.Background(),
		gw.Actor("Counter", "c-1").Key(),
		"Increment", incArgs{N: 1}, nil, Idempotent(),
	)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s2": "ep2",
	}))

	var (
		mu    sync.Mutex
		calls int
	)
	remote := remoteFunc(func(_ context.Context, _ string,
		req *wire.Request) (*wire.Response, error) {

		mu.Lock()
		calls++
		mu.Unlock()

		rejection := errdefs.New(errdefs.KindNotOwner, "owner moved")

		return &wire.Response{
			Correlation: req.Correlation,
			Status:      errdefs.CodeFor(rejection),
			ErrMessage:  rejection.Message,
		}, nil
	})

	gw := New(Config{
		SelfID:       "s1",
		Remote:       remote,
		Directory:    dir,
		RetryBudget:  2,
		RetryBackoff: time.Millisecond,
	})

	err := gw.Call(
		context.Background(),
		gw.Actor("Counter", "c-1").Key(),
		"Increment", incArgs{N: 1}, nil,
	)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindNotOwner))

	// Budget of 2 means one initial attempt plus two retries.
	require.Equal(t, 3, calls)
}

func TestTellSetsOneWayFlag(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(newSnapshot(1, map[string]string{
		"s2": "ep2",
	}))

	var (
		mu    sync.Mutex
		flags uint8
	)
	remote := remoteFunc(func(_ context.Context, _ string,
		req *wire.Request) (*wire.Response, error) {

		mu.Lock()
		flags = req.Flags
		mu.Unlock()

		return &wire.Response{Correlation: req.Correlation}, nil
	})

	gw := New(Config{
		SelfID:    "s1",
		Remote:    remote,
		Directory: dir,
	})

	err := gw.Actor("Counter", "c-1").Tell(
		context.Background(), "Increment", incArgs{N: 1},
	)
	require.NoError(t, err)
	require.NotZero(t, flags&wire.FlagOneWay)
}

func TestEmptyRingIsUnreachable(t *testing.T) {
	t.Parallel()

	dir := placement.NewDirectory(membership.Snapshot{})

	gw := New(Config{
		SelfID:       "s1",
		Directory:    dir,
		RetryBackoff: time.Millisecond,
	})

	err := gw.Call(
		context.Background(),
		gw.Actor("Counter", "c-1").Key(),
		"Increment", incArgs{N: 1}, nil,
	)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindUnreachable))
}
