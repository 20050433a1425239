package membership

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/hive/internal/db"
)

func TestStaticProviderSnapshotOrdering(t *testing.T) {
	t.Parallel()

	p := NewStaticProvider(
		SiloInfo{ID: "s2", Endpoint: "host2:7000"},
		SiloInfo{ID: "s1", Endpoint: "host1:7000"},
	)

	snap := p.Snapshot()
	require.EqualValues(t, 1, snap.Version)
	require.Equal(t, []string{"s1", "s2"}, snap.Active())
}

func TestStaticProviderStatusChangesBumpVersion(t *testing.T) {
	t.Parallel()

	p := NewStaticProvider(
		SiloInfo{ID: "s1"}, SiloInfo{ID: "s2"}, SiloInfo{ID: "s3"},
	)

	updates, cancel := p.Subscribe()
	defer cancel()

	p.SetStatus("s2", StatusDead)

	select {
	case snap := <-updates:
		require.EqualValues(t, 2, snap.Version)
		require.Equal(t, []string{"s1", "s3"}, snap.Active())
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	// Suspect silos stay in the active set.
	p.SetStatus("s3", StatusSuspect)
	require.Equal(t, []string{"s1", "s3"}, p.Snapshot().Active())
}

func TestSubscribeCoalescesToLatest(t *testing.T) {
	t.Parallel()

	p := NewStaticProvider(SiloInfo{ID: "s1"})

	updates, cancel := p.Subscribe()
	defer cancel()

	// Publish several updates without draining; only the newest must
	// survive.
	p.SetStatus("s1", StatusSuspect)
	p.SetStatus("s1", StatusActive)
	p.SetStatus("s1", StatusDead)

	snap := <-updates
	require.EqualValues(t, 4, snap.Version)
	require.Empty(t, snap.Active())
}

func newTestDB(t *testing.T) *db.Store {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestHeartbeatProviderJoinAndScan(t *testing.T) {
	t.Parallel()

	store := newTestDB(t)
	ctx := context.Background()

	cfg := HeartbeatConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		SuspectAfter:      50 * time.Millisecond,
		DeadAfter:         150 * time.Millisecond,
		EvictAfter:        time.Minute,
	}

	p1 := NewHeartbeatProvider(store, cfg)
	require.NoError(t, p1.Join(ctx, SiloInfo{
		ID: "s1", Endpoint: "127.0.0.1:7001",
	}))
	defer p1.Leave(ctx)

	p2 := NewHeartbeatProvider(store, cfg)
	require.NoError(t, p2.Join(ctx, SiloInfo{
		ID: "s2", Endpoint: "127.0.0.1:7002",
	}))

	// Both providers converge on the same two-silo view.
	require.Eventually(t, func() bool {
		return len(p1.Snapshot().Active()) == 2 &&
			len(p2.Snapshot().Active()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	info, ok := p1.Snapshot().Lookup("s2")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:7002", info.Endpoint)
	require.NotZero(t, info.JoinEpoch)
}

func TestHeartbeatProviderDetectsDeadSilo(t *testing.T) {
	t.Parallel()

	store := newTestDB(t)
	ctx := context.Background()

	cfg := HeartbeatConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		SuspectAfter:      40 * time.Millisecond,
		DeadAfter:         120 * time.Millisecond,
		EvictAfter:        time.Minute,
	}

	p1 := NewHeartbeatProvider(store, cfg)
	require.NoError(t, p1.Join(ctx, SiloInfo{ID: "s1"}))
	defer p1.Leave(ctx)

	// s2 joins, then silently stops heartbeating.
	p2 := NewHeartbeatProvider(store, cfg)
	require.NoError(t, p2.Join(ctx, SiloInfo{ID: "s2"}))
	close(p2.quit)
	p2.wg.Wait()

	// s1 first suspects s2 (still in the active set), then declares it
	// dead and drops it.
	require.Eventually(t, func() bool {
		info, ok := p1.Snapshot().Lookup("s2")
		return ok && info.Status == StatusSuspect
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, p1.Snapshot().Active(), "s2")

	require.Eventually(t, func() bool {
		return len(p1.Snapshot().Active()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatProviderLeaveMarksDeparted(t *testing.T) {
	t.Parallel()

	store := newTestDB(t)
	ctx := context.Background()

	cfg := HeartbeatConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		SuspectAfter:      time.Second,
		DeadAfter:         2 * time.Second,
		EvictAfter:        time.Minute,
	}

	p1 := NewHeartbeatProvider(store, cfg)
	require.NoError(t, p1.Join(ctx, SiloInfo{ID: "s1"}))
	defer p1.Leave(ctx)

	p2 := NewHeartbeatProvider(store, cfg)
	require.NoError(t, p2.Join(ctx, SiloInfo{ID: "s2"}))
	require.NoError(t, p2.Leave(ctx))

	// A clean leave removes s2 from the active set well before any
	// liveness threshold fires.
	require.Eventually(t, func() bool {
		snap := p1.Snapshot()
		info, ok := snap.Lookup("s2")
		return ok && info.Status == StatusLeft &&
			len(snap.Active()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
