package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roasbeef/hive/internal/identity"
)

func TestExplicitSubscriberOrdering(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []string
	)
	cancel := broker.Subscribe("orders",
		func(_ context.Context, event Event) error {
			mu.Lock()
			seen = append(seen, string(event.Payload))
			mu.Unlock()
			return nil
		}, SubOptions{})
	defer cancel()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, broker.Publish(ctx, Event{
			Subject: "orders",
			Payload: []byte(fmt.Sprintf("e%d", i)),
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, got := range seen {
		require.Equal(t, fmt.Sprintf("e%d", i), got)
	}
}

func TestSubjectsAreIsolated(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	got := make(chan string, 4)
	cancel := broker.Subscribe("a",
		func(_ context.Context, event Event) error {
			got <- string(event.Payload)
			return nil
		}, SubOptions{})
	defer cancel()

	require.NoError(t, broker.Publish(ctx, Event{
		Subject: "b", Payload: []byte("wrong"),
	}))
	require.NoError(t, broker.Publish(ctx, Event{
		Subject: "a", Payload: []byte("right"),
	}))

	require.Equal(t, "right", <-got)
	select {
	case extra := <-got:
		t.Fatalf("leaked event %q across subjects", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDropOldestKeepsNewest floods a slow subscriber and verifies the
// policy sheds from the head: the last published events survive.
func TestDropOldestKeepsNewest(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []string
	)
	cancel := broker.Subscribe("flood",
		func(_ context.Context, event Event) error {
			<-release
			mu.Lock()
			seen = append(seen, string(event.Payload))
			mu.Unlock()
			return nil
		}, SubOptions{Policy: PolicyDropOldest, Buffer: 4})
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, broker.Publish(ctx, Event{
			Subject: "flood",
			Payload: []byte(fmt.Sprintf("e%d", i)),
		}))
	}
	close(release)

	// The consumer may have grabbed one early event before the flood,
	// but the tail of the buffer must be the newest publishes.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "e19"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, len(seen), 6)
}

func TestDropNewestKeepsOldest(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []string
	)
	cancel := broker.Subscribe("flood",
		func(_ context.Context, event Event) error {
			<-release
			mu.Lock()
			seen = append(seen, string(event.Payload))
			mu.Unlock()
			return nil
		}, SubOptions{Policy: PolicyDropNewest, Buffer: 4})
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, broker.Publish(ctx, Event{
			Subject: "flood",
			Payload: []byte(fmt.Sprintf("e%d", i)),
		}))
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	// Whatever was delivered is a prefix of the publish order.
	mu.Lock()
	defer mu.Unlock()
	for i, got := range seen {
		require.Equal(t, fmt.Sprintf("e%d", i), got)
	}
}

func TestThrottleShedsBeyondRate(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen int
	)
	cancel := broker.Subscribe("metered",
		func(context.Context, Event) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		}, SubOptions{
			Policy: PolicyThrottle,
			Rate:   rate.Limit(1),
			Burst:  2,
		})
	defer cancel()

	// Burst budget admits 2; the rest of the burst is shed.
	for i := 0; i < 20; i++ {
		require.NoError(t, broker.Publish(ctx, Event{
			Subject: "metered",
			Payload: []byte("x"),
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 2, seen)
	mu.Unlock()
}

func TestThrottleWaitDeliversEverything(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen int
	)
	cancel := broker.Subscribe("metered",
		func(context.Context, Event) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		}, SubOptions{
			Policy:       PolicyThrottle,
			Rate:         rate.Limit(200),
			Burst:        1,
			ThrottleWait: true,
		})
	defer cancel()

	// Publishing faster than the rate budget waits instead of shedding,
	// so every event arrives.
	for i := 0; i < 5; i++ {
		require.NoError(t, broker.Publish(ctx, Event{
			Subject: "metered",
			Payload: []byte("x"),
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestImplicitDeliveryRoutesByKey(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls []string
	)
	broker := NewBroker(Config{
		Deliver: func(_ context.Context, key identity.ActorKey,
			event Event) error {

			mu.Lock()
			calls = append(calls, fmt.Sprintf(
				"%s<-%s:%s", key, event.Subject,
				event.Payload,
			))
			mu.Unlock()

			return nil
		},
	})
	defer broker.Close()
	ctx := context.Background()

	broker.RegisterImplicit("orders", "OrderActor")

	require.NoError(t, broker.Publish(ctx, Event{
		Subject: "orders",
		Key:     "o-7",
		Payload: []byte("created"),
	}))

	// A key-less event stays with explicit subscribers only.
	require.NoError(t, broker.Publish(ctx, Event{
		Subject: "orders",
		Payload: []byte("broadcast"),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t,
		[]string{"OrderActor:o-7<-orders:created"}, calls)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	broker := NewBroker(Config{})
	defer broker.Close()
	ctx := context.Background()

	got := make(chan struct{}, 8)
	cancel := broker.Subscribe("s",
		func(context.Context, Event) error {
			got <- struct{}{}
			return nil
		}, SubOptions{})

	require.NoError(t, broker.Publish(ctx, Event{Subject: "s"}))
	<-got

	cancel()
	cancel()

	require.NoError(t, broker.Publish(ctx, Event{Subject: "s"}))
	select {
	case <-got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
