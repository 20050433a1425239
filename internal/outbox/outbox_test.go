package outbox

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/identity"
)

func newTestDB(t *testing.T) *db.Store {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestEnqueueDrainAck(t *testing.T) {
	t.Parallel()

	store := NewStore(newTestDB(t))
	ctx := context.Background()

	id1, err := store.Enqueue(ctx, "orders", "o-1", []byte("created"))
	require.NoError(t, err)
	id2, err := store.Enqueue(ctx, "orders", "", []byte("paid"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	msgs, err := store.Drain(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "created", string(msgs[0].Payload))
	require.Equal(t, "o-1", msgs[0].Key)
	require.Empty(t, msgs[1].Key)
	require.Equal(t, StatusPending, msgs[0].Status)

	require.NoError(t, store.MarkDelivered(ctx, msgs[0].ID))

	msgs, err = store.Drain(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "paid", string(msgs[0].Payload))
}

func TestEnqueueTxRollsBackWithStateWrite(t *testing.T) {
	t.Parallel()

	siloDB := newTestDB(t)
	store := NewStore(siloDB)
	ctx := context.Background()

	// The staged message must vanish with the failed transaction.
	boom := errors.New("state write failed")
	err := siloDB.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := store.EnqueueTx(ctx, tx, "orders", "", []byte("x"))
		require.NoError(t, err)

		return boom
	})
	require.ErrorIs(t, err, boom)

	msgs, err := store.Drain(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestMarkFailedSchedulesRetryThenParks(t *testing.T) {
	t.Parallel()

	store := NewStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "orders", "", []byte("x"))
	require.NoError(t, err)

	msgs, err := store.Drain(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	cause := errors.New("broker down")

	// First failure: retried after the backoff, not before.
	require.NoError(t, store.MarkFailed(
		ctx, id, cause, time.Minute, 2,
	))

	msgs, err = store.Drain(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = store.Drain(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 1, msgs[0].Attempts)
	require.Equal(t, "broker down", msgs[0].LastError)

	// Second failure hits maxAttempts and parks the message for good.
	require.NoError(t, store.MarkFailed(
		ctx, id, cause, time.Minute, 2,
	))

	msgs, err = store.Drain(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDrainerDeliversAndRetries(t *testing.T) {
	t.Parallel()

	store := NewStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "orders", "", []byte("x"))
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		attempts int
	)
	drainer := NewDrainer(DrainerConfig{
		Store:   store,
		Backoff: time.Millisecond,
		Publish: func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("transient")
			}

			return nil
		},
	})

	require.Zero(t, drainer.DrainOnce(ctx))

	// After the backoff the retry succeeds.
	require.Eventually(t, func() bool {
		return drainer.DrainOnce(ctx) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := store.Drain(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestRetryDelayDoublesUntilCap(t *testing.T) {
	t.Parallel()

	base := time.Second
	max := 10 * time.Second

	require.Equal(t, time.Second, retryDelay(base, max, 0))
	require.Equal(t, 2*time.Second, retryDelay(base, max, 1))
	require.Equal(t, 8*time.Second, retryDelay(base, max, 3))
	require.Equal(t, max, retryDelay(base, max, 4))
	require.Equal(t, max, retryDelay(base, max, 200))
}

func TestPurgeDelivered(t *testing.T) {
	t.Parallel()

	store := NewStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "orders", "", []byte("x"))
	require.NoError(t, err)

	msgs, err := store.Drain(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkDelivered(ctx, msgs[0].ID))

	purged, err := store.PurgeDelivered(
		ctx, time.Now().Add(time.Minute),
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
}

func TestInboxDeduplicates(t *testing.T) {
	t.Parallel()

	inbox := NewInbox(newTestDB(t))
	ctx := context.Background()
	key := identity.NewKey("Order", "o-1")

	seen, err := inbox.Observe(ctx, key, "m1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = inbox.Observe(ctx, key, "m1")
	require.NoError(t, err)
	require.True(t, seen)

	// Other actors and other messages are independent.
	seen, err = inbox.Observe(ctx, key, "m2")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = inbox.Observe(
		ctx, identity.NewKey("Order", "o-2"), "m1",
	)
	require.NoError(t, err)
	require.False(t, seen)
}
