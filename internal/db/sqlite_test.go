package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh database under t.TempDir with migrations
// applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	tables := []string{
		"actor_state", "reminders", "outbox", "inbox", "silos",
	}
	for _, table := range tables {
		var name string
		err := store.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' "+
				"AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "missing table %s", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hive.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Re-opening an up-to-date database must be a no-op.
	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO inbox (actor_id, message_id, seen_at) "+
				"VALUES (?, ?, ?)",
			"Counter:k", "m1", time.Now().UnixMilli(),
		)
		require.NoError(t, err)

		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, store.DB().QueryRow(
		"SELECT COUNT(*) FROM inbox",
	).Scan(&count))
	require.Zero(t, count)
}

func TestConstraintErrorsAreTagged(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	insert := func() error {
		return store.WithTx(ctx, func(ctx context.Context,
			tx *sql.Tx) error {

			_, err := tx.ExecContext(ctx,
				"INSERT INTO inbox (actor_id, message_id, "+
					"seen_at) VALUES (?, ?, ?)",
				"Counter:k", "m1", time.Now().UnixMilli(),
			)

			return err
		})
	}

	require.NoError(t, insert())

	err := insert()
	require.Error(t, err)
	require.True(t, IsConstraintError(err))
}
