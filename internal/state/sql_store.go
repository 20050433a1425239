package state

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/identity"
)

// SQLStore persists state slots in the silo database.
type SQLStore struct {
	store *db.Store
}

// NewSQLStore wraps the given silo database.
func NewSQLStore(store *db.Store) *SQLStore {
	return &SQLStore{store: store}
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, key identity.ActorKey,
	name string) (Record, error) {

	var rec Record
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT payload, version FROM actor_state "+
			"WHERE actor_id = ? AND state_name = ?",
		key.String(), name,
	).Scan(&rec.Payload, &rec.Version)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, nil

	case err != nil:
		return Record{}, db.MapSQLError(err)
	}

	return rec, nil
}

// Save implements Store. The version check and the write happen in one
// transaction, so two racing writers cannot both succeed against the same
// expected version.
func (s *SQLStore) Save(ctx context.Context, key identity.ActorKey,
	name string, payload []byte, expected uint64) (uint64, error) {

	newVersion := expected + 1

	err := s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		actual, exists, err := currentVersion(ctx, tx, key, name)
		if err != nil {
			return err
		}

		switch {
		case !exists && expected != 0:
			return errVersionMismatch(key, name, expected, 0)

		case exists && actual != expected:
			return errVersionMismatch(key, name, expected, actual)
		}

		if exists {
			_, err = tx.ExecContext(ctx,
				"UPDATE actor_state SET payload = ?, "+
					"version = ?, updated_at = ? "+
					"WHERE actor_id = ? AND state_name = ?",
				payload, newVersion, time.Now().UnixMilli(),
				key.String(), name,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO actor_state (actor_id, "+
					"state_name, payload, version, "+
					"updated_at) VALUES (?, ?, ?, ?, ?)",
				key.String(), name, payload, newVersion,
				time.Now().UnixMilli(),
			)
		}

		return err
	})
	if err != nil {
		return 0, err
	}

	return newVersion, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, key identity.ActorKey,
	name string, expected uint64) error {

	return s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		actual, exists, err := currentVersion(ctx, tx, key, name)
		if err != nil {
			return err
		}

		switch {
		case !exists && expected == 0:
			return nil

		case !exists:
			return errVersionMismatch(key, name, expected, 0)

		case actual != expected:
			return errVersionMismatch(key, name, expected, actual)
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM actor_state "+
				"WHERE actor_id = ? AND state_name = ?",
			key.String(), name,
		)

		return err
	})
}

func currentVersion(ctx context.Context, tx *sql.Tx, key identity.ActorKey,
	name string) (uint64, bool, error) {

	var version uint64
	err := tx.QueryRowContext(ctx,
		"SELECT version FROM actor_state "+
			"WHERE actor_id = ? AND state_name = ?",
		key.String(), name,
	).Scan(&version)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil

	case err != nil:
		return 0, false, err
	}

	return version, true, nil
}
