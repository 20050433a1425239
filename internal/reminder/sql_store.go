package reminder

import (
	"context"
	"database/sql"
	"time"

	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/identity"
)

// SQLStore persists reminders in the silo database.
type SQLStore struct {
	store *db.Store
}

// NewSQLStore wraps the given silo database.
func NewSQLStore(store *db.Store) *SQLStore {
	return &SQLStore{store: store}
}

// Register implements Store.
func (s *SQLStore) Register(ctx context.Context, rem Reminder) error {
	return s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"INSERT INTO reminders (actor_type, actor_id, name, "+
				"due_at, period_ms, next_fire_at, "+
				"last_fired_at) VALUES (?, ?, ?, ?, ?, ?, "+
				"NULL) ON CONFLICT (actor_type, actor_id, "+
				"name) DO UPDATE SET due_at = excluded.due_at, "+
				"period_ms = excluded.period_ms, "+
				"next_fire_at = excluded.next_fire_at, "+
				"last_fired_at = NULL",
			rem.Key.Type, rem.Key.ID, rem.Name,
			rem.DueAt.UnixMilli(), rem.Period.Milliseconds(),
			rem.DueAt.UnixMilli(),
		)

		return err
	})
}

// Cancel implements Store.
func (s *SQLStore) Cancel(ctx context.Context, key identity.ActorKey,
	name string) error {

	return s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"DELETE FROM reminders WHERE actor_type = ? AND "+
				"actor_id = ? AND name = ?",
			key.Type, key.ID, name,
		)

		return err
	})
}

// Due implements Store.
func (s *SQLStore) Due(ctx context.Context, now time.Time,
	limit int) ([]Reminder, error) {

	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT actor_type, actor_id, name, due_at, period_ms, "+
			"next_fire_at, last_fired_at FROM reminders "+
			"WHERE next_fire_at <= ? "+
			"ORDER BY next_fire_at ASC LIMIT ?",
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	var due []Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, rem)
	}

	return due, rows.Err()
}

// MarkFired implements Store.
func (s *SQLStore) MarkFired(ctx context.Context, key identity.ActorKey,
	name string, firedAt, next time.Time) error {

	return s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		var periodMS int64
		err := tx.QueryRowContext(ctx,
			"SELECT period_ms FROM reminders "+
				"WHERE actor_type = ? AND actor_id = ? "+
				"AND name = ?",
			key.Type, key.ID, name,
		).Scan(&periodMS)
		if err != nil {
			// Already cancelled; nothing to acknowledge.
			if err == sql.ErrNoRows {
				return nil
			}

			return err
		}

		if periodMS == 0 {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM reminders "+
					"WHERE actor_type = ? AND "+
					"actor_id = ? AND name = ?",
				key.Type, key.ID, name,
			)

			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE reminders SET next_fire_at = ?, "+
				"last_fired_at = ? WHERE actor_type = ? AND "+
				"actor_id = ? AND name = ?",
			next.UnixMilli(), firedAt.UnixMilli(),
			key.Type, key.ID, name,
		)

		return err
	})
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context,
	key identity.ActorKey) ([]Reminder, error) {

	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT actor_type, actor_id, name, due_at, period_ms, "+
			"next_fire_at, last_fired_at FROM reminders "+
			"WHERE actor_type = ? AND actor_id = ? ORDER BY name",
		key.Type, key.ID,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	var rems []Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		rems = append(rems, rem)
	}

	return rems, rows.Err()
}

func scanReminder(rows *sql.Rows) (Reminder, error) {
	var (
		rem       Reminder
		dueMS     int64
		periodMS  int64
		nextMS    int64
		lastFired sql.NullInt64
	)
	err := rows.Scan(
		&rem.Key.Type, &rem.Key.ID, &rem.Name, &dueMS, &periodMS,
		&nextMS, &lastFired,
	)
	if err != nil {
		return Reminder{}, err
	}

	rem.DueAt = time.UnixMilli(dueMS)
	rem.Period = time.Duration(periodMS) * time.Millisecond
	rem.NextFireAt = time.UnixMilli(nextMS)
	if lastFired.Valid {
		rem.LastFiredAt = time.UnixMilli(lastFired.Int64)
	}

	return rem, nil
}
