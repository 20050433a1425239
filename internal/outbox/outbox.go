// Package outbox implements transactional hand-off between actor state and
// the stream broker. An actor stages messages in the outbox table inside
// the same transaction as its state write; a background drainer publishes
// them afterwards and retries with backoff until delivery sticks. The
// companion inbox ledger deduplicates redeliveries on the consuming side.
package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/hive/internal/db"
)

// Message statuses in the outbox table.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// DefaultMaxAttempts is how many deliveries are tried before a message is
// parked as failed.
const DefaultMaxAttempts = 8

// Message is one staged outbound message.
type Message struct {
	// ID is the row id, ascending with staging order.
	ID int64

	// MessageID is the globally unique id consumers dedup on.
	MessageID string

	// Subject is the stream subject the message publishes to.
	Subject string

	// Key selects the consuming actor instance for implicit
	// subscriptions. Empty keys reach explicit subscribers only.
	Key string

	// Payload is the codec-encoded message body.
	Payload []byte

	// CreatedAt is when the message was staged.
	CreatedAt time.Time

	// Attempts counts delivery tries so far.
	Attempts int

	// NextAttemptAt is when the drainer may try again.
	NextAttemptAt time.Time

	// Status is one of the Status constants.
	Status string

	// LastError records the most recent delivery failure.
	LastError string
}

// Store reads and writes the outbox table.
type Store struct {
	store *db.Store
}

// NewStore wraps the silo database.
func NewStore(store *db.Store) *Store {
	return &Store{store: store}
}

// EnqueueTx stages a message inside the caller's transaction, so the
// message and the state write that produced it commit or roll back
// together. The assigned message id is returned.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, subject,
	key string, payload []byte) (string, error) {

	messageID := uuid.NewString()
	now := time.Now()

	_, err := tx.ExecContext(ctx,
		"INSERT INTO outbox (message_id, subject, event_key, "+
			"payload, created_at, attempts, next_attempt_at, "+
			"status) VALUES (?, ?, ?, ?, ?, 0, ?, ?)",
		messageID, subject, key, payload, now.UnixMilli(),
		now.UnixMilli(), StatusPending,
	)
	if err != nil {
		return "", err
	}

	return messageID, nil
}

// Enqueue stages a message in its own transaction, for callers without a
// surrounding state write.
func (s *Store) Enqueue(ctx context.Context, subject, key string,
	payload []byte) (string, error) {

	var messageID string
	err := s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		var err error
		messageID, err = s.EnqueueTx(
			ctx, tx, subject, key, payload,
		)

		return err
	})
	if err != nil {
		return "", err
	}

	return messageID, nil
}

// Drain returns up to limit pending messages that are due, oldest first.
func (s *Store) Drain(ctx context.Context, now time.Time,
	limit int) ([]Message, error) {

	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT id, message_id, subject, event_key, payload, "+
			"created_at, attempts, next_attempt_at, status, "+
			"COALESCE(last_error, '') FROM outbox "+
			"WHERE status = ? AND next_attempt_at <= ? "+
			"ORDER BY id ASC LIMIT ?",
		StatusPending, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			msg       Message
			createdMS int64
			nextMS    int64
		)
		err := rows.Scan(
			&msg.ID, &msg.MessageID, &msg.Subject, &msg.Key,
			&msg.Payload, &createdMS, &msg.Attempts, &nextMS,
			&msg.Status, &msg.LastError,
		)
		if err != nil {
			return nil, err
		}
		msg.CreatedAt = time.UnixMilli(createdMS)
		msg.NextAttemptAt = time.UnixMilli(nextMS)
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

// MarkDelivered finalizes a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	return s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"UPDATE outbox SET status = ? WHERE id = ?",
			StatusDelivered, id,
		)

		return err
	})
}

// MarkFailed records a failed attempt. The message retries after the given
// backoff until maxAttempts, then parks as failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error,
	backoff time.Duration, maxAttempts int) error {

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"UPDATE outbox SET attempts = attempts + 1, "+
				"next_attempt_at = ?, last_error = ?, "+
				"status = CASE WHEN attempts + 1 >= ? "+
				"THEN ? ELSE status END WHERE id = ?",
			time.Now().Add(backoff).UnixMilli(), cause.Error(),
			maxAttempts, StatusFailed, id,
		)

		return err
	})
}

// PurgeDelivered removes delivered rows older than the cutoff and returns
// how many were dropped.
func (s *Store) PurgeDelivered(ctx context.Context,
	olderThan time.Time) (int64, error) {

	var purged int64
	err := s.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		res, err := tx.ExecContext(ctx,
			"DELETE FROM outbox WHERE status = ? AND "+
				"created_at < ?",
			StatusDelivered, olderThan.UnixMilli(),
		)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()

		return err
	})

	return purged, err
}
