// Package db owns the SQLite connection used by every durable subsystem of a
// silo: actor state, reminders, the outbox/inbox ledgers, and the shared
// membership table. The database runs in WAL mode with a single writer
// connection; callers serialize writes through WithTx.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	prand "math/rand"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultNumTxRetries is the number of times a transaction is retried
	// when it fails with a busy or locked error.
	DefaultNumTxRetries = 10

	// DefaultInitialRetryDelay is the base delay between transaction
	// retries. The actual delay is randomized between 50% and 150% of
	// this value and doubled on each attempt, so concurrent writers do
	// not retry in lock step.
	DefaultInitialRetryDelay = time.Millisecond * 40

	// DefaultMaxRetryDelay caps the per-attempt retry delay.
	DefaultMaxRetryDelay = time.Second * 3
)

// DefaultDBPath returns the default location of the silo database.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".hived", "hive.db"), nil
}

// Store wraps the silo database connection with transaction and retry
// support. Subsystem stores (state, reminders, outbox, membership) embed or
// hold a Store and issue their queries through it.
type Store struct {
	db *sql.DB

	retries    int
	retryDelay time.Duration
	maxDelay   time.Duration
}

// StoreOption tweaks the transaction retry behavior of a Store.
type StoreOption func(*Store)

// WithTxRetries overrides the number of attempts WithTx makes before giving
// up on a busy database.
func WithTxRetries(n int) StoreOption {
	return func(s *Store) {
		s.retries = n
	}
}

// WithTxRetryDelay overrides the base retry delay.
func WithTxRetryDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// Open opens (creating if needed) the silo database at the given path,
// applies pending migrations, and returns the wrapping Store.
func Open(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := ApplyMigrations(db, TargetLatest); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return NewStore(db, opts...), nil
}

// NewStore wraps an already-open connection. The caller is responsible for
// having applied migrations.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:         db,
		retries:    DefaultNumTxRetries,
		retryDelay: DefaultInitialRetryDelay,
		maxDelay:   DefaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DB returns the underlying connection for read-only queries that do not
// need transaction scope.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// TxFunc is the body of a transactional unit of work.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn inside a transaction, retrying with randomized exponential
// backoff when SQLite reports the database busy or locked. Any other error
// rolls back and returns immediately.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}

		if !IsSerializationError(err) {
			return err
		}

		delay := s.randRetryDelay(attempt)
		log.DebugS(ctx, "Retrying busy transaction",
			"attempt", attempt+1,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ErrRetriesExceeded
}

func (s *Store) runTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MapSQLError(err)
	}

	// Rollback after a successful commit is a no-op.
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, tx); err != nil {
		return MapSQLError(err)
	}

	if err := tx.Commit(); err != nil {
		return MapSQLError(err)
	}

	return nil
}

// randRetryDelay returns a delay between 50% and 150% of the base delay,
// doubled for each attempt and capped at the configured maximum.
func (s *Store) randRetryDelay(attempt int) time.Duration {
	halfDelay := s.retryDelay / 2
	randDelay := prand.Int63n(int64(s.retryDelay)) //nolint:gosec

	initialDelay := halfDelay + time.Duration(randDelay)
	if attempt == 0 {
		return initialDelay
	}

	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	actualDelay := initialDelay * factor //nolint:durationcheck

	if actualDelay > s.maxDelay {
		return s.maxDelay
	}

	return actualDelay
}

// openSQLite opens the database file with WAL mode and the pragmas the silo
// depends on.
func openSQLite(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database "+
			"directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer, multiple readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		// NORMAL gives good durability in WAL mode without the cost
		// of FULL.
		"PRAGMA synchronous = NORMAL",

		// 64MB page cache.
		"PRAGMA cache_size = -65536",

		// Keep temp tables in memory.
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w",
				pragma, err)
		}
	}

	return nil
}
