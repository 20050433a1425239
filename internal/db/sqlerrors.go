package db

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrRetriesExceeded is returned when a transaction is retried more
	// than the max allowed value without a success.
	ErrRetriesExceeded = errors.New("db tx retries exceeded")
)

// MapSQLError attempts to interpret a driver error as one of the database
// agnostic error types below. Errors that do not map are returned unchanged.
func MapSQLError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return parseSqliteError(sqliteErr)
	}

	return err
}

func parseSqliteError(sqliteErr sqlite3.Error) error {
	switch sqliteErr.Code {
	// Unique or primary key violation. The inbox dedup ledger and the
	// state version guard both rely on detecting this case.
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {

			return &ErrConstraintViolation{DBError: sqliteErr}
		}

		return fmt.Errorf("sqlite constraint error: %w", sqliteErr)

	// Busy and locked both mean another writer holds the database; the
	// transaction can simply be retried.
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return &ErrSerializationError{DBError: sqliteErr}

	default:
		return fmt.Errorf("sqlite error: %w", sqliteErr)
	}
}

// ErrConstraintViolation reports a unique or primary key constraint
// violation.
type ErrConstraintViolation struct {
	DBError error
}

// Error returns the error message.
func (e ErrConstraintViolation) Error() string {
	return fmt.Sprintf("sql unique constraint violation: %v", e.DBError)
}

// Unwrap returns the wrapped error.
func (e ErrConstraintViolation) Unwrap() error {
	return e.DBError
}

// ErrSerializationError reports that a transaction could not proceed because
// of a concurrent writer and should be retried.
type ErrSerializationError struct {
	DBError error
}

// Error returns the error message.
func (e ErrSerializationError) Error() string {
	return e.DBError.Error()
}

// Unwrap returns the wrapped error.
func (e ErrSerializationError) Unwrap() error {
	return e.DBError
}

// IsSerializationError returns true if the given error means the transaction
// should be retried.
func IsSerializationError(err error) bool {
	var serializationError *ErrSerializationError
	return errors.As(err, &serializationError)
}

// IsConstraintError returns true if the given error is a unique constraint
// violation.
func IsConstraintError(err error) bool {
	var constraintError *ErrConstraintViolation
	return errors.As(err, &constraintError)
}
