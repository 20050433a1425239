// Package errdefs defines the tagged error taxonomy shared by every layer
// of the runtime. Errors carry a categorical Kind so that callers can make
// retry decisions without string matching, plus an optional inner cause and
// retry-after hint.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the categorical classification of a runtime error. Kinds fall
// into three severity classes: transient errors may be retried by the
// client gateway, permanent errors must be surfaced to the caller, and
// fatal errors indicate unrecoverable corruption.
type Kind uint8

const (
	// KindUnknown is the zero value used for unclassified errors.
	KindUnknown Kind = iota

	// KindUnreachable means the target silo could not be contacted.
	KindUnreachable

	// KindTimeout means the operation deadline elapsed before a response
	// arrived.
	KindTimeout

	// KindNotOwner means the receiving silo is not the ring owner for the
	// target actor key. The caller should refresh membership and retry
	// against the current owner.
	KindNotOwner

	// KindRingRefresh means the caller's ring snapshot is stale and must
	// be rebuilt before the operation can be routed.
	KindRingRefresh

	// KindThrottled means a backpressure policy rejected the operation.
	KindThrottled

	// KindCancelled means the caller's cancellation signal tripped while
	// the operation was in flight.
	KindCancelled

	// KindNotFound means the target actor, state record, or reminder does
	// not exist.
	KindNotFound

	// KindMarshalling means argument or payload bytes could not be
	// encoded or decoded.
	KindMarshalling

	// KindUnsupportedMethod means the method name is not present in the
	// target actor type's method table.
	KindUnsupportedMethod

	// KindReentrancy means a call would re-enter a non-re-entrant actor
	// already on the logical call chain.
	KindReentrancy

	// KindConcurrency means a conditional state write lost the race: the
	// stored version did not match the expected version.
	KindConcurrency

	// KindSupervisionTerminated means a supervision directive terminated
	// the activation; callers observe not-found until reactivation.
	KindSupervisionTerminated

	// KindStoreCorrupted means the storage provider returned data the
	// runtime cannot interpret.
	KindStoreCorrupted

	// KindCodecMismatch means two silos disagree on the serialized schema.
	KindCodecMismatch
)

// String returns the stable wire-visible name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindNotOwner:
		return "not-owner"
	case KindRingRefresh:
		return "ring-refresh-needed"
	case KindThrottled:
		return "throttled"
	case KindCancelled:
		return "cancelled"
	case KindNotFound:
		return "not-found"
	case KindMarshalling:
		return "marshalling-failed"
	case KindUnsupportedMethod:
		return "unsupported-method"
	case KindReentrancy:
		return "reentrancy"
	case KindConcurrency:
		return "concurrency-conflict"
	case KindSupervisionTerminated:
		return "supervision-terminated"
	case KindStoreCorrupted:
		return "store-corrupted"
	case KindCodecMismatch:
		return "codec-mismatch"
	default:
		return "unknown"
	}
}

// Transient reports whether errors of this kind may be retried by the
// client gateway within its retry budget.
func (k Kind) Transient() bool {
	switch k {
	case KindUnreachable, KindTimeout, KindNotOwner, KindRingRefresh,
		KindThrottled:

		return true
	default:
		return false
	}
}

// Fatal reports whether errors of this kind indicate unrecoverable
// corruption that should terminate the hosting activation.
func (k Kind) Fatal() bool {
	return k == KindStoreCorrupted || k == KindCodecMismatch
}

// Error is the tagged error value every public runtime operation returns on
// failure. It wraps an optional inner cause and carries an optional
// retry-after hint for throttled operations.
type Error struct {
	// Kind is the categorical classification.
	Kind Kind

	// Message is the human readable description.
	Message string

	// Cause is the optional wrapped inner error.
	Cause error

	// RetryAfter is an optional hint for when a retry may succeed. Zero
	// means no hint.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the inner cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a tagged error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a tagged error that wraps an inner cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// KindOf extracts the Kind from an arbitrary error. Context errors are
// mapped onto the cancellation/timeout kinds so that classification works
// for raw context failures that escaped lower layers.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	// Raw context errors map onto their wire-visible kinds.
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	return KindUnknown
}

// IsTransient reports whether the error may be retried by the gateway.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
