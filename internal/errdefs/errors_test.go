package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestKindClassification verifies the transient/permanent/fatal split that
// drives gateway retry decisions.
func TestKindClassification(t *testing.T) {
	t.Parallel()

	transient := []Kind{
		KindUnreachable, KindTimeout, KindNotOwner, KindRingRefresh,
		KindThrottled,
	}
	for _, k := range transient {
		require.True(t, k.Transient(), "kind %v should be transient", k)
		require.False(t, k.Fatal())
	}

	permanent := []Kind{
		KindNotFound, KindMarshalling, KindUnsupportedMethod,
		KindReentrancy, KindConcurrency, KindSupervisionTerminated,
		KindCancelled,
	}
	for _, k := range permanent {
		require.False(t, k.Transient(), "kind %v should not be transient", k)
		require.False(t, k.Fatal())
	}

	for _, k := range []Kind{KindStoreCorrupted, KindCodecMismatch} {
		require.True(t, k.Fatal())
		require.False(t, k.Transient())
	}
}

// TestKindOfUnwrapsCauseChains verifies that classification survives fmt
// wrapping and nested causes.
func TestKindOfUnwrapsCauseChains(t *testing.T) {
	t.Parallel()

	inner := New(KindNotOwner, "silo s2 owns counter:k")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	require.Equal(t, KindNotOwner, KindOf(wrapped))
	require.True(t, IsTransient(wrapped))

	var tagged *Error
	require.True(t, errors.As(wrapped, &tagged))
	require.Equal(t, "silo s2 owns counter:k", tagged.Message)
}

// TestKindOfContextErrors verifies that raw context errors that escape
// lower layers still classify onto the cancelled/timeout kinds.
func TestKindOfContextErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

// TestWireCodeRoundTrip verifies that every kind survives the one-byte wire
// encoding and that unknown codes still carry the message through.
func TestWireCodeRoundTrip(t *testing.T) {
	t.Parallel()

	for kind := range kindCodes {
		err := New(kind, "boom")
		code := CodeFor(err)
		require.NotEqual(t, CodeOK, code)

		back := FromCode(code, err.Message)
		require.Equal(t, kind, KindOf(back))
	}

	// nil maps to OK and back.
	require.Equal(t, CodeOK, CodeFor(nil))
	require.NoError(t, FromCode(CodeOK, ""))

	// A plain error becomes the generic remote exception.
	require.Equal(t, codeRemoteException, CodeFor(errors.New("kaboom")))
	back := FromCode(codeRemoteException, "kaboom")
	require.Equal(t, KindUnknown, KindOf(back))
	require.Contains(t, back.Error(), "kaboom")
}

// TestRetryAfterHint verifies the optional retry-after hint survives
// wrapping.
func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	err := &Error{
		Kind:       KindThrottled,
		Message:    "subject evt over rate",
		RetryAfter: 250000000,
	}
	wrapped := fmt.Errorf("publish: %w", err)

	var tagged *Error
	require.True(t, errors.As(wrapped, &tagged))
	require.Equal(t, err.RetryAfter, tagged.RetryAfter)
}
