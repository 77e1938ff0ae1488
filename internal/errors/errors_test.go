package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrMaxRetries_Message(t *testing.T) {
	// The literal text is part of the public contract.
	assert.Equal(t, "Max retries exceeded", ErrMaxRetries.Error())
}

func TestConnError_Error(t *testing.T) {
	err := NewAuthError("bad credentials", false, nil)
	assert.Contains(t, err.Error(), "auth")
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestConnError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewConnectionError("dial failed", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAsConn(t *testing.T) {
	ce, ok := AsConn(NewTokenSyncError(errors.New("write failed")))
	assert.True(t, ok)
	assert.Equal(t, KindTokenSync, ce.Kind)
	assert.True(t, ce.Recoverable)

	_, ok = AsConn(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewConnectionError("dial failed", nil)))
	assert.True(t, IsRetryable(NewAuthError("expired", true, nil)))
	assert.True(t, IsRetryable(NewTokenSyncError(nil)))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(ErrNotConnected))

	assert.False(t, IsRetryable(NewAuthError("revoked", false, nil)))
	assert.False(t, IsRetryable(ErrMaxRetries))
	assert.False(t, IsRetryable(ErrSessionClosed))
	assert.False(t, IsRetryable(errors.New("generic error")))
}

func TestSentinelErrors(t *testing.T) {
	assert.True(t, errors.Is(ErrMaxRetries, ErrMaxRetries))
	assert.False(t, errors.Is(ErrMaxRetries, ErrTimeout))
}
