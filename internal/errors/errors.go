// Package errors provides structured error types for the chat engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	// ErrMaxRetries is returned when a failed message has exhausted its
	// retry budget. The message text is part of the public contract.
	ErrMaxRetries = errors.New("Max retries exceeded")

	ErrNotConnected  = errors.New("not connected")
	ErrSessionClosed = errors.New("session closed")
	ErrRateLimited   = errors.New("outbound rate limit exceeded")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
)

// ConnKind classifies connection-level errors.
type ConnKind string

const (
	// KindAuth covers authentication failures from the gateway.
	KindAuth ConnKind = "auth"
	// KindTokenSync covers failures to apply a refreshed token to a live
	// session. These never surface as connection errors.
	KindTokenSync ConnKind = "token_sync_failed"
	// KindConnection is the generic transport/network category.
	KindConnection ConnKind = "connection"
)

// ConnError is a classified connection-level error.
type ConnError struct {
	Kind        ConnKind
	Message     string
	Recoverable bool
	Err         error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *ConnError) Unwrap() error { return e.Err }

// NewAuthError creates an auth-classified connection error.
func NewAuthError(message string, recoverable bool, err error) *ConnError {
	return &ConnError{Kind: KindAuth, Message: message, Recoverable: recoverable, Err: err}
}

// NewTokenSyncError creates a token-sync failure.
func NewTokenSyncError(err error) *ConnError {
	return &ConnError{Kind: KindTokenSync, Message: "failed to apply refreshed token", Recoverable: true, Err: err}
}

// NewConnectionError creates a generic connection error.
func NewConnectionError(message string, err error) *ConnError {
	return &ConnError{Kind: KindConnection, Message: message, Recoverable: true, Err: err}
}

// AsConn extracts a ConnError from an error chain.
func AsConn(err error) (*ConnError, bool) {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if ce, ok := AsConn(err); ok {
		return ce.Kind != KindAuth || ce.Recoverable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected)
}
