// Package optimistic owns locally created, not-yet-confirmed chat messages
// and reconciles them against backend-confirmed messages.
package optimistic

import (
	"context"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of an optimistic message.
type Status string

const (
	// StatusPending: user message sent, awaiting backend echo.
	StatusPending Status = "pending"
	// StatusProcessing: assistant message placeholder, awaiting content.
	StatusProcessing Status = "processing"
	// StatusConfirmed: matched against a backend message.
	StatusConfirmed Status = "confirmed"
	// StatusFailed: no confirmation within the timeout window.
	StatusFailed Status = "failed"
	// StatusRetrying: a retry callback is in flight.
	StatusRetrying Status = "retrying"
)

// RetryFunc is a caller-supplied callback invoked when a failed message is
// retried, typically re-sending it over the session.
type RetryFunc func(ctx context.Context) error

// Message is one optimistic chat entry. Consumers always receive copies;
// the manager exclusively owns the stored entries.
type Message struct {
	// ID is a locally generated placeholder until the backend confirms,
	// at which point the backend id is adopted.
	ID string
	// LocalID is the stable local-only key, namespaced by role
	// ("opt-user-*", "opt-ai-*"). Never reused.
	LocalID string
	Content string
	Role    Role
	// Timestamp is the creation time in epoch milliseconds. Immutable.
	Timestamp int64
	Status    Status
	ThreadID  string
	// Retry is attached by the caller when marking the message failed.
	Retry RetryFunc
}

// entry is the stored form of a message plus manager-internal bookkeeping.
type entry struct {
	msg      Message
	attempts int
}

// Patch is a partial update applied to an existing message. Nil fields are
// left unchanged. Timestamp is immutable and has no patch field.
type Patch struct {
	ID       *string
	Content  *string
	Status   *Status
	ThreadID *string
	Retry    RetryFunc
}

// Result is returned by one Reconcile call and never retained.
type Result struct {
	Confirmed []Message
	Failed    []Message
}

// Snapshot is the consistent post-mutation view delivered to subscribers.
type Snapshot struct {
	// Messages in creation order.
	Messages         []Message
	PendingUser      *Message
	PendingAssistant *Message
	// RetryQueue holds local ids of failed messages awaiting retry.
	RetryQueue []string
}

// Config holds the tunable reconciliation windows.
type Config struct {
	// MatchTolerance is the maximum timestamp distance between an
	// optimistic entry and a backend candidate for them to match.
	MatchTolerance time.Duration
	// ConfirmTimeout is how long an unmatched entry may stay pending
	// before it is failed.
	ConfirmTimeout time.Duration
	// MaxRetries caps retry attempts per entry.
	MaxRetries int
}

// DefaultConfig returns the production service contract defaults.
func DefaultConfig() Config {
	return Config{
		MatchTolerance: 5 * time.Second,
		ConfirmTimeout: 30 * time.Second,
		MaxRetries:     3,
	}
}
