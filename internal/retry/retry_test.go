package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cerrors "github.com/p-blackswan/chat-engine/internal/errors"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return cerrors.NewAuthError("revoked", false, nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls) // Should not retry
}

func TestDo_RetryableError_EventualSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: false}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return cerrors.ErrTimeout
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_RetryableError_AllFail(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return cerrors.NewConnectionError("dial failed", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(ctx, cfg, func(ctx context.Context) error {
		return cerrors.ErrTimeout
	})
	// First call happens, then the cancelled context stops the backoff.
	assert.Error(t, err)
}

func TestDo_GenericNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("generic error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryObserver(t *testing.T) {
	var attempts []int
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		OnRetry:     func(attempt int, err error) { attempts = append(attempts, attempt) },
	}
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		return cerrors.ErrTimeout
	})
	// Called before each backoff, not after the final attempt.
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, Backoff(cfg, 0))
	assert.Equal(t, 2*time.Second, Backoff(cfg, 1))
	assert.Equal(t, 3*time.Second, Backoff(cfg, 2))
	assert.Equal(t, 3*time.Second, Backoff(cfg, 10))
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		d := Backoff(cfg, 0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
