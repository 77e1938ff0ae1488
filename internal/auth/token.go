// Package auth holds the session's view of the externally-owned auth token.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// RefreshFunc is the token-refresh collaborator contract. An empty string
// or an error both mean "could not refresh"; neither crashes the session.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenSource caches the current token and drives refreshes. The token
// itself is acquired elsewhere; this only consumes the refresh contract.
type TokenSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time // zero when the token carries no expiry
	refresh   RefreshFunc
	logger    zerolog.Logger
}

// NewTokenSource creates a TokenSource. initial may be empty; refresh may
// be nil for static tokens.
func NewTokenSource(initial string, refresh RefreshFunc, logger zerolog.Logger) *TokenSource {
	ts := &TokenSource{
		refresh: refresh,
		logger:  logger.With().Str("component", "token_source").Logger(),
	}
	ts.Set(initial)
	return ts
}

// Token returns the current token. Empty means no token is available,
// which is a valid idle state.
func (ts *TokenSource) Token() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token
}

// Set replaces the cached token and re-derives its expiry.
func (ts *TokenSource) Set(token string) {
	ts.mu.Lock()
	ts.token = token
	ts.expiresAt = sniffExpiry(token)
	ts.mu.Unlock()
}

// ExpiringWithin reports whether the token expires inside the window.
// Tokens without a parseable expiry are treated as non-expiring.
func (ts *TokenSource) ExpiringWithin(window time.Duration) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token == "" || ts.expiresAt.IsZero() {
		return false
	}
	return time.Until(ts.expiresAt) < window
}

// Refresh invokes the refresh collaborator and caches the result. Returns
// the new token, or "" when refresh was not possible; the caller decides
// how loudly to log that.
func (ts *TokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.RLock()
	fn := ts.refresh
	ts.mu.RUnlock()

	if fn == nil {
		return "", nil
	}
	tok, err := fn(ctx)
	if err != nil {
		ts.logger.Warn().Err(err).Msg("token refresh failed")
		return "", err
	}
	if tok == "" {
		ts.logger.Warn().Msg("token refresh returned no token")
		return "", nil
	}
	ts.Set(tok)
	return tok, nil
}

// sniffExpiry extracts the exp claim when the token is a JWT. The
// signature is not verified here; this only schedules proactive refresh.
func sniffExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
