// Package session owns one logical WebSocket connection to the chat
// gateway: connect, token refresh, heartbeat, reconnect and inbound
// buffering with deduplication.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-engine/internal/auth"
	cerrors "github.com/p-blackswan/chat-engine/internal/errors"
	"github.com/p-blackswan/chat-engine/internal/history"
	"github.com/p-blackswan/chat-engine/internal/metrics"
	"github.com/p-blackswan/chat-engine/internal/optimistic"
	"github.com/p-blackswan/chat-engine/internal/protocol"
	"github.com/p-blackswan/chat-engine/internal/retry"
	"github.com/p-blackswan/chat-engine/internal/state"
)

// Config holds session configuration.
type Config struct {
	// URL is the gateway WebSocket URL, e.g. "ws://localhost:8080/ws/chat".
	URL string

	// HeartbeatInterval is the ping cadence on an open connection.
	HeartbeatInterval time.Duration

	// ReconnectInterval is the base delay between reconnect attempts;
	// MaxReconnectInterval caps the exponential backoff.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int

	// RateLimit bounds outbound messages per sliding window.
	RateLimitMessages int
	RateLimitWindow   time.Duration

	// HistoryLimit caps the retained inbound history (FIFO eviction).
	HistoryLimit int

	// SweepInterval drives periodic reconciliation so confirmation
	// timeouts are detected even on a silent connection.
	SweepInterval time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/ws/chat",
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		MaxReconnectAttempts: 5,
		RateLimitMessages:    60,
		RateLimitWindow:      60 * time.Second,
		HistoryLimit:         100,
		SweepInterval:        10 * time.Second,
	}
}

// Hooks are the caller-supplied lifecycle callbacks. All are optional.
// OnOpen and OnReconnect fire at most once per event.
type Hooks struct {
	OnOpen         func()
	OnReconnect    func()
	OnError        func(error)
	OnStatusChange func(state.ConnectionState)
	OnMessage      func(*protocol.Envelope)
}

// Session is a persistent WebSocket session with reconnect and auth
// lifecycle management.
type Session struct {
	cfg     Config
	tokens  *auth.TokenSource
	manager *optimistic.Manager
	metrics *metrics.Metrics // may be nil
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	status    TransportStatus
	hooks     Hooks
	everOpen  bool
	sendTimes []time.Time

	connected     atomic.Bool
	reconnecting  atomic.Bool
	closed        atomic.Bool
	stopCh        chan struct{}
	stopReconnect chan struct{}

	history *history.Log
}

// New creates a Session. manager drives reconciliation of inbound
// confirmations; metrics may be nil.
func New(cfg Config, tokens *auth.TokenSource, manager *optimistic.Manager, m *metrics.Metrics, hooks Hooks, logger zerolog.Logger) *Session {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 1 * time.Second
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.RateLimitMessages == 0 {
		cfg.RateLimitMessages = 60
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = 60 * time.Second
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	return &Session{
		cfg:           cfg,
		tokens:        tokens,
		manager:       manager,
		metrics:       m,
		hooks:         hooks,
		logger:        logger.With().Str("component", "session").Logger(),
		status:        StatusClosed,
		stopCh:        make(chan struct{}),
		stopReconnect: make(chan struct{}),
		history:       history.New(cfg.HistoryLimit),
	}
}

// Connect establishes the WebSocket connection. Connection is only
// attempted when a token is available; no token is a valid idle state and
// returns nil without dialing.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return cerrors.ErrSessionClosed
	}
	if s.connected.Load() {
		return nil
	}

	token := s.tokens.Token()
	if token == "" {
		s.logger.Debug().Msg("no auth token available, staying idle")
		return nil
	}

	s.setStatus(StatusConnecting)
	s.logger.Info().Str("url", s.cfg.URL).Msg("connecting to chat gateway")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		s.setStatus(StatusClosed)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := cerrors.NewAuthError("gateway rejected credentials", resp.StatusCode == http.StatusUnauthorized, err)
			s.reportError(authErr)
			return authErr
		}
		connErr := cerrors.NewConnectionError("ws dial failed", err)
		s.reportError(connErr)
		return connErr
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.connected.Store(true)
	s.setStatus(StatusOpen)

	go s.readLoop(conn)
	go s.heartbeatLoop(conn)

	s.fireOpen()
	s.logger.Info().Msg("connected to chat gateway")
	return nil
}

// Run connects and keeps the session alive until the context is cancelled,
// running the reconciliation sweep ticker alongside.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Close()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			// Empty batch: only the timeout-based failure path runs.
			s.manager.Reconcile(nil)
		}
	}
}

// UpdateToken applies a new externally-owned token. A failure to apply it
// to the live transport is logged as token_sync_failed and never surfaced
// as a connection error.
func (s *Session) UpdateToken(ctx context.Context, token string) error {
	if s.closed.Load() {
		return cerrors.ErrSessionClosed
	}
	s.tokens.Set(token)

	s.mu.Lock()
	conn := s.conn
	live := s.connected.Load()
	s.mu.Unlock()

	if !live || conn == nil {
		return nil
	}

	frame, err := protocol.Encode("token_update", map[string]string{"token": token})
	if err == nil {
		s.mu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, frame)
		s.mu.Unlock()
	}
	if err != nil {
		syncErr := cerrors.NewTokenSyncError(err)
		s.logger.Warn().Err(syncErr).Msg("token sync failed, session continues with stale token")
	}
	return nil
}

// RefreshToken drives the refresh collaborator and applies the result.
// A nil result or rejected refresh downgrades to a logged warning.
func (s *Session) RefreshToken(ctx context.Context) error {
	tok, err := s.tokens.Refresh(ctx)
	if err != nil || tok == "" {
		syncErr := cerrors.NewTokenSyncError(err)
		s.logger.Warn().Err(syncErr).Msg("could not refresh token")
		return nil
	}
	return s.UpdateToken(ctx, tok)
}

// SendUserMessage transmits a user message envelope.
func (s *Session) SendUserMessage(content, threadID string, references []string) error {
	return s.send(protocol.TypeUserMessage, protocol.UserMessagePayload{
		Content:    content,
		ThreadID:   threadID,
		References: references,
	})
}

// StartAgent transmits a start_agent envelope.
func (s *Session) StartAgent(userRequest, threadID string, agentContext map[string]any, settings map[string]string) error {
	return s.send(protocol.TypeStartAgent, protocol.StartAgentPayload{
		UserRequest: userRequest,
		ThreadID:    threadID,
		Context:     agentContext,
		Settings:    settings,
	})
}

func (s *Session) send(typ string, payload any) error {
	if s.closed.Load() {
		return cerrors.ErrSessionClosed
	}

	s.mu.Lock()
	conn := s.conn
	live := s.connected.Load()
	if !live || conn == nil {
		s.mu.Unlock()
		return cerrors.ErrNotConnected
	}
	if !s.allowSendLocked(time.Now()) {
		s.mu.Unlock()
		return cerrors.ErrRateLimited
	}
	s.mu.Unlock()

	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	s.mu.Unlock()
	if err != nil {
		return cerrors.NewConnectionError(fmt.Sprintf("sending %s", typ), err)
	}
	return nil
}

// allowSendLocked enforces the sliding-window outbound rate limit.
func (s *Session) allowSendLocked(now time.Time) bool {
	cutoff := now.Add(-s.cfg.RateLimitWindow)
	kept := s.sendTimes[:0]
	for _, t := range s.sendTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.sendTimes = kept
	if len(s.sendTimes) >= s.cfg.RateLimitMessages {
		return false
	}
	s.sendTimes = append(s.sendTimes, now)
	return true
}

// readLoop reads envelopes until the connection drops.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping unparseable envelope")
			continue
		}
		s.handleEnvelope(env)
	}
}

// handleEnvelope deduplicates, retains and dispatches one inbound envelope.
func (s *Session) handleEnvelope(env *protocol.Envelope) {
	if s.metrics != nil {
		s.metrics.InboundTotal.WithLabelValues(env.Type).Inc()
	}

	if !s.history.Append(env, time.Now()) {
		if s.metrics != nil {
			s.metrics.DedupDrops.Inc()
		}
		s.logger.Debug().Str("message_id", env.MessageID()).Msg("duplicate envelope dropped")
		return
	}

	switch env.Type {
	case protocol.TypeAgentResponse, protocol.TypeAgentCompleted:
		var p protocol.AgentResponsePayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn().Err(err).Msg("malformed confirmation payload")
			break
		}
		ts := p.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		s.manager.Reconcile([]protocol.ChatMessage{{
			ID:        p.MessageID,
			Content:   p.Content,
			Role:      p.Role,
			Timestamp: ts,
			ThreadID:  p.ThreadID,
		}})

	case protocol.TypeStreamChunk:
		var p protocol.StreamChunkPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn().Err(err).Msg("malformed stream chunk")
			break
		}
		if pending := s.manager.State().PendingAssistant; pending != nil {
			s.manager.AppendContent(pending.LocalID, p.Content)
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn().Err(err).Msg("malformed error payload")
			break
		}
		s.handleGatewayError(p)
	}

	s.mu.Lock()
	onMessage := s.hooks.OnMessage
	s.mu.Unlock()
	if onMessage != nil {
		onMessage(env)
	}
}

// handleGatewayError classifies a gateway-reported error. Transport errors
// never directly fail pending messages; that is the timeout path's job.
func (s *Session) handleGatewayError(p protocol.ErrorPayload) {
	if p.ErrorType == "auth" {
		recoverable := p.Recoverable != nil && *p.Recoverable
		err := cerrors.NewAuthError(p.Message, recoverable, nil)
		if recoverable {
			s.logger.Warn().Str("severity", p.Severity).Msg("auth error: token may be expired or invalid")
		} else {
			s.logger.Error().Str("severity", p.Severity).Str("message", p.Message).Msg("auth error")
		}
		s.reportError(err)
		return
	}

	err := cerrors.NewConnectionError(p.Message, nil)
	s.logger.Error().Str("type", p.ErrorType).Str("severity", p.Severity).Str("message", p.Message).Msg("gateway error")
	s.reportError(err)
}

func (s *Session) reportError(err error) {
	s.mu.Lock()
	onError := s.hooks.OnError
	s.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// heartbeatLoop pings the gateway on the configured cadence.
func (s *Session) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.connected.Load() {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

// handleDisconnect marks the session failed and kicks off the reconnect
// loop unless the session was closed deliberately.
func (s *Session) handleDisconnect(cause error) {
	s.connected.Store(false)
	if s.closed.Load() {
		return
	}

	s.setStatus(StatusClosed)
	s.logger.Warn().Err(cause).Msg("connection lost")
	s.reportError(cerrors.NewConnectionError("connection lost", cause))

	go s.reconnectLoop()
}

// reconnectLoop re-dials with exponential backoff. CAS-guarded so only one
// loop runs at a time.
func (s *Session) reconnectLoop() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopReconnect:
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := retry.Config{
		MaxAttempts: s.cfg.MaxReconnectAttempts,
		BaseDelay:   s.cfg.ReconnectInterval,
		MaxDelay:    s.cfg.MaxReconnectInterval,
		Jitter:      true,
		OnRetry: func(attempt int, err error) {
			if s.metrics != nil {
				s.metrics.ReconnectsTotal.Inc()
			}
			s.logger.Info().Int("attempt", attempt).Err(err).Msg("reconnecting")
		},
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		if s.closed.Load() {
			return nil
		}
		if err := s.Connect(ctx); err != nil {
			return err
		}
		if !s.connected.Load() {
			// No token yet; nothing to retry against.
			return nil
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("reconnect attempts exhausted")
		return
	}
	if s.connected.Load() {
		s.fireReconnect()
	}
}

// fireOpen invokes OnOpen at most once, on the first established
// connection. Later re-establishments are reconnect events.
func (s *Session) fireOpen() {
	s.mu.Lock()
	if s.everOpen {
		s.mu.Unlock()
		return
	}
	s.everOpen = true
	onOpen := s.hooks.OnOpen
	s.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
}

// fireReconnect invokes OnReconnect once per successful re-establishment.
func (s *Session) fireReconnect() {
	s.mu.Lock()
	onReconnect := s.hooks.OnReconnect
	s.mu.Unlock()
	if onReconnect != nil {
		onReconnect()
	}
}

func (s *Session) setStatus(st TransportStatus) {
	s.mu.Lock()
	s.status = st
	onStatus := s.hooks.OnStatusChange
	s.mu.Unlock()
	if onStatus != nil {
		onStatus(DeriveConnectionState(st))
	}
}

// Status returns the derived connection state.
func (s *Session) Status() state.ConnectionState {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	return DeriveConnectionState(st)
}

// IsConnected reports whether the session currently has an open transport.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// History exposes the retained inbound history.
func (s *Session) History() *history.Log {
	return s.history
}

// Close tears the session down. Handlers are cleared before the transport
// disconnect completes so no late callback fires after disposal begins.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopReconnect)
	close(s.stopCh)

	s.mu.Lock()
	s.hooks.OnStatusChange = nil
	s.hooks.OnMessage = nil
	s.hooks.OnOpen = nil
	s.hooks.OnReconnect = nil
	s.hooks.OnError = nil
	s.status = StatusClosing
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.connected.Store(false)

	var err error
	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		err = conn.Close()
	}

	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()

	s.logger.Info().Msg("session closed")
	return err
}
