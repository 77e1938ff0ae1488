package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cerrors "github.com/p-blackswan/chat-engine/internal/errors"
	"github.com/p-blackswan/chat-engine/internal/metrics"
	"github.com/p-blackswan/chat-engine/internal/protocol"
)

// Manager orchestrates the optimistic message store, reconciliation and
// retry bookkeeping, and notifies subscribers after every mutation.
//
// All methods are safe for concurrent use. The backing entry map is
// exclusively owned by the manager; callers only ever receive copies.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics // may be nil

	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*entry
	order   []string // local ids in creation order
	// pendingUser / pendingAssistant index the most recent unconfirmed
	// entry of each role. Keys into entries, not copies.
	pendingUser      string
	pendingAssistant string
	retryQueue       []string

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// New creates a Manager. metrics may be nil.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.MatchTolerance <= 0 {
		cfg.MatchTolerance = 5 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "optimistic").Logger(),
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns a process-wide convenience instance. Application code
// should prefer an explicitly constructed Manager injected at the
// composition root; this exists for callers without one.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultMgr = New(DefaultConfig(), nil, zerolog.Nop())
	})
	return defaultMgr
}

// AddUserMessage creates a pending user entry and makes it the pending-user
// pointer. Content is not validated; empty content is allowed.
func (m *Manager) AddUserMessage(content, threadID string) Message {
	m.mu.Lock()
	msg := Message{
		ID:        uuid.New().String(),
		LocalID:   "opt-user-" + uuid.New().String(),
		Content:   content,
		Role:      RoleUser,
		Timestamp: m.now().UnixMilli(),
		Status:    StatusPending,
		ThreadID:  threadID,
	}
	m.insertLocked(msg)
	m.pendingUser = msg.LocalID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	return msg
}

// AddAssistantMessage creates a processing assistant placeholder and makes
// it the pending-assistant pointer.
func (m *Manager) AddAssistantMessage(threadID string) Message {
	m.mu.Lock()
	msg := Message{
		ID:        uuid.New().String(),
		LocalID:   "opt-ai-" + uuid.New().String(),
		Content:   "",
		Role:      RoleAssistant,
		Timestamp: m.now().UnixMilli(),
		Status:    StatusProcessing,
		ThreadID:  threadID,
	}
	m.insertLocked(msg)
	m.pendingAssistant = msg.LocalID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	return msg
}

func (m *Manager) insertLocked(msg Message) {
	m.entries[msg.LocalID] = &entry{msg: msg}
	m.order = append(m.order, msg.LocalID)
	m.updatePendingGaugeLocked()
}

// Update merges a partial patch into an existing entry. An unknown local id
// is a no-op, not an error. The pending pointers are key-based, so a
// patched entry is reflected in the next snapshot automatically.
func (m *Manager) Update(localID string, patch Patch) {
	m.mu.Lock()
	e, ok := m.entries[localID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if patch.ID != nil {
		e.msg.ID = *patch.ID
	}
	if patch.Content != nil {
		e.msg.Content = *patch.Content
	}
	if patch.Status != nil {
		e.msg.Status = *patch.Status
		if *patch.Status == StatusFailed {
			m.enqueueRetryLocked(localID)
		}
	}
	if patch.ThreadID != nil {
		e.msg.ThreadID = *patch.ThreadID
	}
	if patch.Retry != nil {
		e.msg.Retry = patch.Retry
	}
	m.updatePendingGaugeLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

// AppendContent appends a streaming chunk to an entry's content.
func (m *Manager) AppendContent(localID, chunk string) {
	m.mu.Lock()
	e, ok := m.entries[localID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.msg.Content += chunk
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

// Reconcile matches pending and processing entries against a batch of
// backend-confirmed messages.
//
// A match requires equal role, exact content and a timestamp within the
// configured tolerance. Matched entries adopt the backend identity and
// become confirmed. Unmatched entries older than the confirmation timeout
// become failed and join the retry queue; younger unmatched entries are
// left untouched, because absence of a backend echo is not proof of
// failure until the timeout elapses. An empty batch only drives the
// timeout path. Malformed backend messages are skipped.
func (m *Manager) Reconcile(backend []protocol.ChatMessage) Result {
	start := time.Now()

	m.mu.Lock()
	nowMs := m.now().UnixMilli()
	timeoutMs := m.cfg.ConfirmTimeout.Milliseconds()
	used := make([]bool, len(backend))

	var res Result
	for _, localID := range m.order {
		e := m.entries[localID]
		if e.msg.Status != StatusPending && e.msg.Status != StatusProcessing {
			continue
		}

		if i, ok := matchBackend(e.msg, backend, used, m.cfg.MatchTolerance); ok {
			used[i] = true
			b := backend[i]
			if b.ID != "" {
				e.msg.ID = b.ID
			}
			if b.ThreadID != "" {
				e.msg.ThreadID = b.ThreadID
			}
			e.msg.Status = StatusConfirmed
			if m.pendingUser == localID {
				m.pendingUser = ""
			}
			if m.pendingAssistant == localID {
				m.pendingAssistant = ""
			}
			res.Confirmed = append(res.Confirmed, e.msg)
			if m.metrics != nil {
				m.metrics.MessagesConfirmed.WithLabelValues(string(e.msg.Role)).Inc()
			}
			continue
		}

		if nowMs-e.msg.Timestamp > timeoutMs {
			e.msg.Status = StatusFailed
			m.enqueueRetryLocked(localID)
			res.Failed = append(res.Failed, e.msg)
			if m.metrics != nil {
				m.metrics.MessagesFailed.WithLabelValues(string(e.msg.Role)).Inc()
			}
		}
	}

	changed := len(res.Confirmed) > 0 || len(res.Failed) > 0
	m.updatePendingGaugeLocked()
	var snap Snapshot
	if changed {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}
	if changed {
		m.notify(snap)
	}
	if len(res.Failed) > 0 {
		m.logger.Warn().Int("count", len(res.Failed)).Msg("messages failed confirmation timeout")
	}
	return res
}

// enqueueRetryLocked adds a local id to the retry queue once.
func (m *Manager) enqueueRetryLocked(localID string) {
	for _, id := range m.retryQueue {
		if id == localID {
			return
		}
	}
	m.retryQueue = append(m.retryQueue, localID)
}

// Retry re-drives a failed message. A message that is not currently failed
// is a no-op. Each entry gets at most MaxRetries attempts; exceeding the
// budget returns ErrMaxRetries and leaves the entry failed. The entry's
// retry callback, if present, is invoked and awaited before the status
// resets to pending (user) or processing (assistant).
func (m *Manager) Retry(ctx context.Context, localID string) error {
	m.mu.Lock()
	e, ok := m.entries[localID]
	if !ok || e.msg.Status != StatusFailed {
		m.mu.Unlock()
		return nil
	}
	if e.attempts >= m.cfg.MaxRetries {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RetriesTotal.WithLabelValues("exhausted").Inc()
		}
		return cerrors.ErrMaxRetries
	}
	e.attempts++
	e.msg.Status = StatusRetrying
	cb := e.msg.Retry
	role := e.msg.Role
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	if cb != nil {
		if err := cb(ctx); err != nil {
			m.mu.Lock()
			if e, ok := m.entries[localID]; ok {
				e.msg.Status = StatusFailed
			}
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.notify(snap)
			if m.metrics != nil {
				m.metrics.RetriesTotal.WithLabelValues("error").Inc()
			}
			return err
		}
	}

	m.mu.Lock()
	if e, ok := m.entries[localID]; ok {
		if role == RoleUser {
			e.msg.Status = StatusPending
		} else {
			e.msg.Status = StatusProcessing
		}
	}
	m.removeFromRetryQueueLocked(localID)
	m.updatePendingGaugeLocked()
	snap = m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	if m.metrics != nil {
		m.metrics.RetriesTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

func (m *Manager) removeFromRetryQueueLocked(localID string) {
	for i, id := range m.retryQueue {
		if id == localID {
			m.retryQueue = append(m.retryQueue[:i], m.retryQueue[i+1:]...)
			return
		}
	}
}

// Subscribe registers a synchronous observer. The callback receives a
// consistent post-mutation snapshot after every structural change, in
// registration order. A panicking callback is recovered and logged and
// does not block delivery to later subscribers. The returned unsubscribe
// function is idempotent.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					break
				}
			}
			m.subMu.Unlock()
		})
	}
}

// notify delivers a snapshot to all subscribers. The subscriber list is
// snapshotted first so a callback unsubscribing mid-notification cannot
// corrupt iteration.
func (m *Manager) notify(snap Snapshot) {
	m.subMu.Lock()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()

	for _, s := range subs {
		m.invoke(s, snap)
	}
}

func (m *Manager) invoke(s subscriber, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Int("subscriber", s.id).Msg("subscriber panicked")
		}
	}()
	s.fn(snap)
}

// State returns the current snapshot without mutating anything.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Messages returns all entries in creation order.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesLocked()
}

func (m *Manager) messagesLocked() []Message {
	out := make([]Message, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].msg)
	}
	return out
}

// Pending returns entries still awaiting confirmation (pending or
// processing).
func (m *Manager) Pending() []Message {
	return m.filter(func(msg Message) bool {
		return msg.Status == StatusPending || msg.Status == StatusProcessing
	})
}

// FailedMessages returns entries in the failed state.
func (m *Manager) FailedMessages() []Message {
	return m.filter(func(msg Message) bool { return msg.Status == StatusFailed })
}

func (m *Manager) filter(keep func(Message) bool) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, id := range m.order {
		if msg := m.entries[id].msg; keep(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// Get returns a copy of one entry by local id.
func (m *Manager) Get(localID string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[localID]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// Clear empties the store, both pending pointers and the retry queue.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.order = nil
	m.pendingUser = ""
	m.pendingAssistant = ""
	m.retryQueue = nil
	m.updatePendingGaugeLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Messages: m.messagesLocked()}
	if m.pendingUser != "" {
		msg := m.entries[m.pendingUser].msg
		snap.PendingUser = &msg
	}
	if m.pendingAssistant != "" {
		msg := m.entries[m.pendingAssistant].msg
		snap.PendingAssistant = &msg
	}
	if len(m.retryQueue) > 0 {
		snap.RetryQueue = append([]string(nil), m.retryQueue...)
	}
	return snap
}

func (m *Manager) updatePendingGaugeLocked() {
	if m.metrics == nil {
		return
	}
	n := 0
	for _, id := range m.order {
		s := m.entries[id].msg.Status
		if s == StatusPending || s == StatusProcessing {
			n++
		}
	}
	m.metrics.PendingMessages.Set(float64(n))
}
