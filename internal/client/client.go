// Package client is the engine façade: it turns user actions into
// optimistic entries, drives the session, and tracks the thread and
// processing signals the loading-state machine derives from.
package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-engine/internal/optimistic"
	"github.com/p-blackswan/chat-engine/internal/protocol"
	"github.com/p-blackswan/chat-engine/internal/session"
	"github.com/p-blackswan/chat-engine/internal/state"
	"github.com/p-blackswan/chat-engine/internal/threads"
)

// Client wires the optimistic manager, session and thread store together.
type Client struct {
	manager *optimistic.Manager
	sess    *session.Session
	store   *threads.Store
	logger  zerolog.Logger

	mu            sync.Mutex
	initialized   bool
	threadID      string
	threadLoading bool
	hasMessages   bool
	processing    state.ProcessingState
}

// New creates a Client. The caller wires the returned client's
// HandleEnvelope into the session's OnMessage hook.
func New(manager *optimistic.Manager, sess *session.Session, store *threads.Store, logger zerolog.Logger) *Client {
	c := &Client{
		manager: manager,
		sess:    sess,
		store:   store,
		logger:  logger.With().Str("component", "client").Logger(),
	}

	// Persist confirmed messages as they reconcile.
	manager.Subscribe(func(snap optimistic.Snapshot) {
		for _, m := range snap.Messages {
			if m.Status != optimistic.StatusConfirmed {
				continue
			}
			cm := protocol.ChatMessage{
				ID:        m.ID,
				Content:   m.Content,
				Role:      string(m.Role),
				Timestamp: m.Timestamp,
				ThreadID:  m.ThreadID,
			}
			if err := store.SaveMessage(context.Background(), cm); err != nil {
				c.logger.Warn().Err(err).Str("id", m.ID).Msg("failed to persist confirmed message")
			}
		}
		if len(snap.Messages) > 0 {
			c.mu.Lock()
			c.hasMessages = true
			c.mu.Unlock()
		}
	})

	return c
}

// MarkInitialized flips the one-way initialization flag.
func (c *Client) MarkInitialized() {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
}

// SendMessage creates the optimistic user/assistant pair, ensures a thread
// exists, and transmits the message plus the agent start. A thread-creation
// or transmit failure marks both optimistic entries failed with a retry
// callback attached; they are never silently dropped.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()

	userMsg := c.manager.AddUserMessage(content, threadID)
	aiMsg := c.manager.AddAssistantMessage(threadID)

	if threadID == "" {
		c.setThreadLoading(true)
		t, err := c.store.CreateThread(ctx, content)
		c.setThreadLoading(false)
		if err != nil {
			c.logger.Error().Err(err).Msg("thread creation failed")
			c.failPair(userMsg.LocalID, aiMsg.LocalID, c.resendFunc(content))
			return err
		}
		threadID = t.ID
		c.mu.Lock()
		c.threadID = threadID
		c.mu.Unlock()
		c.manager.Update(userMsg.LocalID, optimistic.Patch{ThreadID: &threadID})
		c.manager.Update(aiMsg.LocalID, optimistic.Patch{ThreadID: &threadID})
	}

	if err := c.sess.SendUserMessage(content, threadID, nil); err != nil {
		c.logger.Warn().Err(err).Msg("failed to transmit user message")
		c.failPair(userMsg.LocalID, aiMsg.LocalID, c.resendFunc(content))
		return err
	}

	if err := c.sess.StartAgent(content, threadID, nil, nil); err != nil {
		c.logger.Warn().Err(err).Msg("failed to start agent")
	} else {
		c.mu.Lock()
		c.processing = state.ProcessingState{IsProcessing: true}
		c.mu.Unlock()
	}

	return nil
}

// resendFunc builds the retry callback for a failed send.
func (c *Client) resendFunc(content string) optimistic.RetryFunc {
	return func(ctx context.Context) error {
		c.mu.Lock()
		threadID := c.threadID
		c.mu.Unlock()
		return c.sess.SendUserMessage(content, threadID, nil)
	}
}

func (c *Client) failPair(userID, aiID string, retry optimistic.RetryFunc) {
	failed := optimistic.StatusFailed
	c.manager.Update(userID, optimistic.Patch{Status: &failed, Retry: retry})
	c.manager.Update(aiID, optimistic.Patch{Status: &failed})
}

// SwitchThread loads an existing thread's messages and makes it active.
func (c *Client) SwitchThread(ctx context.Context, threadID string) error {
	c.setThreadLoading(true)
	defer c.setThreadLoading(false)

	msgs, err := c.store.ListMessages(ctx, threadID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.threadID = threadID
	c.hasMessages = len(msgs) > 0
	c.mu.Unlock()
	c.manager.Clear()
	return nil
}

func (c *Client) setThreadLoading(v bool) {
	c.mu.Lock()
	c.threadLoading = v
	c.mu.Unlock()
}

// HandleEnvelope tracks run lifecycle signals from inbound envelopes.
// Reconciliation itself is the session's job; this only maintains the
// processing and thread signals.
func (c *Client) HandleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentCompleted:
		c.mu.Lock()
		c.processing = state.ProcessingState{}
		c.mu.Unlock()

	case protocol.TypeAgentResponse:
		var p protocol.AgentResponsePayload
		if err := env.DecodePayload(&p); err == nil && p.ThreadID != "" {
			c.mu.Lock()
			if c.threadID == "" {
				c.threadID = p.ThreadID
			}
			c.mu.Unlock()
		}

	case protocol.TypeThreadCreated:
		var p protocol.ThreadCreatedPayload
		if err := env.DecodePayload(&p); err == nil {
			c.mu.Lock()
			c.threadID = p.ID
			c.mu.Unlock()
		}
	}
}

// SetProcessing overrides the processing signal, e.g. from a run tracker.
func (c *Client) SetProcessing(p state.ProcessingState) {
	c.mu.Lock()
	c.processing = p
	c.mu.Unlock()
}

// StateContext assembles the immutable composite the state machine
// consumes. Constructed fresh per call.
func (c *Client) StateContext() state.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return state.Context{
		IsInitialized: c.initialized,
		Websocket:     c.sess.Status(),
		Thread: state.ThreadState{
			IsLoading:       c.threadLoading,
			HasActiveThread: c.threadID != "",
			HasMessages:     c.hasMessages,
			ThreadID:        c.threadID,
		},
		Processing: c.processing,
	}
}

// LoadingState derives the current UI-facing state and flags.
func (c *Client) LoadingState() (state.LoadingState, state.UIFlags) {
	ctx := c.StateContext()
	st := state.Determine(ctx)
	return st, state.Flags(st, ctx)
}
