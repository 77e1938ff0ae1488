package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chat-engine/internal/auth"
	"github.com/p-blackswan/chat-engine/internal/optimistic"
	"github.com/p-blackswan/chat-engine/internal/protocol"
	"github.com/p-blackswan/chat-engine/internal/session"
	"github.com/p-blackswan/chat-engine/internal/state"
	"github.com/p-blackswan/chat-engine/internal/threads"
)

func newTestClient(t *testing.T) (*Client, *optimistic.Manager) {
	t.Helper()
	logger := zerolog.Nop()
	manager := optimistic.New(optimistic.DefaultConfig(), nil, logger)
	tokens := auth.NewTokenSource("", nil, logger)
	sess := session.New(session.DefaultConfig(), tokens, manager, nil, session.Hooks{}, logger)
	t.Cleanup(func() { sess.Close() })

	store, err := threads.New(filepath.Join(t.TempDir(), "client.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(manager, sess, store, logger), manager
}

// SendMessage without a live connection still creates the optimistic pair
// and a thread, then marks both entries failed with a retry callback
// attached; nothing is silently dropped.
func TestSendMessage_TransmitFailureMarksPairFailed(t *testing.T) {
	c, manager := newTestClient(t)
	c.MarkInitialized()

	err := c.SendMessage(context.Background(), "Hi")
	require.Error(t, err)

	msgs := manager.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, optimistic.RoleUser, msgs[0].Role)
	assert.Equal(t, optimistic.RoleAssistant, msgs[1].Role)
	for _, m := range msgs {
		assert.Equal(t, optimistic.StatusFailed, m.Status)
		assert.NotEmpty(t, m.ThreadID) // thread was created before the send failed
	}

	failed := manager.FailedMessages()
	require.Len(t, failed, 2)
	assert.NotNil(t, failed[0].Retry, "user message should carry a retry callback")
	assert.Len(t, manager.State().RetryQueue, 2)
}

func TestSendMessage_ReusesActiveThread(t *testing.T) {
	c, manager := newTestClient(t)
	c.mu.Lock()
	c.threadID = "existing-thread"
	c.mu.Unlock()

	_ = c.SendMessage(context.Background(), "again")

	for _, m := range manager.Messages() {
		assert.Equal(t, "existing-thread", m.ThreadID)
	}
}

func TestStateContext_Uninitialized(t *testing.T) {
	c, _ := newTestClient(t)

	st, flags := c.LoadingState()
	assert.Equal(t, state.Initializing, st)
	assert.True(t, flags.ShouldShowLoading)
	assert.Equal(t, "Loading chat...", flags.LoadingMessage)
}

func TestStateContext_InitializedNoConnection(t *testing.T) {
	c, _ := newTestClient(t)
	c.MarkInitialized()

	// A session that never connected reports a failed transport.
	st, _ := c.LoadingState()
	assert.Equal(t, state.ConnectionFailed, st)
}

func TestHandleEnvelope_ThreadCreated(t *testing.T) {
	c, _ := newTestClient(t)

	payload, _ := json.Marshal(protocol.ThreadCreatedPayload{ID: "t-9", Title: "hi"})
	c.HandleEnvelope(&protocol.Envelope{Type: protocol.TypeThreadCreated, Payload: payload})

	ctx := c.StateContext()
	assert.True(t, ctx.Thread.HasActiveThread)
	assert.Equal(t, "t-9", ctx.Thread.ThreadID)
}

func TestHandleEnvelope_AgentCompletedClearsProcessing(t *testing.T) {
	c, _ := newTestClient(t)
	c.SetProcessing(state.ProcessingState{IsProcessing: true, AgentName: "navigator"})
	require.True(t, c.StateContext().Processing.IsProcessing)

	c.HandleEnvelope(&protocol.Envelope{Type: protocol.TypeAgentCompleted})

	assert.False(t, c.StateContext().Processing.IsProcessing)
}

func TestHandleEnvelope_AgentResponseAdoptsThread(t *testing.T) {
	c, _ := newTestClient(t)

	payload, _ := json.Marshal(protocol.AgentResponsePayload{
		MessageID: "m1", Content: "x", Role: "assistant", ThreadID: "t-1",
	})
	c.HandleEnvelope(&protocol.Envelope{Type: protocol.TypeAgentResponse, Payload: payload})

	assert.Equal(t, "t-1", c.StateContext().Thread.ThreadID)
}

func TestSwitchThread(t *testing.T) {
	c, manager := newTestClient(t)
	manager.AddUserMessage("leftover", "")

	err := c.SwitchThread(context.Background(), "other-thread")
	require.NoError(t, err)

	assert.Empty(t, manager.Messages())
	ctx := c.StateContext()
	assert.Equal(t, "other-thread", ctx.Thread.ThreadID)
	assert.False(t, ctx.Thread.IsLoading)
	assert.False(t, ctx.Thread.HasMessages)
}

func TestConfirmedMessagesPersisted(t *testing.T) {
	logger := zerolog.Nop()
	manager := optimistic.New(optimistic.DefaultConfig(), nil, logger)
	tokens := auth.NewTokenSource("", nil, logger)
	sess := session.New(session.DefaultConfig(), tokens, manager, nil, session.Hooks{}, logger)
	defer sess.Close()

	store, err := threads.New(filepath.Join(t.TempDir(), "persist.db"), logger)
	require.NoError(t, err)
	defer store.Close()

	_ = New(manager, sess, store, logger)

	th, err := store.CreateThread(context.Background(), "Hello")
	require.NoError(t, err)

	msg := manager.AddUserMessage("Hello", th.ID)
	manager.Reconcile([]protocol.ChatMessage{{
		ID: "srv-1", Content: "Hello", Role: "user", Timestamp: msg.Timestamp, ThreadID: th.ID,
	}})

	persisted, err := store.ListMessages(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "srv-1", persisted[0].ID)
	assert.Equal(t, "Hello", persisted[0].Content)
}
