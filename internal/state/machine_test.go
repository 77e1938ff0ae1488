package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// readyContext returns a context where every lower-priority signal says
// the client is fully up.
func readyContext() Context {
	return Context{
		IsInitialized: true,
		Websocket:     ConnectionState{IsConnected: true, Status: "OPEN"},
		Thread:        ThreadState{HasActiveThread: true, HasMessages: true, ThreadID: "t1"},
	}
}

func TestDetermine_PriorityTable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Context)
		want   LoadingState
	}{
		{"uninitialized wins over everything", func(c *Context) {
			c.IsInitialized = false
			c.Websocket.IsConnecting = true
			c.Thread.IsLoading = true
			c.Processing.IsProcessing = true
		}, Initializing},
		{"connecting", func(c *Context) {
			c.Websocket = ConnectionState{IsConnecting: true, Status: "CONNECTING"}
		}, Connecting},
		{"connecting wins over failed", func(c *Context) {
			c.Websocket = ConnectionState{IsConnecting: true, IsFailed: true}
		}, Connecting},
		{"connection failed", func(c *Context) {
			c.Websocket = ConnectionState{IsFailed: true, Status: "CLOSED"}
		}, ConnectionFailed},
		{"loading thread", func(c *Context) {
			c.Thread.IsLoading = true
		}, LoadingThread},
		{"loading thread wins over processing", func(c *Context) {
			c.Thread.IsLoading = true
			c.Processing.IsProcessing = true
		}, LoadingThread},
		{"processing", func(c *Context) {
			c.Processing.IsProcessing = true
		}, Processing},
		{"no active thread", func(c *Context) {
			c.Thread = ThreadState{}
		}, Ready},
		{"thread ready", func(c *Context) {}, ThreadReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := readyContext()
			tt.mutate(&ctx)
			assert.Equal(t, tt.want, Determine(ctx))
		})
	}
}

func TestValidateTransition_LegalEdges(t *testing.T) {
	legal := [][2]LoadingState{
		{Initializing, Connecting},
		{Initializing, Ready},
		{Initializing, ThreadReady},
		{Connecting, Ready},
		{Connecting, ConnectionFailed},
		{Ready, LoadingThread},
		{LoadingThread, ThreadReady},
		{ThreadReady, Processing},
		{Processing, ThreadReady},
		// error-recovery edges
		{ConnectionFailed, Connecting},
		{ErrorState, Initializing},
		{ErrorState, Connecting},
	}
	for _, edge := range legal {
		res := ValidateTransition(edge[0], edge[1])
		assert.True(t, res.IsValid, "%s -> %s should be legal", edge[0], edge[1])
		assert.Equal(t, edge[1], res.NewState)
	}
}

func TestValidateTransition_IllegalEdge(t *testing.T) {
	res := ValidateTransition(Ready, Processing)
	assert.False(t, res.IsValid)
	assert.Equal(t, Processing, res.NewState)
	assert.Contains(t, res.Reason, "Invalid transition")
}

func TestValidateTransition_SelfTransition(t *testing.T) {
	res := ValidateTransition(Ready, Ready)
	assert.True(t, res.IsValid)
}

func TestFlags_Loading(t *testing.T) {
	tests := []struct {
		state   LoadingState
		loading bool
		message string
	}{
		{Initializing, true, "Loading chat..."},
		{Connecting, true, "Connecting to chat service..."},
		{ConnectionFailed, false, "Connection failed. Retrying..."},
		{Ready, false, "Ready"},
		{LoadingThread, true, "Loading thread messages..."},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			f := Flags(tt.state, readyContext())
			assert.Equal(t, tt.loading, f.ShouldShowLoading)
			assert.Equal(t, tt.message, f.LoadingMessage)
		})
	}
}

func TestFlags_ReadyShowsEmptyState(t *testing.T) {
	f := Flags(Ready, readyContext())
	assert.True(t, f.ShouldShowEmptyState)
	assert.False(t, f.ShouldShowExamplePrompts)
}

func TestFlags_ConnectionFailedHidesEverything(t *testing.T) {
	f := Flags(ConnectionFailed, readyContext())
	assert.False(t, f.ShouldShowLoading)
	assert.False(t, f.ShouldShowEmptyState)
	assert.False(t, f.ShouldShowExamplePrompts)
}

func TestFlags_ExamplePrompts(t *testing.T) {
	ctx := readyContext()
	ctx.Thread.HasMessages = false
	assert.True(t, Flags(ThreadReady, ctx).ShouldShowExamplePrompts)

	ctx.Thread.HasMessages = true
	f := Flags(ThreadReady, ctx)
	assert.False(t, f.ShouldShowExamplePrompts)
	assert.False(t, f.ShouldShowLoading)
	assert.False(t, f.ShouldShowEmptyState)
}

func TestFlags_ProcessingAgentName(t *testing.T) {
	ctx := readyContext()
	ctx.Processing = ProcessingState{IsProcessing: true, AgentName: "navigator"}
	f := Flags(Processing, ctx)
	assert.False(t, f.ShouldShowLoading)
	assert.Equal(t, "Processing with navigator...", f.LoadingMessage)

	ctx.Processing.AgentName = ""
	assert.Equal(t, "Processing with agent...", Flags(Processing, ctx).LoadingMessage)
}
