// Package state derives the single UI-facing loading state of the chat
// client from independent connection, thread and processing signals.
package state

import "fmt"

// LoadingState is the discrete UI-facing state.
type LoadingState string

const (
	Initializing     LoadingState = "INITIALIZING"
	Connecting       LoadingState = "CONNECTING"
	ConnectionFailed LoadingState = "CONNECTION_FAILED"
	Ready            LoadingState = "READY"
	LoadingThread    LoadingState = "LOADING_THREAD"
	ThreadReady      LoadingState = "THREAD_READY"
	Processing       LoadingState = "PROCESSING"
	ErrorState       LoadingState = "ERROR"
)

// ConnectionState is the derived view of the transport status.
type ConnectionState struct {
	IsConnected  bool
	IsConnecting bool
	IsFailed     bool
	Status       string
}

// ThreadState describes the active thread, if any.
type ThreadState struct {
	IsLoading       bool
	HasActiveThread bool
	HasMessages     bool
	ThreadID        string
}

// ProcessingState describes an in-flight agent run.
type ProcessingState struct {
	IsProcessing bool
	CurrentRunID string
	AgentName    string
}

// Context is the immutable composite fed into Determine. It is constructed
// fresh per derivation; no identity is retained between calls.
type Context struct {
	IsInitialized bool
	Websocket     ConnectionState
	Thread        ThreadState
	Processing    ProcessingState
}

// Determine resolves the loading state from the context.
//
// The rules form a priority table, not a flat condition set: the first
// matching rule wins, because lower-priority signals are meaningless until
// higher-priority ones resolve. An uninitialized app with a connecting
// socket, a loading thread and active processing is still INITIALIZING.
func Determine(ctx Context) LoadingState {
	switch {
	case !ctx.IsInitialized:
		return Initializing
	case ctx.Websocket.IsConnecting:
		return Connecting
	case ctx.Websocket.IsFailed:
		return ConnectionFailed
	case ctx.Thread.IsLoading:
		return LoadingThread
	case ctx.Processing.IsProcessing:
		return Processing
	case !ctx.Thread.HasActiveThread:
		return Ready
	default:
		return ThreadReady
	}
}

// legalTransitions is the directed edge table of the normal forward flow
// plus explicit error-recovery edges.
var legalTransitions = map[LoadingState][]LoadingState{
	Initializing:     {Connecting, Ready, ThreadReady},
	Connecting:       {Ready, ConnectionFailed},
	ConnectionFailed: {Connecting},
	Ready:            {LoadingThread},
	LoadingThread:    {ThreadReady},
	ThreadReady:      {Processing},
	Processing:       {ThreadReady},
	ErrorState:       {Initializing, Connecting},
}

// TransitionResult reports whether an edge is legal.
type TransitionResult struct {
	IsValid  bool
	NewState LoadingState
	Reason   string
}

// ValidateTransition checks an edge against the table. Validation is
// advisory: callers may still apply an invalid transition, but should log
// it. A self-transition is always valid.
func ValidateTransition(from, to LoadingState) TransitionResult {
	if from == to {
		return TransitionResult{IsValid: true, NewState: to}
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return TransitionResult{IsValid: true, NewState: to}
		}
	}
	return TransitionResult{
		IsValid:  false,
		NewState: to,
		Reason:   fmt.Sprintf("Invalid transition from %s to %s", from, to),
	}
}

// UIFlags is the per-state render guidance.
type UIFlags struct {
	ShouldShowLoading        bool
	ShouldShowEmptyState     bool
	ShouldShowExamplePrompts bool
	LoadingMessage           string
}

// Flags generates UI flags for a state. The context supplies the
// per-thread and per-run details some states depend on.
func Flags(s LoadingState, ctx Context) UIFlags {
	switch s {
	case Initializing:
		return UIFlags{ShouldShowLoading: true, LoadingMessage: "Loading chat..."}
	case Connecting:
		return UIFlags{ShouldShowLoading: true, LoadingMessage: "Connecting to chat service..."}
	case ConnectionFailed:
		return UIFlags{LoadingMessage: "Connection failed. Retrying..."}
	case Ready:
		return UIFlags{ShouldShowEmptyState: true, LoadingMessage: "Ready"}
	case LoadingThread:
		return UIFlags{ShouldShowLoading: true, LoadingMessage: "Loading thread messages..."}
	case ThreadReady:
		// Example prompts only make sense for a thread with no messages.
		return UIFlags{ShouldShowExamplePrompts: !ctx.Thread.HasMessages}
	case Processing:
		// Processing renders its own indicator, not the generic loader.
		name := ctx.Processing.AgentName
		if name == "" {
			name = "agent"
		}
		return UIFlags{LoadingMessage: fmt.Sprintf("Processing with %s...", name)}
	default:
		return UIFlags{}
	}
}
