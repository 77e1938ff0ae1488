// Package protocol defines the JSON envelope exchanged with the chat
// gateway and the payload shapes the engine consumes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope type values.
const (
	TypeUserMessage    = "user_message"
	TypeStartAgent     = "start_agent"
	TypeAgentResponse  = "agent_response"
	TypeAgentCompleted = "agent_completed"
	TypeStreamChunk    = "stream_chunk"
	TypeError          = "error"
	TypeThreadCreated  = "thread_created"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Envelope is a raw gateway frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UserMessagePayload is sent when the user submits a message.
type UserMessagePayload struct {
	Content    string   `json:"content"`
	ThreadID   string   `json:"thread_id,omitempty"`
	References []string `json:"references,omitempty"`
}

// StartAgentPayload kicks off an agent run for a user request.
type StartAgentPayload struct {
	UserRequest string            `json:"user_request"`
	ThreadID    string            `json:"thread_id"`
	Context     map[string]any    `json:"context,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

// AgentResponsePayload carries a confirmed agent (or echoed user) message.
// Used for both "agent_response" and "agent_completed".
type AgentResponsePayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	ThreadID  string `json:"thread_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StreamChunkPayload is one incremental slice of a streaming response.
type StreamChunkPayload struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	IsComplete bool   `json:"is_complete"`
}

// ErrorPayload is a gateway-reported error.
type ErrorPayload struct {
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
	Severity    string `json:"severity"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

// ThreadCreatedPayload confirms server-side thread creation.
type ThreadCreatedPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
}

// ChatMessage is a backend-confirmed message as consumed by reconciliation.
// Timestamp is epoch milliseconds.
type ChatMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Decode parses a raw frame into an Envelope. Unknown types are not an
// error; callers switch on Type and ignore what they do not handle.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Encode marshals a typed payload into an Envelope frame.
func Encode(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", typ, err)
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", typ, err)
	}
	return b, nil
}

// MessageID extracts payload.message_id from an envelope, if present.
// Returns "" when the payload has no id; such envelopes are never
// deduplicated.
func (e *Envelope) MessageID() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var probe struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return ""
	}
	return probe.MessageID
}

// DecodePayload unmarshals the payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("parsing %s payload: %w", e.Type, err)
	}
	return nil
}
