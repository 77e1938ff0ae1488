package optimistic

import (
	"time"

	"github.com/p-blackswan/chat-engine/internal/protocol"
)

// validBackendMessage reports whether a backend message carries the fields
// reconciliation needs. Malformed messages are skipped, never an error.
// Content may legitimately be empty (assistant placeholders).
func validBackendMessage(m protocol.ChatMessage) bool {
	return m.Role != "" && m.Timestamp != 0
}

// matchBackend finds the first unused backend message matching the entry:
// equal role, exact content, and a timestamp within tolerance. Candidates
// outside the window never match even on identical content, which avoids
// false merges across repeated identical messages.
func matchBackend(msg Message, backend []protocol.ChatMessage, used []bool, tolerance time.Duration) (int, bool) {
	tolMs := tolerance.Milliseconds()
	for i, b := range backend {
		if used[i] || !validBackendMessage(b) {
			continue
		}
		if string(msg.Role) != b.Role || msg.Content != b.Content {
			continue
		}
		diff := msg.Timestamp - b.Timestamp
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolMs {
			return i, true
		}
	}
	return 0, false
}
