package session

import "github.com/p-blackswan/chat-engine/internal/state"

// TransportStatus is the raw transport status. Closed enum; every switch
// over it must be exhaustive.
type TransportStatus int

const (
	StatusConnecting TransportStatus = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s TransportStatus) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusOpen:
		return "OPEN"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// DeriveConnectionState maps the raw status onto the externally-visible
// connection state. CLOSING and CLOSED are both the single failed state.
func DeriveConnectionState(s TransportStatus) state.ConnectionState {
	cs := state.ConnectionState{Status: s.String()}
	switch s {
	case StatusOpen:
		cs.IsConnected = true
	case StatusConnecting:
		cs.IsConnecting = true
	case StatusClosing, StatusClosed:
		cs.IsFailed = true
	}
	return cs
}
