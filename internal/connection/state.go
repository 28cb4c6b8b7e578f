package connection

import "time"

// Status is the lifecycle position of a Manager.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusFailed is terminal: reconnect attempts are exhausted.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is a read-only snapshot of a Manager's connection state.
type State struct {
	Status            Status    `json:"status"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastHeartbeatAt   time.Time `json:"lastHeartbeatAt,omitempty"`
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventStateChange is emitted on every status transition.
	EventStateChange EventKind = iota
	EventConnected
	// EventDisconnected carries the close code and reason of the transport.
	EventDisconnected
	EventError
	// EventAuthFailed is emitted instead of scheduling a reconnect when the
	// server rejects the credential.
	EventAuthFailed
	// EventReconnectDue tells the owner the backoff delay has elapsed and it
	// should call Reconnect.
	EventReconnectDue
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state_change"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventAuthFailed:
		return "auth_failed"
	case EventReconnectDue:
		return "reconnect_due"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind   EventKind
	State  State
	Code   int
	Reason string
	Err    error
}
