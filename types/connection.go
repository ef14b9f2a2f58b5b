package types

// ConnectionState is the lifecycle state of the live event connection.
// Errors are reported as ConnectionError events and never form a state of their own.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateDisconnected
	case StateConnected:
		// Connecting is reachable when the transport reconnects on its own.
		return next == StateDisconnected || next == StateConnecting
	default:
		return false
	}
}
