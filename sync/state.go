package sync

// ConnectionState represents where the feed connection is in its lifecycle.
// It is process-wide for the lifetime of an authenticated session and owned
// exclusively by the Controller.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateStale
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}
