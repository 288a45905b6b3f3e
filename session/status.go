package session

// Status is the connection state of the client session.
type Status int

const (
	// StatusDisconnected is the rest state; entered initially, after a
	// clean disconnect, after a terminal auth failure, and after
	// reconnection gives up.
	StatusDisconnected Status = iota

	// StatusConnecting covers dialing and the transport handshake.
	StatusConnecting

	// StatusAuthenticating covers the credential exchange.
	StatusAuthenticating

	// StatusSyncing covers waiting for the initial room tree snapshot.
	StatusSyncing

	// StatusActive is the fully connected steady state.
	StatusActive

	// StatusReconnecting is entered from Active on transport failure
	// while backoff retries run.
	StatusReconnecting

	// StatusDisconnecting covers a user-initiated teardown.
	StatusDisconnecting
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusSyncing:
		return "syncing"
	case StatusActive:
		return "active"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// validTransitions is the status machine edge set. Transitions are driven
// exclusively by transport events and local intents.
var validTransitions = map[Status][]Status{
	StatusDisconnected:   {StatusConnecting},
	StatusConnecting:     {StatusAuthenticating, StatusDisconnecting, StatusDisconnected},
	StatusAuthenticating: {StatusSyncing, StatusDisconnecting, StatusDisconnected},
	StatusSyncing:        {StatusActive, StatusDisconnecting, StatusDisconnected},
	StatusActive:         {StatusReconnecting, StatusDisconnecting, StatusDisconnected},
	StatusReconnecting:   {StatusSyncing, StatusActive, StatusDisconnecting, StatusDisconnected},
	StatusDisconnecting:  {StatusDisconnected},
}

// canTransition reports whether the edge from → to exists.
func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
