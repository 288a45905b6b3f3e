package session

import "errors"

// Sentinel errors for session state management. These enable reliable
// error classification with errors.Is across the client core.
var (
	// ErrAuthRejected is terminal: the server refused the credentials,
	// protocol version, or display name. A fresh user-initiated connect
	// with corrected inputs is required.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrConnectionLost is reported exactly once when reconnection
	// attempts are exhausted after a transport failure.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProtocolViolation indicates a control message the client cannot
	// reconcile even through a snapshot resync. Treated as a lost
	// connection: the transport is torn down and reconnected fresh.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvalidTransition indicates a status change that the state
	// machine does not permit from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownRoom indicates a room id absent from the replicated tree.
	ErrUnknownRoom = errors.New("unknown room")

	// ErrUnknownUser indicates a user id absent from the replicated list.
	ErrUnknownUser = errors.New("unknown user")
)
