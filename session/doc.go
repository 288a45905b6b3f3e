// Package session holds the client's authoritative view of the server:
// connection status, the room tree, the user list, and per-user talking
// and mute state.
//
// The Manager is the single serialization point required by the
// concurrency model: the network receive path applies remote-originated
// changes and the coordinator applies local intents, both through Manager
// methods guarded by one mutex, so UI-facing reads always observe a
// consistent snapshot. Rooms and users live in arena maps keyed by id with
// cross-references expressed as ids, never as pointers.
//
// Status transitions are driven only by transport events and local
// intents:
//
//	Disconnected → Connecting → Authenticating → Syncing → Active → Disconnecting
//
// with Reconnecting reachable from Active on transport failure. A failed
// authentication is terminal; reconnection preserves the session token and
// falls back to a full room snapshot when delta replay cannot bridge the
// gap.
package session
