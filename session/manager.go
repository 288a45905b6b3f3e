package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voxcore/protocol"
)

// Callbacks are the state-change notifications delivered to the UI-facing
// layer. Every field is optional. Callbacks are invoked outside the
// Manager lock, from whichever goroutine triggered the change; handlers
// that need serialization should hand off to their own queue.
type Callbacks struct {
	StatusChanged   func(Status)
	RoomTreeChanged func()
	UserJoined      func(User)
	UserLeft        func(User)
	UserMoved       func(userID, roomID uint32)
	UserTalking     func(userID uint32, talking bool)
	TextMessage     func(senderID, roomID uint32, text string)
	Error           func(error)
}

// Manager owns the session model and the status machine. It is the single
// serialization point for all model mutation: remote changes arrive from
// the network receive path, local intents from the coordinator, and both
// funnel through methods guarded by one mutex.
type Manager struct {
	mu    sync.RWMutex
	cb    Callbacks
	state *model

	status  Status
	localID uint32
	token   []byte

	lastSeq uint32
	seqSeen bool

	rtt          time.Duration
	lostReported bool
}

// NewManager creates a session manager in the Disconnected state.
func NewManager(cb Callbacks) *Manager {
	return &Manager{
		cb:    cb,
		state: newModel(),
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LocalUserID returns the server-assigned id of the local user, zero
// before authentication completes.
func (m *Manager) LocalUserID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localID
}

// SessionToken returns the token used to resume the session after a
// transport failure.
func (m *Manager) SessionToken() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.token...)
}

// LastAppliedSeq returns the newest control sequence the model reflects.
func (m *Manager) LastAppliedSeq() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// SetRTT records the keepalive round-trip estimate.
func (m *Manager) SetRTT(d time.Duration) {
	m.mu.Lock()
	m.rtt = d
	m.mu.Unlock()
}

// RTT returns the last keepalive round-trip estimate.
func (m *Manager) RTT() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rtt
}

// transition moves the status machine, returning ErrInvalidTransition for
// edges that do not exist. Caller must not hold the lock.
func (m *Manager) transition(to Status) error {
	m.mu.Lock()
	from := m.status
	if !canTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.status = to
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.transition",
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Session status changed")

	if m.cb.StatusChanged != nil {
		m.cb.StatusChanged(to)
	}
	return nil
}

// StartConnect begins a connection attempt.
func (m *Manager) StartConnect() error {
	m.mu.Lock()
	m.lostReported = false
	m.mu.Unlock()
	return m.transition(StatusConnecting)
}

// ConnEstablished records the transport coming up; authentication starts.
func (m *Manager) ConnEstablished() error {
	return m.transition(StatusAuthenticating)
}

// ConnectFailed abandons a connection attempt that died before
// authentication completed. No loss is reported; the caller surfaces the
// dial or handshake error directly.
func (m *Manager) ConnectFailed() error {
	return m.transition(StatusDisconnected)
}

// AuthSucceeded records the server accepting the credentials and moves to
// waiting for the room snapshot.
func (m *Manager) AuthSucceeded(localID uint32, token []byte) error {
	m.mu.Lock()
	m.localID = localID
	m.token = append([]byte(nil), token...)
	// Control sequence numbers are scoped to one authenticated session.
	m.seqSeen = false
	m.lastSeq = 0
	m.mu.Unlock()
	return m.transition(StatusSyncing)
}

// AuthFailed records a terminal authentication rejection and reports it.
func (m *Manager) AuthFailed(result protocol.AuthResult) error {
	if err := m.transition(StatusDisconnected); err != nil {
		return err
	}
	if m.cb.Error != nil {
		m.cb.Error(fmt.Errorf("%w: %s", ErrAuthRejected, result))
	}
	return nil
}

// BeginDisconnect starts a user-initiated teardown.
func (m *Manager) BeginDisconnect() error {
	return m.transition(StatusDisconnecting)
}

// FinishDisconnect completes a teardown and clears all session state.
func (m *Manager) FinishDisconnect() error {
	if err := m.transition(StatusDisconnected); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = newModel()
	m.localID = 0
	m.token = nil
	m.seqSeen = false
	m.lastSeq = 0
	m.mu.Unlock()
	return nil
}

// TransportLost reports a transport failure. From Active it moves to
// Reconnecting and returns true so the caller runs the backoff loop; from
// any other state it returns false and the caller tears down.
func (m *Manager) TransportLost() bool {
	m.mu.RLock()
	active := m.status == StatusActive
	m.mu.RUnlock()

	if !active {
		return false
	}
	if err := m.transition(StatusReconnecting); err != nil {
		return false
	}
	return true
}

// ReconnectResumed records a successful session resume with delta replay.
// A no-op when something else (a snapshot racing the resume, a retried
// attempt) already activated the session.
func (m *Manager) ReconnectResumed() error {
	m.mu.RLock()
	already := m.status == StatusActive
	m.mu.RUnlock()
	if already {
		return nil
	}
	return m.transition(StatusActive)
}

// ReconnectExhausted gives up on reconnection and reports ConnectionLost
// exactly once per loss episode.
func (m *Manager) ReconnectExhausted() error {
	if err := m.transition(StatusDisconnected); err != nil {
		return err
	}

	m.mu.Lock()
	report := !m.lostReported
	m.lostReported = true
	m.mu.Unlock()

	if report && m.cb.Error != nil {
		m.cb.Error(ErrConnectionLost)
	}
	return nil
}

// ObserveSeq registers a control message sequence number. fresh is false
// for duplicates, which must produce no observable state change; gap is
// true when at least one earlier message was missed, in which case the
// caller requests a full snapshot resync.
func (m *Manager) ObserveSeq(seq uint32) (fresh, gap bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seqSeen && int32(seq-m.lastSeq) <= 0 {
		return false, false
	}

	gap = m.seqSeen && seq != m.lastSeq+1
	m.lastSeq = seq
	m.seqSeen = true
	return true, gap
}

// ApplySnapshot replaces the entire room tree and user list. Local
// listener settings (mute, volume) survive for users that persist across
// the snapshot. From Syncing or Reconnecting the status advances to
// Active.
func (m *Manager) ApplySnapshot(snap *protocol.RoomSnapshot) error {
	m.mu.Lock()

	fresh := newModel()
	fresh.rootID = snap.RootID
	for _, info := range snap.Rooms {
		fresh.rooms[info.ID] = &Room{
			ID:       info.ID,
			ParentID: info.ParentID,
			Name:     info.Name,
		}
	}

	if err := validateTree(fresh, snap.RootID); err != nil {
		m.mu.Unlock()
		return err
	}

	for _, info := range snap.Users {
		if _, ok := fresh.rooms[info.RoomID]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: snapshot user %d in unknown room %d",
				ErrProtocolViolation, info.ID, info.RoomID)
		}
		user := &User{
			ID:         info.ID,
			Name:       info.Name,
			RoomID:     info.RoomID,
			PingMillis: info.PingMillis,
			Volume:     1.0,
		}
		if prev, ok := m.state.users[info.ID]; ok {
			user.Muted = prev.Muted
			user.Volume = prev.Volume
		}
		fresh.users[info.ID] = user
		fresh.addMember(info.RoomID, info.ID)
	}

	m.state = fresh
	needActivate := m.status == StatusSyncing || m.status == StatusReconnecting
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.ApplySnapshot",
		"rooms":    len(snap.Rooms),
		"users":    len(snap.Users),
	}).Info("Room tree snapshot applied")

	if needActivate {
		if err := m.transition(StatusActive); err != nil {
			return err
		}
	}
	if m.cb.RoomTreeChanged != nil {
		m.cb.RoomTreeChanged()
	}
	return nil
}

// validateTree checks that the snapshot forms a single tree rooted at
// rootID with no cycles. Caller holds the lock.
func validateTree(state *model, rootID uint32) error {
	root, ok := state.rooms[rootID]
	if !ok {
		return fmt.Errorf("%w: snapshot missing root room %d", ErrProtocolViolation, rootID)
	}
	if root.ParentID != 0 {
		return fmt.Errorf("%w: root room %d has a parent", ErrProtocolViolation, rootID)
	}

	for id, room := range state.rooms {
		if id == rootID {
			continue
		}
		// Walk to the root; a walk longer than the room count is a cycle.
		current := room
		for steps := 0; ; steps++ {
			if steps > len(state.rooms) {
				return fmt.Errorf("%w: room %d parent chain has a cycle", ErrProtocolViolation, id)
			}
			parent, ok := state.rooms[current.ParentID]
			if !ok {
				return fmt.Errorf("%w: room %d has unknown parent %d",
					ErrProtocolViolation, current.ID, current.ParentID)
			}
			if parent.ID == rootID {
				break
			}
			current = parent
		}
	}
	return nil
}

// ApplyUserJoined creates a user from a server delta.
func (m *Manager) ApplyUserJoined(info protocol.UserInfo) error {
	m.mu.Lock()
	if _, ok := m.state.rooms[info.RoomID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: joined user %d in unknown room %d",
			ErrProtocolViolation, info.ID, info.RoomID)
	}
	user := &User{
		ID:         info.ID,
		Name:       info.Name,
		RoomID:     info.RoomID,
		PingMillis: info.PingMillis,
		Volume:     1.0,
	}
	m.state.users[info.ID] = user
	m.state.addMember(info.RoomID, info.ID)
	snapshot := *user
	m.mu.Unlock()

	if m.cb.UserJoined != nil {
		m.cb.UserJoined(snapshot)
	}
	return nil
}

// ApplyUserLeft destroys a user from a server delta.
func (m *Manager) ApplyUserLeft(userID uint32) error {
	m.mu.Lock()
	user, ok := m.state.users[userID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownUser, userID)
	}
	snapshot := *user
	m.state.removeMember(user.RoomID, userID)
	delete(m.state.users, userID)
	m.mu.Unlock()

	if m.cb.UserLeft != nil {
		m.cb.UserLeft(snapshot)
	}
	return nil
}

// ApplyUserMoved relocates a user from a server delta. Moving a user to
// the room they are already in is a no-op.
func (m *Manager) ApplyUserMoved(userID, roomID uint32) error {
	m.mu.Lock()
	if _, ok := m.state.users[userID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownUser, userID)
	}
	if _, ok := m.state.rooms[roomID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownRoom, roomID)
	}
	moved := m.state.moveUser(userID, roomID)
	m.mu.Unlock()

	if moved && m.cb.UserMoved != nil {
		m.cb.UserMoved(userID, roomID)
	}
	return nil
}

// ApplyUserRenamed updates a display name from a server delta.
func (m *Manager) ApplyUserRenamed(userID uint32, name string) error {
	m.mu.Lock()
	user, ok := m.state.users[userID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownUser, userID)
	}
	user.Name = name
	m.mu.Unlock()

	if m.cb.RoomTreeChanged != nil {
		m.cb.RoomTreeChanged()
	}
	return nil
}

// HandleText delivers a received chat message.
func (m *Manager) HandleText(senderID, roomID uint32, text string) {
	if m.cb.TextMessage != nil {
		m.cb.TextMessage(senderID, roomID, text)
	}
}

// SetUserTalking updates the derived talking flag. Driven by the playback
// path for remote users and the capture gate for the local user; a flag
// change notifies, repeats do not.
func (m *Manager) SetUserTalking(userID uint32, talking bool) {
	m.mu.Lock()
	user, ok := m.state.users[userID]
	if !ok || user.Talking == talking {
		m.mu.Unlock()
		return
	}
	user.Talking = talking
	m.mu.Unlock()

	if m.cb.UserTalking != nil {
		m.cb.UserTalking(userID, talking)
	}
}

// SetUserMuted updates the local mute flag for a user.
func (m *Manager) SetUserMuted(userID uint32, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.state.users[userID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownUser, userID)
	}
	user.Muted = muted
	return nil
}

// SetUserVolume updates the local volume multiplier for a user. Volume is
// clamped to [0, 4].
func (m *Manager) SetUserVolume(userID uint32, volume float64) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 4 {
		volume = 4
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.state.users[userID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownUser, userID)
	}
	user.Volume = volume
	return nil
}

// RootRoomID returns the id of the top-level room, zero before sync.
func (m *Manager) RootRoomID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.rootID
}

// RoomByID returns a copy of a room.
func (m *Manager) RoomByID(id uint32) (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.state.rooms[id]
	if !ok {
		return Room{}, false
	}
	return copyRoom(room), true
}

// UserByID returns a copy of a user.
func (m *Manager) UserByID(id uint32) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.state.users[id]
	if !ok {
		return User{}, false
	}
	return *user, true
}

// Rooms returns copies of every room.
func (m *Manager) Rooms() []Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Room, 0, len(m.state.rooms))
	for _, room := range m.state.rooms {
		out = append(out, copyRoom(room))
	}
	return out
}

// Users returns copies of every user.
func (m *Manager) Users() []User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.state.users))
	for _, user := range m.state.users {
		out = append(out, *user)
	}
	return out
}
