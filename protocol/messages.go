package protocol

import (
	"errors"
	"fmt"
)

// AuthResult encodes the server's verdict on an authentication request.
type AuthResult byte

const (
	// AuthOK grants the connection.
	AuthOK AuthResult = iota
	// AuthWrongVersion rejects a client speaking a different protocol
	// version; the response carries the version the server expects.
	AuthWrongVersion
	// AuthNameTaken rejects a display name already present on the server.
	AuthNameTaken
	// AuthWrongPassword rejects bad credentials.
	AuthWrongPassword
	// AuthWrongFrameDuration rejects a client advertising an audio frame
	// duration different from the server's fixed duration.
	AuthWrongFrameDuration
)

// String returns a human-readable auth result description.
func (a AuthResult) String() string {
	switch a {
	case AuthOK:
		return "ok"
	case AuthWrongVersion:
		return "wrong protocol version"
	case AuthNameTaken:
		return "name taken"
	case AuthWrongPassword:
		return "wrong password"
	case AuthWrongFrameDuration:
		return "wrong frame duration"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

// AuthRequest opens a session. ClientID is a stable random identifier
// generated once per client installation so the server can tell a
// reconnecting client from a duplicate login.
type AuthRequest struct {
	ProtocolVersion uint32
	ClientID        string
	Username        string
	Password        string
	FrameDurationMs uint16
}

// MarshalBody serializes the request body.
func (m *AuthRequest) MarshalBody() ([]byte, error) {
	if len(m.Username) > MaxNameLen {
		return nil, fmt.Errorf("%w: username %d bytes", ErrStringTooLong, len(m.Username))
	}

	buf := appendUint32(nil, m.ProtocolVersion)
	buf = appendString(buf, m.ClientID)
	buf = appendString(buf, m.Username)
	buf = appendString(buf, m.Password)
	buf = appendUint16(buf, m.FrameDurationMs)
	return buf, nil
}

// ParseAuthRequest deserializes an auth request body.
func ParseAuthRequest(body []byte) (*AuthRequest, error) {
	r := &bodyReader{buf: body}
	m := &AuthRequest{
		ProtocolVersion: r.uint32(),
		ClientID:        r.string(),
		Username:        r.string(),
		Password:        r.string(),
		FrameDurationMs: r.uint16(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("auth request: %w", r.err)
	}
	return m, nil
}

// AuthResponse answers an AuthRequest. On AuthOK it carries the assigned
// user id and the session token used for reconnection; on AuthWrongVersion
// it carries the protocol version the server expects.
type AuthResponse struct {
	Result          AuthResult
	UserID          uint32
	SessionToken    []byte
	CorrectVersion  uint32
	FrameDurationMs uint16
}

// MarshalBody serializes the response body.
func (m *AuthResponse) MarshalBody() ([]byte, error) {
	buf := []byte{byte(m.Result)}
	buf = appendUint32(buf, m.UserID)
	buf = appendBytes(buf, m.SessionToken)
	buf = appendUint32(buf, m.CorrectVersion)
	buf = appendUint16(buf, m.FrameDurationMs)
	return buf, nil
}

// ParseAuthResponse deserializes an auth response body.
func ParseAuthResponse(body []byte) (*AuthResponse, error) {
	r := &bodyReader{buf: body}
	m := &AuthResponse{
		Result:          AuthResult(r.uint8()),
		UserID:          r.uint32(),
		SessionToken:    r.bytes(),
		CorrectVersion:  r.uint32(),
		FrameDurationMs: r.uint16(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("auth response: %w", r.err)
	}
	return m, nil
}

// ReconnectRequest resumes a session after a transport failure. LastSeq is
// the last control sequence the client applied; the server replays newer
// deltas or, if it cannot, answers with a full room snapshot.
type ReconnectRequest struct {
	SessionToken []byte
	LastSeq      uint32
}

// MarshalBody serializes the reconnect request body.
func (m *ReconnectRequest) MarshalBody() ([]byte, error) {
	buf := appendBytes(nil, m.SessionToken)
	buf = appendUint32(buf, m.LastSeq)
	return buf, nil
}

// ParseReconnectRequest deserializes a reconnect request body.
func ParseReconnectRequest(body []byte) (*ReconnectRequest, error) {
	r := &bodyReader{buf: body}
	m := &ReconnectRequest{
		SessionToken: r.bytes(),
		LastSeq:      r.uint32(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("reconnect request: %w", r.err)
	}
	return m, nil
}

// JoinRoom asks the server to move the local user into a room.
type JoinRoom struct {
	RoomID uint32
}

// MarshalBody serializes the join request body.
func (m *JoinRoom) MarshalBody() ([]byte, error) {
	return appendUint32(nil, m.RoomID), nil
}

// ParseJoinRoom deserializes a join request body.
func ParseJoinRoom(body []byte) (*JoinRoom, error) {
	r := &bodyReader{buf: body}
	m := &JoinRoom{RoomID: r.uint32()}
	if r.err != nil {
		return nil, fmt.Errorf("join room: %w", r.err)
	}
	return m, nil
}

// RoomInfo describes one room in a snapshot. ParentID is zero for the root
// room only.
type RoomInfo struct {
	ID       uint32
	ParentID uint32
	Name     string
}

// UserInfo describes one user in a snapshot or a user-joined delta.
type UserInfo struct {
	ID         uint32
	RoomID     uint32
	Name       string
	PingMillis uint16
}

// RoomSnapshot replaces the client's entire room tree and user list. The
// server sends it after authentication and whenever delta replay cannot
// bridge a sequence gap.
type RoomSnapshot struct {
	RootID uint32
	Rooms  []RoomInfo
	Users  []UserInfo
}

// MarshalBody serializes the snapshot body.
func (m *RoomSnapshot) MarshalBody() ([]byte, error) {
	buf := appendUint32(nil, m.RootID)

	buf = appendUint16(buf, uint16(len(m.Rooms)))
	for _, room := range m.Rooms {
		if len(room.Name) > MaxNameLen {
			return nil, fmt.Errorf("%w: room name %d bytes", ErrStringTooLong, len(room.Name))
		}
		buf = appendUint32(buf, room.ID)
		buf = appendUint32(buf, room.ParentID)
		buf = appendString(buf, room.Name)
	}

	buf = appendUint16(buf, uint16(len(m.Users)))
	for _, user := range m.Users {
		if len(user.Name) > MaxNameLen {
			return nil, fmt.Errorf("%w: user name %d bytes", ErrStringTooLong, len(user.Name))
		}
		buf = appendUint32(buf, user.ID)
		buf = appendUint32(buf, user.RoomID)
		buf = appendString(buf, user.Name)
		buf = appendUint16(buf, user.PingMillis)
	}

	return buf, nil
}

// ParseRoomSnapshot deserializes a snapshot body.
func ParseRoomSnapshot(body []byte) (*RoomSnapshot, error) {
	r := &bodyReader{buf: body}
	m := &RoomSnapshot{RootID: r.uint32()}

	roomCount := int(r.uint16())
	for i := 0; i < roomCount && r.err == nil; i++ {
		m.Rooms = append(m.Rooms, RoomInfo{
			ID:       r.uint32(),
			ParentID: r.uint32(),
			Name:     r.string(),
		})
	}

	userCount := int(r.uint16())
	for i := 0; i < userCount && r.err == nil; i++ {
		m.Users = append(m.Users, UserInfo{
			ID:         r.uint32(),
			RoomID:     r.uint32(),
			Name:       r.string(),
			PingMillis: r.uint16(),
		})
	}

	if r.err != nil {
		return nil, fmt.Errorf("room snapshot: %w", r.err)
	}
	return m, nil
}

// UserJoined announces a new user on the server.
type UserJoined struct {
	User UserInfo
}

// MarshalBody serializes the user-joined body.
func (m *UserJoined) MarshalBody() ([]byte, error) {
	if len(m.User.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: user name %d bytes", ErrStringTooLong, len(m.User.Name))
	}
	buf := appendUint32(nil, m.User.ID)
	buf = appendUint32(buf, m.User.RoomID)
	buf = appendString(buf, m.User.Name)
	buf = appendUint16(buf, m.User.PingMillis)
	return buf, nil
}

// ParseUserJoined deserializes a user-joined body.
func ParseUserJoined(body []byte) (*UserJoined, error) {
	r := &bodyReader{buf: body}
	m := &UserJoined{User: UserInfo{
		ID:         r.uint32(),
		RoomID:     r.uint32(),
		Name:       r.string(),
		PingMillis: r.uint16(),
	}}
	if r.err != nil {
		return nil, fmt.Errorf("user joined: %w", r.err)
	}
	return m, nil
}

// UserLeft announces a user leaving the server.
type UserLeft struct {
	UserID uint32
}

// MarshalBody serializes the user-left body.
func (m *UserLeft) MarshalBody() ([]byte, error) {
	return appendUint32(nil, m.UserID), nil
}

// ParseUserLeft deserializes a user-left body.
func ParseUserLeft(body []byte) (*UserLeft, error) {
	r := &bodyReader{buf: body}
	m := &UserLeft{UserID: r.uint32()}
	if r.err != nil {
		return nil, fmt.Errorf("user left: %w", r.err)
	}
	return m, nil
}

// UserMoved announces a user changing rooms.
type UserMoved struct {
	UserID uint32
	RoomID uint32
}

// MarshalBody serializes the user-moved body.
func (m *UserMoved) MarshalBody() ([]byte, error) {
	buf := appendUint32(nil, m.UserID)
	return appendUint32(buf, m.RoomID), nil
}

// ParseUserMoved deserializes a user-moved body.
func ParseUserMoved(body []byte) (*UserMoved, error) {
	r := &bodyReader{buf: body}
	m := &UserMoved{
		UserID: r.uint32(),
		RoomID: r.uint32(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("user moved: %w", r.err)
	}
	return m, nil
}

// UserRenamed announces a user display name change.
type UserRenamed struct {
	UserID uint32
	Name   string
}

// MarshalBody serializes the user-renamed body.
func (m *UserRenamed) MarshalBody() ([]byte, error) {
	if len(m.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: user name %d bytes", ErrStringTooLong, len(m.Name))
	}
	buf := appendUint32(nil, m.UserID)
	return appendString(buf, m.Name), nil
}

// ParseUserRenamed deserializes a user-renamed body.
func ParseUserRenamed(body []byte) (*UserRenamed, error) {
	r := &bodyReader{buf: body}
	m := &UserRenamed{
		UserID: r.uint32(),
		Name:   r.string(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("user renamed: %w", r.err)
	}
	return m, nil
}

// TextMessage is a chat message within a room. SenderID is zero on
// client-to-server messages (the server stamps the authenticated sender).
type TextMessage struct {
	SenderID uint32
	RoomID   uint32
	Text     string
}

// MarshalBody serializes the text message body.
func (m *TextMessage) MarshalBody() ([]byte, error) {
	if len(m.Text) > MaxTextLen {
		return nil, fmt.Errorf("%w: text %d bytes", ErrStringTooLong, len(m.Text))
	}
	buf := appendUint32(nil, m.SenderID)
	buf = appendUint32(buf, m.RoomID)
	return appendString(buf, m.Text), nil
}

// ParseTextMessage deserializes a text message body.
func ParseTextMessage(body []byte) (*TextMessage, error) {
	r := &bodyReader{buf: body}
	m := &TextMessage{
		SenderID: r.uint32(),
		RoomID:   r.uint32(),
		Text:     r.string(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("text message: %w", r.err)
	}
	if len(m.Text) > MaxTextLen {
		return nil, fmt.Errorf("text message: %w", ErrStringTooLong)
	}
	return m, nil
}

// Ping is a keepalive probe. The responder echoes both fields unchanged in
// a Pong so the sender can match responses and compute round-trip time.
type Ping struct {
	Nonce      uint32
	SentAtUnix uint64 // sender clock, milliseconds
}

// MarshalBody serializes the ping body.
func (m *Ping) MarshalBody() ([]byte, error) {
	buf := appendUint32(nil, m.Nonce)
	return appendUint64(buf, m.SentAtUnix), nil
}

// ParsePing deserializes a ping (or pong) body.
func ParsePing(body []byte) (*Ping, error) {
	r := &bodyReader{buf: body}
	m := &Ping{
		Nonce:      r.uint32(),
		SentAtUnix: r.uint64(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("ping: %w", r.err)
	}
	return m, nil
}

// ErrorMessage carries a server-reported error condition.
type ErrorMessage struct {
	Code   uint16
	Reason string
}

// MarshalBody serializes the error body.
func (m *ErrorMessage) MarshalBody() ([]byte, error) {
	buf := appendUint16(nil, m.Code)
	return appendString(buf, m.Reason), nil
}

// ParseErrorMessage deserializes an error body.
func ParseErrorMessage(body []byte) (*ErrorMessage, error) {
	r := &bodyReader{buf: body}
	m := &ErrorMessage{
		Code:   r.uint16(),
		Reason: r.string(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("error message: %w", r.err)
	}
	return m, nil
}

// ErrUnknownMessage indicates a control frame whose type has no parser.
var ErrUnknownMessage = errors.New("unknown control message type")
