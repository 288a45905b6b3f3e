package session

// Room is one node of the replicated room tree. ParentID is zero only for
// the root room. Members holds user ids in join order; membership is
// derived entirely from server messages, the client never invents or
// deletes rooms locally.
type Room struct {
	ID       uint32
	ParentID uint32
	Name     string
	Members  []uint32
}

// User is one replicated user. Talking is derived locally from voice
// activity; Muted and Volume are local listener settings and never leave
// the client.
type User struct {
	ID         uint32
	Name       string
	RoomID     uint32
	PingMillis uint16
	Talking    bool
	Muted      bool
	Volume     float64
}

// model is the arena storage for rooms and users. Cross-references are id
// lookups so nothing owns anything else and there are no pointer cycles.
// All access is through Manager methods under the Manager mutex.
type model struct {
	rooms  map[uint32]*Room
	users  map[uint32]*User
	rootID uint32
}

func newModel() *model {
	return &model{
		rooms: make(map[uint32]*Room),
		users: make(map[uint32]*User),
	}
}

// addMember appends a user to a room member list if not already present.
func (m *model) addMember(roomID, userID uint32) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	for _, id := range room.Members {
		if id == userID {
			return
		}
	}
	room.Members = append(room.Members, userID)
}

// removeMember deletes a user from a room member list.
func (m *model) removeMember(roomID, userID uint32) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	for i, id := range room.Members {
		if id == userID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			return
		}
	}
}

// moveUser relocates a user between member lists and updates the user's
// room reference.
func (m *model) moveUser(userID, toRoom uint32) bool {
	user, ok := m.users[userID]
	if !ok {
		return false
	}
	if _, ok := m.rooms[toRoom]; !ok {
		return false
	}
	if user.RoomID == toRoom {
		return false
	}
	m.removeMember(user.RoomID, userID)
	user.RoomID = toRoom
	m.addMember(toRoom, userID)
	return true
}

// copyRoom returns a defensive copy including the member slice.
func copyRoom(r *Room) Room {
	out := *r
	out.Members = append([]uint32(nil), r.Members...)
	return out
}
