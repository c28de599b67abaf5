// Package presence tracks who is in which room and under which name.
// State is process-local.
package presence

import (
	"sort"
	"sync"
)

// Participant is one entry of a room's participant list.
type Participant struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Release names a username that is no longer registered in a room.
type Release struct {
	RoomID   string
	Username string
}

// Change describes the effect of an operation on other rooms and names.
type Change struct {
	// Rooms whose participant list changed, in no particular order.
	Rooms []string
	// Released usernames.
	Released []Release
}

type entry struct {
	member string
	color  string
}

type room struct {
	members map[string]struct{}
	entries map[string]entry
}

type member struct {
	room     string
	username string
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	members map[string]member
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*room),
		members: make(map[string]member),
	}
}

// Join makes memberID a member of roomID, leaving any other room first.
func (r *Registry) Join(roomID, memberID string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.join(roomID, memberID)
}

func (r *Registry) join(roomID, memberID string) Change {
	var ch Change
	m, ok := r.members[memberID]
	if ok && m.room == roomID {
		return ch
	}
	if ok {
		ch = r.leave(memberID)
	}
	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{members: make(map[string]struct{}), entries: make(map[string]entry)}
		r.rooms[roomID] = rm
	}
	rm.members[memberID] = struct{}{}
	r.members[memberID] = member{room: roomID}
	return ch
}

// Register records username for memberID in roomID, joining the room if
// needed. A username already held by another member is taken over.
func (r *Registry) Register(roomID, memberID, username string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.join(roomID, memberID)
	rm := r.rooms[roomID]
	m := r.members[memberID]
	if m.username == username {
		if e, ok := rm.entries[username]; ok && e.member == memberID {
			return ch
		}
	} else if m.username != "" {
		if r.drop(rm, roomID, m.username, memberID) {
			ch.Released = append(ch.Released, Release{RoomID: roomID, Username: m.username})
		}
	}
	rm.entries[username] = entry{member: memberID, color: Color(username)}
	m.username = username
	r.members[memberID] = m
	ch.Rooms = append(ch.Rooms, roomID)
	return ch
}

// Disconnect removes memberID from its room. Its registration is removed
// only if it still belongs to memberID. Unknown members are a no-op.
func (r *Registry) Disconnect(memberID string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[memberID]; !ok {
		return Change{}
	}
	return r.leave(memberID)
}

// leave must be called with mu held and memberID present.
func (r *Registry) leave(memberID string) Change {
	var ch Change
	m := r.members[memberID]
	delete(r.members, memberID)

	rm := r.rooms[m.room]
	delete(rm.members, memberID)
	if m.username != "" && r.drop(rm, m.room, m.username, memberID) {
		ch.Rooms = append(ch.Rooms, m.room)
		ch.Released = append(ch.Released, Release{RoomID: m.room, Username: m.username})
	}
	if len(rm.members) == 0 && len(rm.entries) == 0 {
		delete(r.rooms, m.room)
	}
	return ch
}

func (r *Registry) drop(rm *room, roomID, username, memberID string) bool {
	e, ok := rm.entries[username]
	if !ok || e.member != memberID {
		return false
	}
	delete(rm.entries, username)
	return true
}

// Participants returns the registered names of roomID sorted by username.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return []Participant{}
	}
	list := make([]Participant, 0, len(rm.entries))
	for name, e := range rm.entries {
		list = append(list, Participant{Username: name, Color: e.color})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	return list
}

// Members returns the ids of the members of roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomOf returns the room memberID belongs to.
func (r *Registry) RoomOf(memberID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[memberID]
	return m.room, ok
}

// Username returns the name memberID last registered, if any.
func (r *Registry) Username(memberID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[memberID].username
}

// RoomCount returns the number of rooms with members or registrations.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
