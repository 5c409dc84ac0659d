// Package presence tracks which connection is in which room and under which
// display name. A connection is in at most one room at a time.
package presence

import (
	"slices"
	"sync"

	"github.com/hilthontt/codesync/internal/domain"
)

type Registry struct {
	mu      sync.RWMutex
	members map[string]*domain.Member
	roomOf  map[string]string
	rooms   map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*domain.Member),
		roomOf:  make(map[string]string),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Departure describes a connection leaving a room.
type Departure struct {
	Member    domain.Member
	RoomKey   string
	Remaining int
}

// Join binds member to roomKey and returns the room's member count. A
// connection that was in another room leaves it first; that departure is
// returned. Joining the same room again only updates the display name.
func (r *Registry) Join(roomKey string, member *domain.Member) (int, *Departure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left *Departure
	if prev, ok := r.roomOf[member.ConnID]; ok && prev != roomKey {
		left = r.leaveLocked(member.ConnID)
	}

	m := *member
	if existing, ok := r.members[m.ConnID]; ok && r.roomOf[m.ConnID] == roomKey {
		m.JoinedAt = existing.JoinedAt
	}
	r.members[m.ConnID] = &m
	r.roomOf[m.ConnID] = roomKey

	set, ok := r.rooms[roomKey]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[roomKey] = set
	}
	set[m.ConnID] = struct{}{}

	return len(set), left
}

// Leave unbinds connID. ok is false when the connection never joined.
func (r *Registry) Leave(connID string) (*Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.leaveLocked(connID)
	return d, d != nil
}

func (r *Registry) leaveLocked(connID string) *Departure {
	roomKey, ok := r.roomOf[connID]
	if !ok {
		return nil
	}

	member := r.members[connID]
	delete(r.members, connID)
	delete(r.roomOf, connID)

	set := r.rooms[roomKey]
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(r.rooms, roomKey)
	}

	return &Departure{Member: *member, RoomKey: roomKey, Remaining: remaining}
}

// Members lists the room's members ordered by join time.
func (r *Registry) Members(roomKey string) []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[roomKey]
	out := make([]domain.Member, 0, len(set))
	for connID := range set {
		out = append(out, *r.members[connID])
	}

	slices.SortFunc(out, func(a, b domain.Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.ConnID < b.ConnID {
			return -1
		}
		if a.ConnID > b.ConnID {
			return 1
		}
		return 0
	})

	return out
}

func (r *Registry) Count(roomKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomKey])
}

// Lookup returns the member bound to connID and its room.
func (r *Registry) Lookup(connID string) (domain.Member, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[connID]
	if !ok {
		return domain.Member{}, "", false
	}
	return *m, r.roomOf[connID], true
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
