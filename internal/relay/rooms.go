package relay

import (
	"sort"
	"sync"

	"github.com/btouchard/teamsphere/internal/presence"
)

// Rooms tracks which connections watch which task. A room exists only while
// it has members.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[presence.Handle]struct{}
	byConn  map[presence.Handle]map[string]struct{}
}

// NewRooms creates an empty room set.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[presence.Handle]struct{}),
		byConn:  make(map[presence.Handle]map[string]struct{}),
	}
}

// Join adds h to the room for taskID. Joining twice is a no-op.
func (r *Rooms) Join(h presence.Handle, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[taskID]
	if !ok {
		room = make(map[presence.Handle]struct{})
		r.members[taskID] = room
	}
	room[h] = struct{}{}

	tasks, ok := r.byConn[h]
	if !ok {
		tasks = make(map[string]struct{})
		r.byConn[h] = tasks
	}
	tasks[taskID] = struct{}{}
}

// Leave removes h from every room it joined and drops rooms left empty.
func (r *Rooms) Leave(h presence.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for taskID := range r.byConn[h] {
		room := r.members[taskID]
		delete(room, h)
		if len(room) == 0 {
			delete(r.members, taskID)
		}
	}
	delete(r.byConn, h)
}

// Members returns the handles in the room for taskID, sorted.
func (r *Rooms) Members(taskID string) []presence.Handle {
	r.mu.RLock()
	room := r.members[taskID]
	out := make([]presence.Handle, 0, len(room))
	for h := range room {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
