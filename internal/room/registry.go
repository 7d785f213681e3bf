package room

import "sync"

// Registry owns one State per enumerated room id, creating each lazily on
// first reference. Rooms persist for the process lifetime; Reset reinitializes
// every room and is only meant to run at process start.
type Registry struct {
	ids             []string
	maxUsers        int
	maxScreenShares int

	mu    sync.Mutex
	rooms map[string]*State
}

func NewRegistry(ids []string, maxUsers, maxScreenShares int) *Registry {
	return &Registry{
		ids:             append([]string(nil), ids...),
		maxUsers:        maxUsers,
		maxScreenShares: maxScreenShares,
		rooms:           make(map[string]*State),
	}
}

// Valid reports whether id belongs to the enumerated room set.
func (r *Registry) Valid(id string) bool {
	for _, known := range r.ids {
		if known == id {
			return true
		}
	}
	return false
}

// Get returns the room's State, creating it on first access. Ids outside the
// enumerated set yield ErrUnknownRoom.
func (r *Registry) Get(id string) (*State, error) {
	if !r.Valid(id) {
		return nil, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[id]
	if !ok {
		st = NewState(id, r.maxUsers, r.maxScreenShares)
		r.rooms[id] = st
	}
	return st, nil
}

// IDs returns the enumerated room ids in configuration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Reset discards every room's state. Room state lives only in process
// memory; a restart always begins empty.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]*State)
}
