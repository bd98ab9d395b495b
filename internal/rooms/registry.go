package rooms

import (
	"sort"
	"sync"
)

// Registry is the in-process map of room code -> live room state.
//
// The registry's lock only protects map and field access; logical mutations
// (read-modify-write across suspension points) are serialized by the
// coordinator under the room's mutex key. Reads outside a mutexed section
// are best-effort and may be slightly stale.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*State
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*State)}
}

// Put inserts or replaces the live state for a room.
func (r *Registry) Put(st *State) {
	r.mu.Lock()
	r.rooms[st.Code] = st
	r.mu.Unlock()
}

// Update runs fn with the room's state under the registry lock. Returns
// false if the room is not present on this instance.
func (r *Registry) Update(code string, fn func(st *State)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[code]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// Snapshot returns a copy of the room's state for lock-free consumption.
// Timer handles are not copied; they stay owned by the live state.
func (r *Registry) Snapshot(code string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.rooms[code]
	if !ok {
		return State{}, false
	}
	cp := *st
	cp.Participants = append([]ParticipantSummary(nil), st.Participants...)
	cp.Captions.EndpointTimer = nil
	cp.Captions.ClearTimer = nil
	return cp, true
}

// Delete removes the room's live state, returning it for teardown.
func (r *Registry) Delete(code string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[code]
	if ok {
		delete(r.rooms, code)
	}
	return st, ok
}

// Codes lists rooms live on this instance, sorted for stable output.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms))
	for c := range r.rooms {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
