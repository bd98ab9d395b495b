package sessions

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the in-process map of socket id -> session, with a reverse
// index from producer id to owning socket so consume requests can find a
// producer's owner without scanning.
//
// Like the room registry, the lock here protects field access only; logical
// mutations are serialized by the coordinator under a mutex key.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byProd   map[string]string // producer id -> socket id
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byProd:   make(map[string]string),
	}
}

// Put inserts or replaces a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.SocketID] = s
	r.mu.Unlock()
}

// Update runs fn with the session under the registry lock. Returns false if
// the socket has no session.
func (r *Registry) Update(socketID string, fn func(s *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Snapshot returns a copy of the session, with media maps cloned.
func (r *Registry) Snapshot(socketID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return Session{}, false
	}
	return clone(s), true
}

// Delete removes the session and its producer index entries, returning the
// removed session so the caller can release its media resources.
func (r *Registry) Delete(socketID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, socketID)
	for producerID := range s.Producers {
		delete(r.byProd, producerID)
	}
	return s, true
}

// AddProducer records a producer against the session. A producer id belongs
// to exactly one session; re-registering under a different socket fails.
func (r *Registry) AddProducer(socketID, producerID, kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return false
	}
	if owner, taken := r.byProd[producerID]; taken && owner != socketID {
		return false
	}
	s.Producers[producerID] = kind
	r.byProd[producerID] = socketID
	return true
}

// ProducerOwner resolves a producer id to the socket that owns it.
func (r *Registry) ProducerOwner(producerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	socketID, ok := r.byProd[producerID]
	return socketID, ok
}

// AddConsumer records a consumer of a remote producer against the session.
func (r *Registry) AddConsumer(socketID, consumerID, producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return false
	}
	s.Consumers[consumerID] = producerID
	return true
}

// FindByUser returns the socket of the given user within a room. Admission
// decisions target durable user ids while sessions are keyed by socket.
func (r *Registry) FindByUser(roomCode string, userID uuid.UUID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.RoomCode == roomCode && s.UserID == userID {
			return clone(s), true
		}
	}
	return Session{}, false
}

// InRoom returns snapshots of all sessions currently assigned to the room.
func (r *Registry) InRoom(roomCode string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.RoomCode == roomCode {
			out = append(out, clone(s))
		}
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func clone(s *Session) Session {
	cp := *s
	if s.SendTransport != nil {
		t := *s.SendTransport
		cp.SendTransport = &t
	}
	if s.RecvTransport != nil {
		t := *s.RecvTransport
		cp.RecvTransport = &t
	}
	cp.Producers = make(map[string]string, len(s.Producers))
	for k, v := range s.Producers {
		cp.Producers[k] = v
	}
	cp.Consumers = make(map[string]string, len(s.Consumers))
	for k, v := range s.Consumers {
		cp.Consumers[k] = v
	}
	return cp
}
