// Package rooms holds the room model, the TTL-bounded shared store and the
// in-process registry of live room state.
package rooms

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// codeAlphabet excludes nothing fancy; codes are case-sensitive upper.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Room is the durable room snapshot serialized into the shared store.
type Room struct {
	Code      string    `json:"code"`
	ID        uuid.UUID `json:"id"`
	AdminID   uuid.UUID `json:"adminId"`
	AdminName string    `json:"adminName"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewRoom creates a room snapshot owned by the given admin. The code is
// assigned by the allocator, not here.
func NewRoom(code string, adminID uuid.UUID, adminName string) *Room {
	return &Room{
		Code:      code,
		ID:        uuid.New(),
		AdminID:   adminID,
		AdminName: adminName,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
}

// ParticipantSummary is one entry of a room's membership list.
type ParticipantSummary struct {
	UserID   uuid.UUID `json:"userId"`
	UserName string    `json:"userName"`
	Status   string    `json:"status"`
}

// CaptionState accumulates live transcript text between flushes.
//
// Generation only increases; a timer scheduled at generation G must be a
// no-op when it fires after the counter moved past G.
type CaptionState struct {
	Buffer     string
	SourceLang string
	TargetLang string
	Generation uint64

	// Timer handles owned by the room so a newer fragment can cancel its
	// predecessors instead of relying on stale closures going quiet.
	EndpointTimer *time.Timer
	ClearTimer    *time.Timer
}

// State is the live, per-instance view of a room.
type State struct {
	Room

	AdminSocketID string
	IsAdminOnline bool
	IsRecording   bool
	Participants  []ParticipantSummary
	Captions      CaptionState
}

// AddParticipant appends a summary, replacing any existing entry for the
// same user so a re-approve cannot produce a duplicate row.
func (s *State) AddParticipant(p ParticipantSummary) {
	for i := range s.Participants {
		if s.Participants[i].UserID == p.UserID {
			s.Participants[i] = p
			return
		}
	}
	s.Participants = append(s.Participants, p)
}

// RemoveParticipant drops the entry for userID, reporting whether it existed.
func (s *State) RemoveParticipant(userID uuid.UUID) bool {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// RandomCode returns a human-shareable room code of the given length. The
// alphabet gives length-6 codes ~31 bits of entropy, so the allocator's
// retry loop only ever has to absorb freak collisions.
func RandomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
