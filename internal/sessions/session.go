// Package sessions tracks per-connection participant state: room membership,
// admission status and negotiated media handles.
package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/lingo-meet/backend/internal/media"
)

// Status is a participant's admission state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusActive       Status = "active"
	StatusKicked       Status = "kicked"
	StatusDisconnected Status = "disconnected"
)

// Transport is one negotiated media transport handle. Info keeps the local
// parameters so a repeated createTransport can answer idempotently.
type Transport struct {
	ID        string
	Connected bool
	Info      media.TransportInfo
}

// Session is one connected participant. The socket id is the primary key
// while the connection lives; user identity is durable across reconnects.
type Session struct {
	SocketID string
	UserID   uuid.UUID
	UserName string
	RoomCode string // set when a join request is filed, cleared on rejection
	Status   Status
	JoinedAt time.Time

	SendTransport *Transport
	RecvTransport *Transport
	Producers     map[string]string // producer id -> media kind
	Consumers     map[string]string // consumer id -> remote producer id
}

// New creates a pending session for a join request.
func New(socketID string, userID uuid.UUID, userName string) *Session {
	return &Session{
		SocketID:  socketID,
		UserID:    userID,
		UserName:  userName,
		Status:    StatusPending,
		JoinedAt:  time.Now(),
		Producers: make(map[string]string),
		Consumers: make(map[string]string),
	}
}

// TransportFor returns the session's transport for the direction ("send" or
// "recv"), or nil.
func (s *Session) TransportFor(direction string) *Transport {
	if direction == "send" {
		return s.SendTransport
	}
	return s.RecvTransport
}
