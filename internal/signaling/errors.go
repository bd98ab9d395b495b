package signaling

import "errors"

var (
	// ErrAllocationExhausted means the code allocator hit its retry budget.
	// The whole create-room request must be re-issued by the caller.
	ErrAllocationExhausted = errors.New("room code allocation exhausted")

	// ErrRoomNotFound is returned to a joiner for an unknown code.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomInactive is returned when the room no longer accepts joins.
	ErrRoomInactive = errors.New("room is not active")

	// ErrAdmissionSuspended is returned while the room has no online admin
	// to decide on join requests.
	ErrAdmissionSuspended = errors.New("admissions suspended: admin offline")

	// ErrSessionNotFound indicates no session for the socket or target user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAdmin is returned when a non-admin issues an admin-only action.
	ErrNotAdmin = errors.New("only the room admin may do this")

	// ErrSessionNotActive is returned for negotiation requests from a
	// participant that was never admitted.
	ErrSessionNotActive = errors.New("session is not active in a room")

	// ErrTransportNotConnected is an expected race, surfaced to the client
	// as a structured negative ack.
	ErrTransportNotConnected = errors.New("transport not connected")

	// ErrProducerNotFound covers the consume-after-leave race: the producer
	// notification raced the owner's teardown.
	ErrProducerNotFound = errors.New("producer not found")
)
