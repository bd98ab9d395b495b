// Package signaling orchestrates room lifecycle, participant admission and
// WebRTC negotiation. Every mutation of shared room/session state runs under
// a mutex key: the room code for membership changes, the socket id for a
// participant's own media negotiation.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lingo-meet/backend/internal/keyedmutex"
	"github.com/lingo-meet/backend/internal/media"
	"github.com/lingo-meet/backend/internal/rooms"
	"github.com/lingo-meet/backend/internal/sessions"
)

// Admin-leave policies. See Options.AdminLeavePolicy.
const (
	PolicySuspend = "suspend"
	PolicyClose   = "close"
	PolicyPromote = "promote"
)

// MediaPlane is the SFU backend the coordinator negotiates against. The
// production implementation is media.Engine.
type MediaPlane interface {
	CreateTransport(ctx context.Context) (media.TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, remote media.RemoteParameters) error
	Produce(ctx context.Context, transportID, kind string, rtp media.RTPParameters) (string, error)
	Consume(ctx context.Context, transportID, producerID string, caps media.RTPCapabilities) (media.ConsumerInfo, error)
	CloseProducer(producerID string) error
	CloseConsumer(consumerID string) error
	CloseTransport(transportID string) error
}

// Broadcaster delivers events to connected sockets. The production
// implementation is realtime.Hub.
type Broadcaster interface {
	JoinRoom(roomCode, socketID string)
	LeaveRoom(roomCode, socketID string)
	BroadcastToRoom(roomCode, event string, payload interface{}, exceptSocketIDs ...string)
	SendToSocket(socketID, event string, payload interface{})
	CloseSocket(socketID string)
}

// Options tunes allocation, lifecycle and serialization behavior.
type Options struct {
	RoomTTL          time.Duration
	CodeLength       int
	AllocateAttempts int
	AdminLeavePolicy string
	MutexTimeout     time.Duration
}

func (o *Options) fillDefaults() {
	if o.RoomTTL <= 0 {
		o.RoomTTL = 6 * time.Hour
	}
	if o.CodeLength <= 0 {
		o.CodeLength = 6
	}
	if o.AllocateAttempts <= 0 {
		o.AllocateAttempts = 10
	}
	if o.AdminLeavePolicy == "" {
		o.AdminLeavePolicy = PolicySuspend
	}
}

// Coordinator is the signaling core: one per instance, injected into every
// socket handler.
type Coordinator struct {
	store rooms.Store
	rooms *rooms.Registry
	sess  *sessions.Registry
	media MediaPlane
	bcast Broadcaster
	mutex *keyedmutex.KeyedMutex
	log   *zap.Logger
	opts  Options
}

// New creates a coordinator.
func New(store rooms.Store, roomReg *rooms.Registry, sessReg *sessions.Registry,
	mediaPlane MediaPlane, bcast Broadcaster, mutex *keyedmutex.KeyedMutex,
	log *zap.Logger, opts Options) *Coordinator {
	opts.fillDefaults()
	return &Coordinator{
		store: store,
		rooms: roomReg,
		sess:  sessReg,
		media: mediaPlane,
		bcast: bcast,
		mutex: mutex,
		log:   log,
		opts:  opts,
	}
}

// Rooms exposes the room registry for best-effort status reads.
func (c *Coordinator) Rooms() *rooms.Registry { return c.rooms }

// Sessions exposes the session registry for best-effort status reads.
func (c *Coordinator) Sessions() *sessions.Registry { return c.sess }

// Mutex exposes the serialization primitive for introspection endpoints.
func (c *Coordinator) Mutex() *keyedmutex.KeyedMutex { return c.mutex }

func roomKey(code string) string       { return "room:" + code }
func socketKey(socketID string) string { return "socket:" + socketID }

// CreateRoom allocates a collision-free code, persists the room snapshot
// with TTL and registers the creating socket as the online admin.
func (c *Coordinator) CreateRoom(ctx context.Context, socketID string, adminID uuid.UUID, adminName string) (*rooms.Room, error) {
	for attempt := 0; attempt < c.opts.AllocateAttempts; attempt++ {
		code, err := rooms.RandomCode(c.opts.CodeLength)
		if err != nil {
			return nil, err
		}
		room := rooms.NewRoom(code, adminID, adminName)
		created, err := c.store.CreateIfAbsent(ctx, code, room, c.opts.RoomTTL)
		if err != nil {
			return nil, fmt.Errorf("room store: %w", err)
		}
		if !created {
			c.log.Debug("room code collision", zap.String("code", code), zap.Int("attempt", attempt+1))
			continue
		}

		st := &rooms.State{Room: *room, AdminSocketID: socketID, IsAdminOnline: true}
		st.AddParticipant(rooms.ParticipantSummary{UserID: adminID, UserName: adminName, Status: string(sessions.StatusActive)})
		c.rooms.Put(st)

		s := sessions.New(socketID, adminID, adminName)
		s.RoomCode = code
		s.Status = sessions.StatusActive
		c.sess.Put(s)
		c.bcast.JoinRoom(code, socketID)

		c.log.Info("room created", zap.String("code", code), zap.String("admin_id", adminID.String()))
		return room, nil
	}
	return nil, ErrAllocationExhausted
}

// Join files an admission request: the joiner becomes Pending and the admin
// is notified. A returning admin short-circuits admission and rebinds their
// socket instead, which is what lifts a suspended room. Serialized under the
// room key so concurrent admission events for the same room cannot
// interleave.
func (c *Coordinator) Join(ctx context.Context, socketID string, userID uuid.UUID, userName, roomCode string) error {
	// A socket holds one admission at a time. Detach any previous room
	// first, under that room's key, so no ghost membership survives there.
	if prev, ok := c.sess.Snapshot(socketID); ok && prev.RoomCode != "" && prev.RoomCode != roomCode {
		if err := c.mutex.Do(roomKey(prev.RoomCode), c.opts.MutexTimeout, func() error {
			c.removeFromRoom(socketID, prev.RoomCode, sessions.StatusDisconnected)
			return nil
		}); err != nil {
			return err
		}
	}

	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		room, err := c.store.Get(ctx, roomCode)
		if err != nil {
			if errors.Is(err, rooms.ErrNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if !room.IsActive {
			return ErrRoomInactive
		}

		// The room may have been created on another instance; hydrate the
		// local registry from the stored snapshot. Admin presence is local,
		// so a hydrated room starts admin-offline.
		if _, ok := c.rooms.Snapshot(roomCode); !ok {
			c.rooms.Put(&rooms.State{Room: *room})
		}

		if userID == room.AdminID {
			c.rebindAdmin(socketID, userID, userName, roomCode)
			return nil
		}

		var adminSocket string
		c.rooms.Update(roomCode, func(st *rooms.State) {
			if st.IsAdminOnline {
				adminSocket = st.AdminSocketID
			}
		})
		if adminSocket == "" {
			return ErrAdmissionSuspended
		}

		// Re-joining on the same socket replaces the old session; release
		// anything it negotiated so nothing dangles in the media plane.
		if old, ok := c.sess.Delete(socketID); ok {
			c.releaseMedia(old)
		}

		s := sessions.New(socketID, userID, userName)
		s.RoomCode = roomCode
		c.sess.Put(s)
		c.rooms.Update(roomCode, func(st *rooms.State) {
			st.AddParticipant(rooms.ParticipantSummary{UserID: userID, UserName: userName, Status: string(sessions.StatusPending)})
		})

		c.bcast.SendToSocket(adminSocket, "joinRequest", map[string]interface{}{
			"userId":   userID,
			"userName": userName,
		})
		return nil
	})
}

// rebindAdmin reattaches the room's admin on a fresh socket and resumes
// admissions. Any stale admin session is torn down first. Callers must hold
// the room's mutex key.
func (c *Coordinator) rebindAdmin(socketID string, userID uuid.UUID, userName, roomCode string) {
	if old, ok := c.sess.FindByUser(roomCode, userID); ok && old.SocketID != socketID {
		if removed, ok := c.sess.Delete(old.SocketID); ok {
			c.releaseMedia(removed)
		}
		c.bcast.LeaveRoom(roomCode, old.SocketID)
		c.bcast.CloseSocket(old.SocketID)
	}

	s := sessions.New(socketID, userID, userName)
	s.RoomCode = roomCode
	s.Status = sessions.StatusActive
	c.sess.Put(s)
	c.rooms.Update(roomCode, func(st *rooms.State) {
		st.AdminSocketID = socketID
		st.IsAdminOnline = true
		st.AddParticipant(rooms.ParticipantSummary{UserID: userID, UserName: userName, Status: string(sessions.StatusActive)})
	})
	c.bcast.JoinRoom(roomCode, socketID)

	snap, _ := c.rooms.Snapshot(roomCode)
	c.bcast.SendToSocket(socketID, "joinApproved", map[string]interface{}{
		"roomCode":     roomCode,
		"participants": snap.Participants,
	})
	c.bcast.BroadcastToRoom(roomCode, "adminReconnected", map[string]interface{}{
		"userId":   userID,
		"userName": userName,
	}, socketID)
	c.log.Info("admin reconnected", zap.String("code", roomCode), zap.String("socket_id", socketID))
}

// Approve admits a pending participant. Admin-initiated; runs under the room
// key so a concurrent kick or self-leave for the same user serializes.
func (c *Coordinator) Approve(ctx context.Context, actorSocketID, roomCode string, targetUserID uuid.UUID) error {
	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		if err := c.requireAdmin(roomCode, actorSocketID); err != nil {
			return err
		}
		target, ok := c.sess.FindByUser(roomCode, targetUserID)
		if !ok || target.Status != sessions.StatusPending {
			return ErrSessionNotFound
		}

		c.sess.Update(target.SocketID, func(s *sessions.Session) {
			s.Status = sessions.StatusActive
		})
		c.rooms.Update(roomCode, func(st *rooms.State) {
			st.AddParticipant(rooms.ParticipantSummary{UserID: targetUserID, UserName: target.UserName, Status: string(sessions.StatusActive)})
		})
		c.bcast.JoinRoom(roomCode, target.SocketID)

		snap, _ := c.rooms.Snapshot(roomCode)
		c.bcast.SendToSocket(target.SocketID, "joinApproved", map[string]interface{}{
			"roomCode":     roomCode,
			"participants": snap.Participants,
		})
		c.bcast.BroadcastToRoom(roomCode, "userJoined", map[string]interface{}{
			"userId":   targetUserID,
			"userName": target.UserName,
		}, target.SocketID)
		return nil
	})
}

// Reject declines a pending participant. Their session stays (for the
// notification round-trip) but is detached from the room.
func (c *Coordinator) Reject(ctx context.Context, actorSocketID, roomCode string, targetUserID uuid.UUID) error {
	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		if err := c.requireAdmin(roomCode, actorSocketID); err != nil {
			return err
		}
		target, ok := c.sess.FindByUser(roomCode, targetUserID)
		if !ok || target.Status != sessions.StatusPending {
			return ErrSessionNotFound
		}
		c.sess.Update(target.SocketID, func(s *sessions.Session) {
			s.Status = sessions.StatusRejected
			s.RoomCode = ""
		})
		c.rooms.Update(roomCode, func(st *rooms.State) {
			st.RemoveParticipant(targetUserID)
		})
		c.bcast.SendToSocket(target.SocketID, "joinRejected", map[string]interface{}{"roomCode": roomCode})
		return nil
	})
}

// Kick force-removes an active participant: their media is released, other
// members are notified, and their connection is closed.
func (c *Coordinator) Kick(ctx context.Context, actorSocketID, roomCode string, targetUserID uuid.UUID) error {
	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		if err := c.requireAdmin(roomCode, actorSocketID); err != nil {
			return err
		}
		target, ok := c.sess.FindByUser(roomCode, targetUserID)
		if !ok {
			return ErrSessionNotFound
		}
		c.removeFromRoom(target.SocketID, roomCode, sessions.StatusKicked)
		c.bcast.SendToSocket(target.SocketID, "kicked", map[string]interface{}{"roomCode": roomCode})
		c.bcast.CloseSocket(target.SocketID)
		return nil
	})
}

// Leave handles an explicit self-leave.
func (c *Coordinator) Leave(ctx context.Context, socketID string) error {
	s, ok := c.sess.Snapshot(socketID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.RoomCode == "" {
		c.sess.Delete(socketID)
		return nil
	}
	return c.mutex.Do(roomKey(s.RoomCode), c.opts.MutexTimeout, func() error {
		c.removeFromRoom(socketID, s.RoomCode, sessions.StatusDisconnected)
		return nil
	})
}

// Disconnect handles a socket close: same teardown as Leave, but implicit,
// so failures are logged rather than surfaced.
func (c *Coordinator) Disconnect(socketID string) {
	if err := c.Leave(context.Background(), socketID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		c.log.Warn("disconnect cleanup", zap.String("socket_id", socketID), zap.Error(err))
	}
}

// CloseRoom is the admin's explicit teardown of the whole room.
func (c *Coordinator) CloseRoom(ctx context.Context, actorSocketID, roomCode string) error {
	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		if err := c.requireAdmin(roomCode, actorSocketID); err != nil {
			return err
		}
		c.teardownRoom(ctx, roomCode)
		return nil
	})
}

// removeFromRoom drops one participant and applies room-level consequences.
// Callers must hold the room's mutex key.
func (c *Coordinator) removeFromRoom(socketID, roomCode string, terminal sessions.Status) {
	s, ok := c.sess.Delete(socketID)
	if !ok {
		return
	}
	s.Status = terminal
	c.releaseMedia(s)

	wasAdmin := false
	empty := false
	c.rooms.Update(roomCode, func(st *rooms.State) {
		st.RemoveParticipant(s.UserID)
		if st.AdminSocketID == socketID {
			wasAdmin = true
			st.IsAdminOnline = false
			st.AdminSocketID = ""
		}
		empty = len(st.Participants) == 0
	})
	c.bcast.LeaveRoom(roomCode, socketID)
	c.bcast.BroadcastToRoom(roomCode, "userLeft", map[string]interface{}{
		"userId": s.UserID,
		"reason": string(terminal),
	})

	switch {
	case empty:
		c.teardownRoom(context.Background(), roomCode)
	case wasAdmin:
		c.applyAdminLeavePolicy(roomCode)
	}
}

func (c *Coordinator) applyAdminLeavePolicy(roomCode string) {
	switch c.opts.AdminLeavePolicy {
	case PolicyClose:
		c.teardownRoom(context.Background(), roomCode)
	case PolicyPromote:
		var promoted sessions.Session
		found := false
		for _, s := range c.sess.InRoom(roomCode) {
			if s.Status != sessions.StatusActive {
				continue
			}
			if !found || s.JoinedAt.Before(promoted.JoinedAt) {
				promoted = s
				found = true
			}
		}
		if !found {
			// Nobody to promote; fall back to suspension.
			c.log.Info("admin left, no promotable participant", zap.String("code", roomCode))
			return
		}
		c.rooms.Update(roomCode, func(st *rooms.State) {
			st.AdminID = promoted.UserID
			st.AdminName = promoted.UserName
			st.AdminSocketID = promoted.SocketID
			st.IsAdminOnline = true
		})
		c.bcast.BroadcastToRoom(roomCode, "adminChanged", map[string]interface{}{
			"userId":   promoted.UserID,
			"userName": promoted.UserName,
		})
		c.log.Info("admin promoted", zap.String("code", roomCode), zap.String("user_id", promoted.UserID.String()))
	default:
		// suspend: room stays; admissions refuse until reconnect or TTL.
		c.log.Info("admin offline, admissions suspended", zap.String("code", roomCode))
	}
}

// teardownRoom releases every remaining session, clears the live state and
// deletes the stored snapshot. Best-effort throughout.
func (c *Coordinator) teardownRoom(ctx context.Context, roomCode string) {
	for _, s := range c.sess.InRoom(roomCode) {
		if removed, ok := c.sess.Delete(s.SocketID); ok {
			c.releaseMedia(removed)
		}
		c.bcast.SendToSocket(s.SocketID, "roomClosed", map[string]interface{}{"roomCode": roomCode})
		c.bcast.LeaveRoom(roomCode, s.SocketID)
		c.bcast.CloseSocket(s.SocketID)
	}
	c.rooms.Delete(roomCode)
	if err := c.store.Delete(ctx, roomCode); err != nil {
		c.log.Warn("delete stored room", zap.String("code", roomCode), zap.Error(err))
	}
	c.log.Info("room torn down", zap.String("code", roomCode))
}

// releaseMedia closes everything the session owns through the media plane.
// Partial failures are logged; they never block removal of the session.
func (c *Coordinator) releaseMedia(s *sessions.Session) {
	for consumerID := range s.Consumers {
		if err := c.media.CloseConsumer(consumerID); err != nil {
			c.log.Warn("close consumer", zap.String("consumer_id", consumerID), zap.Error(err))
		}
	}
	for producerID := range s.Producers {
		if err := c.media.CloseProducer(producerID); err != nil {
			c.log.Warn("close producer", zap.String("producer_id", producerID), zap.Error(err))
		}
	}
	for _, t := range []*sessions.Transport{s.SendTransport, s.RecvTransport} {
		if t == nil {
			continue
		}
		if err := c.media.CloseTransport(t.ID); err != nil {
			c.log.Warn("close transport", zap.String("transport_id", t.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) requireAdmin(roomCode, socketID string) error {
	snap, ok := c.rooms.Snapshot(roomCode)
	if !ok {
		return ErrRoomNotFound
	}
	if !snap.IsAdminOnline || snap.AdminSocketID != socketID {
		return ErrNotAdmin
	}
	return nil
}
