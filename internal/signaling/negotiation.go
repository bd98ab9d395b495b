package signaling

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lingo-meet/backend/internal/media"
	"github.com/lingo-meet/backend/internal/rooms"
	"github.com/lingo-meet/backend/internal/sessions"
)

// Transport directions.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// CreateTransport negotiates one transport for the session, at most one per
// direction. Serialized under the socket key so rapid repeated requests
// cannot create duplicates; a repeat returns the existing parameters.
func (c *Coordinator) CreateTransport(ctx context.Context, socketID, direction string) (media.TransportInfo, error) {
	var info media.TransportInfo
	err := c.mutex.Do(socketKey(socketID), c.opts.MutexTimeout, func() error {
		s, ok := c.sess.Snapshot(socketID)
		if !ok {
			return ErrSessionNotFound
		}
		if s.Status != sessions.StatusActive {
			return ErrSessionNotActive
		}
		if existing := s.TransportFor(direction); existing != nil {
			info = existing.Info
			return nil
		}

		created, err := c.media.CreateTransport(ctx)
		if err != nil {
			return err
		}
		// The session may have been torn down (kick, room close) while the
		// transport was gathering; the room key and the socket key
		// interleave. Close the orphan instead of leaking it.
		recorded := c.sess.Update(socketID, func(s *sessions.Session) {
			t := &sessions.Transport{ID: created.ID, Info: created}
			if direction == DirectionSend {
				s.SendTransport = t
			} else {
				s.RecvTransport = t
			}
		})
		if !recorded {
			if cerr := c.media.CloseTransport(created.ID); cerr != nil {
				c.log.Warn("close orphaned transport", zap.String("transport_id", created.ID), zap.Error(cerr))
			}
			return ErrSessionNotFound
		}
		info = created
		c.log.Debug("transport negotiated",
			zap.String("socket_id", socketID),
			zap.String("direction", direction),
			zap.String("transport_id", created.ID),
		)
		return nil
	})
	return info, err
}

// ConnectTransport finalizes the transport with the client's ICE/DTLS
// parameters and marks it connected.
func (c *Coordinator) ConnectTransport(ctx context.Context, socketID, direction string, remote media.RemoteParameters) error {
	return c.mutex.Do(socketKey(socketID), c.opts.MutexTimeout, func() error {
		s, ok := c.sess.Snapshot(socketID)
		if !ok {
			return ErrSessionNotFound
		}
		t := s.TransportFor(direction)
		if t == nil {
			return ErrTransportNotConnected
		}
		if t.Connected {
			return nil
		}
		if err := c.media.ConnectTransport(ctx, t.ID, remote); err != nil {
			return err
		}
		if !c.sess.Update(socketID, func(s *sessions.Session) {
			if tt := s.TransportFor(direction); tt != nil {
				tt.Connected = true
			}
		}) {
			// Teardown already closed the transport along with the session.
			return ErrSessionNotFound
		}
		return nil
	})
}

// Produce registers an outbound stream on the session's connected send
// transport and announces it to the rest of the room.
func (c *Coordinator) Produce(ctx context.Context, socketID, kind string, rtp media.RTPParameters) (string, error) {
	var producerID string
	err := c.mutex.Do(socketKey(socketID), c.opts.MutexTimeout, func() error {
		s, ok := c.sess.Snapshot(socketID)
		if !ok {
			return ErrSessionNotFound
		}
		if s.SendTransport == nil || !s.SendTransport.Connected {
			return ErrTransportNotConnected
		}

		id, err := c.media.Produce(ctx, s.SendTransport.ID, kind, rtp)
		if err != nil {
			return err
		}
		if !c.sess.AddProducer(socketID, id, kind) {
			// Session gone mid-negotiation; an ownerless producer must not
			// survive, let alone be announced.
			if cerr := c.media.CloseProducer(id); cerr != nil {
				c.log.Warn("close orphaned producer", zap.String("producer_id", id), zap.Error(cerr))
			}
			return ErrSessionNotFound
		}
		producerID = id

		c.bcast.BroadcastToRoom(s.RoomCode, "newProducer", map[string]interface{}{
			"producerId": id,
			"userId":     s.UserID,
			"kind":       kind,
		}, socketID)
		c.log.Debug("producer registered",
			zap.String("socket_id", socketID),
			zap.String("producer_id", id),
			zap.String("kind", kind),
		)
		return nil
	})
	return producerID, err
}

// Consume subscribes the session to a remote producer through its connected
// receive transport. The producer's owner may have left since the
// notification; that race surfaces as ErrProducerNotFound.
func (c *Coordinator) Consume(ctx context.Context, socketID, producerID string, caps media.RTPCapabilities) (media.ConsumerInfo, error) {
	var info media.ConsumerInfo
	err := c.mutex.Do(socketKey(socketID), c.opts.MutexTimeout, func() error {
		s, ok := c.sess.Snapshot(socketID)
		if !ok {
			return ErrSessionNotFound
		}
		if s.RecvTransport == nil || !s.RecvTransport.Connected {
			return ErrTransportNotConnected
		}
		if _, ok := c.sess.ProducerOwner(producerID); !ok {
			return ErrProducerNotFound
		}

		created, err := c.media.Consume(ctx, s.RecvTransport.ID, producerID, caps)
		if err != nil {
			if errors.Is(err, media.ErrProducerNotFound) {
				return ErrProducerNotFound
			}
			return err
		}
		if !c.sess.AddConsumer(socketID, created.ID, producerID) {
			if cerr := c.media.CloseConsumer(created.ID); cerr != nil {
				c.log.Warn("close orphaned consumer", zap.String("consumer_id", created.ID), zap.Error(cerr))
			}
			return ErrSessionNotFound
		}
		info = created
		return nil
	})
	return info, err
}

// StartRecording toggles the room's recording flag and caption languages.
// Admin-only; the caption pipeline keys off the flag.
func (c *Coordinator) StartRecording(ctx context.Context, socketID, roomCode, sourceLang, targetLang string) error {
	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		if err := c.requireAdmin(roomCode, socketID); err != nil {
			return err
		}
		c.rooms.Update(roomCode, func(st *rooms.State) {
			st.IsRecording = true
			st.Captions.SourceLang = sourceLang
			st.Captions.TargetLang = targetLang
		})
		c.bcast.BroadcastToRoom(roomCode, "recordingStarted", map[string]interface{}{
			"sourceLang": sourceLang,
			"targetLang": targetLang,
		})
		return nil
	})
}

// StopRecording clears the recording flag.
func (c *Coordinator) StopRecording(ctx context.Context, socketID, roomCode string) error {
	return c.mutex.Do(roomKey(roomCode), c.opts.MutexTimeout, func() error {
		if err := c.requireAdmin(roomCode, socketID); err != nil {
			return err
		}
		c.rooms.Update(roomCode, func(st *rooms.State) {
			st.IsRecording = false
		})
		c.bcast.BroadcastToRoom(roomCode, "recordingStopped", nil)
		return nil
	})
}
