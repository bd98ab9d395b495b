package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher publishes room events for cross-instance broadcast.
type RedisPublisher interface {
	PublishRoomEvent(roomCode string, event string, payload []byte, exceptSocketIDs []string) error
}

// RedisSubscriber subscribes to a room's channel and invokes handler for
// incoming events from other instances.
type RedisSubscriber interface {
	SubscribeRoom(roomCode string, handler func(event string, payload []byte, exceptSocketIDs []string)) (cancel func(), err error)
}

// Hub maintains socket-id -> connection and room-code -> member sets, and
// fans events out locally plus over Redis for other instances.
type Hub struct {
	clients map[string]*Client            // socket id -> client
	members map[string]map[string]*Client // room code -> socket id -> client
	subs    map[string]func()             // cancel Redis subscription per room
	mu      sync.RWMutex
	logger  *zap.Logger
	redis   RedisPublisher
	sub     RedisSubscriber
}

// NewHub creates a hub. redisPub/redisSub may be nil for single-instance use.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		members: make(map[string]map[string]*Client),
		subs:    make(map[string]func()),
		logger:  logger,
		redis:   redisPub,
		sub:     redisSub,
	}
}

// Register adds a connected client, keyed by socket id.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.SocketID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("socket_id", c.SocketID))
}

// Unregister removes a client and any room membership left behind.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.SocketID)
	for code, m := range h.members {
		if _, ok := m[c.SocketID]; ok {
			delete(m, c.SocketID)
			h.dropRoomIfEmptyLocked(code)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("socket_id", c.SocketID))
}

// JoinRoom adds the socket to a room's member set. Starts the room's Redis
// subscription when the first local member joins.
func (h *Hub) JoinRoom(roomCode, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[socketID]
	if !ok {
		return
	}
	if h.members[roomCode] == nil {
		h.members[roomCode] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeRoom(roomCode, func(event string, payload []byte, except []string) {
				h.broadcastLocal(roomCode, event, json.RawMessage(payload), except...)
			})
			if err != nil {
				h.logger.Warn("room subscribe failed", zap.String("room", roomCode), zap.Error(err))
			} else {
				h.subs[roomCode] = cancel
			}
		}
	}
	h.members[roomCode][socketID] = c
}

// LeaveRoom removes the socket from a room's member set. Cancels the Redis
// subscription when the last local member leaves.
func (h *Hub) LeaveRoom(roomCode, socketID string) {
	h.mu.Lock()
	if m, ok := h.members[roomCode]; ok {
		delete(m, socketID)
		h.dropRoomIfEmptyLocked(roomCode)
	}
	h.mu.Unlock()
}

func (h *Hub) dropRoomIfEmptyLocked(roomCode string) {
	if len(h.members[roomCode]) > 0 {
		return
	}
	delete(h.members, roomCode)
	if cancel, ok := h.subs[roomCode]; ok {
		cancel()
		delete(h.subs, roomCode)
	}
}

// BroadcastToRoom sends an event to every member of the room, local and
// remote, minus any excluded sockets.
func (h *Hub) BroadcastToRoom(roomCode, event string, payload interface{}, exceptSocketIDs ...string) {
	data, err := marshalPayload(payload)
	if err != nil {
		h.logger.Warn("broadcast marshal", zap.String("event", event), zap.Error(err))
		return
	}
	h.broadcastLocal(roomCode, event, data, exceptSocketIDs...)
	if h.redis != nil {
		if err := h.redis.PublishRoomEvent(roomCode, event, data, exceptSocketIDs); err != nil {
			h.logger.Warn("broadcast publish", zap.String("room", roomCode), zap.Error(err))
		}
	}
}

func (h *Hub) broadcastLocal(roomCode, event string, data json.RawMessage, exceptSocketIDs ...string) {
	skip := make(map[string]struct{}, len(exceptSocketIDs))
	for _, id := range exceptSocketIDs {
		skip[id] = struct{}{}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.members[roomCode]
	targets := make([]*Client, 0, len(clients))
	for id, c := range clients {
		if _, ok := skip[id]; ok {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// SendToSocket sends an event to one connected socket on this instance.
func (h *Hub) SendToSocket(socketID, event string, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		h.logger.Warn("send marshal", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

// CloseSocket closes a client's connection, which unwinds its read pump.
func (h *Hub) CloseSocket(socketID string) {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if ok {
		_ = c.conn.Close()
	}
}

// MemberCount returns the number of local members in a room.
func (h *Hub) MemberCount(roomCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[roomCode])
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
