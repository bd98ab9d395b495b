package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lingo-meet/backend/internal/captions"
	"github.com/lingo-meet/backend/internal/media"
	"github.com/lingo-meet/backend/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

var validate = validator.New()

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single authenticated WebSocket connection.
type Client struct {
	SocketID string
	UserID   uuid.UUID
	UserName string
	hub      *Hub
	coord    *signaling.Coordinator
	captions *captions.Manager
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. Identity
// comes from the validated token; the coordinator trusts it.
func ServeWs(hub *Hub, logger *zap.Logger, jwtValidate func(token string) (userID uuid.UUID, userName string, err error),
	coord *signaling.Coordinator, captionMgr *captions.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, userName, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			SocketID: uuid.New().String(),
			UserID:   userID,
			UserName: userName,
			hub:      hub,
			coord:    coord,
			captions: captionMgr,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

type joinPayload struct {
	RoomCode string `json:"roomCode" validate:"required,min=4,max=12"`
	UserName string `json:"userName" validate:"omitempty,max=64"`
}

type userTargetPayload struct {
	UserID uuid.UUID `json:"userId" validate:"required"`
}

type createTransportPayload struct {
	Direction string `json:"direction" validate:"required,oneof=send recv"`
}

type connectTransportPayload struct {
	ICEParameters  json.RawMessage `json:"iceParameters" validate:"required"`
	DTLSParameters json.RawMessage `json:"dtlsParameters" validate:"required"`
}

type producePayload struct {
	Kind          string              `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters media.RTPParameters `json:"rtpParameters" validate:"required"`
}

type consumePayload struct {
	ProducerID      string                `json:"producerId" validate:"required,uuid"`
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

type transcriptPayload struct {
	Text string `json:"text" validate:"required,max=4096"`
}

type recordingPayload struct {
	SourceLang string `json:"sourceLang" validate:"required,max=16"`
	TargetLang string `json:"targetLang" validate:"required,max=16"`
}

func (c *Client) readPump() {
	defer func() {
		c.coord.Disconnect(c.SocketID)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(msg)
	}
}

// dispatch routes one event into the coordinator. Every request gets either
// a positive reply or a structured negative ack; expected races (room gone,
// producer gone, transport not ready) are acks, not dropped calls.
func (c *Client) dispatch(msg WSMessage) {
	ctx := context.Background()

	switch msg.Event {
	case "createRoom":
		room, err := c.coord.CreateRoom(ctx, c.SocketID, c.UserID, c.UserName)
		if err != nil {
			c.nack("createRoomResult", err)
			return
		}
		c.reply("createRoomResult", map[string]interface{}{
			"success":  true,
			"roomCode": room.Code,
			"roomId":   room.ID,
		})

	case "join":
		var p joinPayload
		if !c.bind(msg, &p) {
			return
		}
		name := c.UserName
		if p.UserName != "" {
			name = p.UserName
		}
		if err := c.coord.Join(ctx, c.SocketID, c.UserID, name, p.RoomCode); err != nil {
			c.nack("joinResult", err)
			return
		}
		c.reply("joinResult", map[string]interface{}{"success": true, "status": "pending"})

	case "approveUser", "rejectUser", "kick":
		var p userTargetPayload
		if !c.bind(msg, &p) {
			return
		}
		roomCode, ok := c.roomCode()
		if !ok {
			c.nack(msg.Event+"Result", signaling.ErrSessionNotFound)
			return
		}
		var err error
		switch msg.Event {
		case "approveUser":
			err = c.coord.Approve(ctx, c.SocketID, roomCode, p.UserID)
		case "rejectUser":
			err = c.coord.Reject(ctx, c.SocketID, roomCode, p.UserID)
		case "kick":
			err = c.coord.Kick(ctx, c.SocketID, roomCode, p.UserID)
		}
		if err != nil {
			c.nack(msg.Event+"Result", err)
			return
		}
		c.reply(msg.Event+"Result", map[string]interface{}{"success": true})

	case "createTransport":
		var p createTransportPayload
		if !c.bind(msg, &p) {
			return
		}
		info, err := c.coord.CreateTransport(ctx, c.SocketID, p.Direction)
		if err != nil {
			c.nack("createTransportResult", err)
			return
		}
		c.reply("createTransportResult", map[string]interface{}{
			"success":   true,
			"direction": p.Direction,
			"transport": info,
		})

	case "connectTransport", "connectRecvTransport":
		direction := signaling.DirectionSend
		if msg.Event == "connectRecvTransport" {
			direction = signaling.DirectionRecv
		}
		var p connectTransportPayload
		if !c.bind(msg, &p) {
			return
		}
		remote, err := decodeRemoteParameters(p)
		if err != nil {
			c.nack(msg.Event+"Result", err)
			return
		}
		if err := c.coord.ConnectTransport(ctx, c.SocketID, direction, remote); err != nil {
			c.nack(msg.Event+"Result", err)
			return
		}
		c.reply(msg.Event+"Result", map[string]interface{}{"success": true})

	case "produce":
		var p producePayload
		if !c.bind(msg, &p) {
			return
		}
		producerID, err := c.coord.Produce(ctx, c.SocketID, p.Kind, p.RTPParameters)
		if err != nil {
			c.nack("produceResult", err)
			return
		}
		c.reply("produceResult", map[string]interface{}{"success": true, "producerId": producerID})

	case "consume":
		var p consumePayload
		if !c.bind(msg, &p) {
			return
		}
		info, err := c.coord.Consume(ctx, c.SocketID, p.ProducerID, p.RTPCapabilities)
		if err != nil {
			c.nack("consumeResult", err)
			return
		}
		c.reply("consumeResult", map[string]interface{}{"success": true, "consumer": info})

	case "transcript":
		var p transcriptPayload
		if !c.bind(msg, &p) {
			return
		}
		if roomCode, ok := c.roomCode(); ok {
			c.captions.OnTranscript(roomCode, p.Text)
		}

	case "startRecording":
		var p recordingPayload
		if !c.bind(msg, &p) {
			return
		}
		roomCode, ok := c.roomCode()
		if !ok {
			c.nack("startRecordingResult", signaling.ErrSessionNotFound)
			return
		}
		if err := c.coord.StartRecording(ctx, c.SocketID, roomCode, p.SourceLang, p.TargetLang); err != nil {
			c.nack("startRecordingResult", err)
			return
		}
		c.reply("startRecordingResult", map[string]interface{}{"success": true})

	case "stopRecording":
		roomCode, ok := c.roomCode()
		if !ok {
			c.nack("stopRecordingResult", signaling.ErrSessionNotFound)
			return
		}
		if err := c.coord.StopRecording(ctx, c.SocketID, roomCode); err != nil {
			c.nack("stopRecordingResult", err)
			return
		}
		c.reply("stopRecordingResult", map[string]interface{}{"success": true})

	case "leave":
		if err := c.coord.Leave(ctx, c.SocketID); err != nil {
			c.nack("leaveResult", err)
			return
		}
		c.reply("leaveResult", map[string]interface{}{"success": true})

	case "closeRoom":
		roomCode, ok := c.roomCode()
		if !ok {
			c.nack("closeRoomResult", signaling.ErrSessionNotFound)
			return
		}
		if err := c.coord.CloseRoom(ctx, c.SocketID, roomCode); err != nil {
			c.nack("closeRoomResult", err)
			return
		}
		c.reply("closeRoomResult", map[string]interface{}{"success": true})

	default:
		// ignore
	}
}

// bind unmarshals and validates an event payload, nacking bad input.
func (c *Client) bind(msg WSMessage, out interface{}) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		c.nack(msg.Event+"Result", err)
		return false
	}
	if err := validate.Struct(out); err != nil {
		c.nack(msg.Event+"Result", err)
		return false
	}
	return true
}

func (c *Client) roomCode() (string, bool) {
	s, ok := c.coord.Sessions().Snapshot(c.SocketID)
	if !ok || s.RoomCode == "" {
		return "", false
	}
	return s.RoomCode, true
}

func (c *Client) reply(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) nack(event string, err error) {
	c.logger.Debug("request failed", zap.String("event", event), zap.Error(err))
	c.reply(event, map[string]interface{}{
		"success":      false,
		"errorMessage": err.Error(),
	})
}

func decodeRemoteParameters(p connectTransportPayload) (media.RemoteParameters, error) {
	var remote media.RemoteParameters
	if err := json.Unmarshal(p.ICEParameters, &remote.ICEParameters); err != nil {
		return remote, err
	}
	if err := json.Unmarshal(p.DTLSParameters, &remote.DTLSParameters); err != nil {
		return remote, err
	}
	return remote, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
