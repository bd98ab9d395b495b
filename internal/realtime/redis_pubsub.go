package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "meeting:room:"
	publishTimeout = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Origin string          `json:"origin"` // publishing instance, filtered on receive
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Except []string        `json:"except,omitempty"`
	At     int64           `json:"at"`
}

// RedisPubSub bridges room events across coordinator instances.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
	origin string
}

// NewRedisPubSub creates a Redis pub/sub bridge. Each bridge tags its
// publishes with a unique origin so it never re-delivers its own messages.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger, origin: uuid.New().String()}
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(roomCode string, event string, payload []byte, exceptSocketIDs []string) error {
	body, err := json.Marshal(redisPayload{
		Origin: r.origin,
		Event:  event,
		Data:   payload,
		Except: exceptSocketIDs,
		At:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+roomCode, body).Err()
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for
// each message from another instance. Returns a cancel function.
func (r *RedisPubSub) SubscribeRoom(roomCode string, handler func(event string, payload []byte, exceptSocketIDs []string)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+roomCode)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				if p.Origin == r.origin {
					continue
				}
				handler(p.Event, p.Data, p.Except)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
