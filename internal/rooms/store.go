package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "meeting:code:"

// ErrNotFound is returned when no room exists for a code.
var ErrNotFound = errors.New("room not found")

// Store is TTL-bounded room-code -> room-snapshot storage shared between
// coordinator instances. CreateIfAbsent is the sole collision detector for
// code allocation.
type Store interface {
	CreateIfAbsent(ctx context.Context, code string, room *Room, ttl time.Duration) (bool, error)
	Get(ctx context.Context, code string) (*Room, error)
	Delete(ctx context.Context, code string) error
}

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed room store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// CreateIfAbsent sets the room payload only if the code is free (SET NX with
// expiry). Returns false on collision.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, code string, room *Room, ttl time.Duration) (bool, error) {
	body, err := json.Marshal(room)
	if err != nil {
		return false, fmt.Errorf("marshal room: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+code, body, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

// Get returns the room for code, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, code string) (*Room, error) {
	body, err := s.client.Get(ctx, keyPrefix+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	var room Room
	if err := json.Unmarshal(body, &room); err != nil {
		return nil, fmt.Errorf("unmarshal room: %w", err)
	}
	return &room, nil
}

// Delete removes the room payload. Deleting an absent code is not an error.
func (s *RedisStore) Delete(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, keyPrefix+code).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}
