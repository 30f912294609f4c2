package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the hot-path cache backend: security-session state with TTL,
// the announce pub/sub channel shared by all nodes on the same backbone, and
// short-lived guard locks for sync attempts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed cache store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveSession caches a security session with a TTL matching its expiry.
func (s *RedisStore) SaveSession(ctx context.Context, session *SecuritySession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}

	key := "sync:session:" + session.SessionID
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to save session")
	}

	return nil
}

// GetSession returns a cached security session or ErrNotFound.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SecuritySession, error) {
	key := "sync:session:" + sessionID
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get session")
	}

	var session SecuritySession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}

	return &session, nil
}

// DeleteSession removes a cached security session.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	key := "sync:session:" + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	return nil
}

// AcquireLock takes a best-effort guard lock, e.g. so two scheduler ticks
// never run overlapping sync attempts against the same peer.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := "sync:lock:" + key
	result, err := s.client.SetNX(ctx, lockKey, "1", ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lock")
	}
	return result, nil
}

// ReleaseLock releases a guard lock.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	lockKey := "sync:lock:" + key
	if err := s.client.Del(ctx, lockKey).Err(); err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return nil
}

// PublishMessage publishes to the named channel. Peer discovery announces
// itself through this.
func (s *RedisStore) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	channelKey := "sync:channel:" + channel
	if err := s.client.Publish(ctx, channelKey, data).Err(); err != nil {
		return errors.Wrap(err, "failed to publish message")
	}

	return nil
}

// SubscribeMessages subscribes to the named channel and delivers raw payloads
// until the context is cancelled.
func (s *RedisStore) SubscribeMessages(ctx context.Context, channel string) (<-chan []byte, error) {
	channelKey := "sync:channel:" + channel
	pubsub := s.client.Subscribe(ctx, channelKey)

	// wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to subscribe")
	}

	ch := pubsub.Channel()
	resultCh := make(chan []byte)

	go func() {
		defer close(resultCh)
		defer pubsub.Close()

		for msg := range ch {
			select {
			case resultCh <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return resultCh, nil
}
