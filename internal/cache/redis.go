package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProcessedStore implements ProcessedStore on redis so callback dedup
// survives restarts and is shared between instances.
type RedisProcessedStore struct {
	client *redis.Client
}

func NewRedisProcessedStore(addr, password string, db int) *RedisProcessedStore {
	return &RedisProcessedStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies the connection at startup.
func (s *RedisProcessedStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func key(eventID string) string {
	return fmt.Sprintf("callback:%s", eventID)
}

func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	return s.client.Set(ctx, key(eventID), "1", ttl).Err()
}

func (s *RedisProcessedStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	err := s.client.Get(ctx, key(eventID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET: %w", err)
	}
	return true, nil
}
