package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AvailabilityStore is the narrow contract over the externally owned
// availability cache. Entries are derived, evictable copies keyed by
// car id; evicting an absent key is a no-op.
type AvailabilityStore interface {
	Get(ctx context.Context, carID string) (value string, ok bool, err error)
	Put(ctx context.Context, carID, value string) error
	Evict(ctx context.Context, carID string) error
}

type RedisAvailabilityStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisAvailabilityStore(rdb *redis.Client, ttl time.Duration) *RedisAvailabilityStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisAvailabilityStore{rdb: rdb, prefix: "avail:car:", ttl: ttl}
}

var _ AvailabilityStore = (*RedisAvailabilityStore)(nil)

func (s *RedisAvailabilityStore) Get(ctx context.Context, carID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+carID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisAvailabilityStore) Put(ctx context.Context, carID, value string) error {
	return s.rdb.Set(ctx, s.prefix+carID, value, s.ttl).Err()
}

func (s *RedisAvailabilityStore) Evict(ctx context.Context, carID string) error {
	// DEL of a missing key returns 0 rows, nil error.
	return s.rdb.Del(ctx, s.prefix+carID).Err()
}
