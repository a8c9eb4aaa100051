package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uncovering-world/track-your-regions/internal/region"
)

// Redis key prefix for batch progress records.
const progressKeyPrefix = "geom:progress:"

// liveRecordTTL bounds how long a record without explicit expiry can live, so
// a crashed batch never wedges its hierarchy permanently.
const liveRecordTTL = 24 * time.Hour

// RedisStore shares progress records across orchestrator instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed progress store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(id region.HierarchyID) string {
	return progressKeyPrefix + strconv.FormatInt(int64(id), 10)
}

func (s *RedisStore) Get(ctx context.Context, id region.HierarchyID) (*Record, error) {
	data, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %d: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode progress %d: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.client.Set(ctx, key(rec.HierarchyID), data, liveRecordTTL).Err(); err != nil {
		return fmt.Errorf("put progress %d: %w", rec.HierarchyID, err)
	}
	return nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, id region.HierarchyID) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.Terminal() {
		return true, nil
	}
	rec.CancelRequested = true
	return true, s.Put(ctx, rec)
}

func (s *RedisStore) ExpireAfter(ctx context.Context, id region.HierarchyID, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key(id), ttl).Err(); err != nil {
		return fmt.Errorf("expire progress %d: %w", id, err)
	}
	return nil
}
