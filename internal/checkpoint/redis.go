package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "swarm:checkpoint:"

// RedisStore keeps one JSON snapshot per run under a key with a TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps rdb. A zero ttl keeps snapshots forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// SaveSnapshot writes snap under the run key.
func (s *RedisStore) SaveSnapshot(ctx context.Context, runID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, keyPrefix+runID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", runID, err)
	}
	return nil
}

// LoadSnapshot reads the run key.
func (s *RedisStore) LoadSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", runID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return snap, nil
}
