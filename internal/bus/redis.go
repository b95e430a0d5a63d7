package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "swarm:events:"

// AllRuns is the stream every event is also appended to.
const AllRuns = "all"

// RedisStreams appends events to Redis Streams: one stream per run, one per
// parent run for its children's events, and a shared stream.
type RedisStreams struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisStreams creates a stream publisher trimming each stream to about
// maxLen entries.
func NewRedisStreams(rdb *redis.Client, maxLen int64, logger *zap.Logger) *RedisStreams {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreams{rdb: rdb, maxLen: maxLen, logger: logger}
}

// Stream returns the stream key holding runID's events.
func Stream(runID string) string { return streamPrefix + runID }

// Publish appends ev to its run, parent and shared streams in one pipeline.
func (r *RedisStreams) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	streams := []string{Stream(ev.RunID), Stream(AllRuns)}
	if ev.ParentID != "" && ev.ParentID != ev.RunID {
		streams = append(streams, Stream(ev.ParentID))
	}
	pipe := r.rdb.Pipeline()
	for _, s := range streams {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s,
			MaxLen: r.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type": string(ev.Type),
				"data": string(data),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", streams[0], err)
	}
	return nil
}

// Tail streams runID's events starting after lastID ("0" replays the
// whole stream, "$" only new events). The channel closes when ctx ends.
func (r *RedisStreams) Tail(ctx context.Context, runID, lastID string) <-chan event.Event {
	ch := make(chan event.Event, 16)
	stream := Stream(runID)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   32,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					r.logger.Debug("tail read failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev event.Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// NewRedisSink publishes events to Redis Streams in the background.
func NewRedisSink(rdb *redis.Client, maxLen int64, buffer int, logger *zap.Logger) (*Async, *RedisStreams) {
	streams := NewRedisStreams(rdb, maxLen, logger)
	return NewAsync("redis", streams.Publish, buffer, logger), streams
}
