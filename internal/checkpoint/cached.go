package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cached puts an in-process ristretto cache in front of a slower store.
// Writes go to both; reads hit the cache first and backfill it on a miss.
type Cached struct {
	next  Store
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// NewCached wraps next with a cache holding at most maxCostBytes of encoded
// snapshots, each for ttl.
func NewCached(next Store, maxCostBytes int64, ttl time.Duration) (*Cached, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c, ttl: ttl}, nil
}

// SaveSnapshot writes through to the backing store, then refreshes the cache.
func (c *Cached) SaveSnapshot(ctx context.Context, runID string, snap Snapshot) error {
	if err := c.next.SaveSnapshot(ctx, runID, snap); err != nil {
		c.cache.Del(runID)
		return err
	}
	c.put(runID, snap)
	return nil
}

// LoadSnapshot serves from the cache when possible.
func (c *Cached) LoadSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	if data, ok := c.cache.Get(runID); ok {
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return snap, nil
		}
		c.cache.Del(runID)
	}
	snap, err := c.next.LoadSnapshot(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	c.put(runID, snap)
	return snap, nil
}

func (c *Cached) put(runID string, snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.cache.SetWithTTL(runID, data, int64(len(data)), c.ttl)
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}
