package api

import (
	"context"
	"sync"

	"github.com/nidhogg/nuka-swarm/internal/nested"
)

// runBook remembers the top-level workflows started through the API. Once
// full, the oldest finished run is forgotten to make room.
type runBook struct {
	mu      sync.RWMutex
	handles map[string]*nested.SubWorkflowHandle
	order   []string
	limit   int
}

func newRunBook(limit int) *runBook {
	return &runBook{handles: make(map[string]*nested.SubWorkflowHandle), limit: limit}
}

func (b *runBook) Add(h *nested.SubWorkflowHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) >= b.limit {
		b.evict()
	}
	b.handles[h.ChildID] = h
	b.order = append(b.order, h.ChildID)
}

// evict drops the oldest finished run. Live runs are never dropped.
func (b *runBook) evict() {
	for i, id := range b.order {
		select {
		case <-b.handles[id].Done():
			delete(b.handles, id)
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		default:
		}
	}
}

func (b *runBook) Get(id string) (*nested.SubWorkflowHandle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handles[id]
	return h, ok
}

func (b *runBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// List returns views of every run, oldest first.
func (b *runBook) List() []nested.HandleView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]nested.HandleView, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.handles[id].Snapshot())
	}
	return out
}

// Wait blocks until every remembered run has finished or ctx ends.
func (b *runBook) Wait(ctx context.Context) error {
	b.mu.RLock()
	pending := make([]*nested.SubWorkflowHandle, 0, len(b.order))
	for _, id := range b.order {
		pending = append(pending, b.handles[id])
	}
	b.mu.RUnlock()

	for _, h := range pending {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
