package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownAgent is returned when an agent ID is not registered.
var ErrUnknownAgent = errors.New("agent not found")

type entry struct {
	ref AgentRef
	cap Capability
}

// Registry binds agent handles to capabilities. It is the roster every
// coordinator resolves participants from.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Register binds ref to c, replacing any previous binding for ref.ID.
func (r *Registry) Register(ref AgentRef, c Capability) {
	if ref.Name == "" {
		ref.Name = ref.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[ref.ID]; !ok {
		r.order = append(r.order, ref.ID)
	}
	r.entries[ref.ID] = entry{ref: ref, cap: c}
	r.logger.Info("registered agent",
		zap.String("id", ref.ID),
		zap.String("name", ref.Name),
		zap.Strings("tags", ref.Tags))
}

// Get returns the handle and capability bound to id.
func (r *Registry) Get(id string) (AgentRef, Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.ref, e.cap, ok
}

// Ref returns the handle for id.
func (r *Registry) Ref(id string) (AgentRef, bool) {
	ref, _, ok := r.Get(id)
	return ref, ok
}

// List returns every handle in registration order.
func (r *Registry) List() []AgentRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRef, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].ref)
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Resolve returns the handles for ids in the given order.
func (r *Registry) Resolve(ids []string) ([]AgentRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRef, 0, len(ids))
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		out = append(out, e.ref)
	}
	return out, nil
}

// Subset returns an independent registry holding only ids. An empty ids list
// copies the whole roster. Capabilities are shared; the maps are not.
func (r *Registry) Subset(ids []string) (*Registry, error) {
	if len(ids) == 0 {
		ids = r.ids()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := &Registry{entries: make(map[string]entry, len(ids)), logger: r.logger}
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		if _, dup := sub.entries[id]; dup {
			continue
		}
		e.ref.Tags = append([]string(nil), e.ref.Tags...)
		sub.entries[id] = e
		sub.order = append(sub.order, id)
	}
	return sub, nil
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Ping checks that id is registered and, when its capability supports it,
// reachable.
func (r *Registry) Ping(ctx context.Context, id string) error {
	_, c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if p, ok := c.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Invoke runs the capability bound to ref.ID through Invoke.
func (r *Registry) Invoke(ctx context.Context, ref AgentRef, task Task, conv ConversationContext) ExecutionResult {
	_, c, ok := r.Get(ref.ID)
	if !ok {
		return ExecutionResult{
			AgentID: ref.ID,
			Status:  StatusFailed,
			Error:   fmt.Sprintf("%v: %s", ErrUnknownAgent, ref.ID),
		}
	}
	return Invoke(ctx, c, ref, task, conv)
}
