package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// New builds a provider from its config type.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown provider type %q for %s", cfg.Type, cfg.ID)
}

// Router picks the provider serving each agent, with optional fallbacks.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> fallback chain
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Bind routes an agent to a specific provider.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

// SetFallbacks configures the providers tried after the primary fails.
func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = append([]string(nil), providerIDs...)
}

// chain returns the primary provider followed by the agent's fallbacks.
func (r *Router) chain(agentID string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	if pid, ok := r.bindings[agentID]; ok {
		if p, ok := r.providers[pid]; ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		if p, ok := r.providers[r.defaults]; ok {
			out = append(out, p)
		}
	}
	for _, id := range r.fallbacks[agentID] {
		if p, ok := r.providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Route sends a request through the agent's provider chain.
func (r *Router) Route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(agentID)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}
	var err error
	for i, p := range chain {
		var resp *ChatResponse
		resp, err = p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("provider failed",
			zap.String("agent", agentID),
			zap.String("provider", p.ID()),
			zap.Bool("fallback", i > 0),
			zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, err)
}

// RouteStream streams from the agent's primary provider.
func (r *Router) RouteStream(ctx context.Context, agentID string, req *ChatRequest) (<-chan *StreamChunk, error) {
	chain := r.chain(agentID)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}
	return chain[0].ChatStream(ctx, req)
}

// Health succeeds when any provider in the agent's chain answers.
func (r *Router) Health(ctx context.Context, agentID string) error {
	chain := r.chain(agentID)
	if len(chain) == 0 {
		return fmt.Errorf("no provider available for agent %s", agentID)
	}
	var err error
	for _, p := range chain {
		if err = p.HealthCheck(ctx); err == nil {
			return nil
		}
	}
	return err
}
