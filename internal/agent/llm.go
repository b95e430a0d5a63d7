package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-swarm/internal/provider"
	"go.uber.org/zap"
)

// LLMConfig describes an agent backed by a chat model.
type LLMConfig struct {
	AgentID      string
	Name         string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// LLMCapability answers tasks by routing chat requests through a provider
// router. The router's health check doubles as the reachability probe.
type LLMCapability struct {
	cfg    LLMConfig
	router *provider.Router
	logger *zap.Logger
}

// NewLLMCapability creates a router-backed capability.
func NewLLMCapability(cfg LLMConfig, router *provider.Router, logger *zap.Logger) *LLMCapability {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &LLMCapability{cfg: cfg, router: router, logger: logger}
}

// Invoke sends one completion request for task.
func (c *LLMCapability) Invoke(ctx context.Context, task Task, conv ConversationContext) (ExecutionResult, error) {
	resp, err := c.router.Route(ctx, c.cfg.AgentID, c.request(task, conv))
	if err != nil {
		return ExecutionResult{}, err
	}
	c.logger.Debug("agent replied",
		zap.String("agent", c.cfg.AgentID),
		zap.String("task", task.ID),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return ExecutionResult{Status: StatusSucceeded, Output: resp.Content}, nil
}

// InvokeStream streams the completion for task.
func (c *LLMCapability) InvokeStream(ctx context.Context, task Task, conv ConversationContext) (<-chan PartialResult, error) {
	chunks, err := c.router.RouteStream(ctx, c.cfg.AgentID, c.request(task, conv))
	if err != nil {
		return nil, err
	}
	out := make(chan PartialResult, 16)
	go func() {
		defer close(out)
		for ch := range chunks {
			pr := PartialResult{AgentID: c.cfg.AgentID, Delta: ch.Content, Done: ch.Done, Err: ch.Err}
			select {
			case out <- pr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ping checks the agent's provider chain.
func (c *LLMCapability) Ping(ctx context.Context) error {
	return c.router.Health(ctx, c.cfg.AgentID)
}

func (c *LLMCapability) request(task Task, conv ConversationContext) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:     c.cfg.Model,
		Messages:  c.buildMessages(task, conv),
		MaxTokens: c.cfg.MaxTokens,
	}
}

// buildMessages renders the conversation from this agent's point of view:
// its own turns become assistant messages, everyone else's are user turns
// prefixed with the speaker.
func (c *LLMCapability) buildMessages(task Task, conv ConversationContext) []provider.Message {
	var msgs []provider.Message
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: c.cfg.SystemPrompt})
	}
	if conv.Instructions != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: conv.Instructions})
	}
	if len(conv.Facts) > 0 {
		msgs = append(msgs, provider.Message{
			Role:    "system",
			Content: "Known facts:\n- " + strings.Join(conv.Facts, "\n- "),
		})
	}
	for _, m := range conv.Messages {
		if m.Speaker == c.cfg.AgentID {
			msgs = append(msgs, provider.Message{Role: "assistant", Content: m.Content})
			continue
		}
		msgs = append(msgs, provider.Message{
			Role:    "user",
			Content: fmt.Sprintf("[%s] %s", m.Speaker, m.Content),
		})
	}
	prompt := task.Goal
	if task.Input != "" {
		prompt += "\n\n" + task.Input
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: prompt})
	return msgs
}
