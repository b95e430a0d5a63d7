package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/provider"
	"go.uber.org/zap"
)

func TestInvokeNormalizesOutcomes(t *testing.T) {
	ref := AgentRef{ID: "a"}
	task := NewTask("goal", "")
	ctx := context.Background()

	res := Invoke(ctx, Reply("ok"), ref, task, ConversationContext{})
	if res.Status != StatusSucceeded || res.Output != "ok" || res.AgentID != "a" {
		t.Errorf("success: got %+v", res)
	}

	failing := CapabilityFunc(func(context.Context, Task, ConversationContext) (ExecutionResult, error) {
		return ExecutionResult{}, errors.New("model overloaded")
	})
	res = Invoke(ctx, failing, ref, task, ConversationContext{})
	if res.Status != StatusFailed || res.Error != "model overloaded" {
		t.Errorf("failure: got %+v", res)
	}

	panicking := CapabilityFunc(func(context.Context, Task, ConversationContext) (ExecutionResult, error) {
		panic("kaboom")
	})
	res = Invoke(ctx, panicking, ref, task, ConversationContext{})
	if res.Status != StatusFailed {
		t.Errorf("panic: got status %s, want failed", res.Status)
	}
}

func TestInvokeTimesOutUncooperativeCapability(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := CapabilityFunc(func(context.Context, Task, ConversationContext) (ExecutionResult, error) {
		<-block
		return ExecutionResult{Status: StatusSucceeded}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := Invoke(ctx, stuck, AgentRef{ID: "slow"}, NewTask("g", ""), ConversationContext{})
	if res.Status != StatusTimeout {
		t.Fatalf("got %s, want timeout", res.Status)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Invoke should return promptly after the deadline")
	}
}

func TestInvokeCancelled(t *testing.T) {
	waiting := CapabilityFunc(func(ctx context.Context, _ Task, _ ConversationContext) (ExecutionResult, error) {
		<-ctx.Done()
		return ExecutionResult{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := Invoke(ctx, waiting, AgentRef{ID: "c"}, NewTask("g", ""), ConversationContext{})
	if res.Status != StatusCancelled {
		t.Fatalf("got %s, want cancelled", res.Status)
	}
}

func TestInvokeHonoursTaskDeadline(t *testing.T) {
	waiting := CapabilityFunc(func(ctx context.Context, _ Task, _ ConversationContext) (ExecutionResult, error) {
		<-ctx.Done()
		return ExecutionResult{}, ctx.Err()
	})
	task := NewTask("g", "")
	task.Deadline = time.Now().Add(15 * time.Millisecond)
	res := Invoke(context.Background(), waiting, AgentRef{ID: "d"}, task, ConversationContext{})
	if res.Status != StatusTimeout {
		t.Fatalf("got %s, want timeout", res.Status)
	}
}

func TestRegistrySubsetIsIsolated(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(AgentRef{ID: "a", Tags: []string{"go"}}, Reply("a"))
	reg.Register(AgentRef{ID: "b"}, Reply("b"))
	reg.Register(AgentRef{ID: "c"}, Reply("c"))

	sub, err := reg.Subset([]string{"c", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Len() != 2 {
		t.Fatalf("got %d agents, want 2", sub.Len())
	}
	if got := sub.List(); got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("subset order = %v, want [c a]", got)
	}

	sub.Register(AgentRef{ID: "z"}, Reply("z"))
	if _, ok := reg.Ref("z"); ok {
		t.Error("registering on a subset must not leak into the parent")
	}
	ref, _ := sub.Ref("a")
	ref.Tags[0] = "mutated"
	if parent, _ := reg.Ref("a"); parent.Tags[0] != "go" {
		t.Error("subset tags should be copied")
	}

	if _, err := reg.Subset([]string{"missing"}); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("got %v, want ErrUnknownAgent", err)
	}
}

type pingCap struct {
	CapabilityFunc
	err error
}

func (p pingCap) Ping(context.Context) error { return p.err }

func TestRegistryPing(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(AgentRef{ID: "up"}, pingCap{CapabilityFunc: Reply(""), err: nil})
	reg.Register(AgentRef{ID: "down"}, pingCap{CapabilityFunc: Reply(""), err: errors.New("unreachable")})
	reg.Register(AgentRef{ID: "plain"}, Reply(""))

	ctx := context.Background()
	if err := reg.Ping(ctx, "up"); err != nil {
		t.Errorf("up: %v", err)
	}
	if err := reg.Ping(ctx, "down"); err == nil {
		t.Error("down: expected error")
	}
	if err := reg.Ping(ctx, "plain"); err != nil {
		t.Errorf("plain: %v", err)
	}
	if err := reg.Ping(ctx, "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("ghost: got %v", err)
	}
}

func TestMatchByTags(t *testing.T) {
	refs := []AgentRef{
		{ID: "writer", Name: "Writer", Tags: []string{"docs", "prose"}},
		{ID: "coder", Name: "Coder", Tags: []string{"golang", "backend", "api"}},
		{ID: "ops", Name: "Ops", Tags: []string{"deploy"}},
	}
	got := MatchByTags(refs, "Write the backend API in golang")
	if len(got) == 0 || got[0].ID != "coder" {
		t.Fatalf("got %v, want coder first", got)
	}
	if _, ok := BestMatch(refs, "nothing relevant here"); ok {
		t.Error("expected no match")
	}
}

func TestTaskDeriveDoesNotMutateParent(t *testing.T) {
	parent := Task{ID: "p", Goal: "g", Metadata: map[string]string{"k": "v"}}
	child := parent.Derive("sub", "in")
	child.Metadata["k"] = "changed"
	if parent.Metadata["k"] != "v" {
		t.Error("parent metadata mutated")
	}
	if child.Metadata["parent_task"] != "p" || child.ID == parent.ID {
		t.Errorf("unexpected child %+v", child)
	}
}

type fixedProvider struct{ reply string }

func (f fixedProvider) ID() string   { return "fixed" }
func (f fixedProvider) Name() string { return "fixed" }
func (f fixedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: f.reply + ":" + req.Messages[len(req.Messages)-1].Content}, nil
}
func (f fixedProvider) ChatStream(context.Context, *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	ch := make(chan *provider.StreamChunk, 2)
	ch <- &provider.StreamChunk{Content: f.reply}
	ch <- &provider.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}
func (f fixedProvider) HealthCheck(context.Context) error { return nil }

func TestLLMCapability(t *testing.T) {
	router := provider.NewRouter(zap.NewNop())
	router.Register(fixedProvider{reply: "hi"})
	c := NewLLMCapability(LLMConfig{AgentID: "bot", SystemPrompt: "be brief"}, router, zap.NewNop())

	conv := ConversationContext{Messages: []Message{
		{Speaker: "bot", Content: "earlier"},
		{Speaker: "alice", Content: "question"},
	}}
	msgs := c.buildMessages(NewTask("answer", ""), conv)
	if msgs[0].Role != "system" || msgs[1].Role != "assistant" || msgs[2].Content != "[alice] question" {
		t.Errorf("unexpected messages %+v", msgs)
	}

	res := Invoke(context.Background(), c, AgentRef{ID: "bot"}, NewTask("answer", ""), conv)
	if res.Output != "hi:answer" {
		t.Errorf("got %q", res.Output)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	stream, err := c.InvokeStream(context.Background(), NewTask("x", ""), ConversationContext{})
	if err != nil {
		t.Fatal(err)
	}
	var parts int
	for range stream {
		parts++
	}
	if parts != 2 {
		t.Errorf("got %d partial results, want 2", parts)
	}
}
