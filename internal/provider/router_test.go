package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type stubProvider struct {
	id      string
	reply   string
	err     error
	healthy bool
	calls   int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }

func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}

func (s *stubProvider) ChatStream(_ context.Context, _ *ChatRequest) (<-chan *StreamChunk, error) {
	ch := make(chan *StreamChunk, 2)
	ch <- &StreamChunk{Content: s.reply}
	ch <- &StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *stubProvider) HealthCheck(_ context.Context) error {
	if s.healthy {
		return nil
	}
	return errors.New("down")
}

func TestRouterFallsBack(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "primary", err: errors.New("boom")}
	backup := &stubProvider{id: "backup", reply: "from backup"}
	r.Register(primary)
	r.Register(backup)
	r.SetFallbacks("alice", []string{"backup"})

	resp, err := r.Route(context.Background(), "alice", &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("got %q, want %q", resp.Content, "from backup")
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1/1", primary.calls, backup.calls)
	}
}

func TestRouterBinding(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "a", reply: "a"})
	r.Register(&stubProvider{id: "b", reply: "b"})
	r.Bind("bob", "b")

	resp, err := r.Route(context.Background(), "bob", &ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "b" {
		t.Errorf("got %q, want bound provider b", resp.Content)
	}
}

func TestRouterHealth(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if err := r.Health(context.Background(), "x"); err == nil {
		t.Fatal("expected error with no providers")
	}
	r.Register(&stubProvider{id: "sick"})
	if err := r.Health(context.Background(), "x"); err == nil {
		t.Fatal("expected unhealthy provider to fail")
	}
	r.Register(&stubProvider{id: "well", healthy: true})
	r.SetFallbacks("x", []string{"well"})
	if err := r.Health(context.Background(), "x"); err != nil {
		t.Fatalf("expected fallback to be healthy: %v", err)
	}
}

func TestOpenAIProviderChatAndStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "c1",
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "hello"}, "finish_reason": "stop"}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL, Model: "m"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("got %q, want hello", resp.Content)
	}

	ch, err := p.ChatStream(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var text string
	var done bool
	for c := range ch {
		text += c.Content
		done = done || c.Done
	}
	if text != "hello" || !done {
		t.Errorf("stream got %q done=%v", text, done)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(Config{ID: "x", Type: "carrier-pigeon"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}
