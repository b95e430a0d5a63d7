package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"go.uber.org/zap"
)

type probe struct {
	agent.CapabilityFunc
	ping func(ctx context.Context) error
}

func (p probe) Ping(ctx context.Context) error { return p.ping(ctx) }

func reachable() agent.Capability { return agent.Reply("ok") }

func slowPing(d time.Duration) agent.Capability {
	return probe{CapabilityFunc: agent.Reply("ok"), ping: func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
}

func down() agent.Capability {
	return probe{CapabilityFunc: agent.Reply("ok"), ping: func(context.Context) error {
		return errors.New("connection refused")
	}}
}

var (
	alice = agent.AgentRef{ID: "alice"}
	bob   = agent.AgentRef{ID: "bob"}
	carol = agent.AgentRef{ID: "carol"}
)

func newCoordinator(caps map[string]agent.Capability, opts ...Option) *Coordinator {
	reg := agent.NewRegistry(zap.NewNop())
	for id, c := range caps {
		reg.Register(agent.AgentRef{ID: id}, c)
	}
	opts = append([]Option{WithConfig(Config{Retries: 2, Backoff: time.Millisecond})}, opts...)
	return NewCoordinator(reg, zap.NewNop(), opts...)
}

func TestImmediateRevokesInFlightStep(t *testing.T) {
	store := checkpoint.NewMemory()
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": reachable()}, WithStore(store))
	s, err := NewSession(agent.NewTask("ship it", ""), alice, PolicyImmediate)
	if err != nil {
		t.Fatal(err)
	}

	stepCtx, done, err := s.BeginStep(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer done()

	rec, err := c.RequestHandoff(context.Background(), s, bob, "needs review")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RecordCompleted || rec.From != "alice" || rec.To != "bob" || rec.Attempts != 1 {
		t.Errorf("record = %+v", rec)
	}
	if s.Owner().ID != "bob" || s.Status() != StatusActive {
		t.Errorf("owner = %s, status = %s", s.Owner().ID, s.Status())
	}
	select {
	case <-stepCtx.Done():
		if !errors.Is(context.Cause(stepCtx), ErrRevoked) {
			t.Errorf("cause = %v", context.Cause(stepCtx))
		}
	default:
		t.Error("previous owner's step should be cancelled")
	}

	view, _, err := checkpoint.Load[View](context.Background(), store, s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if view.Owner.ID != "bob" || len(view.History) != 1 {
		t.Errorf("checkpoint = %+v", view)
	}
}

func TestGracefulWaitsForInFlightStep(t *testing.T) {
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": reachable()})
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyGraceful)

	stepCtx, done, err := s.BeginStep(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan Record, 1)
	go func() {
		rec, err := c.RequestHandoff(context.Background(), s, bob, "shift change")
		if err != nil {
			t.Errorf("handoff: %v", err)
		}
		result <- rec
	}()

	deadline := time.Now().Add(time.Second)
	for s.Status() != StatusTransferring && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if s.Owner().ID != "alice" {
		t.Fatal("ownership moved before the in-flight step finished")
	}
	if stepCtx.Err() != nil {
		t.Fatal("graceful handoff must not cancel the step")
	}
	if _, _, err := s.BeginStep(context.Background(), "alice"); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("new step during transfer: %v", err)
	}

	done()
	select {
	case rec := <-result:
		if rec.Status != RecordCompleted {
			t.Errorf("record = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("handoff never completed")
	}
	if s.Owner().ID != "bob" {
		t.Errorf("owner = %s", s.Owner().ID)
	}
}

func TestConditionalRejectsWhenBlocked(t *testing.T) {
	rec := event.NewRecorder(0, 0)
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": reachable()}, WithSink(rec))
	s, err := NewSession(agent.NewTask("g", ""), alice, PolicyConditional,
		WithPredicate(StateEquals("status", "ready")),
		WithTaskState(map[string]string{"status": "blocked"}))
	if err != nil {
		t.Fatal(err)
	}

	r, err := c.RequestHandoff(context.Background(), s, bob, "try")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != RecordRejected {
		t.Fatalf("record = %+v, want rejected", r)
	}
	if s.Owner().ID != "alice" || s.Status() != StatusActive {
		t.Errorf("owner = %s, status = %s", s.Owner().ID, s.Status())
	}
	if rec.Count(s.ID(), event.HandoffRejected) != 1 {
		t.Error("missing handoff_rejected event")
	}

	s.SetTaskState("status", "ready")
	r, err = c.RequestHandoff(context.Background(), s, bob, "try again")
	if err != nil || r.Status != RecordCompleted {
		t.Fatalf("record = %+v, err = %v", r, err)
	}
	if h := s.History(); len(h) != 2 || h[0].Status != RecordRejected {
		t.Errorf("history = %+v", h)
	}
}

func TestUnreachableTargetAbortsSession(t *testing.T) {
	rec := event.NewRecorder(0, 0)
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": down()}, WithSink(rec))
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyImmediate)

	r, err := c.RequestHandoff(context.Background(), s, bob, "escalate")
	if !errors.Is(err, fault.ErrAgentUnreachable) {
		t.Fatalf("err = %v, want AgentUnreachable", err)
	}
	if r.Attempts != 3 || r.Status != RecordFailed {
		t.Errorf("record = %+v, want 3 failed attempts", r)
	}
	if s.Status() != StatusAborted {
		t.Errorf("status = %s, want aborted", s.Status())
	}
	if s.Owner().ID != "alice" {
		t.Error("owner must not change on failure")
	}
	if n := rec.Count(s.ID(), event.HandoffRetry); n != 2 {
		t.Errorf("got %d retry events, want 2", n)
	}

	if _, err := c.RequestHandoff(context.Background(), s, bob, "again"); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("request on aborted session: %v", err)
	}
}

// statusLog records the session status carried by every checkpoint.
type statusLog struct {
	*checkpoint.Memory
	mu       sync.Mutex
	statuses []string
}

func (l *statusLog) SaveSnapshot(ctx context.Context, runID string, snap checkpoint.Snapshot) error {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(snap.Data, &v); err != nil {
		return err
	}
	l.mu.Lock()
	l.statuses = append(l.statuses, v.Status)
	l.mu.Unlock()
	return l.Memory.SaveSnapshot(ctx, runID, snap)
}

func TestTransferIsCheckpointed(t *testing.T) {
	log := &statusLog{Memory: checkpoint.NewMemory()}
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": reachable()}, WithStore(log))
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyImmediate)

	if _, err := c.RequestHandoff(context.Background(), s, bob, "escalate"); err != nil {
		t.Fatal(err)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.statuses) < 2 {
		t.Fatalf("statuses = %v", log.statuses)
	}
	n := len(log.statuses)
	if log.statuses[n-2] != "transferring" || log.statuses[n-1] != "active" {
		t.Errorf("statuses = %v, want transferring then active", log.statuses)
	}
}

func TestNegativeRetriesProbeOnce(t *testing.T) {
	var pings int
	bobDown := probe{CapabilityFunc: agent.Reply("ok"), ping: func(context.Context) error {
		pings++
		return errors.New("connection refused")
	}}
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": bobDown},
		WithConfig(Config{Retries: -1, Backoff: time.Millisecond}))
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyImmediate)

	r, err := c.RequestHandoff(context.Background(), s, bob, "escalate")
	if !errors.Is(err, fault.ErrAgentUnreachable) {
		t.Fatalf("err = %v", err)
	}
	if pings != 1 || r.Attempts != 1 {
		t.Errorf("pings=%d attempts=%d, want a single probe", pings, r.Attempts)
	}
	if got := (Config{}).withDefaults().Retries; got != 3 {
		t.Errorf("default retries = %d", got)
	}
}

func TestUnknownTargetKeepsSessionActive(t *testing.T) {
	c := newCoordinator(map[string]agent.Capability{"alice": reachable()})
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyImmediate)

	r, err := c.RequestHandoff(context.Background(), s, agent.AgentRef{ID: "ghost"}, "x")
	if !errors.Is(err, fault.ErrAgentUnreachable) || !errors.Is(err, agent.ErrUnknownAgent) {
		t.Fatalf("err = %v", err)
	}
	if r.Attempts != 1 {
		t.Errorf("unknown agents are not retried, got %d attempts", r.Attempts)
	}
	if s.Status() != StatusActive {
		t.Errorf("status = %s", s.Status())
	}
}

func TestConcurrentRequestsOnlyOneWins(t *testing.T) {
	c := newCoordinator(map[string]agent.Capability{
		"alice": reachable(),
		"bob":   slowPing(30 * time.Millisecond),
		"carol": slowPing(30 * time.Millisecond),
	})
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyImmediate)

	start := make(chan struct{})
	var wg sync.WaitGroup
	records := make([]Record, 2)
	for i, target := range []agent.AgentRef{bob, carol} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := c.RequestHandoff(context.Background(), s, target, "race")
			if err != nil {
				t.Errorf("%s: %v", target.ID, err)
			}
			records[i] = r
		}()
	}
	close(start)
	wg.Wait()

	completed := 0
	for _, r := range records {
		if r.Status == RecordCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("%d requests succeeded, want exactly 1: %+v", completed, records)
	}
	if owner := s.Owner().ID; owner != "bob" && owner != "carol" {
		t.Errorf("owner = %s", owner)
	}
}

func TestTerminalSessions(t *testing.T) {
	c := newCoordinator(map[string]agent.Capability{"alice": reachable(), "bob": reachable()})
	s, _ := NewSession(agent.NewTask("g", ""), alice, PolicyGraceful)

	if _, _, err := s.BeginStep(context.Background(), "bob"); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("non-owner step: %v", err)
	}
	stepCtx, done, _ := s.BeginStep(context.Background(), "alice")
	defer done()

	if err := c.Abort(context.Background(), s, "operator cancelled"); err != nil {
		t.Fatal(err)
	}
	if stepCtx.Err() == nil {
		t.Error("abort should revoke the owner's steps")
	}
	if err := c.Complete(context.Background(), s); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("complete after abort: %v", err)
	}
	if err := c.Abort(context.Background(), s, "twice"); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("double abort: %v", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(agent.NewTask("g", ""), alice, PolicyConditional); err == nil {
		t.Error("conditional without predicate should fail")
	}
	if _, err := NewSession(agent.NewTask("g", ""), agent.AgentRef{}, PolicyImmediate); err == nil {
		t.Error("missing owner should fail")
	}
}
