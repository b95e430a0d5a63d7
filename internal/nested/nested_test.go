package nested

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"github.com/nidhogg/nuka-swarm/internal/groupchat"
	"github.com/nidhogg/nuka-swarm/internal/handoff"
	"github.com/nidhogg/nuka-swarm/internal/planner"
	"go.uber.org/zap"
)

// appender continues the task input with its own ID.
func appender(id string) agent.Capability {
	return agent.CapabilityFunc(func(_ context.Context, task agent.Task, _ agent.ConversationContext) (agent.ExecutionResult, error) {
		return agent.ExecutionResult{Output: strings.TrimSpace(task.Input + " " + id)}, nil
	})
}

func newRunner(t *testing.T, ids ...string) (*Runner, *event.Recorder, *agent.Registry) {
	t.Helper()
	reg := agent.NewRegistry(zap.NewNop())
	for _, id := range ids {
		reg.Register(agent.AgentRef{ID: id}, appender(id))
	}
	rec := event.NewRecorder(0, 0)
	return NewRunner(reg, zap.NewNop(), WithSink(rec)), rec, reg
}

func leaf(goal string, scope ...string) WorkflowSpec {
	return WorkflowSpec{Kind: KindConcurrent, Task: agent.NewTask(goal, ""), Scope: scope}
}

func TestDepthLimitFailsBeforeLaunch(t *testing.T) {
	r, rec, reg := newRunner(t, "a")
	parent := RunContext{RunID: "deep", Depth: 5, Registry: reg}
	h, err := r.RunChild(context.Background(), parent, leaf("g"))
	if !errors.Is(err, fault.ErrNestingDepthExceeded) {
		t.Fatalf("got %v, want nesting depth exceeded", err)
	}
	if h != nil {
		t.Error("no handle should be returned")
	}
	if rec.Total() != 0 {
		t.Errorf("recorded %d events, want none", rec.Total())
	}
}

func TestSixthLevelChildFailsTheChain(t *testing.T) {
	reg := agent.NewRegistry(zap.NewNop())
	reg.Register(agent.AgentRef{ID: "a"}, appender("a"))
	var mu sync.Mutex
	counts := map[event.Type]int{}
	sink := event.SinkFunc(func(_ context.Context, ev event.Event) {
		mu.Lock()
		counts[ev.Type]++
		mu.Unlock()
	})
	r := NewRunner(reg, zap.NewNop(), WithSink(sink))

	spec := leaf("innermost")
	for range 5 {
		spec = WorkflowSpec{
			Kind:      KindComposite,
			Task:      agent.NewTask("wrap", ""),
			Composite: &CompositeSpec{Children: []WorkflowSpec{spec}},
		}
	}

	_, err := r.Run(context.Background(), r.Root(), spec)
	if !errors.Is(err, fault.ErrNestingDepthExceeded) {
		t.Fatalf("got %v, want nesting depth exceeded", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[event.ChildWorkflowLaunched] != 5 {
		t.Errorf("launched %d children, want 5", counts[event.ChildWorkflowLaunched])
	}
	if counts[event.RunStarted] != 0 {
		t.Error("the innermost workflow must never start")
	}
}

func TestChildTimeoutCancels(t *testing.T) {
	reg := agent.NewRegistry(zap.NewNop())
	reg.Register(agent.AgentRef{ID: "slow"}, agent.CapabilityFunc(func(ctx context.Context, _ agent.Task, _ agent.ConversationContext) (agent.ExecutionResult, error) {
		<-ctx.Done()
		return agent.ExecutionResult{}, ctx.Err()
	}))
	rec := event.NewRecorder(0, 0)
	r := NewRunner(reg, zap.NewNop(), WithSink(rec))

	spec := leaf("wait forever")
	spec.Timeout = Duration(40 * time.Millisecond)
	start := time.Now()
	h, err := r.RunChild(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("a cancelled child is not a fatal error: %v", err)
	}
	if resp.Status != agent.StatusCancelled || !errors.Is(resp.Failure, ErrChildTimeout) {
		t.Fatalf("got %s / %v, want cancelled by timeout", resp.Status, resp.Failure)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("parent resumed after %s", elapsed)
	}
	if resp.CorrelationID != h.CorrelationID {
		t.Errorf("correlation id %q, want %q", resp.CorrelationID, h.CorrelationID)
	}
	if !h.Snapshot().Done {
		t.Error("handle should be settled")
	}
}

func TestParentCancelStopsChild(t *testing.T) {
	reg := agent.NewRegistry(zap.NewNop())
	reg.Register(agent.AgentRef{ID: "slow"}, agent.CapabilityFunc(func(ctx context.Context, _ agent.Task, _ agent.ConversationContext) (agent.ExecutionResult, error) {
		<-ctx.Done()
		return agent.ExecutionResult{}, ctx.Err()
	}))
	r := NewRunner(reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	h, err := r.RunChild(ctx, r.Root(), leaf("g"))
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("child did not settle after parent cancel")
	}
	if resp := h.Snapshot().Response; resp == nil || resp.Status != agent.StatusCancelled {
		t.Fatalf("got %+v", resp)
	}
}

func TestParallelSiblingsAreIsolated(t *testing.T) {
	r, _, _ := newRunner(t, "a", "b", "c")
	spec := WorkflowSpec{
		Kind: KindComposite,
		Task: agent.NewTask("split", "x"),
		Composite: &CompositeSpec{Parallel: true, Children: []WorkflowSpec{
			{Kind: KindConcurrent, Scope: []string{"a"}},
			{Kind: KindConcurrent, Scope: []string{"b", "c"}},
		}},
	}
	resp, err := r.Run(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Succeeded() {
		t.Fatalf("status %s: %v", resp.Status, resp.Failure)
	}
	children := resp.Result.([]Response)
	first := children[0].Result.(concurrent.State)
	second := children[1].Result.(concurrent.State)
	if len(first.Branches) != 1 || first.Branches[0].Agent.ID != "a" {
		t.Errorf("first child branches = %+v", first.Branches)
	}
	if len(second.Branches) != 2 {
		t.Errorf("second child branches = %d, want 2", len(second.Branches))
	}
	if first.ID == second.ID || first.ParentID != resp.ChildID || second.ParentID != resp.ChildID {
		t.Errorf("ids: %s/%s parents %s/%s, composite %s", first.ID, second.ID, first.ParentID, second.ParentID, resp.ChildID)
	}
	if first.Task.Input != "x" {
		t.Errorf("child should inherit the composite input, got %q", first.Task.Input)
	}
}

func TestScopeOutsideParentRoster(t *testing.T) {
	r, _, reg := newRunner(t, "a", "b")
	narrow, err := reg.Subset([]string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	parent := RunContext{RunID: "p", Depth: 1, Registry: narrow}
	if _, err := r.RunChild(context.Background(), parent, leaf("g", "b")); !errors.Is(err, agent.ErrUnknownAgent) {
		t.Fatalf("got %v, want unknown agent", err)
	}
}

func TestSequentialCompositePipesOutput(t *testing.T) {
	r, _, _ := newRunner(t, "a", "b")
	spec := WorkflowSpec{
		Kind: KindComposite,
		Task: agent.NewTask("pipeline", "start"),
		Composite: &CompositeSpec{Children: []WorkflowSpec{
			{Kind: KindConcurrent, Scope: []string{"a"}},
			{Kind: KindConcurrent, Scope: []string{"b"}},
		}},
	}
	resp, err := r.Run(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output != "start a b" {
		t.Errorf("output = %q, want %q", resp.Output, "start a b")
	}
}

func TestHandoffWorkflow(t *testing.T) {
	r, rec, _ := newRunner(t, "a", "b", "c")
	spec := WorkflowSpec{
		Kind: KindHandoff,
		Task: agent.NewTask("relay", "x"),
		Handoff: &HandoffSpec{
			Owner:  "a",
			Policy: handoff.PolicyGraceful,
			Route:  []Hop{{To: "b", Reason: "review"}, {To: "c", Reason: "ship"}},
		},
	}
	resp, err := r.Run(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Succeeded() || resp.Output != "x a b c" {
		t.Fatalf("status=%s output=%q failure=%v", resp.Status, resp.Output, resp.Failure)
	}
	view := resp.Result.(handoff.View)
	if view.Owner.ID != "c" || view.Status != handoff.StatusCompleted || len(view.History) != 2 {
		t.Errorf("session = %+v", view)
	}
	if rec.Count(resp.ChildID, event.HandoffCompleted) != 2 {
		t.Errorf("handoff events = %v", rec.Events(resp.ChildID))
	}
}

func TestHandoffWorkflowUnknownTarget(t *testing.T) {
	r, _, _ := newRunner(t, "a")
	spec := WorkflowSpec{
		Kind:    KindHandoff,
		Task:    agent.NewTask("relay", ""),
		Handoff: &HandoffSpec{Owner: "a", Route: []Hop{{To: "ghost"}}},
	}
	resp, err := r.Run(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != agent.StatusFailed || !errors.Is(resp.Failure, fault.ErrAgentUnreachable) {
		t.Fatalf("got %s / %v", resp.Status, resp.Failure)
	}
	if view := resp.Result.(handoff.View); view.Status != handoff.StatusAborted {
		t.Errorf("session status = %s, want aborted", view.Status)
	}
}

func TestGroupChatWorkflow(t *testing.T) {
	r, _, _ := newRunner(t, "a", "b")
	spec := WorkflowSpec{
		Kind:      KindGroupChat,
		Task:      agent.NewTask("discuss", ""),
		GroupChat: &GroupChatSpec{Strategy: groupchat.RoundRobin, MaxRounds: 3},
	}
	resp, err := r.Run(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	st := resp.Result.(groupchat.State)
	if st.Round != 3 || st.Reason != groupchat.ReasonMaxRounds {
		t.Errorf("round=%d reason=%s", st.Round, st.Reason)
	}
	if resp.Output != "a" {
		t.Errorf("output = %q, want the last message", resp.Output)
	}
}

func TestPlanWorkflow(t *testing.T) {
	r, _, reg := newRunner(t, "w")
	reg.Register(agent.AgentRef{ID: "brain"}, agent.Reply(`{"steps":[{"description":"one","agent":"w"},{"description":"two","agent":"w"}]}`))
	spec := WorkflowSpec{Kind: KindPlan, Task: agent.NewTask("do it", "in"), Plan: &PlanSpec{Planner: "brain"}}
	resp, err := r.Run(context.Background(), r.Root(), spec)
	if err != nil {
		t.Fatal(err)
	}
	st := resp.Result.(planner.State)
	if !resp.Succeeded() || st.Status != planner.StatusCompleted {
		t.Fatalf("status=%s plan=%s failure=%v", resp.Status, st.Status, resp.Failure)
	}
	for _, s := range st.Ledger.Steps {
		if s.Agent != "w" {
			t.Errorf("step %q assigned to %s; the planner is not a worker", s.Description, s.Agent)
		}
	}
	if resp.Output != "in w" {
		t.Errorf("output = %q", resp.Output)
	}
}

func TestValidate(t *testing.T) {
	cases := []WorkflowSpec{
		{Kind: KindConcurrent},
		{Kind: KindHandoff, Task: agent.Task{Goal: "g"}},
		{Kind: KindPlan, Task: agent.Task{Goal: "g"}},
		{Kind: KindComposite},
		{Kind: 42, Task: agent.Task{Goal: "g"}},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestWorkflowSpecJSON(t *testing.T) {
	raw := `{"kind":"concurrent","task":{"goal":"g"},"timeout":"2s","concurrent":{"policy":"majority","branch_timeout":"500ms"}}`
	var spec WorkflowSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		t.Fatal(err)
	}
	if spec.Kind != KindConcurrent || time.Duration(spec.Timeout) != 2*time.Second {
		t.Errorf("got %+v", spec)
	}
	if spec.Concurrent.Policy != concurrent.PolicyMajority || time.Duration(spec.Concurrent.BranchTimeout) != 500*time.Millisecond {
		t.Errorf("got %+v", spec.Concurrent)
	}
}
