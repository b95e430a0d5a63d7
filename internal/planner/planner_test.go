package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"github.com/nidhogg/nuka-swarm/internal/hook"
	"go.uber.org/zap"
)

// script replies with each entry in turn and repeats the last one.
func script(replies ...string) (agent.Capability, *atomic.Int32) {
	var calls atomic.Int32
	return agent.CapabilityFunc(func(context.Context, agent.Task, agent.ConversationContext) (agent.ExecutionResult, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(replies) {
			n = len(replies) - 1
		}
		return agent.ExecutionResult{Output: replies[n]}, nil
	}), &calls
}

func stepsJSON(facts []string, descriptions ...string) string {
	d := draft{Facts: facts}
	for _, desc := range descriptions {
		d.Steps = append(d.Steps, draftStep{Description: desc, Agent: "w"})
	}
	b, _ := json.Marshal(d)
	return string(b)
}

func setup(t *testing.T, worker agent.Capability, brain agent.Capability, opts ...Option) (*Planner, *event.Recorder, *checkpoint.Memory) {
	t.Helper()
	reg := agent.NewRegistry(zap.NewNop())
	reg.Register(agent.AgentRef{ID: "w", Tags: []string{"work"}}, worker)
	rec := event.NewRecorder(0, 0)
	store := checkpoint.NewMemory()
	exec := concurrent.NewExecutor(reg, zap.NewNop())
	opts = append([]Option{WithSink(rec), WithStore(store)}, opts...)
	return New(exec, brain, zap.NewNop(), opts...), rec, store
}

func TestRepeatedOutcomesTriggerOneReplan(t *testing.T) {
	worker := agent.Reply("done")
	brain, calls := script(
		stepsJSON(nil, "s1", "s2", "s3", "s4", "s5"),
		stepsJSON(nil, "s4 again", "s5 again"),
	)
	p, rec, store := setup(t, worker, brain)
	ctx := context.Background()

	plan, err := p.Plan(ctx, agent.NewTask("ship it", ""))
	if err != nil {
		t.Fatal(err)
	}

	var replans []int
	for i := 1; !plan.Status().Terminal(); i++ {
		out, err := p.Step(ctx, plan)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !out.Satisfied {
			t.Errorf("step %d unsatisfied", i)
		}
		if out.Replanned {
			replans = append(replans, i)
			if out.Trigger != "loop" {
				t.Errorf("trigger = %q, want loop", out.Trigger)
			}
		}
	}

	if len(replans) != 1 || replans[0] != 3 {
		t.Fatalf("replanned after steps %v, want [3]", replans)
	}
	st := plan.Snapshot()
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", st.Status)
	}
	if len(st.Progress.History) != 5 {
		t.Errorf("history = %d, want 5", len(st.Progress.History))
	}
	if st.Ledger.Revision != 1 || st.Progress.StallCount != 1 {
		t.Errorf("revision=%d stalls=%d, want 1/1", st.Ledger.Revision, st.Progress.StallCount)
	}
	if got := st.Ledger.Steps[3].Description; got != "s4 again" {
		t.Errorf("step 4 = %q, want the revised step", got)
	}
	if calls.Load() != 2 {
		t.Errorf("planner called %d times, want 2", calls.Load())
	}
	if rec.Count(st.ID, event.PlanRevised) != 1 || rec.Count(st.ID, event.PlanCompleted) != 1 {
		t.Errorf("unexpected events %v", rec.Events(st.ID))
	}
	if store.Saves() == 0 {
		t.Error("expected checkpoints")
	}
}

func TestStallCeilingFailsWithHistory(t *testing.T) {
	worker := agent.CapabilityFunc(func(context.Context, agent.Task, agent.ConversationContext) (agent.ExecutionResult, error) {
		return agent.ExecutionResult{}, errors.New("tool crashed")
	})
	brain, _ := script(
		stepsJSON([]string{"repo uses go modules"}, "build"),
		stepsJSON(nil, "build differently"),
	)
	p, rec, _ := setup(t, worker, brain, WithConfig(Config{StallThreshold: 2, MaxReplans: 2, LoopWindow: 10}))

	plan, err := p.Plan(context.Background(), agent.NewTask("build the project", ""))
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run returned %v; stall failures belong on the plan", err)
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
	if !errors.Is(st.Failure, fault.ErrStallExceeded) {
		t.Fatalf("failure = %v, want stall exceeded", st.Failure)
	}
	if !strings.Contains(st.Failure.Reason, ReasonMaxStalls) {
		t.Errorf("reason = %q", st.Failure.Reason)
	}
	// Two replans, each after two fruitless steps, then two more before failing.
	if len(st.Failure.History) != 6 {
		t.Errorf("history = %d entries, want 6", len(st.Failure.History))
	}
	if len(st.Failure.Facts) != 1 || st.Failure.Facts[0] != "repo uses go modules" {
		t.Errorf("facts = %v", st.Failure.Facts)
	}
	if rec.Count(st.ID, event.PlanStalled) != 3 || rec.Count(st.ID, event.PlanFailed) != 1 {
		t.Errorf("stalled=%d failed=%d", rec.Count(st.ID, event.PlanStalled), rec.Count(st.ID, event.PlanFailed))
	}
}

func TestToolApprovalAbort(t *testing.T) {
	var ran atomic.Bool
	worker := agent.CapabilityFunc(func(context.Context, agent.Task, agent.ConversationContext) (agent.ExecutionResult, error) {
		ran.Store(true)
		return agent.ExecutionResult{Output: "deleted"}, nil
	})
	brain, _ := script(`{"steps":[{"description":"drop the table","agent":"w","side_effect":true}]}`)
	var asked []hook.Kind
	h := hook.Func(func(ctx context.Context, kind hook.Kind, _ any) (hook.Decision, error) {
		asked = append(asked, kind)
		if hook.RunFrom(ctx) == "" {
			t.Error("hook context should carry the plan ID")
		}
		if kind == hook.ToolApproval {
			return hook.Decision{Verdict: hook.Abort, Reason: "too risky"}, nil
		}
		return hook.Decision{Verdict: hook.Approve}, nil
	})
	p, _, _ := setup(t, worker, brain, WithHook(h))

	plan, err := p.Plan(context.Background(), agent.NewTask("clean up", ""))
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.Step(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAborted || ran.Load() {
		t.Fatalf("status=%s ran=%t, want aborted without running", out.Status, ran.Load())
	}
	if !errors.Is(plan.Failure(), fault.ErrAborted) {
		t.Errorf("failure = %v", plan.Failure())
	}
	if len(asked) != 2 || asked[0] != hook.PlanReview || asked[1] != hook.ToolApproval {
		t.Errorf("hooks = %v", asked)
	}
}

func TestToolApprovalModifyKeepsExpectation(t *testing.T) {
	brain, _ := script(`{"steps":[{"description":"drop the table","agent":"w","expect":"dropped","side_effect":true}]}`)
	h := hook.Func(func(_ context.Context, kind hook.Kind, _ any) (hook.Decision, error) {
		if kind == hook.ToolApproval {
			return hook.Decision{Verdict: hook.Modify, Payload: json.RawMessage(`{"description":"drop the staging table"}`)}, nil
		}
		return hook.Decision{Verdict: hook.Approve}, nil
	})
	p, _, _ := setup(t, agent.Reply("staging dropped"), brain, WithHook(h))

	plan, err := p.Plan(context.Background(), agent.NewTask("clean up", ""))
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.Step(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if out.Step.Description != "drop the staging table" {
		t.Errorf("description = %q", out.Step.Description)
	}
	if out.Step.Expect != "dropped" {
		t.Errorf("expect = %q, want the original expectation", out.Step.Expect)
	}
	if !out.Satisfied || out.Status != StatusCompleted {
		t.Errorf("satisfied=%t status=%s", out.Satisfied, out.Status)
	}
}

// stallingPlanner returns a planner whose worker only succeeds on steps
// mentioning "cached", so the first plan stalls after two attempts.
func stallingPlanner(t *testing.T, h hook.Hook) (*Planner, *event.Recorder, *atomic.Int32) {
	t.Helper()
	worker := agent.CapabilityFunc(func(_ context.Context, task agent.Task, _ agent.ConversationContext) (agent.ExecutionResult, error) {
		if strings.Contains(task.Goal, "cached") {
			return agent.ExecutionResult{Output: "built from cache"}, nil
		}
		return agent.ExecutionResult{}, errors.New("tool crashed")
	})
	brain, calls := script(
		stepsJSON([]string{"repo uses go modules"}, "build"),
		stepsJSON(nil, "build from the cached toolchain"),
	)
	p, rec, _ := setup(t, worker, brain,
		WithHook(h), WithConfig(Config{StallThreshold: 2, MaxReplans: 3, LoopWindow: 10}))
	return p, rec, calls
}

func TestStallResolutionModify(t *testing.T) {
	var asked []hook.Kind
	h := hook.Func(func(_ context.Context, kind hook.Kind, payload any) (hook.Decision, error) {
		asked = append(asked, kind)
		if kind != hook.StallResolution {
			return hook.Decision{Verdict: hook.Approve}, nil
		}
		info, ok := payload.(map[string]any)
		if !ok || info["trigger"] != "stall" {
			t.Errorf("payload = %#v", payload)
		}
		return hook.Decision{Verdict: hook.Modify, Payload: json.RawMessage(`[{"description":"use the cached build","agent":"w"}]`)}, nil
	})
	p, rec, calls := stallingPlanner(t, h)

	plan, err := p.Plan(context.Background(), agent.NewTask("build the project", ""))
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.Run(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s, failure = %v", st.Status, st.Failure)
	}
	last := st.Ledger.Steps[len(st.Ledger.Steps)-1]
	if last.Description != "use the cached build" || last.Status != StepDone {
		t.Errorf("last step = %+v", last)
	}
	if st.Progress.StallCount != 1 || st.Ledger.Revision != 1 {
		t.Errorf("stalls=%d revision=%d, want 1/1", st.Progress.StallCount, st.Ledger.Revision)
	}
	if calls.Load() != 1 {
		t.Errorf("planner called %d times; the operator's steps replace a replan", calls.Load())
	}
	want := []hook.Kind{hook.PlanReview, hook.StallResolution, hook.PlanReview}
	if len(asked) != len(want) {
		t.Fatalf("hooks = %v, want %v", asked, want)
	}
	for i := range want {
		if asked[i] != want[i] {
			t.Errorf("hook %d = %s, want %s", i, asked[i], want[i])
		}
	}
	if rec.Count(st.ID, event.PlanRevised) != 1 {
		t.Errorf("revised = %d", rec.Count(st.ID, event.PlanRevised))
	}
}

func TestStallResolutionAbort(t *testing.T) {
	h := hook.Func(func(_ context.Context, kind hook.Kind, _ any) (hook.Decision, error) {
		if kind == hook.StallResolution {
			return hook.Decision{Verdict: hook.Abort, Reason: "give up"}, nil
		}
		return hook.Decision{Verdict: hook.Approve}, nil
	})
	p, rec, calls := stallingPlanner(t, h)

	plan, err := p.Plan(context.Background(), agent.NewTask("build the project", ""))
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.Run(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusAborted || !errors.Is(st.Failure, fault.ErrAborted) {
		t.Fatalf("status = %s, failure = %v", st.Status, st.Failure)
	}
	if !strings.Contains(st.Failure.Reason, "give up") {
		t.Errorf("reason = %q", st.Failure.Reason)
	}
	if calls.Load() != 1 || st.Ledger.Revision != 0 {
		t.Errorf("calls=%d revision=%d; an aborted stall must not replan", calls.Load(), st.Ledger.Revision)
	}
	if rec.Count(st.ID, event.PlanRevised) != 0 {
		t.Error("no revision expected")
	}
}

func TestPlanReviewAbortDuringReplan(t *testing.T) {
	var reviews int
	h := hook.Func(func(_ context.Context, kind hook.Kind, _ any) (hook.Decision, error) {
		if kind == hook.PlanReview {
			reviews++
			if reviews > 1 {
				return hook.Decision{Verdict: hook.Abort, Reason: "revised plan rejected"}, nil
			}
		}
		return hook.Decision{Verdict: hook.Approve}, nil
	})
	p, _, calls := stallingPlanner(t, h)

	plan, err := p.Plan(context.Background(), agent.NewTask("build the project", ""))
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.Run(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusAborted || !errors.Is(st.Failure, fault.ErrAborted) {
		t.Fatalf("status = %s, failure = %v", st.Status, st.Failure)
	}
	if reviews != 2 || calls.Load() != 2 {
		t.Errorf("reviews=%d planner calls=%d, want 2/2", reviews, calls.Load())
	}
	if st.Ledger.Revision != 0 {
		t.Errorf("rejected steps were committed: %+v", st.Ledger.Steps)
	}
}

func TestPlanReviewModify(t *testing.T) {
	brain, _ := script(stepsJSON(nil, "original"))
	h := hook.Func(func(_ context.Context, kind hook.Kind, payload any) (hook.Decision, error) {
		if kind != hook.PlanReview {
			return hook.Decision{Verdict: hook.Approve}, nil
		}
		if steps, ok := payload.([]PlanStep); !ok || len(steps) != 1 {
			t.Errorf("payload = %#v", payload)
		}
		return hook.Decision{Verdict: hook.Modify, Payload: json.RawMessage(`[{"description":"reviewed","expect":"ok"}]`)}, nil
	})
	p, _, _ := setup(t, agent.Reply("all ok"), brain, WithHook(h))

	plan, err := p.Plan(context.Background(), agent.NewTask("g", ""))
	if err != nil {
		t.Fatal(err)
	}
	st := plan.Snapshot()
	if len(st.Ledger.Steps) != 1 || st.Ledger.Steps[0].Description != "reviewed" || st.Ledger.Steps[0].Agent != "w" {
		t.Fatalf("steps = %+v", st.Ledger.Steps)
	}
	final, err := p.Run(context.Background(), plan)
	if err != nil || final.Status != StatusCompleted {
		t.Fatalf("status=%s err=%v", final.Status, err)
	}
}

func TestPlanReviewAbort(t *testing.T) {
	brain, _ := script(stepsJSON(nil, "x"))
	h := hook.Func(func(context.Context, hook.Kind, any) (hook.Decision, error) {
		return hook.Decision{Verdict: hook.Abort, Reason: "no"}, nil
	})
	p, _, _ := setup(t, agent.Reply(""), brain, WithHook(h))
	if _, err := p.Plan(context.Background(), agent.NewTask("g", "")); !errors.Is(err, fault.ErrAborted) {
		t.Fatalf("got %v, want aborted", err)
	}
}

func TestStepOnFinishedPlan(t *testing.T) {
	brain, _ := script(stepsJSON(nil, "only"))
	p, _, _ := setup(t, agent.Reply("ok"), brain)
	plan, err := p.Plan(context.Background(), agent.NewTask("g", ""))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Step(context.Background(), plan); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("got %v, want invalid transition", err)
	}
}

func TestPlannerUnreachable(t *testing.T) {
	brain := agent.CapabilityFunc(func(context.Context, agent.Task, agent.ConversationContext) (agent.ExecutionResult, error) {
		return agent.ExecutionResult{}, errors.New("503")
	})
	p, _, _ := setup(t, agent.Reply(""), brain)
	if _, err := p.Plan(context.Background(), agent.NewTask("g", "")); !errors.Is(err, fault.ErrAgentUnreachable) {
		t.Fatalf("got %v", err)
	}
}

func TestExpectationAndFacts(t *testing.T) {
	brain, _ := script(`{"steps":[{"description":"run tests","agent":"w","expect":"PASS"}]}`)
	var n atomic.Int32
	worker := agent.CapabilityFunc(func(context.Context, agent.Task, agent.ConversationContext) (agent.ExecutionResult, error) {
		if n.Add(1) == 1 {
			return agent.ExecutionResult{Output: "FAIL\nFACT: flaky test in pkg/db"}, nil
		}
		return agent.ExecutionResult{Output: "ok: pass"}, nil
	})
	p, _, _ := setup(t, worker, brain)
	plan, err := p.Plan(context.Background(), agent.NewTask("g", ""))
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.Step(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if out.Satisfied || out.Step.Status != StepPending || out.Step.Attempts != 1 {
		t.Fatalf("first attempt: %+v", out)
	}
	if facts := plan.Snapshot().Ledger.Facts; len(facts) != 1 || facts[0] != "flaky test in pkg/db" {
		t.Errorf("facts = %v", facts)
	}
	out, err = p.Step(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Satisfied || out.Status != StatusCompleted {
		t.Fatalf("second attempt: %+v", out)
	}
}

func TestParseDraft(t *testing.T) {
	d := parseDraft("Here is the plan:\n1. Read the code\n2) Write the fix\n- Open a PR\nThanks")
	if len(d.Steps) != 3 || d.Steps[1].Description != "Write the fix" {
		t.Fatalf("got %+v", d.Steps)
	}
	d = parseDraft("```json\n{\"facts\":[\"f\"],\"steps\":[{\"description\":\"a\"}]}\n```")
	if len(d.Steps) != 1 || len(d.Facts) != 1 {
		t.Fatalf("got %+v", d)
	}
}

func TestSignatureIgnoresNoise(t *testing.T) {
	a := Outcome{Agent: "w", Status: agent.StatusFailed, Error: "Retry 3 of 5:   timeout"}
	b := Outcome{Agent: "w", Status: agent.StatusFailed, Error: "retry 4 of 5: timeout"}
	if a.signature() != b.signature() {
		t.Error("outcomes differing in digits and spacing should match")
	}
	c := Outcome{Agent: "v", Status: agent.StatusFailed, Error: "retry 4 of 5: timeout"}
	if b.signature() == c.signature() {
		t.Error("different agents should not match")
	}
}
