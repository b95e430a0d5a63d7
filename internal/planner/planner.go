// Package planner maintains an execution plan for a task and revises it when
// progress stalls.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"github.com/nidhogg/nuka-swarm/internal/hook"
	"go.uber.org/zap"
)

const component = "planner"

// Failure reasons recorded on failed plans.
const (
	ReasonMaxStalls = "max_stalls"
	ReasonMaxSteps  = "max_steps"
)

// Config tunes loop and stall detection.
type Config struct {
	// LoopWindow is how many identical outcomes in a row count as a loop.
	LoopWindow int
	// StallThreshold is how many steps without a ledger change count as a stall.
	StallThreshold int
	// MaxReplans is the number of replans allowed before the plan fails.
	MaxReplans int
	// MaxSteps bounds Run.
	MaxSteps int
	// StepTimeout bounds one step; zero uses the executor default.
	StepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoopWindow <= 0 {
		c.LoopWindow = 3
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 2
	}
	if c.MaxReplans <= 0 {
		c.MaxReplans = 5
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	return c
}

// Planner creates and steps plans. The planning capability drafts steps;
// the executor runs them.
type Planner struct {
	exec   *concurrent.Executor
	brain  agent.Capability
	hook   hook.Hook
	cfg    Config
	sink   event.Sink
	store  checkpoint.Store
	logger *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithHook sets the intervention hook.
func WithHook(h hook.Hook) Option { return func(p *Planner) { p.hook = hook.OrAutoApprove(h) } }

// WithSink sets the event sink.
func WithSink(s event.Sink) Option { return func(p *Planner) { p.sink = event.OrNop(s) } }

// WithStore sets the checkpoint store.
func WithStore(s checkpoint.Store) Option { return func(p *Planner) { p.store = s } }

// WithConfig sets loop and stall limits.
func WithConfig(c Config) Option { return func(p *Planner) { p.cfg = c.withDefaults() } }

// New creates a planner drafting with brain and executing with exec.
func New(exec *concurrent.Executor, brain agent.Capability, logger *zap.Logger, opts ...Option) *Planner {
	p := &Planner{
		exec:   exec,
		brain:  brain,
		hook:   hook.AutoApprove,
		cfg:    Config{}.withDefaults(),
		sink:   event.Nop,
		logger: logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StepOutcome reports what one Step did.
type StepOutcome struct {
	Step      PlanStep              `json:"step"`
	Result    agent.ExecutionResult `json:"result"`
	Satisfied bool                  `json:"satisfied"`
	Replanned bool                  `json:"replanned"`
	Trigger   string                `json:"trigger,omitempty"`
	Status    Status                `json:"status"`
}

// PlanOptions identify a new plan.
type PlanOptions struct {
	ID       string
	ParentID string
}

// Plan drafts the initial plan for task. The draft passes through the
// PLAN_REVIEW hook before it is committed.
func (p *Planner) Plan(ctx context.Context, task agent.Task, opts ...PlanOptions) (*Plan, error) {
	var o PlanOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	roster := p.exec.Registry().List()

	res := agent.Invoke(ctx, p.brain, agent.AgentRef{ID: "planner"},
		task.Derive("Draft a plan", planPrompt(task, roster)), agent.ConversationContext{RunID: o.ID, Roster: roster})
	if !res.Succeeded() {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, "planner.Plan", ctx.Err())
		}
		return nil, fault.Newf(fault.KindAgentUnreachable, "planner.Plan", "planning capability %s: %s", res.Status, res.Error)
	}

	d := parseDraft(res.Output)
	steps := materialize(d.Steps, roster)
	if len(steps) == 0 {
		steps = materialize([]draftStep{{Description: task.Goal}}, roster)
	}

	now := time.Now()
	plan := &Plan{st: State{
		ID:        o.ID,
		ParentID:  o.ParentID,
		Task:      task,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	plan.st.Ledger.addFacts(d.Facts...)

	steps, err := p.review(ctx, plan, steps)
	if err != nil {
		return nil, err
	}
	st := plan.update(func(st *State) {
		st.Ledger.Steps = steps
		st.Progress.Fingerprint = st.Ledger.fingerprint()
	})
	p.logger.Info("plan created",
		zap.String("plan", st.ID),
		zap.Int("steps", len(st.Ledger.Steps)),
		zap.Int("facts", len(st.Ledger.Facts)))
	p.emit(ctx, st, event.PlanCreated, map[string]any{"steps": len(st.Ledger.Steps), "facts": len(st.Ledger.Facts)})
	checkpoint.Save(ctx, p.store, p.logger, st.ID, component, st)
	return plan, nil
}

// review runs PLAN_REVIEW over proposed steps. Modify replaces them with
// the decoded payload; Abort fails with an Aborted error.
func (p *Planner) review(ctx context.Context, plan *Plan, steps []PlanStep) ([]PlanStep, error) {
	d, err := p.intervene(ctx, plan, hook.PlanReview, steps)
	if err != nil {
		return nil, err
	}
	switch d.Verdict {
	case hook.Approve:
		return steps, nil
	case hook.Modify:
		var drafts []draftStep
		if err := json.Unmarshal(d.Payload, &drafts); err != nil {
			return nil, fmt.Errorf("decode plan review payload: %w", err)
		}
		if modified := materialize(drafts, p.exec.Registry().List()); len(modified) > 0 {
			return modified, nil
		}
		return steps, nil
	case hook.Abort:
		return nil, fault.Newf(fault.KindAborted, "planner.review", "plan rejected: %s", d.Reason)
	}
	return nil, fmt.Errorf("unknown verdict %d", int(d.Verdict))
}

// Step executes the next pending step and updates both ledgers. Loops and
// stalls trigger a replan; once MaxReplans is used up the plan fails with
// StallExceeded. Failures are recorded on the plan rather than returned;
// the error is non-nil for a terminal plan (InvalidTransition) or a
// cancelled ctx.
func (p *Planner) Step(ctx context.Context, plan *Plan) (StepOutcome, error) {
	plan.turn.Lock()
	defer plan.turn.Unlock()

	st := plan.Snapshot()
	if st.Status.Terminal() {
		p.logger.Error("step on finished plan", zap.String("plan", st.ID), zap.Any("state", st))
		return StepOutcome{Status: st.Status}, fault.Newf(fault.KindInvalidTransition, "planner.Step",
			"plan %s is %s", st.ID, st.Status)
	}
	idx, ok := st.Ledger.next()
	if !ok {
		st = p.finish(ctx, plan, StatusCompleted, nil)
		return StepOutcome{Status: st.Status}, nil
	}
	step := st.Ledger.Steps[idx]

	if step.SideEffect {
		d, err := p.intervene(ctx, plan, hook.ToolApproval, step)
		if err != nil {
			return StepOutcome{Step: step, Status: StatusRunning}, err
		}
		switch d.Verdict {
		case hook.Approve:
		case hook.Modify:
			var mod draftStep
			if err := json.Unmarshal(d.Payload, &mod); err != nil {
				return StepOutcome{Step: step, Status: StatusRunning}, fmt.Errorf("decode tool approval payload: %w", err)
			}
			if mod.Description != "" {
				step.Description = mod.Description
			}
			step.Agent = assign(mod.Agent, step.Description, p.exec.Registry().List())
			if mod.Expect != "" {
				step.Expect = mod.Expect
			}
		case hook.Abort:
			st = p.finish(ctx, plan, StatusAborted,
				fault.Newf(fault.KindAborted, "planner.Step", "step %q not approved: %s", step.Description, d.Reason))
			return StepOutcome{Step: step, Status: st.Status}, nil
		}
	}

	p.emit(ctx, st, event.StepStarted, map[string]any{"step": step.ID, "agent": step.Agent, "description": step.Description})
	res, err := p.execute(ctx, st, step)
	if err != nil {
		return StepOutcome{Step: step, Status: StatusRunning}, err
	}

	satisfied := satisfies(step, res)
	out := Outcome{
		StepID:    step.ID,
		Step:      step.Description,
		Agent:     step.Agent,
		Status:    res.Status,
		Output:    res.Output,
		Error:     res.Error,
		Satisfied: satisfied,
		At:        time.Now(),
	}
	st = plan.update(func(st *State) {
		s := &st.Ledger.Steps[idx]
		s.Description, s.Agent, s.Expect = step.Description, step.Agent, step.Expect
		s.Attempts++
		if satisfied {
			s.Status = StepDone
			s.Output = res.Output
		}
		st.Ledger.addFacts(extractFacts(res.Output)...)
		st.Progress.observe(out, st.Ledger.fingerprint(), p.cfg.LoopWindow, p.cfg.StallThreshold)
	})
	step = st.Ledger.Steps[idx]
	p.emit(ctx, st, event.StepCompleted, map[string]any{
		"step":      step.ID,
		"agent":     step.Agent,
		"status":    res.Status.String(),
		"satisfied": satisfied,
	})

	outcome := StepOutcome{Step: step, Result: res, Satisfied: satisfied, Status: StatusRunning}
	if _, pending := st.Ledger.next(); !pending {
		st = p.finish(ctx, plan, StatusCompleted, nil)
		outcome.Status = st.Status
		return outcome, nil
	}

	if trigger := triggerOf(st.Progress); trigger != "" {
		outcome.Trigger = trigger
		replanned, err := p.replan(ctx, plan, trigger)
		if err != nil {
			return outcome, err
		}
		outcome.Replanned = replanned
	}
	st = plan.Snapshot()
	outcome.Status = st.Status
	checkpoint.Save(ctx, p.store, p.logger, st.ID, component, st)
	return outcome, nil
}

// execute runs step through the executor as a single-branch run. A step
// timeout is recorded as the step's result.
func (p *Planner) execute(ctx context.Context, st State, step PlanStep) (agent.ExecutionResult, error) {
	ref, ok := p.exec.Registry().Ref(step.Agent)
	if !ok {
		ref = agent.AgentRef{ID: step.Agent}
	}
	task := st.Task.Derive(step.Description, st.Task.Input)
	run, err := p.exec.Run(ctx, concurrent.Request{
		ParentID: st.ID,
		Task:     task,
		Agents:   []agent.AgentRef{ref},
		Policy:   concurrent.PolicyAll,
		Timeout:  p.cfg.StepTimeout,
		Context: agent.ConversationContext{
			Instructions: "You are executing one step of a plan for: " + st.Task.Goal,
			Facts:        st.Ledger.Facts,
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrTimeout):
		return agent.ExecutionResult{AgentID: ref.ID, Status: agent.StatusTimeout, Error: err.Error()}, nil
	default:
		return agent.ExecutionResult{}, err
	}
	snap := run.Snapshot()
	if r := snap.Branches[0].Result; r != nil {
		return *r, nil
	}
	return agent.ExecutionResult{AgentID: ref.ID, Status: agent.StatusFailed, Error: "no result"}, nil
}

func triggerOf(pl ProgressLedger) string {
	var reasons []string
	if pl.IsInLoop {
		reasons = append(reasons, "loop")
	}
	if pl.IsStalled {
		reasons = append(reasons, "stall")
	}
	return strings.Join(reasons, "+")
}

// replan revises the pending steps after a loop or stall. It reports
// whether a new plan was committed.
func (p *Planner) replan(ctx context.Context, plan *Plan, trigger string) (bool, error) {
	st := plan.Snapshot()
	p.emit(ctx, st, event.PlanStalled, map[string]any{"trigger": trigger, "stall_count": st.Progress.StallCount})
	p.logger.Warn("plan stalled",
		zap.String("plan", st.ID),
		zap.String("trigger", trigger),
		zap.Int("stall_count", st.Progress.StallCount))

	if st.Progress.StallCount >= p.cfg.MaxReplans {
		ferr := fault.Newf(fault.KindStallExceeded, "planner.Step", "%s after %d replans (last trigger: %s)",
			ReasonMaxStalls, st.Progress.StallCount, trigger).
			WithHistory(st.Ledger.Facts, st.Progress.historyLines())
		p.finish(ctx, plan, StatusFailed, ferr)
		return false, nil
	}

	d, err := p.intervene(ctx, plan, hook.StallResolution, map[string]any{
		"trigger": trigger,
		"facts":   st.Ledger.Facts,
		"history": st.Progress.historyLines(),
	})
	if err != nil {
		return false, err
	}
	roster := p.exec.Registry().List()
	var steps []PlanStep
	switch d.Verdict {
	case hook.Abort:
		p.finish(ctx, plan, StatusAborted, fault.Newf(fault.KindAborted, "planner.Step", "stall resolution aborted: %s", d.Reason))
		return false, nil
	case hook.Modify:
		var drafts []draftStep
		if err := json.Unmarshal(d.Payload, &drafts); err != nil {
			return false, fmt.Errorf("decode stall resolution payload: %w", err)
		}
		steps = materialize(drafts, roster)
	case hook.Approve:
		res := agent.Invoke(ctx, p.brain, agent.AgentRef{ID: "planner"},
			st.Task.Derive("Revise the plan", replanPrompt(st, trigger, roster)),
			agent.ConversationContext{RunID: st.ID, Facts: st.Ledger.Facts, Roster: roster})
		if res.Succeeded() {
			d := parseDraft(res.Output)
			plan.update(func(st *State) { st.Ledger.addFacts(d.Facts...) })
			steps = materialize(d.Steps, roster)
		} else {
			if ctx.Err() != nil {
				return false, fault.Wrap(fault.KindCancelled, "planner.replan", ctx.Err())
			}
			p.logger.Warn("replanning failed, keeping current steps",
				zap.String("plan", st.ID), zap.String("error", res.Error))
		}
	}

	if len(steps) > 0 {
		if steps, err = p.review(ctx, plan, steps); err != nil {
			if errors.Is(err, fault.ErrAborted) {
				var ferr *fault.Error
				errors.As(err, &ferr)
				p.finish(ctx, plan, StatusAborted, ferr)
				return false, nil
			}
			return false, err
		}
	}

	st = plan.update(func(st *State) {
		if len(steps) > 0 {
			st.Ledger.replace(steps)
		}
		st.Progress.StallCount++
		st.Progress.resetWindow(st.Ledger.fingerprint())
	})
	p.logger.Info("plan revised",
		zap.String("plan", st.ID),
		zap.Int("revision", st.Ledger.Revision),
		zap.Int("stall_count", st.Progress.StallCount))
	p.emit(ctx, st, event.PlanRevised, map[string]any{
		"trigger":     trigger,
		"revision":    st.Ledger.Revision,
		"stall_count": st.Progress.StallCount,
		"steps":       len(st.Ledger.Steps),
	})
	return len(steps) > 0, nil
}

// Run steps plan until it is no longer running. Exceeding MaxSteps fails
// the plan with StallExceeded.
func (p *Planner) Run(ctx context.Context, plan *Plan) (State, error) {
	for i := 0; ; i++ {
		if plan.Status().Terminal() {
			return plan.Snapshot(), nil
		}
		if i >= p.cfg.MaxSteps {
			st := plan.Snapshot()
			ferr := fault.Newf(fault.KindStallExceeded, "planner.Run", "%s: %d steps without finishing", ReasonMaxSteps, i).
				WithHistory(st.Ledger.Facts, st.Progress.historyLines())
			return p.finish(ctx, plan, StatusFailed, ferr), nil
		}
		if _, err := p.Step(ctx, plan); err != nil {
			return plan.Snapshot(), err
		}
	}
}

func (p *Planner) finish(ctx context.Context, plan *Plan, status Status, failure *fault.Error) State {
	st := plan.update(func(st *State) {
		if st.Status.Terminal() {
			return
		}
		st.Status = status
		st.Failure = failure
	})
	switch status {
	case StatusCompleted:
		p.logger.Info("plan completed", zap.String("plan", st.ID), zap.Int("steps", len(st.Progress.History)))
		p.emit(ctx, st, event.PlanCompleted, map[string]any{"steps": len(st.Progress.History)})
	case StatusFailed, StatusAborted:
		reason := ""
		if failure != nil {
			reason = failure.Error()
		}
		p.logger.Warn("plan ended without completing",
			zap.String("plan", st.ID),
			zap.Stringer("status", status),
			zap.String("reason", reason))
		p.emit(ctx, st, event.PlanFailed, map[string]any{"status": status.String(), "reason": reason})
	case StatusRunning:
	}
	checkpoint.Save(ctx, p.store, p.logger, st.ID, component, st)
	return st
}

func (p *Planner) intervene(ctx context.Context, plan *Plan, kind hook.Kind, payload any) (hook.Decision, error) {
	d, err := p.hook.Intervene(hook.WithRun(ctx, plan.ID()), kind, payload)
	if err != nil {
		return hook.Decision{}, fmt.Errorf("%s hook: %w", kind, err)
	}
	if d.Verdict == 0 {
		d.Verdict = hook.Approve
	}
	return d, nil
}

func (p *Planner) emit(ctx context.Context, st State, typ event.Type, attrs map[string]any) {
	ev := event.New(typ, component, st.ID, attrs)
	ev.ParentID = st.ParentID
	p.sink.Emit(ctx, ev)
}
