package nested

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"github.com/nidhogg/nuka-swarm/internal/groupchat"
	"github.com/nidhogg/nuka-swarm/internal/handoff"
	"github.com/nidhogg/nuka-swarm/internal/planner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serve executes one request inside the child. Every coordinator is built
// fresh over the child's scoped roster so concurrent siblings share no
// mutable state.
func (r *Runner) serve(ctx context.Context, self RunContext, req Request) (resp Response) {
	resp = Response{ChildID: self.RunID, Kind: req.Spec.Kind}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("child workflow panicked", zap.String("child", self.RunID), zap.Any("panic", p))
			resp.Status = agent.StatusFailed
			resp.Failure = fault.Newf(fault.KindAborted, "nested.serve", "panic: %v", p)
		}
		resp.FinishedAt = time.Now()
	}()

	spec := req.Spec
	spec.Task = req.Task
	var err error
	switch spec.Kind {
	case KindConcurrent:
		err = r.runConcurrent(ctx, self, spec, &resp)
	case KindHandoff:
		err = r.runHandoff(ctx, self, spec, &resp)
	case KindGroupChat:
		err = r.runGroupChat(ctx, self, spec, &resp)
	case KindPlan:
		err = r.runPlan(ctx, self, spec, &resp)
	case KindComposite:
		err = r.runComposite(ctx, self, spec, &resp)
	default:
		panic(fmt.Sprintf("nested: unhandled workflow kind %d", int(spec.Kind)))
	}
	if err != nil {
		resp.Status = statusOf(err)
		resp.Failure = asFault(err)
	}
	return resp
}

func asFault(err error) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	return fault.Wrap(fault.KindAborted, "nested", err)
}

func statusOf(err error) agent.Status {
	switch k, _ := fault.KindOf(err); k {
	case fault.KindCancelled:
		return agent.StatusCancelled
	case fault.KindTimeout:
		return agent.StatusTimeout
	}
	return agent.StatusFailed
}

func (r *Runner) executor(self RunContext) *concurrent.Executor {
	return concurrent.NewExecutor(self.Registry, r.logger,
		concurrent.WithSink(r.sink),
		concurrent.WithStore(r.store),
		concurrent.WithDefaults(r.cfg.Executor))
}

func (r *Runner) runConcurrent(ctx context.Context, self RunContext, spec WorkflowSpec, resp *Response) error {
	cs := ConcurrentSpec{Policy: concurrent.PolicyAll}
	if spec.Concurrent != nil {
		cs = *spec.Concurrent
	}
	if cs.Policy == 0 {
		cs.Policy = concurrent.PolicyAll
	}
	run, err := r.executor(self).Run(ctx, concurrent.Request{
		ID:            self.RunID,
		ParentID:      self.ParentID,
		Task:          spec.Task,
		Agents:        self.Registry.List(),
		Policy:        cs.Policy,
		MaxParallel:   cs.MaxParallel,
		BranchTimeout: time.Duration(cs.BranchTimeout),
	})
	if err != nil {
		return err
	}
	st := run.Snapshot()
	resp.Result = st
	switch st.Status {
	case concurrent.StatusSucceeded:
		resp.Status = agent.StatusSucceeded
		if w, ok := run.Winner(); ok {
			resp.Output = w.Output
		} else {
			resp.Output = joinOutputs(run.Outputs())
		}
		return nil
	case concurrent.StatusCancelled:
		resp.Status = agent.StatusCancelled
	case concurrent.StatusTimeout:
		resp.Status = agent.StatusTimeout
	case concurrent.StatusFailed, concurrent.StatusRunning:
		resp.Status = agent.StatusFailed
	}
	resp.Failure = st.Failure
	return nil
}

func joinOutputs(results []agent.ExecutionResult) string {
	if len(results) == 1 {
		return results[0].Output
	}
	parts := make([]string, 0, len(results))
	for _, res := range results {
		parts = append(parts, fmt.Sprintf("[%s] %s", res.AgentID, res.Output))
	}
	return strings.Join(parts, "\n\n")
}

// runHandoff lets the owner work on the task, then passes the session down
// the route. Each new owner continues from the previous output.
func (r *Runner) runHandoff(ctx context.Context, self RunContext, spec WorkflowSpec, resp *Response) error {
	hs := spec.Handoff
	owner, ok := self.Registry.Ref(hs.Owner)
	if !ok {
		return fault.Newf(fault.KindAgentUnreachable, "nested.handoff", "owner %s is not in scope", hs.Owner)
	}
	policy := hs.Policy
	if policy == 0 {
		policy = handoff.PolicyImmediate
	}
	opts := []handoff.SessionOption{handoff.WithID(self.RunID), handoff.WithTaskState(hs.TaskState)}
	if hs.Condition != "" {
		opts = append(opts, handoff.WithPredicate(handoff.StateEquals(hs.Condition, "true")))
	}
	s, err := handoff.NewSession(spec.Task, owner, policy, opts...)
	if err != nil {
		return err
	}
	coord := handoff.NewCoordinator(self.Registry, r.logger,
		handoff.WithSink(r.sink),
		handoff.WithStore(r.store),
		handoff.WithConfig(r.cfg.Handoff))
	defer func() { resp.Result = s.Snapshot() }()

	input := spec.Task.Input
	work := func() (agent.ExecutionResult, error) {
		ref := s.Owner()
		stepCtx, done, err := s.BeginStep(ctx, ref.ID)
		if err != nil {
			return agent.ExecutionResult{}, err
		}
		defer done()
		res := self.Registry.Invoke(stepCtx, ref, spec.Task.Derive(spec.Task.Goal, input), agent.ConversationContext{RunID: self.RunID})
		if !res.Succeeded() {
			return res, fault.Newf(fault.KindAborted, "nested.handoff", "%s %s: %s", ref.ID, res.Status, res.Error)
		}
		input = res.Output
		return res, nil
	}

	res, err := work()
	for _, hop := range hs.Route {
		if err != nil {
			break
		}
		to, ok := self.Registry.Ref(hop.To)
		if !ok {
			to = agent.AgentRef{ID: hop.To}
		}
		var rec handoff.Record
		rec, err = coord.RequestHandoff(ctx, s, to, hop.Reason)
		if err != nil {
			break
		}
		if rec.Status != handoff.RecordCompleted {
			err = fault.Newf(fault.KindAborted, "nested.handoff", "handoff to %s %s: %s", hop.To, rec.Status, rec.Detail)
			break
		}
		res, err = work()
	}
	if err != nil {
		if !s.Status().Terminal() {
			if aerr := coord.Abort(context.WithoutCancel(ctx), s, err.Error()); aerr != nil {
				r.logger.Warn("abort handoff session", zap.String("session", s.ID()), zap.Error(aerr))
			}
		}
		return err
	}
	if err := coord.Complete(ctx, s); err != nil {
		return err
	}
	resp.Status = agent.StatusSucceeded
	resp.Output = res.Output
	return nil
}

func (r *Runner) runGroupChat(ctx context.Context, self RunContext, spec WorkflowSpec, resp *Response) error {
	gs := GroupChatSpec{}
	if spec.GroupChat != nil {
		gs = *spec.GroupChat
	}
	var arbiter agent.Capability
	if gs.Arbiter != "" {
		_, c, ok := self.Registry.Get(gs.Arbiter)
		if !ok {
			return fault.Newf(fault.KindAgentUnreachable, "nested.groupchat", "arbiter %s is not in scope", gs.Arbiter)
		}
		arbiter = c
	}
	roster := self.Registry.List()
	if gs.Arbiter != "" {
		roster = without(roster, gs.Arbiter)
	}
	chat, err := groupchat.NewChat(groupchat.Options{
		ID:           self.RunID,
		ParentID:     self.ParentID,
		Task:         spec.Task,
		Instructions: gs.Instructions,
		Roster:       roster,
		Strategy:     gs.Strategy,
		MaxRounds:    orDefault(gs.MaxRounds, r.cfg.MaxRounds),
		StopMarkers:  gs.StopMarkers,
		Priorities:   gs.Priorities,
		Arbiter:      arbiter,
	})
	if err != nil {
		return err
	}
	coord := groupchat.NewCoordinator(self.Registry, r.logger,
		groupchat.WithSink(r.sink),
		groupchat.WithStore(r.store))
	st, err := coord.Run(ctx, chat)
	resp.Result = st
	if err != nil {
		return err
	}
	if st.Reason == groupchat.ReasonUnreachable {
		resp.Status = agent.StatusFailed
		resp.Failure = fault.New(fault.KindAgentUnreachable, "nested.groupchat", "every participant failed in a row")
		return nil
	}
	resp.Status = agent.StatusSucceeded
	if n := len(st.Messages); n > 0 {
		resp.Output = st.Messages[n-1].Content
	}
	return nil
}

func without(refs []agent.AgentRef, id string) []agent.AgentRef {
	out := make([]agent.AgentRef, 0, len(refs))
	for _, ref := range refs {
		if ref.ID != id {
			out = append(out, ref)
		}
	}
	return out
}

func (r *Runner) runPlan(ctx context.Context, self RunContext, spec WorkflowSpec, resp *Response) error {
	_, brain, ok := self.Registry.Get(spec.Plan.Planner)
	if !ok {
		return fault.Newf(fault.KindAgentUnreachable, "nested.plan", "planner %s is not in scope", spec.Plan.Planner)
	}
	workers := self.Registry
	if rest := ids(without(self.Registry.List(), spec.Plan.Planner)); len(rest) > 0 {
		sub, err := self.Registry.Subset(rest)
		if err != nil {
			return err
		}
		workers = sub
	}
	p := planner.New(r.executor(RunContext{RunID: self.RunID, Registry: workers}), brain, r.logger,
		planner.WithHook(r.hook),
		planner.WithSink(r.sink),
		planner.WithStore(r.store),
		planner.WithConfig(r.cfg.Planner))
	plan, err := p.Plan(ctx, spec.Task, planner.PlanOptions{ID: self.RunID, ParentID: self.ParentID})
	if err != nil {
		return err
	}
	st, err := p.Run(ctx, plan)
	resp.Result = st
	if err != nil {
		return err
	}
	switch st.Status {
	case planner.StatusCompleted:
		resp.Status = agent.StatusSucceeded
		for i := len(st.Ledger.Steps) - 1; i >= 0; i-- {
			if st.Ledger.Steps[i].Status == planner.StepDone {
				resp.Output = st.Ledger.Steps[i].Output
				break
			}
		}
	case planner.StatusAborted:
		resp.Status = agent.StatusCancelled
		resp.Failure = st.Failure
	case planner.StatusFailed, planner.StatusRunning:
		resp.Status = agent.StatusFailed
		resp.Failure = st.Failure
	}
	return nil
}

func ids(refs []agent.AgentRef) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.ID
	}
	return out
}

// runComposite launches each child spec as a grandchild. Fatal failures
// (nesting depth, timeouts) stop the composite and propagate upward.
func (r *Runner) runComposite(ctx context.Context, self RunContext, spec WorkflowSpec, resp *Response) error {
	cs := spec.Composite
	results := make([]Response, len(cs.Children))
	resp.Result = results

	if cs.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		if cs.MaxParallel > 0 {
			g.SetLimit(cs.MaxParallel)
		}
		for i, child := range cs.Children {
			g.Go(func() error {
				out, err := r.Run(gctx, self, child.inherit(spec.Task))
				results[i] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		input := spec.Task.Input
		for i, child := range cs.Children {
			child = child.inherit(spec.Task)
			if i > 0 && (cs.Children[i].Task.Input == "") {
				child.Task.Input = input
			}
			out, err := r.Run(ctx, self, child)
			results[i] = out
			if err != nil {
				return err
			}
			if !out.Succeeded() {
				resp.Status = out.Status
				resp.Failure = fault.Newf(kindOr(out.Failure, fault.KindAborted), "nested.composite",
					"child %d (%s) %s", i, child.Kind, out.Status)
				return nil
			}
			input = out.Output
		}
	}

	parts := make([]string, 0, len(results))
	for i, out := range results {
		if !out.Succeeded() {
			resp.Status = out.Status
			resp.Failure = fault.Newf(kindOr(out.Failure, fault.KindAborted), "nested.composite",
				"child %d (%s) %s", i, out.Kind, out.Status)
			return nil
		}
		parts = append(parts, out.Output)
	}
	resp.Status = agent.StatusSucceeded
	if cs.Parallel {
		resp.Output = strings.Join(parts, "\n\n")
	} else {
		resp.Output = parts[len(parts)-1]
	}
	return nil
}

func kindOr(f *fault.Error, k fault.Kind) fault.Kind {
	if f != nil {
		return f.Kind
	}
	return k
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
