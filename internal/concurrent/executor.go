// Package concurrent fans one task out to several agents and fans the results
// back in under a completion policy.
package concurrent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNoAgents is returned when a run has no branches.
	ErrNoAgents = errors.New("concurrent run needs at least one agent")

	errRunTimeout = errors.New("run timeout elapsed")
	errSettled    = errors.New("completion policy settled")
)

const component = "concurrent"

// Request describes one run. Zero limits fall back to the executor defaults.
type Request struct {
	ID            string
	ParentID      string
	Task          agent.Task
	Agents        []agent.AgentRef
	Policy        Policy
	MaxParallel   int
	Timeout       time.Duration
	BranchTimeout time.Duration
	Context       agent.ConversationContext
}

// Defaults are applied to requests that leave a limit unset.
type Defaults struct {
	MaxParallel   int
	Timeout       time.Duration
	BranchTimeout time.Duration
}

// Executor runs concurrent fan-outs against a registry.
type Executor struct {
	registry *agent.Registry
	defaults Defaults
	sink     event.Sink
	store    checkpoint.Store
	logger   *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink sets the event sink.
func WithSink(s event.Sink) Option { return func(e *Executor) { e.sink = event.OrNop(s) } }

// WithStore sets the checkpoint store.
func WithStore(s checkpoint.Store) Option { return func(e *Executor) { e.store = s } }

// WithDefaults sets the request defaults.
func WithDefaults(d Defaults) Option { return func(e *Executor) { e.defaults = d } }

// NewExecutor creates an executor over registry.
func NewExecutor(registry *agent.Registry, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		defaults: Defaults{MaxParallel: 4},
		sink:     event.Nop,
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the roster the executor invokes.
func (e *Executor) Registry() *agent.Registry {
	return e.registry
}

type outcome struct {
	index   int
	res     agent.ExecutionResult
	skipped bool
}

// Run dispatches req.Task to every agent with at most MaxParallel branches in
// flight. Queued branches start in submission order.
//
// Run returns as soon as the policy is satisfied or becomes unreachable;
// branches still running are cancelled and their results recorded as late
// (see Run.Settled). An unreachable policy is reported through Run.Failure
// with a nil error. The error is non-nil only when the overall timeout
// elapses or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, req Request) (*Run, error) {
	if len(req.Agents) == 0 {
		return nil, ErrNoAgents
	}
	if req.Policy == 0 {
		req.Policy = PolicyAll
	}
	if req.Policy < PolicyAll || req.Policy > PolicyMajority {
		return nil, fmt.Errorf("unknown completion policy %d", int(req.Policy))
	}
	if req.MaxParallel <= 0 {
		req.MaxParallel = e.defaults.MaxParallel
	}
	if req.MaxParallel <= 0 || req.MaxParallel > len(req.Agents) {
		req.MaxParallel = len(req.Agents)
	}
	if req.Timeout <= 0 {
		req.Timeout = e.defaults.Timeout
	}
	if req.BranchTimeout <= 0 {
		req.BranchTimeout = e.defaults.BranchTimeout
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	run := newRun(req.ID, req)
	n := len(req.Agents)
	bg := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(errSettled)
	if req.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, req.Timeout, errRunTimeout)
		defer stop()
	}

	e.emit(bg, run, event.RunStarted, map[string]any{
		"task":         req.Task.ID,
		"policy":       req.Policy.String(),
		"branches":     n,
		"max_parallel": req.MaxParallel,
	})
	e.logger.Info("concurrent run started",
		zap.String("run", run.ID()),
		zap.Stringer("policy", req.Policy),
		zap.Int("branches", n),
		zap.Int("max_parallel", req.MaxParallel))

	results := make(chan outcome, n)
	go e.dispatch(runCtx, bg, run, req, results)

	received := 0
collect:
	for received < n {
		select {
		case o := <-results:
			received++
			if runCtx.Err() != nil {
				// Reported because the run was interrupted, not by merit.
				e.interrupt(runCtx, ctx, run, req, received-1, n)
				run.recordLate(o)
				break collect
			}
			v := run.record(o)
			e.branchDone(bg, run, req.Policy, o)
			checkpoint.Save(bg, e.store, e.logger, run.ID(), component, run.Snapshot())
			if v != undecided {
				break collect
			}
		case <-runCtx.Done():
			e.interrupt(runCtx, ctx, run, req, received, n)
			break collect
		}
	}
	cancel(errSettled)

	go e.drain(bg, run, results, n-received)

	st := run.Snapshot()
	e.emit(bg, run, event.RunFinished, map[string]any{
		"status": st.Status.String(),
		"winner": st.Winner,
	})
	checkpoint.Save(bg, e.store, e.logger, run.ID(), component, st)
	e.logger.Info("concurrent run finished",
		zap.String("run", run.ID()),
		zap.Stringer("status", st.Status),
		zap.String("winner", st.Winner),
		zap.Duration("elapsed", st.FinishedAt.Sub(st.StartedAt)))

	switch st.Status {
	case StatusTimeout, StatusCancelled:
		return run, st.Failure
	case StatusSucceeded, StatusFailed:
		return run, nil
	case StatusRunning:
	}
	panic("concurrent: run left collection without finalizing")
}

// interrupt finalizes a run whose context ended before the policy settled.
func (e *Executor) interrupt(runCtx, parent context.Context, run *Run, req Request, received, n int) {
	if errors.Is(context.Cause(runCtx), errRunTimeout) {
		run.finish(StatusTimeout, fault.Newf(fault.KindTimeout, "concurrent.Run",
			"run timeout %s elapsed with %d/%d branches reported", req.Timeout, received, n))
		return
	}
	cause := context.Cause(parent)
	if cause == nil {
		cause = context.Canceled
	}
	run.finish(StatusCancelled, fault.Wrap(fault.KindCancelled, "concurrent.Run", cause))
}

// dispatch starts branches in submission order as limiter slots free up.
// Every branch reports exactly one outcome; branches that never start report
// a skipped outcome.
func (e *Executor) dispatch(ctx, bg context.Context, run *Run, req Request, results chan<- outcome) {
	sem := semaphore.NewWeighted(int64(req.MaxParallel))
	conv := req.Context
	conv.RunID = run.ID()

	for i := range req.Agents {
		if err := sem.Acquire(ctx, 1); err != nil {
			skip(results, req.Agents, i)
			return
		}
		ref, ok := run.start(i)
		if !ok || ctx.Err() != nil {
			sem.Release(1)
			skip(results, req.Agents, i)
			return
		}
		e.emit(bg, run, event.BranchStarted, map[string]any{"agent": ref.ID, "index": i})

		go func(i int, ref agent.AgentRef) {
			defer sem.Release(1)
			bctx := ctx
			if req.BranchTimeout > 0 {
				var cancel context.CancelFunc
				bctx, cancel = context.WithTimeout(ctx, req.BranchTimeout)
				defer cancel()
			}
			results <- outcome{index: i, res: e.registry.Invoke(bctx, ref, req.Task, conv)}
		}(i, ref)
	}
}

func skip(results chan<- outcome, refs []agent.AgentRef, from int) {
	for j := from; j < len(refs); j++ {
		results <- outcome{
			index:   j,
			skipped: true,
			res: agent.ExecutionResult{
				AgentID:    refs[j].ID,
				Status:     agent.StatusCancelled,
				Error:      "not started",
				FinishedAt: time.Now(),
			},
		}
	}
}

// drain records the outcomes of branches still in flight at finalization.
func (e *Executor) drain(ctx context.Context, run *Run, results <-chan outcome, remaining int) {
	defer close(run.settled)
	if remaining == 0 {
		return
	}
	for range remaining {
		o := <-results
		if run.recordLate(o) {
			e.emit(ctx, run, event.BranchLate, map[string]any{
				"agent":  o.res.AgentID,
				"index":  o.index,
				"status": o.res.Status.String(),
			})
		}
	}
	checkpoint.Save(ctx, e.store, e.logger, run.ID(), component, run.Snapshot())
}

func (e *Executor) branchDone(ctx context.Context, run *Run, p Policy, o outcome) {
	if o.skipped {
		return
	}
	if !o.res.Succeeded() && p.reportsFailures() {
		e.logger.Warn("branch failed",
			zap.String("run", run.ID()),
			zap.String("agent", o.res.AgentID),
			zap.Stringer("status", o.res.Status),
			zap.String("error", o.res.Error))
	}
	e.emit(ctx, run, event.BranchCompleted, map[string]any{
		"agent":       o.res.AgentID,
		"index":       o.index,
		"status":      o.res.Status.String(),
		"duration_ms": o.res.Duration.Milliseconds(),
	})
}

func (e *Executor) emit(ctx context.Context, run *Run, typ event.Type, attrs map[string]any) {
	ev := event.New(typ, component, run.ID(), attrs)
	ev.ParentID = run.st.ParentID
	e.sink.Emit(ctx, ev)
}
