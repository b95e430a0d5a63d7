// Package nested runs workflows as isolated children of a parent run.
package nested

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"github.com/nidhogg/nuka-swarm/internal/handoff"
	"github.com/nidhogg/nuka-swarm/internal/hook"
	"github.com/nidhogg/nuka-swarm/internal/planner"
	"go.uber.org/zap"
)

const component = "nested"

// ErrChildTimeout is the cancellation cause when a child outlives its
// timeout.
var ErrChildTimeout = errors.New("child workflow timeout elapsed")

// Config bounds nesting and carries the settings each child's
// coordinators are built with.
type Config struct {
	MaxDepth     int
	ChildTimeout time.Duration
	// MaxRounds applies to group chats whose spec leaves it unset.
	MaxRounds    int
	Executor     concurrent.Defaults
	Handoff      handoff.Config
	Planner      planner.Config
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 5
	}
	if c.ChildTimeout <= 0 {
		c.ChildTimeout = 15 * time.Minute
	}
	return c
}

// Runner launches child workflows.
type Runner struct {
	registry *agent.Registry
	cfg      Config
	hook     hook.Hook
	sink     event.Sink
	store    checkpoint.Store
	logger   *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets depth and timeout limits.
func WithConfig(c Config) Option { return func(r *Runner) { r.cfg = c.withDefaults() } }

// WithHook sets the intervention hook handed to planners.
func WithHook(h hook.Hook) Option { return func(r *Runner) { r.hook = hook.OrAutoApprove(h) } }

// WithSink sets the event sink.
func WithSink(s event.Sink) Option { return func(r *Runner) { r.sink = event.OrNop(s) } }

// WithStore sets the checkpoint store.
func WithStore(s checkpoint.Store) Option { return func(r *Runner) { r.store = s } }

// NewRunner creates a runner whose root runs draw from registry.
func NewRunner(registry *agent.Registry, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		cfg:      Config{}.withDefaults(),
		hook:     hook.AutoApprove,
		sink:     event.Nop,
		logger:   logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Root returns a fresh top-level run context over the full roster.
func (r *Runner) Root() RunContext {
	return RunContext{RunID: uuid.New().String(), Registry: r.registry}
}

// MaxDepth returns the configured nesting limit.
func (r *Runner) MaxDepth() int { return r.cfg.MaxDepth }

// RunChild launches spec as a child of parent and returns without waiting.
//
// Exceeding the nesting limit fails with NestingDepthExceeded before any
// child is created. The child is cancelled when ctx ends or its timeout
// elapses; the handle then settles with a cancelled outcome and the child's
// eventual reply is dropped.
func (r *Runner) RunChild(ctx context.Context, parent RunContext, spec WorkflowSpec) (*SubWorkflowHandle, error) {
	if depth := parent.Depth + 1; depth > r.cfg.MaxDepth {
		r.logger.Error("nesting depth exceeded",
			zap.String("parent", parent.RunID),
			zap.Int("depth", depth),
			zap.Int("max_depth", r.cfg.MaxDepth),
			zap.Stringer("kind", spec.Kind))
		return nil, fault.Newf(fault.KindNestingDepthExceeded, "nested.RunChild",
			"child of %s would run at depth %d, limit is %d", parent.RunID, depth, r.cfg.MaxDepth)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	if parent.Registry == nil {
		parent.Registry = r.registry
	}
	scoped, err := parent.Registry.Subset(spec.Scope)
	if err != nil {
		return nil, fmt.Errorf("scope child roster: %w", err)
	}
	if spec.Task.ID == "" {
		spec.Task.ID = uuid.New().String()
	}

	timeout := time.Duration(spec.Timeout)
	if timeout <= 0 {
		timeout = r.cfg.ChildTimeout
	}
	childCtx, cancel := context.WithCancelCause(ctx)
	h := newHandle(parent, uuid.New().String(), uuid.New().String(), spec, cancel)
	child := RunContext{RunID: h.ChildID, ParentID: parent.RunID, Depth: h.Depth, Registry: scoped}

	requests := make(chan Request, 1)
	responses := make(chan Response, 1)
	requests <- Request{CorrelationID: h.CorrelationID, Task: spec.Task, Scope: spec.Scope, Spec: spec}
	close(requests)

	r.logger.Info("child workflow launched",
		zap.String("parent", parent.RunID),
		zap.String("child", h.ChildID),
		zap.Stringer("kind", spec.Kind),
		zap.Int("depth", h.Depth))
	r.emit(ctx, h, event.ChildWorkflowLaunched, map[string]any{
		"kind":           spec.Kind.String(),
		"name":           spec.Name,
		"depth":          h.Depth,
		"correlation_id": h.CorrelationID,
		"agents":         scoped.Len(),
	})

	go func() {
		req := <-requests
		resp := r.serve(childCtx, child, req)
		resp.CorrelationID = req.CorrelationID
		responses <- resp
	}()

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		var resp Response
		select {
		case resp = <-responses:
			if resp.CorrelationID != h.CorrelationID {
				r.logger.Error("child reply with foreign correlation id",
					zap.String("child", h.ChildID),
					zap.String("want", h.CorrelationID),
					zap.String("got", resp.CorrelationID))
				resp = r.cancelled(h, fmt.Errorf("reply correlation mismatch"))
			}
		case <-timer.C:
			cancel(ErrChildTimeout)
			resp = r.cancelled(h, ErrChildTimeout)
		case <-childCtx.Done():
			resp = r.cancelled(h, context.Cause(childCtx))
		}
		cancel(nil)
		h.settle(resp)
		r.completed(context.WithoutCancel(ctx), h, resp)
	}()
	return h, nil
}

// Run launches spec as a child of parent and waits for its reply.
func (r *Runner) Run(ctx context.Context, parent RunContext, spec WorkflowSpec) (Response, error) {
	h, err := r.RunChild(ctx, parent, spec)
	if err != nil {
		return Response{}, err
	}
	return h.Wait(ctx)
}

func (r *Runner) cancelled(h *SubWorkflowHandle, cause error) Response {
	if cause == nil {
		cause = context.Canceled
	}
	return Response{
		CorrelationID: h.CorrelationID,
		ChildID:       h.ChildID,
		Kind:          h.Kind,
		Status:        agent.StatusCancelled,
		Failure:       fault.Wrap(fault.KindCancelled, "nested.RunChild", cause),
		FinishedAt:    time.Now(),
	}
}

func (r *Runner) completed(ctx context.Context, h *SubWorkflowHandle, resp Response) {
	attrs := map[string]any{
		"kind":           h.Kind.String(),
		"status":         resp.Status.String(),
		"correlation_id": h.CorrelationID,
		"duration_ms":    time.Since(h.LaunchedAt).Milliseconds(),
	}
	fields := []zap.Field{
		zap.String("parent", h.ParentID),
		zap.String("child", h.ChildID),
		zap.Stringer("status", resp.Status),
	}
	if resp.Failure != nil {
		attrs["error"] = resp.Failure.Error()
		attrs["error_kind"] = resp.Failure.Kind.String()
		fields = append(fields, zap.String("error", resp.Failure.Error()))
	}
	r.logger.Info("child workflow completed", fields...)
	r.emit(ctx, h, event.ChildWorkflowCompleted, attrs)
}

func (r *Runner) emit(ctx context.Context, h *SubWorkflowHandle, typ event.Type, attrs map[string]any) {
	ev := event.New(typ, component, h.ChildID, attrs)
	ev.ParentID = h.ParentID
	r.sink.Emit(ctx, ev)
}
