// Package handoff moves ownership of a task between agents.
package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"go.uber.org/zap"
)

const component = "handoff"

// Config tunes target reachability checks.
type Config struct {
	// Retries is how many extra reachability attempts follow the first.
	// Zero selects the default of 3; a negative value disables retries.
	Retries int
	// Backoff is the first retry delay; later delays grow exponentially.
	Backoff time.Duration
	// PingTimeout bounds one reachability attempt.
	PingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	switch {
	case c.Retries == 0:
		c.Retries = 3
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	return c
}

// Coordinator processes handoff requests against sessions.
type Coordinator struct {
	registry *agent.Registry
	cfg      Config
	sink     event.Sink
	store    checkpoint.Store
	logger   *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSink sets the event sink.
func WithSink(s event.Sink) Option { return func(c *Coordinator) { c.sink = event.OrNop(s) } }

// WithStore sets the checkpoint store.
func WithStore(s checkpoint.Store) Option { return func(c *Coordinator) { c.store = s } }

// WithConfig sets the retry configuration.
func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.cfg = cfg.withDefaults() } }

// NewCoordinator creates a coordinator resolving targets in registry.
func NewCoordinator(registry *agent.Registry, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		cfg:      Config{}.withDefaults(),
		sink:     event.Nop,
		logger:   logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestHandoff asks to move s from its current owner to to.
//
// Requests on one session are served one at a time in arrival order. A
// request that was queued behind another which changed the owner is
// rejected as stale. A rejected request leaves the owner unchanged and
// returns a nil error. When the target stays unreachable after every retry
// the session is aborted and an AgentUnreachable error is returned.
// Requests against a completed or aborted session fail with
// InvalidTransition.
func (c *Coordinator) RequestHandoff(ctx context.Context, s *Session, to agent.AgentRef, reason string) (Record, error) {
	expected := s.Owner()
	rec := Record{ID: uuid.New().String(), From: expected.ID, To: to.ID, Reason: reason}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(s.aborted, stop)
	defer unhook()

	if err := s.lock.Acquire(ctx, 1); err != nil {
		if s.aborted.Err() != nil {
			return rec, c.invalid(s, s.Snapshot(), StatusTransferring)
		}
		return rec, fault.Wrap(fault.KindCancelled, "handoff.RequestHandoff", err)
	}
	defer s.lock.Release(1)

	before, err := s.transition(StatusTransferring)
	if err != nil {
		return rec, c.invalid(s, before, StatusTransferring)
	}
	c.emit(ctx, s, event.HandoffRequested, map[string]any{
		"from":   before.Owner.ID,
		"to":     to.ID,
		"reason": reason,
		"policy": before.Policy.String(),
	})
	c.save(ctx, s)

	if before.Owner.ID != expected.ID {
		return c.reject(ctx, s, rec, "owner changed to "+before.Owner.ID+" while the request was queued")
	}
	if to.ID == before.Owner.ID {
		return c.reject(ctx, s, rec, "target already owns the session")
	}

	if before.Policy == PolicyConditional && !s.predicateHolds() {
		return c.reject(ctx, s, rec, "condition not met")
	}

	attempts, err := c.reach(ctx, s, to)
	rec.Attempts = attempts
	if err != nil {
		return c.unreachable(ctx, s, rec, err)
	}
	if ref, ok := c.registry.Ref(to.ID); ok {
		to = ref
	}

	switch before.Policy {
	case PolicyImmediate:
		s.revoke()
	case PolicyGraceful:
		if err := s.awaitSteps(ctx); err != nil {
			return c.interrupted(ctx, s, rec, err)
		}
	case PolicyConditional:
		if !s.predicateHolds() {
			return c.reject(ctx, s, rec, "condition not met")
		}
		s.revoke()
	}

	rec.Status = RecordCompleted
	rec.At = time.Now()
	if err := s.commit(rec, &to); err != nil {
		return rec, err
	}
	c.logger.Info("handoff completed",
		zap.String("session", s.ID()),
		zap.String("from", rec.From),
		zap.String("to", rec.To),
		zap.Int("attempts", rec.Attempts))
	c.emit(ctx, s, event.HandoffCompleted, map[string]any{"from": rec.From, "to": rec.To})
	c.save(ctx, s)
	return rec, nil
}

// reach pings the target, retrying with exponential backoff. It returns the
// number of attempts made.
func (c *Coordinator) reach(ctx context.Context, s *Session, to agent.AgentRef) (int, error) {
	attempts := 0
	ping := func() (struct{}, error) {
		attempts++
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
		defer cancel()
		err := c.registry.Ping(pctx, to.ID)
		if errors.Is(err, agent.ErrUnknownAgent) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Backoff
	b.MaxInterval = 16 * c.cfg.Backoff

	_, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.Retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("handoff target unreachable, retrying",
				zap.String("session", s.ID()),
				zap.String("target", to.ID),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err))
			c.emit(ctx, s, event.HandoffRetry, map[string]any{
				"target":  to.ID,
				"attempt": attempts,
				"error":   err.Error(),
			})
		}))
	return attempts, err
}

func (c *Coordinator) reject(ctx context.Context, s *Session, rec Record, detail string) (Record, error) {
	rec.Status = RecordRejected
	rec.Detail = detail
	rec.At = time.Now()
	if err := s.commit(rec, nil); err != nil {
		return rec, err
	}
	c.logger.Info("handoff rejected",
		zap.String("session", s.ID()),
		zap.String("to", rec.To),
		zap.String("detail", detail))
	c.emit(ctx, s, event.HandoffRejected, map[string]any{"to": rec.To, "detail": detail})
	c.save(ctx, s)
	return rec, nil
}

func (c *Coordinator) unreachable(ctx context.Context, s *Session, rec Record, err error) (Record, error) {
	rec.Status = RecordFailed
	rec.Detail = err.Error()
	rec.At = time.Now()

	if ctx.Err() != nil {
		return c.interrupted(ctx, s, rec, ctx.Err())
	}
	ferr := fault.Wrap(fault.KindAgentUnreachable, "handoff.RequestHandoff", err)
	if errors.Is(err, agent.ErrUnknownAgent) {
		if cerr := s.commit(rec, nil); cerr != nil {
			return rec, cerr
		}
		c.emit(ctx, s, event.HandoffRejected, map[string]any{"to": rec.To, "detail": rec.Detail})
		c.save(ctx, s)
		return rec, ferr
	}

	if _, terr := s.terminate(StatusAborted, &rec); terr != nil {
		return rec, fault.Newf(fault.KindAborted, "handoff.RequestHandoff", "session %s ended during transfer", s.ID())
	}
	c.logger.Warn("handoff session aborted",
		zap.String("session", s.ID()),
		zap.String("target", rec.To),
		zap.Int("attempts", rec.Attempts),
		zap.Error(err))
	bg := context.WithoutCancel(ctx)
	c.emit(bg, s, event.SessionAborted, map[string]any{"reason": "target unreachable", "target": rec.To})
	c.save(bg, s)
	return rec, ferr
}

// interrupted restores the session when the request itself was cancelled.
func (c *Coordinator) interrupted(ctx context.Context, s *Session, rec Record, cause error) (Record, error) {
	if s.aborted.Err() != nil {
		return rec, fault.Newf(fault.KindAborted, "handoff.RequestHandoff", "session %s aborted during transfer", s.ID())
	}
	rec.Status = RecordFailed
	rec.Detail = cause.Error()
	rec.At = time.Now()
	if err := s.commit(rec, nil); err != nil {
		return rec, err
	}
	c.save(context.WithoutCancel(ctx), s)
	return rec, fault.Wrap(fault.KindCancelled, "handoff.RequestHandoff", cause)
}

// Complete marks the session finished.
func (c *Coordinator) Complete(ctx context.Context, s *Session) error {
	before, err := s.terminate(StatusCompleted, nil)
	if err != nil {
		return c.invalid(s, before, StatusCompleted)
	}
	c.emit(ctx, s, event.SessionCompleted, map[string]any{"owner": before.Owner.ID})
	c.save(ctx, s)
	return nil
}

// Abort cancels the session from any non-terminal state. Queued and
// in-flight requests fail and the owner's steps are revoked.
func (c *Coordinator) Abort(ctx context.Context, s *Session, reason string) error {
	before, err := s.terminate(StatusAborted, nil)
	if err != nil {
		return c.invalid(s, before, StatusAborted)
	}
	c.logger.Info("handoff session aborted", zap.String("session", s.ID()), zap.String("reason", reason))
	c.emit(ctx, s, event.SessionAborted, map[string]any{"reason": reason})
	c.save(ctx, s)
	return nil
}

func (c *Coordinator) invalid(s *Session, state View, to Status) error {
	err := fault.Newf(fault.KindInvalidTransition, "handoff", "session %s: %s -> %s", s.ID(), state.Status, to)
	c.logger.Error("invalid handoff transition",
		zap.String("session", s.ID()),
		zap.Stringer("from", state.Status),
		zap.Stringer("to", to),
		zap.Any("state", state))
	return err
}

func (c *Coordinator) emit(ctx context.Context, s *Session, typ event.Type, attrs map[string]any) {
	c.sink.Emit(ctx, event.New(typ, component, s.ID(), attrs))
}

func (c *Coordinator) save(ctx context.Context, s *Session) {
	checkpoint.Save(ctx, c.store, c.logger, s.ID(), component, s.Snapshot())
}
