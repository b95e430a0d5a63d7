// Package groupchat serializes turn-taking among agents sharing one
// conversation.
package groupchat

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"go.uber.org/zap"
)

// ErrTerminated is returned by Advance when the chat ended instead of
// taking a turn.
var ErrTerminated = errors.New("group chat terminated")

const component = "groupchat"

// Options describe a new chat.
type Options struct {
	ID           string
	ParentID     string
	Task         agent.Task
	Instructions string
	Roster       []agent.AgentRef
	Strategy     Strategy
	MaxRounds    int
	StopMarkers  []string
	// Priorities weights participants for the Priority strategy.
	Priorities map[string]int
	// Arbiter picks speakers for Expertise and Auto.
	Arbiter agent.Capability
	// Seed makes Random selection reproducible when non-zero.
	Seed uint64
}

// NewChat validates opts and creates a running chat.
func NewChat(opts Options) (*Chat, error) {
	if len(opts.Roster) == 0 {
		return nil, errors.New("group chat needs at least one participant")
	}
	if opts.Strategy == 0 {
		opts.Strategy = RoundRobin
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	if opts.StopMarkers == nil {
		opts.StopMarkers = DefaultStopMarkers
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}

	var sel Selector
	switch opts.Strategy {
	case RoundRobin:
		sel = roundRobin{}
	case Random:
		seed := opts.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		sel = random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	case Manual:
		sel = manual{}
	case Priority:
		sel = newPriority(opts.Roster, opts.Priorities)
	case Expertise, Auto:
		if opts.Arbiter == nil {
			return nil, fmt.Errorf("%s selection needs an arbiter", opts.Strategy)
		}
		sel = arbiter{cap: opts.Arbiter, decides: opts.Strategy == Auto}
	default:
		return nil, fmt.Errorf("unknown speaker selection strategy %d", int(opts.Strategy))
	}

	c := &Chat{
		selector: sel,
		st: State{
			ID:           opts.ID,
			ParentID:     opts.ParentID,
			Task:         opts.Task,
			Instructions: opts.Instructions,
			Roster:       append([]agent.AgentRef(nil), opts.Roster...),
			Strategy:     opts.Strategy,
			MaxRounds:    opts.MaxRounds,
			Status:       StatusRunning,
			StopMarkers:  append([]string(nil), opts.StopMarkers...),
			StartedAt:    time.Now(),
		},
	}
	c.publishLocked()
	return c, nil
}

// Coordinator runs turns of group chats against a registry.
type Coordinator struct {
	registry *agent.Registry
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

// NewCoordinator creates a coordinator invoking participants from registry.
func NewCoordinator(registry *agent.Registry, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{registry: registry, sink: event.Nop, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Advance takes one turn: it checks the termination conditions, selects a
// speaker, invokes it and appends its reply. The chat stays locked for the
// whole turn, so concurrent calls run one after the other and each selection
// sees the previous turn's message.
//
// Advance returns ErrTerminated when a termination condition ended the chat,
// and an AgentUnreachable error when the speaker failed; in that case nothing
// is appended and the round does not move. Advancing a terminated chat is an
// InvalidTransition.
func (c *Coordinator) Advance(ctx context.Context, chat *Chat) (agent.AgentRef, error) {
	var speaker agent.AgentRef
	err := chat.with(func(st *State) error {
		if st.Status == StatusTerminated {
			return c.invalid(st, "advance")
		}
		if reason := c.terminationReason(st); reason != "" {
			c.end(ctx, st, reason)
			return ErrTerminated
		}

		sel, err := chat.selector.Select(ctx, st)
		if err != nil {
			return err
		}
		if sel.Anomaly != "" {
			st.Anomalies++
			c.logger.Warn("speaker selection fell back to round robin",
				zap.String("chat", st.ID),
				zap.Int("round", st.Round),
				zap.String("anomaly", sel.Anomaly))
			c.emit(ctx, st, event.SpeakerAnomaly, map[string]any{"anomaly": sel.Anomaly, "fallback": sel.Speaker.ID})
		}
		if sel.Done {
			c.end(ctx, st, ReasonStrategy)
			return ErrTerminated
		}
		speaker = sel.Speaker
		c.emit(ctx, st, event.SpeakerSelected, map[string]any{
			"speaker":  speaker.ID,
			"round":    st.Round + 1,
			"strategy": st.Strategy.String(),
		})

		conv := agent.ConversationContext{
			RunID:        st.ID,
			Instructions: st.Instructions,
			Messages:     append([]agent.Message(nil), st.Messages...),
			Roster:       append([]agent.AgentRef(nil), st.Roster...),
			Round:        st.Round + 1,
		}
		res := c.registry.Invoke(ctx, speaker, st.Task, conv)
		if !res.Succeeded() {
			c.logger.Warn("speaker failed",
				zap.String("chat", st.ID),
				zap.String("speaker", speaker.ID),
				zap.Stringer("status", res.Status),
				zap.String("error", res.Error))
			// The cursor already moved past the failed speaker.
			checkpoint.Save(context.WithoutCancel(ctx), c.store, c.logger, st.ID, component, st)
			if ctx.Err() != nil {
				return fault.Wrap(fault.KindCancelled, "groupchat.Advance", ctx.Err())
			}
			return fault.Newf(fault.KindAgentUnreachable, "groupchat.Advance",
				"%s %s: %s", speaker.ID, res.Status, res.Error)
		}

		st.Round++
		st.Messages = append(st.Messages, agent.Message{
			Speaker: speaker.ID,
			Content: res.Output,
			Round:   st.Round,
			At:      res.FinishedAt,
		})
		st.LastSpeaker = speaker.ID
		c.emit(ctx, st, event.MessageAppended, map[string]any{"speaker": speaker.ID, "round": st.Round})
		checkpoint.Save(ctx, c.store, c.logger, st.ID, component, st)
		return nil
	})
	return speaker, err
}

// Say appends a message from outside the roster, such as an operator. It
// does not count as a turn.
func (c *Coordinator) Say(ctx context.Context, chat *Chat, speaker, content string) error {
	return chat.with(func(st *State) error {
		if st.Status == StatusTerminated {
			return c.invalid(st, "say")
		}
		st.Messages = append(st.Messages, agent.Message{Speaker: speaker, Content: content, Round: st.Round, At: time.Now()})
		c.emit(ctx, st, event.MessageAppended, map[string]any{"speaker": speaker, "round": st.Round})
		checkpoint.Save(ctx, c.store, c.logger, st.ID, component, st)
		return nil
	})
}

// SetNextSpeaker names the next speaker of a MANUAL chat.
func (c *Coordinator) SetNextSpeaker(chat *Chat, id string) error {
	return chat.with(func(st *State) error {
		if _, ok := st.member(id); !ok {
			return fmt.Errorf("%w: %s", ErrNotMember, id)
		}
		st.Next = id
		return nil
	})
}

// Terminate ends the chat with reason.
func (c *Coordinator) Terminate(ctx context.Context, chat *Chat, reason string) error {
	return chat.with(func(st *State) error {
		if st.Status == StatusTerminated {
			return c.invalid(st, "terminate")
		}
		c.end(ctx, st, reason)
		return nil
	})
}

// Run advances chat until it terminates. A run of failed turns as long as
// the roster ends the chat with ReasonUnreachable.
func (c *Coordinator) Run(ctx context.Context, chat *Chat) (State, error) {
	failures := 0
	for {
		_, err := c.Advance(ctx, chat)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, ErrTerminated):
			return chat.Snapshot(), nil
		case errors.Is(err, fault.ErrAgentUnreachable):
			failures++
			if failures >= len(chat.Snapshot().Roster) {
				if terr := c.Terminate(ctx, chat, ReasonUnreachable); terr != nil {
					return chat.Snapshot(), terr
				}
				return chat.Snapshot(), nil
			}
		default:
			return chat.Snapshot(), err
		}
	}
}

func (c *Coordinator) terminationReason(st *State) string {
	switch {
	case st.Round >= st.MaxRounds:
		return ReasonMaxRounds
	case st.stopped():
		return ReasonStopMarker
	}
	return ""
}

func (c *Coordinator) end(ctx context.Context, st *State, reason string) {
	st.terminate(reason)
	c.logger.Info("group chat terminated",
		zap.String("chat", st.ID),
		zap.String("reason", reason),
		zap.Int("rounds", st.Round),
		zap.Int("anomalies", st.Anomalies))
	c.emit(ctx, st, event.ChatTerminated, map[string]any{"reason": reason, "rounds": st.Round})
	checkpoint.Save(ctx, c.store, c.logger, st.ID, component, st)
}

func (c *Coordinator) invalid(st *State, op string) error {
	c.logger.Error("invalid group chat transition",
		zap.String("chat", st.ID),
		zap.String("op", op),
		zap.Any("state", st.clone()))
	return fault.Newf(fault.KindInvalidTransition, "groupchat."+op, "chat %s is %s (%s)", st.ID, st.Status, st.Reason)
}

func (c *Coordinator) emit(ctx context.Context, st *State, typ event.Type, attrs map[string]any) {
	ev := event.New(typ, component, st.ID, attrs)
	ev.ParentID = st.ParentID
	c.sink.Emit(ctx, ev)
}
