package groupchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"unicode"

	"github.com/nidhogg/nuka-swarm/internal/agent"
)

var (
	// ErrNoSpeaker is returned by MANUAL selection when no next speaker was set.
	ErrNoSpeaker = errors.New("no next speaker set")
	// ErrNotMember is returned when a speaker is not on the roster.
	ErrNotMember = errors.New("speaker is not a participant")
)

// Strategy names a speaker selection algorithm.
type Strategy int

const (
	RoundRobin Strategy = iota + 1
	Random
	Manual
	Priority
	Expertise
	Auto
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	case Manual:
		return "manual"
	case Priority:
		return "priority"
	case Expertise:
		return "expertise"
	case Auto:
		return "auto"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// MarshalText encodes the strategy by name.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a strategy name.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStrategy maps a name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "round_robin", "roundrobin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "manual":
		return Manual, nil
	case "priority":
		return Priority, nil
	case "expertise":
		return Expertise, nil
	case "auto":
		return Auto, nil
	}
	return 0, fmt.Errorf("unknown speaker selection strategy %q", name)
}

// Selection is a selector's decision for one turn.
type Selection struct {
	Speaker agent.AgentRef
	// Done asks the coordinator to terminate instead of taking a turn.
	Done   bool
	Reason string
	// Anomaly is set when the selector had to fall back.
	Anomaly string
}

// Selector picks the next speaker. It runs with the chat locked and may
// advance st.Cursor; it must not touch the log or the round counter.
type Selector interface {
	Select(ctx context.Context, st *State) (Selection, error)
}

type roundRobin struct{}

func (roundRobin) Select(_ context.Context, st *State) (Selection, error) {
	return Selection{Speaker: nextInOrder(st, st.Roster)}, nil
}

// nextInOrder cycles through order using the chat cursor.
func nextInOrder(st *State, order []agent.AgentRef) agent.AgentRef {
	ref := order[st.Cursor%len(order)]
	st.Cursor++
	return ref
}

type random struct {
	rng *rand.Rand
}

func (r random) Select(_ context.Context, st *State) (Selection, error) {
	candidates := st.Roster
	if len(st.Roster) > 1 && st.LastSpeaker != "" {
		candidates = slices.DeleteFunc(slices.Clone(st.Roster), func(ref agent.AgentRef) bool {
			return ref.ID == st.LastSpeaker
		})
	}
	return Selection{Speaker: candidates[r.rng.IntN(len(candidates))]}, nil
}

type manual struct{}

func (manual) Select(_ context.Context, st *State) (Selection, error) {
	if st.Next == "" {
		return Selection{}, ErrNoSpeaker
	}
	ref, ok := st.member(st.Next)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrNotMember, st.Next)
	}
	st.Next = ""
	return Selection{Speaker: ref}, nil
}

type priority struct {
	order []agent.AgentRef
}

// newPriority sorts roster by weight, highest first; equal weights keep
// roster order.
func newPriority(roster []agent.AgentRef, weights map[string]int) priority {
	order := slices.Clone(roster)
	slices.SortStableFunc(order, func(a, b agent.AgentRef) int {
		return weights[b.ID] - weights[a.ID]
	})
	return priority{order: order}
}

func (p priority) Select(_ context.Context, st *State) (Selection, error) {
	return Selection{Speaker: nextInOrder(st, p.order)}, nil
}

// arbiter asks a capability who speaks next. With decides set it may also
// end the chat.
type arbiter struct {
	cap     agent.Capability
	decides bool
}

type arbiterReply struct {
	Next      string `json:"next"`
	Terminate bool   `json:"terminate"`
	Reason    string `json:"reason"`
}

func (a arbiter) Select(ctx context.Context, st *State) (Selection, error) {
	task := st.Task.Derive("Choose the next speaker", a.prompt(st))
	conv := agent.ConversationContext{
		RunID:    st.ID,
		Messages: slices.Clone(st.Messages),
		Roster:   slices.Clone(st.Roster),
		Round:    st.Round,
	}
	res := agent.Invoke(ctx, a.cap, agent.AgentRef{ID: "arbiter"}, task, conv)
	if !res.Succeeded() {
		if ctx.Err() != nil {
			return Selection{}, ctx.Err()
		}
		return a.fallback(st, fmt.Sprintf("arbiter %s: %s", res.Status, res.Error)), nil
	}

	reply := parseArbiter(res.Output, st.Roster)
	if a.decides && reply.Terminate {
		return Selection{Done: true, Reason: reply.Reason}, nil
	}
	ref, ok := st.member(reply.Next)
	if !ok {
		return a.fallback(st, fmt.Sprintf("arbiter chose %q, not a participant", reply.Next)), nil
	}
	return Selection{Speaker: ref, Reason: reply.Reason}, nil
}

func (a arbiter) fallback(st *State, anomaly string) Selection {
	return Selection{Speaker: nextInOrder(st, st.Roster), Anomaly: anomaly}
}

func (a arbiter) prompt(st *State) string {
	var sb strings.Builder
	sb.WriteString("Participants:\n")
	for _, ref := range st.Roster {
		fmt.Fprintf(&sb, "- %s", ref.ID)
		if len(ref.Tags) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(ref.Tags, ", "))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nRound %d of %d. Recent messages:\n", st.Round, st.MaxRounds)
	recent := st.Messages
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for _, m := range recent {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Speaker, truncate(m.Content, 400))
	}
	sb.WriteString("\nReply with JSON: {\"next\": \"<participant id>\", \"reason\": \"...\"")
	if a.decides {
		sb.WriteString(", \"terminate\": <true when the task is complete>")
	}
	sb.WriteString("}")
	return sb.String()
}

// parseArbiter accepts a JSON object, or falls back to the first word of
// plain text that names a participant.
func parseArbiter(output string, roster []agent.AgentRef) arbiterReply {
	if i, j := strings.Index(output, "{"), strings.LastIndex(output, "}"); i >= 0 && j > i {
		var r arbiterReply
		if json.Unmarshal([]byte(output[i:j+1]), &r) == nil {
			r.Next = strings.TrimSpace(r.Next)
			return r
		}
	}
	text := strings.TrimSpace(output)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	for _, w := range words {
		for _, ref := range roster {
			if strings.EqualFold(w, ref.ID) {
				return arbiterReply{Next: ref.ID}
			}
		}
	}
	return arbiterReply{Next: text}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
