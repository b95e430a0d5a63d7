package nested

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/groupchat"
	"github.com/nidhogg/nuka-swarm/internal/handoff"
)

// Kind selects the orchestration pattern a workflow runs.
type Kind int

const (
	KindConcurrent Kind = iota + 1
	KindHandoff
	KindGroupChat
	KindPlan
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindConcurrent:
		return "concurrent"
	case KindHandoff:
		return "handoff"
	case KindGroupChat:
		return "groupchat"
	case KindPlan:
		return "plan"
	case KindComposite:
		return "composite"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "concurrent":
		*k = KindConcurrent
	case "handoff":
		*k = KindHandoff
	case "groupchat":
		*k = KindGroupChat
	case "plan":
		*k = KindPlan
	case "composite":
		*k = KindComposite
	default:
		return fmt.Errorf("unknown workflow kind %q", b)
	}
	return nil
}

// Duration is a time.Duration written as "30s" in JSON.
type Duration time.Duration

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

// WorkflowSpec describes one workflow. Exactly the section matching Kind is
// read. Scope narrows the roster inherited from the parent; an empty scope
// keeps all of it.
type WorkflowSpec struct {
	Kind    Kind       `json:"kind"`
	Name    string     `json:"name,omitempty"`
	Task    agent.Task `json:"task"`
	Scope   []string   `json:"scope,omitempty"`
	Timeout Duration   `json:"timeout,omitempty"`

	Concurrent *ConcurrentSpec `json:"concurrent,omitempty"`
	Handoff    *HandoffSpec    `json:"handoff,omitempty"`
	GroupChat  *GroupChatSpec  `json:"groupchat,omitempty"`
	Plan       *PlanSpec       `json:"plan,omitempty"`
	Composite  *CompositeSpec  `json:"composite,omitempty"`
}

// ConcurrentSpec configures a fan-out.
type ConcurrentSpec struct {
	Policy        concurrent.Policy `json:"policy"`
	MaxParallel   int               `json:"max_parallel,omitempty"`
	BranchTimeout Duration          `json:"branch_timeout,omitempty"`
}

// Hop is one transfer in a handoff chain.
type Hop struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// HandoffSpec runs the task through Owner and then each hop in turn, every
// agent continuing from the previous one's output.
type HandoffSpec struct {
	Owner     string            `json:"owner"`
	Policy    handoff.Policy    `json:"policy"`
	Route     []Hop             `json:"route"`
	TaskState map[string]string `json:"task_state,omitempty"`
	// Condition names a task state key that must be "true" for CONDITIONAL
	// transfers.
	Condition string `json:"condition,omitempty"`
}

// GroupChatSpec configures a chat over the scoped roster.
type GroupChatSpec struct {
	Strategy     groupchat.Strategy `json:"strategy"`
	MaxRounds    int                `json:"max_rounds,omitempty"`
	Instructions string             `json:"instructions,omitempty"`
	Priorities   map[string]int     `json:"priorities,omitempty"`
	StopMarkers  []string           `json:"stop_markers,omitempty"`
	// Arbiter is the agent that picks speakers for expertise and auto.
	Arbiter string `json:"arbiter,omitempty"`
}

// PlanSpec names the agent that drafts and revises the plan.
type PlanSpec struct {
	Planner string `json:"planner"`
}

// CompositeSpec runs children one after another, each receiving the
// previous output as input, or all at once.
type CompositeSpec struct {
	Parallel    bool           `json:"parallel,omitempty"`
	MaxParallel int            `json:"max_parallel,omitempty"`
	Children    []WorkflowSpec `json:"children"`
}

// Validate checks that the section for Kind is present.
func (s WorkflowSpec) Validate() error {
	if s.Task.Goal == "" && s.Kind != KindComposite {
		return errors.New("workflow task needs a goal")
	}
	switch s.Kind {
	case KindConcurrent:
		return nil
	case KindHandoff:
		if s.Handoff == nil || s.Handoff.Owner == "" {
			return errors.New("handoff workflow needs an owner")
		}
	case KindGroupChat:
		return nil
	case KindPlan:
		if s.Plan == nil || s.Plan.Planner == "" {
			return errors.New("plan workflow needs a planner agent")
		}
	case KindComposite:
		if s.Composite == nil || len(s.Composite.Children) == 0 {
			return errors.New("composite workflow needs children")
		}
		for i, c := range s.Composite.Children {
			if err := c.inherit(s.Task).Validate(); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown workflow kind %d", int(s.Kind))
	}
	return nil
}

// inherit fills an empty goal or input from the enclosing task.
func (s WorkflowSpec) inherit(parent agent.Task) WorkflowSpec {
	if s.Task.Goal == "" {
		s.Task.Goal = parent.Goal
	}
	if s.Task.Input == "" {
		s.Task.Input = parent.Input
	}
	return s
}
