package agent

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is an immutable description of work. Pass it by value.
type Task struct {
	ID       string            `json:"id"`
	Goal     string            `json:"goal"`
	Input    string            `json:"input,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Deadline time.Time         `json:"deadline,omitzero"`
}

// NewTask creates a task with a fresh ID.
func NewTask(goal, input string) Task {
	return Task{ID: uuid.New().String(), Goal: goal, Input: input}
}

// Derive returns a new task for a sub-unit of t. Metadata is copied and the
// parent ID recorded so the original stays untouched.
func (t Task) Derive(goal, input string) Task {
	meta := maps.Clone(t.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta["parent_task"] = t.ID
	return Task{
		ID:       uuid.New().String(),
		Goal:     goal,
		Input:    input,
		Metadata: meta,
		Deadline: t.Deadline,
	}
}

// AgentRef is a handle to a registered capability.
type AgentRef struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

// HasTag reports whether the agent carries tag (case-insensitive).
func (a AgentRef) HasTag(tag string) bool {
	return slices.ContainsFunc(a.Tags, func(t string) bool {
		return strings.EqualFold(t, tag)
	})
}

func (a AgentRef) String() string {
	if a.Name == "" || a.Name == a.ID {
		return a.ID
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.ID)
}

// Status is the terminal outcome of one agent invocation.
type Status int

const (
	StatusSucceeded Status = iota + 1
	StatusFailed
	StatusTimeout
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "succeeded":
		*s = StatusSucceeded
	case "failed":
		*s = StatusFailed
	case "timeout":
		*s = StatusTimeout
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// ExecutionResult is the outcome of one capability call.
type ExecutionResult struct {
	AgentID    string        `json:"agent_id"`
	Status     Status        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Succeeded reports whether the call finished successfully.
func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSucceeded }

// Message is one entry of a shared conversation.
type Message struct {
	Speaker string    `json:"speaker"`
	Content string    `json:"content"`
	Round   int       `json:"round"`
	At      time.Time `json:"at"`
}

// ConversationContext is what a capability sees besides the task itself.
type ConversationContext struct {
	RunID        string     `json:"run_id,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Messages     []Message  `json:"messages,omitempty"`
	Facts        []string   `json:"facts,omitempty"`
	Roster       []AgentRef `json:"roster,omitempty"`
	Round        int        `json:"round,omitempty"`
}

// PartialResult is one increment of a streamed invocation.
type PartialResult struct {
	AgentID string `json:"agent_id"`
	Delta   string `json:"delta,omitempty"`
	Done    bool   `json:"done"`
	Err     error  `json:"-"`
}
