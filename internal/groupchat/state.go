package groupchat

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
)

// Status is the chat state.
type Status int

const (
	StatusRunning Status = iota + 1
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Termination reasons recorded in State.Reason.
const (
	ReasonMaxRounds   = "max_rounds"
	ReasonStopMarker  = "stop_marker"
	ReasonStrategy    = "strategy_done"
	ReasonUnreachable = "speakers_unreachable"
)

// DefaultStopMarkers end a chat when a message contains one of them.
var DefaultStopMarkers = []string{"[done]", "[consensus]", "[terminate]"}

// State is the shared conversation. Messages is append-only and Round only
// grows.
type State struct {
	ID           string           `json:"id"`
	ParentID     string           `json:"parent_id,omitempty"`
	Task         agent.Task       `json:"task"`
	Instructions string           `json:"instructions,omitempty"`
	Roster       []agent.AgentRef `json:"roster"`
	Strategy     Strategy         `json:"strategy"`
	Messages     []agent.Message  `json:"messages"`
	Round        int              `json:"round"`
	MaxRounds    int              `json:"max_rounds"`
	Status       Status           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	LastSpeaker  string           `json:"last_speaker,omitempty"`
	Next         string           `json:"next,omitempty"`
	Cursor       int              `json:"cursor"`
	Anomalies    int              `json:"anomalies"`
	StopMarkers  []string         `json:"stop_markers"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      time.Time        `json:"ended_at,omitzero"`
}

func (s *State) clone() State {
	c := *s
	c.Roster = slices.Clone(s.Roster)
	c.Messages = slices.Clone(s.Messages)
	c.StopMarkers = slices.Clone(s.StopMarkers)
	return c
}

func (s *State) member(id string) (agent.AgentRef, bool) {
	for _, ref := range s.Roster {
		if ref.ID == id {
			return ref, true
		}
	}
	return agent.AgentRef{}, false
}

// stopped reports whether the latest message carries a stop marker.
func (s *State) stopped() bool {
	if len(s.Messages) == 0 {
		return false
	}
	last := strings.ToLower(s.Messages[len(s.Messages)-1].Content)
	for _, m := range s.StopMarkers {
		if m != "" && strings.Contains(last, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func (s *State) terminate(reason string) {
	s.Status = StatusTerminated
	s.Reason = reason
	s.EndedAt = time.Now()
}

// Chat is a State behind the mutex every turn holds from termination check to
// round increment. Readers get the copy published after the last mutation
// and never wait for a turn in progress.
type Chat struct {
	mu       sync.Mutex
	st       State
	selector Selector
	view     atomic.Pointer[State]
}

// with runs fn with the chat locked and publishes the result.
func (c *Chat) with(fn func(st *State) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := fn(&c.st)
	c.publishLocked()
	return err
}

func (c *Chat) publishLocked() {
	v := c.st.clone()
	c.view.Store(&v)
}

// ID returns the chat ID.
func (c *Chat) ID() string { return c.Snapshot().ID }

// Snapshot returns the state as of the last completed mutation.
func (c *Chat) Snapshot() State {
	return c.view.Load().clone()
}
