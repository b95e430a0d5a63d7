package planner

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/fault"
)

// Status is the plan state.
type Status int

const (
	StatusRunning Status = iota + 1
	StatusCompleted
	StatusFailed
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the plan can no longer step.
func (s Status) Terminal() bool { return s != StatusRunning }

// StepStatus tracks one plan step.
type StepStatus int

const (
	StepPending StepStatus = iota + 1
	StepDone
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepDone:
		return "done"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s StepStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *StepStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "pending":
		*s = StepPending
	case "done":
		*s = StepDone
	default:
		return fmt.Errorf("unknown step status %q", b)
	}
	return nil
}

// PlanStep is one unit of the plan.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Agent       string     `json:"agent"`
	Expect      string     `json:"expect,omitempty"`
	SideEffect  bool       `json:"side_effect,omitempty"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Output      string     `json:"output,omitempty"`
}

// TaskLedger holds what is known and what is planned. Replanning replaces
// the pending steps; facts only grow.
type TaskLedger struct {
	Facts    []string   `json:"facts"`
	Steps    []PlanStep `json:"steps"`
	Revision int        `json:"revision"`
}

func (l *TaskLedger) next() (int, bool) {
	for i, s := range l.Steps {
		if s.Status == StepPending {
			return i, true
		}
	}
	return -1, false
}

func (l *TaskLedger) addFacts(facts ...string) {
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f != "" && !slices.Contains(l.Facts, f) {
			l.Facts = append(l.Facts, f)
		}
	}
}

// replace keeps finished steps and swaps every pending one for steps.
func (l *TaskLedger) replace(steps []PlanStep) {
	kept := slices.DeleteFunc(slices.Clone(l.Steps), func(s PlanStep) bool {
		return s.Status == StepPending
	})
	l.Steps = append(kept, steps...)
	l.Revision++
}

// fingerprint hashes the ledger fields a step can change.
func (l *TaskLedger) fingerprint() uint64 {
	h := fnv.New64a()
	for _, f := range l.Facts {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	for _, s := range l.Steps {
		fmt.Fprintf(h, "%s|%s|%d|%s\x00", s.ID, s.Agent, s.Status, s.Output)
	}
	return h.Sum64()
}

// Outcome is one executed step in the progress history.
type Outcome struct {
	StepID    string       `json:"step_id"`
	Step      string       `json:"step"`
	Agent     string       `json:"agent"`
	Status    agent.Status `json:"status"`
	Output    string       `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
	Satisfied bool         `json:"satisfied"`
	At        time.Time    `json:"at"`
}

func (o Outcome) String() string {
	detail := o.Output
	if o.Error != "" {
		detail = o.Error
	}
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	return fmt.Sprintf("%s by %s: %s (satisfied=%t) %s", o.Step, o.Agent, o.Status, o.Satisfied, detail)
}

// signature normalizes an outcome so near-identical outputs compare equal:
// case, whitespace and digits are ignored.
func (o Outcome) signature() uint64 {
	var sb strings.Builder
	digit := false
	for _, r := range strings.ToLower(o.Output + " " + o.Error) {
		switch {
		case unicode.IsDigit(r):
			if !digit {
				sb.WriteByte('#')
			}
			digit = true
			continue
		case unicode.IsSpace(r):
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), " ") {
				sb.WriteByte(' ')
			}
		default:
			sb.WriteRune(r)
		}
		digit = false
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", o.Agent, o.Status, strings.TrimSpace(sb.String()))
	return h.Sum64()
}

// ProgressLedger tracks execution health.
type ProgressLedger struct {
	History     []Outcome `json:"history"`
	IsSatisfied bool      `json:"is_satisfied"`
	IsInLoop    bool      `json:"is_in_loop"`
	IsStalled   bool      `json:"is_stalled"`
	StallCount  int       `json:"stall_count"`
	// Unchanged counts consecutive steps that left the task ledger as it was.
	Unchanged   int      `json:"unchanged"`
	Recent      []uint64 `json:"recent"`
	Fingerprint uint64   `json:"fingerprint"`
}

// observe records o and refreshes the loop and stall flags.
func (p *ProgressLedger) observe(o Outcome, fingerprint uint64, window, threshold int) {
	p.History = append(p.History, o)
	p.IsSatisfied = o.Satisfied

	p.Recent = append(p.Recent, o.signature())
	if len(p.Recent) > window {
		p.Recent = p.Recent[len(p.Recent)-window:]
	}
	p.IsInLoop = len(p.Recent) == window && window > 1 && allEqual(p.Recent)

	if fingerprint == p.Fingerprint {
		p.Unchanged++
	} else {
		p.Unchanged = 0
	}
	p.Fingerprint = fingerprint
	p.IsStalled = p.Unchanged >= threshold
}

// resetWindow starts loop and stall detection over after a replan.
func (p *ProgressLedger) resetWindow(fingerprint uint64) {
	p.Recent = nil
	p.Unchanged = 0
	p.IsInLoop = false
	p.IsStalled = false
	p.Fingerprint = fingerprint
}

func (p *ProgressLedger) historyLines() []string {
	out := make([]string, len(p.History))
	for i, o := range p.History {
		out[i] = o.String()
	}
	return out
}

func allEqual(xs []uint64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

// State is the serializable part of a plan.
type State struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Task      agent.Task     `json:"task"`
	Ledger    TaskLedger     `json:"ledger"`
	Progress  ProgressLedger `json:"progress"`
	Status    Status         `json:"status"`
	Failure   *fault.Error   `json:"failure,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *State) clone() State {
	c := *s
	c.Ledger.Facts = slices.Clone(s.Ledger.Facts)
	c.Ledger.Steps = slices.Clone(s.Ledger.Steps)
	c.Progress.History = slices.Clone(s.Progress.History)
	c.Progress.Recent = slices.Clone(s.Progress.Recent)
	return c
}

// Plan is an execution plan. Step calls on one plan are serialized by turn;
// mu guards the state for readers and is not held across agent calls.
type Plan struct {
	turn sync.Mutex
	mu   sync.Mutex
	st   State
}

// ID returns the plan ID.
func (p *Plan) ID() string { return p.st.ID }

// Snapshot returns a copy of the plan state.
func (p *Plan) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.clone()
}

// Status returns the plan status.
func (p *Plan) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Status
}

// Failure returns the terminal failure, if any.
func (p *Plan) Failure() *fault.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Failure
}

func (p *Plan) update(fn func(st *State)) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.st)
	p.st.UpdatedAt = time.Now()
	return p.st.clone()
}
