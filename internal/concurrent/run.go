package concurrent

import (
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/fault"
)

// Status is the overall state of a run.
type Status int

const (
	StatusRunning Status = iota + 1
	StatusSucceeded
	StatusFailed
	StatusTimeout
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the run has finalized.
func (s Status) Terminal() bool { return s != StatusRunning }

// BranchState tracks one branch through the limiter.
type BranchState int

const (
	BranchQueued BranchState = iota + 1
	BranchRunning
	BranchDone
	BranchSkipped
)

func (s BranchState) String() string {
	switch s {
	case BranchQueued:
		return "queued"
	case BranchRunning:
		return "running"
	case BranchDone:
		return "done"
	case BranchSkipped:
		return "skipped"
	}
	return fmt.Sprintf("branch(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s BranchState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Branch pairs an agent with its result. Late branches finished after the
// run was finalized; their results are kept for inspection only.
type Branch struct {
	Index     int                    `json:"index"`
	Agent     agent.AgentRef         `json:"agent"`
	State     BranchState            `json:"state"`
	Result    *agent.ExecutionResult `json:"result,omitempty"`
	Late      bool                   `json:"late,omitempty"`
	StartedAt time.Time              `json:"started_at,omitzero"`
}

// State is a point-in-time copy of a run.
type State struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_id,omitempty"`
	Task        agent.Task   `json:"task"`
	Policy      Policy       `json:"policy"`
	MaxParallel int          `json:"max_parallel"`
	Status      Status       `json:"status"`
	Branches    []Branch     `json:"branches"`
	Winner      string       `json:"winner,omitempty"`
	Failure     *fault.Error `json:"failure,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitzero"`
}

// Run is one invocation of the executor. It is safe to inspect while the
// run is in progress.
type Run struct {
	mu        sync.Mutex
	st        State
	succeeded int
	failed    int
	winner    int
	settled   chan struct{}
}

func newRun(id string, req Request) *Run {
	r := &Run{
		st: State{
			ID:          id,
			ParentID:    req.ParentID,
			Task:        req.Task,
			Policy:      req.Policy,
			MaxParallel: req.MaxParallel,
			Status:      StatusRunning,
			Branches:    make([]Branch, len(req.Agents)),
			StartedAt:   time.Now(),
		},
		winner:  -1,
		settled: make(chan struct{}),
	}
	for i, ref := range req.Agents {
		r.st.Branches[i] = Branch{Index: i, Agent: ref, State: BranchQueued}
	}
	return r
}

// ID returns the run ID.
func (r *Run) ID() string {
	return r.st.ID
}

// Status returns the current overall status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Status
}

// Failure returns the terminal failure, if any.
func (r *Run) Failure() *fault.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Failure
}

// Winner returns the winning result of an ANY or FIRST_SUCCESS run.
func (r *Run) Winner() (agent.ExecutionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.winner < 0 {
		return agent.ExecutionResult{}, false
	}
	return *r.st.Branches[r.winner].Result, true
}

// Outputs returns the successful on-time results in branch order.
func (r *Run) Outputs() []agent.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.ExecutionResult
	for _, b := range r.st.Branches {
		if b.Result != nil && !b.Late && b.Result.Succeeded() {
			out = append(out, *b.Result)
		}
	}
	return out
}

// Snapshot returns a deep copy of the run state.
func (r *Run) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() State {
	st := r.st
	st.Branches = make([]Branch, len(r.st.Branches))
	for i, b := range r.st.Branches {
		if b.Result != nil {
			res := *b.Result
			b.Result = &res
		}
		st.Branches[i] = b
	}
	return st
}

// Settled is closed once every branch, late ones included, has reported.
func (r *Run) Settled() <-chan struct{} {
	return r.settled
}

func (r *Run) start(i int) (agent.AgentRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &r.st.Branches[i]
	if r.st.Status.Terminal() {
		return b.Agent, false
	}
	b.State = BranchRunning
	b.StartedAt = time.Now()
	return b.Agent, true
}

// record stores an on-time outcome and applies the policy. It returns the
// verdict after this outcome.
func (r *Run) record(o outcome) verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &r.st.Branches[o.index]
	res := o.res
	b.Result = &res
	b.State = BranchDone
	if o.skipped {
		b.State = BranchSkipped
	}
	if res.Succeeded() {
		r.succeeded++
		if r.winner < 0 && r.st.Policy.picksWinner() {
			r.winner = o.index
		}
	} else {
		r.failed++
	}
	v := r.st.Policy.decide(r.succeeded, r.failed, len(r.st.Branches))
	switch v {
	case satisfied:
		r.finishLocked(StatusSucceeded, nil)
		if r.winner >= 0 {
			r.st.Winner = r.st.Branches[r.winner].Agent.ID
		}
	case unreachable:
		r.finishLocked(StatusFailed, fault.Newf(fault.KindPolicyUnsatisfiable, "concurrent.Run",
			"%s policy unreachable: %d/%d branches succeeded, %d failed",
			r.st.Policy, r.succeeded, len(r.st.Branches), r.failed))
	case undecided:
	}
	return v
}

// recordLate stores an outcome that arrived after finalization.
func (r *Run) recordLate(o outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &r.st.Branches[o.index]
	res := o.res
	b.Result = &res
	if o.skipped {
		b.State = BranchSkipped
		return false
	}
	b.State = BranchDone
	b.Late = true
	return true
}

func (r *Run) finish(status Status, failure *fault.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(status, failure)
}

func (r *Run) finishLocked(status Status, failure *fault.Error) {
	if r.st.Status.Terminal() {
		return
	}
	r.st.Status = status
	r.st.Failure = failure
	r.st.FinishedAt = time.Now()
}
