package handoff

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"golang.org/x/sync/semaphore"
)

// ErrRevoked is the cancellation cause of a step whose owner lost the session.
var ErrRevoked = errors.New("ownership revoked")

// Policy controls how ownership moves.
type Policy int

const (
	// PolicyImmediate revokes the current owner as soon as the target is
	// confirmed reachable; in-flight steps are cancelled.
	PolicyImmediate Policy = iota + 1
	// PolicyGraceful lets in-flight steps finish before ownership moves.
	PolicyGraceful
	// PolicyConditional transfers only when the session predicate holds at
	// transfer time.
	PolicyConditional
)

func (p Policy) String() string {
	switch p {
	case PolicyImmediate:
		return "immediate"
	case PolicyGraceful:
		return "graceful"
	case PolicyConditional:
		return "conditional"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// MarshalText encodes the policy by name.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a policy name.
func (p *Policy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "immediate", "IMMEDIATE":
		*p = PolicyImmediate
	case "graceful", "GRACEFUL":
		*p = PolicyGraceful
	case "conditional", "CONDITIONAL":
		*p = PolicyConditional
	default:
		return fmt.Errorf("unknown handoff policy %q", b)
	}
	return nil
}

// Status is the session state.
type Status int

const (
	StatusActive Status = iota + 1
	StatusTransferring
	StatusCompleted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusTransferring:
		return "transferring"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

var transitions = map[Status][]Status{
	StatusActive:       {StatusTransferring, StatusCompleted, StatusAborted},
	StatusTransferring: {StatusActive, StatusAborted},
}

func checkTransition(from, to Status) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return fault.Newf(fault.KindInvalidTransition, "handoff", "%s -> %s", from, to)
}

// RecordStatus is the outcome of one handoff request.
type RecordStatus int

const (
	RecordCompleted RecordStatus = iota + 1
	RecordRejected
	RecordFailed
)

func (s RecordStatus) String() string {
	switch s {
	case RecordCompleted:
		return "completed"
	case RecordRejected:
		return "rejected"
	case RecordFailed:
		return "failed"
	}
	return fmt.Sprintf("record(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s RecordStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Record is one entry of the handoff history.
type Record struct {
	ID       string       `json:"id"`
	From     string       `json:"from"`
	To       string       `json:"to"`
	Reason   string       `json:"reason"`
	Status   RecordStatus `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Attempts int          `json:"attempts,omitempty"`
	At       time.Time    `json:"at"`
}

// Predicate decides a CONDITIONAL transfer from the session's task state.
type Predicate func(state map[string]string) bool

// StateEquals is a predicate requiring state[key] == value.
func StateEquals(key, value string) Predicate {
	return func(state map[string]string) bool { return state[key] == value }
}

// View is a point-in-time copy of a session.
type View struct {
	ID        string            `json:"id"`
	Task      agent.Task        `json:"task"`
	Owner     agent.AgentRef    `json:"owner"`
	Policy    Policy            `json:"policy"`
	Status    Status            `json:"status"`
	History   []Record          `json:"history"`
	TaskState map[string]string `json:"task_state,omitempty"`
	Steps     int               `json:"steps_in_flight"`
}

type step struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Session tracks who owns a task. Handoff requests are serialized by a FIFO
// lock; mu guards the fields for observation and is never held across an
// agent call.
type Session struct {
	lock *semaphore.Weighted

	mu        sync.Mutex
	id        string
	task      agent.Task
	owner     agent.AgentRef
	policy    Policy
	predicate Predicate
	status    Status
	history   []Record
	taskState map[string]string
	steps     map[int]*step
	nextStep  int

	aborted context.Context
	abort   context.CancelFunc
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPredicate sets the CONDITIONAL predicate.
func WithPredicate(p Predicate) SessionOption { return func(s *Session) { s.predicate = p } }

// WithID sets the session ID.
func WithID(id string) SessionOption { return func(s *Session) { s.id = id } }

// WithTaskState seeds the task state.
func WithTaskState(state map[string]string) SessionOption {
	return func(s *Session) { maps.Copy(s.taskState, state) }
}

// NewSession creates an active session owned by owner.
func NewSession(task agent.Task, owner agent.AgentRef, policy Policy, opts ...SessionOption) (*Session, error) {
	if owner.ID == "" {
		return nil, errors.New("handoff session needs an owner")
	}
	if policy < PolicyImmediate || policy > PolicyConditional {
		return nil, fmt.Errorf("unknown handoff policy %d", int(policy))
	}
	s := &Session{
		lock:      semaphore.NewWeighted(1),
		id:        uuid.New().String(),
		task:      task,
		owner:     owner,
		policy:    policy,
		status:    StatusActive,
		taskState: make(map[string]string),
		steps:     make(map[int]*step),
	}
	for _, o := range opts {
		o(s)
	}
	if policy == PolicyConditional && s.predicate == nil {
		return nil, errors.New("conditional handoff needs a predicate")
	}
	s.aborted, s.abort = context.WithCancel(context.Background())
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Owner returns the current owner.
func (s *Session) Owner() agent.AgentRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// History returns a copy of the handoff records.
func (s *Session) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// SetTaskState sets one key of the state CONDITIONAL predicates inspect.
func (s *Session) SetTaskState(key, value string) {
	s.mu.Lock()
	s.taskState[key] = value
	s.mu.Unlock()
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	return View{
		ID:        s.id,
		Task:      s.task,
		Owner:     s.owner,
		Policy:    s.policy,
		Status:    s.status,
		History:   slices.Clone(s.history),
		TaskState: maps.Clone(s.taskState),
		Steps:     len(s.steps),
	}
}

// BeginStep registers an in-flight step by the owner. The returned context
// is cancelled with ErrRevoked if an IMMEDIATE handoff takes the session
// away; done must be called when the step ends.
func (s *Session) BeginStep(ctx context.Context, agentID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return nil, nil, fault.Newf(fault.KindInvalidTransition, "handoff.BeginStep",
			"session %s is %s", s.id, s.status)
	}
	if agentID != s.owner.ID {
		return nil, nil, fault.Newf(fault.KindInvalidTransition, "handoff.BeginStep",
			"%s is not the owner of session %s (owner %s)", agentID, s.id, s.owner.ID)
	}
	stepCtx, cancel := context.WithCancelCause(ctx)
	id := s.nextStep
	s.nextStep++
	st := &step{cancel: cancel, done: make(chan struct{})}
	s.steps[id] = st
	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.steps, id)
			s.mu.Unlock()
			cancel(nil)
			close(st.done)
		})
	}
	return stepCtx, done, nil
}

// transition moves the session to next, returning the prior state.
func (s *Session) transition(next Status) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.viewLocked()
	if err := checkTransition(s.status, next); err != nil {
		return before, err
	}
	s.status = next
	return before, nil
}

// commit records the outcome of a transfer and returns to active, moving
// ownership when to is non-nil.
func (s *Session) commit(rec Record, to *agent.AgentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if s.status != StatusTransferring {
		return fault.Newf(fault.KindAborted, "handoff", "session %s was %s during transfer", s.id, s.status)
	}
	if to != nil {
		s.owner = *to
	}
	s.status = StatusActive
	return nil
}

// terminate moves the session to a terminal state and revokes every step.
func (s *Session) terminate(next Status, rec *Record) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.viewLocked()
	if err := checkTransition(s.status, next); err != nil {
		return before, err
	}
	if rec != nil {
		s.history = append(s.history, *rec)
	}
	s.status = next
	s.revokeLocked()
	if next == StatusAborted {
		s.abort()
	}
	return before, nil
}

func (s *Session) predicateHolds() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predicate(maps.Clone(s.taskState))
}

func (s *Session) revokeLocked() {
	for _, st := range s.steps {
		st.cancel(ErrRevoked)
	}
}

func (s *Session) revoke() {
	s.mu.Lock()
	s.revokeLocked()
	s.mu.Unlock()
}

// awaitSteps blocks until every step registered so far has ended.
func (s *Session) awaitSteps(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]chan struct{}, 0, len(s.steps))
	for _, st := range s.steps {
		pending = append(pending, st.done)
	}
	s.mu.Unlock()
	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
