// Package event carries orchestration state transitions to observers.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a state transition.
type Type string

const (
	RunStarted             Type = "run_started"
	BranchStarted          Type = "branch_started"
	BranchCompleted        Type = "branch_completed"
	BranchLate             Type = "branch_late"
	RunFinished            Type = "run_finished"
	HandoffRequested       Type = "handoff_requested"
	HandoffCompleted       Type = "handoff_completed"
	HandoffRejected        Type = "handoff_rejected"
	HandoffRetry           Type = "handoff_retry"
	SessionAborted         Type = "session_aborted"
	SessionCompleted       Type = "session_completed"
	SpeakerSelected        Type = "speaker_selected"
	SpeakerAnomaly         Type = "speaker_anomaly"
	MessageAppended        Type = "message_appended"
	ChatTerminated         Type = "chat_terminated"
	PlanCreated            Type = "plan_created"
	StepStarted            Type = "step_started"
	StepCompleted          Type = "step_completed"
	PlanRevised            Type = "plan_revised"
	PlanStalled            Type = "plan_stalled"
	PlanCompleted          Type = "plan_completed"
	PlanFailed             Type = "plan_failed"
	InterventionRequested  Type = "intervention_requested"
	InterventionResolved   Type = "intervention_resolved"
	ChildWorkflowLaunched  Type = "child_workflow_launched"
	ChildWorkflowCompleted Type = "child_workflow_completed"
)

// Terminal reports whether the event closes out a run, session, chat, plan or
// child workflow.
func (t Type) Terminal() bool {
	switch t {
	case RunFinished, SessionAborted, SessionCompleted, ChatTerminated,
		PlanCompleted, PlanFailed, ChildWorkflowCompleted:
		return true
	}
	return false
}

// Warning reports whether the event signals a failure or anomaly.
func (t Type) Warning() bool {
	switch t {
	case SpeakerAnomaly, PlanStalled, PlanFailed, SessionAborted, HandoffRetry, BranchLate:
		return true
	}
	return false
}

// Event is one structured state transition.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Component string         `json:"component"`
	RunID     string         `json:"run_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Time      time.Time      `json:"time"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// New stamps an event with an ID and time.
func New(typ Type, component, runID string, attrs map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Component: component,
		RunID:     runID,
		Time:      time.Now(),
		Attrs:     attrs,
	}
}

// Sink receives events. Emit must not block for long; coordinators call it
// inline with their state transitions.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}
