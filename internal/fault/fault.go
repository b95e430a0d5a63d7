// Package fault defines the closed error taxonomy shared by every coordinator.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a terminal failure.
type Kind int

const (
	KindAgentUnreachable Kind = iota + 1
	KindPolicyUnsatisfiable
	KindInvalidTransition
	KindStallExceeded
	KindNestingDepthExceeded
	KindTimeout
	KindCancelled
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindAgentUnreachable:
		return "agent_unreachable"
	case KindPolicyUnsatisfiable:
		return "policy_unsatisfiable"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindStallExceeded:
		return "stall_exceeded"
	case KindNestingDepthExceeded:
		return "nesting_depth_exceeded"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindAborted:
		return "aborted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether errors of this kind propagate to the caller as hard
// errors. Everything else is captured into the run, session, chat or plan.
func (k Kind) Fatal() bool {
	switch k {
	case KindInvalidTransition, KindNestingDepthExceeded, KindTimeout:
		return true
	case KindAgentUnreachable, KindPolicyUnsatisfiable, KindStallExceeded,
		KindCancelled, KindAborted:
		return false
	}
	panic(fmt.Sprintf("fault: unhandled kind %d", int(k)))
}

// Retryable reports whether the failure may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindAgentUnreachable
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Facts and History are populated for plans so
// a caller can diagnose or resume without replaying the run.
type Error struct {
	Kind    Kind     `json:"kind"`
	Op      string   `json:"op,omitempty"`
	Reason  string   `json:"reason"`
	Facts   []string `json:"facts,omitempty"`
	History []string `json:"history,omitempty"`
	Err     error    `json:"-"`
}

// Sentinels for errors.Is matching by kind.
var (
	ErrAgentUnreachable     = &Error{Kind: KindAgentUnreachable}
	ErrPolicyUnsatisfiable  = &Error{Kind: KindPolicyUnsatisfiable}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrStallExceeded        = &Error{Kind: KindStallExceeded}
	ErrNestingDepthExceeded = &Error{Kind: KindNestingDepthExceeded}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrCancelled            = &Error{Kind: KindCancelled}
	ErrAborted              = &Error{Kind: KindAborted}
)

// New creates a classified error.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Newf creates a classified error with a formatted reason.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Reason: err.Error(), Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithHistory attaches accumulated facts and history and returns e.
func (e *Error) WithHistory(facts, history []string) *Error {
	e.Facts = append([]string(nil), facts...)
	e.History = append([]string(nil), history...)
	return e
}

// KindOf extracts the kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err must propagate as a hard error.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Fatal()
}
