// Package hook defines the intervention points a planner suspends on.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind identifies a suspension point.
type Kind int

const (
	PlanReview Kind = iota + 1
	ToolApproval
	StallResolution
)

func (k Kind) String() string {
	switch k {
	case PlanReview:
		return "plan_review"
	case ToolApproval:
		return "tool_approval"
	case StallResolution:
		return "stall_resolution"
	}
	return fmt.Sprintf("hook(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind resolves a kind from its name.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{PlanReview, ToolApproval, StallResolution} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown hook kind %q", s)
}

// Verdict is the outcome of an intervention.
type Verdict int

const (
	Approve Verdict = iota + 1
	Modify
	Abort
)

func (v Verdict) String() string {
	switch v {
	case Approve:
		return "approve"
	case Modify:
		return "modify"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// MarshalText encodes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText decodes a verdict name.
func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "approve":
		*v = Approve
	case "modify":
		*v = Modify
	case "abort":
		*v = Abort
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// Decision is returned by a hook. Payload carries the replacement for Modify;
// its shape depends on the hook kind.
type Decision struct {
	Verdict Verdict         `json:"verdict"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Hook is called synchronously at a suspension point. It blocks only the plan
// that reached the point.
type Hook interface {
	Intervene(ctx context.Context, kind Kind, payload any) (Decision, error)
}

// Func adapts a function to Hook.
type Func func(ctx context.Context, kind Kind, payload any) (Decision, error)

// Intervene calls f.
func (f Func) Intervene(ctx context.Context, kind Kind, payload any) (Decision, error) {
	return f(ctx, kind, payload)
}

// AutoApprove approves everything.
var AutoApprove Hook = Func(func(context.Context, Kind, any) (Decision, error) {
	return Decision{Verdict: Approve}, nil
})

// OrAutoApprove returns h, or AutoApprove when h is nil.
func OrAutoApprove(h Hook) Hook {
	if h == nil {
		return AutoApprove
	}
	return h
}
