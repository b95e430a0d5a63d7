package concurrent

import "fmt"

// Policy decides when a run is finished.
type Policy int

const (
	// PolicyAll waits for every branch and fails as soon as one fails.
	PolicyAll Policy = iota + 1
	// PolicyAny succeeds on the first success and cancels the rest.
	PolicyAny
	// PolicyFirstSuccess is PolicyAny without per-branch failure logging.
	PolicyFirstSuccess
	// PolicyMajority succeeds once Quorum(n) branches succeed.
	PolicyMajority
)

func (p Policy) String() string {
	switch p {
	case PolicyAll:
		return "all"
	case PolicyAny:
		return "any"
	case PolicyFirstSuccess:
		return "first_success"
	case PolicyMajority:
		return "majority"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// MarshalText encodes the policy by name.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a policy name.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePolicy maps a name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "all", "ALL":
		return PolicyAll, nil
	case "any", "ANY":
		return PolicyAny, nil
	case "first_success", "FIRST_SUCCESS":
		return PolicyFirstSuccess, nil
	case "majority", "MAJORITY":
		return PolicyMajority, nil
	}
	return 0, fmt.Errorf("unknown completion policy %q", s)
}

// Quorum returns how many successes PolicyMajority needs out of n:
// ceil(n/2)+1, capped at n so that one or two branches can still succeed.
func Quorum(n int) int {
	return min(n, (n+1)/2+1)
}

// verdict is the policy's reading of the current tallies.
type verdict int

const (
	undecided verdict = iota
	satisfied
	unreachable
)

// decide evaluates p after a result arrives. succeeded and failed count
// terminal branches; n is the total.
func (p Policy) decide(succeeded, failed, n int) verdict {
	pending := n - succeeded - failed
	switch p {
	case PolicyAll:
		if failed > 0 {
			return unreachable
		}
		if succeeded == n {
			return satisfied
		}
	case PolicyAny, PolicyFirstSuccess:
		if succeeded > 0 {
			return satisfied
		}
		if pending == 0 {
			return unreachable
		}
	case PolicyMajority:
		need := Quorum(n)
		if succeeded >= need {
			return satisfied
		}
		if succeeded+pending < need {
			return unreachable
		}
	default:
		panic(fmt.Sprintf("concurrent: unhandled policy %d", int(p)))
	}
	return undecided
}

// picksWinner reports whether the first success is the run's winner.
func (p Policy) picksWinner() bool {
	return p == PolicyAny || p == PolicyFirstSuccess
}

// reportsFailures reports whether individual branch failures are logged.
func (p Policy) reportsFailures() bool {
	return p != PolicyFirstSuccess
}
