package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// ErrUnknownIntervention is returned when resolving an ID nobody waits on.
var ErrUnknownIntervention = errors.New("intervention not found")

// Pending is an intervention waiting for a human decision.
type Pending struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	reply chan Decision
}

type runKey struct{}

// WithRun tags ctx with the run an intervention belongs to.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFrom returns the run ID set by WithRun.
func RunFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Queue is a Hook that parks each intervention until Resolve is called. Kinds
// not listed in the filter are approved immediately.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*Pending
	kinds   map[Kind]bool
	sink    event.Sink
	logger  *zap.Logger
}

// NewQueue creates a queue that parks the given kinds, or all kinds when none
// are given.
func NewQueue(sink event.Sink, logger *zap.Logger, kinds ...Kind) *Queue {
	q := &Queue{
		pending: make(map[string]*Pending),
		kinds:   make(map[Kind]bool),
		sink:    event.OrNop(sink),
		logger:  logger,
	}
	if len(kinds) == 0 {
		kinds = []Kind{PlanReview, ToolApproval, StallResolution}
	}
	for _, k := range kinds {
		q.kinds[k] = true
	}
	return q
}

// Intervene parks the request and waits for Resolve or ctx.
func (q *Queue) Intervene(ctx context.Context, kind Kind, payload any) (Decision, error) {
	if !q.kinds[kind] {
		return Decision{Verdict: Approve}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	p := &Pending{
		ID:        uuid.New().String(),
		RunID:     RunFrom(ctx),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now(),
		reply:     make(chan Decision, 1),
	}
	q.mu.Lock()
	q.pending[p.ID] = p
	q.mu.Unlock()

	q.logger.Info("intervention requested",
		zap.String("id", p.ID),
		zap.String("run", p.RunID),
		zap.Stringer("kind", kind))
	q.sink.Emit(ctx, event.New(event.InterventionRequested, "hook", p.RunID, map[string]any{
		"intervention": p.ID,
		"kind":         kind.String(),
	}))

	select {
	case d := <-p.reply:
		return d, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers d to the intervention with the given ID.
func (q *Queue) Resolve(ctx context.Context, id string, d Decision) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntervention, id)
	}
	if d.Verdict == 0 {
		d.Verdict = Approve
	}
	p.reply <- d
	q.sink.Emit(ctx, event.New(event.InterventionResolved, "hook", p.RunID, map[string]any{
		"intervention": p.ID,
		"verdict":      d.Verdict.String(),
	}))
	return nil
}

// List returns the pending interventions, oldest first.
func (q *Queue) List() []Pending {
	q.mu.Lock()
	out := make([]Pending, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, *p)
	}
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b Pending) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
