package hook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

func TestAutoApprove(t *testing.T) {
	d, err := OrAutoApprove(nil).Intervene(context.Background(), StallResolution, nil)
	if err != nil || d.Verdict != Approve {
		t.Fatalf("got %+v, %v", d, err)
	}
}

func TestVerdictText(t *testing.T) {
	var v Verdict
	if err := json.Unmarshal([]byte(`"modify"`), &v); err != nil || v != Modify {
		t.Fatalf("got %v, %v", v, err)
	}
	if err := v.UnmarshalText([]byte("maybe")); err == nil {
		t.Error("expected error for unknown verdict")
	}
}

func TestQueueParksUntilResolved(t *testing.T) {
	rec := event.NewRecorder(0, 0)
	q := NewQueue(rec, zap.NewNop(), ToolApproval)
	ctx := WithRun(context.Background(), "run-1")

	got := make(chan Decision, 1)
	go func() {
		d, err := q.Intervene(ctx, ToolApproval, map[string]string{"step": "deploy"})
		if err != nil {
			t.Errorf("intervene: %v", err)
		}
		got <- d
	}()

	var pending []Pending
	deadline := time.Now().Add(time.Second)
	for len(pending) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		pending = q.List()
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].RunID != "run-1" || pending[0].Kind != ToolApproval {
		t.Errorf("unexpected pending %+v", pending[0])
	}

	if err := q.Resolve(ctx, pending[0].ID, Decision{Verdict: Abort, Reason: "not today"}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-got:
		if d.Verdict != Abort {
			t.Errorf("got %s, want abort", d.Verdict)
		}
	case <-time.After(time.Second):
		t.Fatal("intervention never resumed")
	}
	if rec.Count("run-1", event.InterventionRequested) != 1 || rec.Count("run-1", event.InterventionResolved) != 1 {
		t.Error("missing intervention events")
	}
	if err := q.Resolve(ctx, pending[0].ID, Decision{}); !errors.Is(err, ErrUnknownIntervention) {
		t.Errorf("second resolve: %v", err)
	}
}

func TestQueueApprovesUnfilteredKinds(t *testing.T) {
	q := NewQueue(nil, zap.NewNop(), ToolApproval)
	d, err := q.Intervene(context.Background(), PlanReview, "plan")
	if err != nil || d.Verdict != Approve {
		t.Fatalf("got %+v, %v", d, err)
	}
}

func TestQueueHonoursContext(t *testing.T) {
	q := NewQueue(nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Intervene(ctx, PlanReview, "plan"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
	if len(q.List()) != 0 {
		t.Error("abandoned intervention should be dropped")
	}
}
