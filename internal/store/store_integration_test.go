//go:build integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/testinfra"
	"go.uber.org/zap"
)

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, testinfra.Postgres(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrations must be idempotent: %v", err)
	}

	if _, err := s.LoadSnapshot(ctx, "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}

	type plan struct {
		Revision int `json:"revision"`
	}
	for i := 1; i <= 3; i++ {
		checkpoint.Save(ctx, s, zap.NewNop(), "run-1", "planner", plan{Revision: i})
	}
	got, snap, err := checkpoint.Load[plan](ctx, s, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 3 || snap.Kind != "planner" || time.Since(snap.SavedAt) > time.Minute {
		t.Errorf("loaded %+v / %+v", got, snap)
	}

	hist, err := s.History(ctx, "run-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d, want 2", len(hist))
	}
	var first plan
	if err := json.Unmarshal(hist[0].Data, &first); err != nil || first.Revision != 2 {
		t.Errorf("oldest of the last two = %+v (%v)", first, err)
	}

	runs, err := s.Runs(ctx, "planner", 10)
	if err != nil || len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Errorf("runs = %+v (%v)", runs, err)
	}
}
