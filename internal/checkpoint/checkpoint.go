// Package checkpoint persists coordinator state between transitions so a run
// can be recovered after a crash.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no snapshot exists for a run.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one saved state of a run, session, chat or plan.
type Snapshot struct {
	RunID   string          `json:"run_id"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store saves and loads the latest snapshot per run.
type Store interface {
	SaveSnapshot(ctx context.Context, runID string, snap Snapshot) error
	LoadSnapshot(ctx context.Context, runID string) (Snapshot, error)
}

// Save encodes state and writes it to store. A nil store disables
// checkpointing; write failures are logged and otherwise ignored so a broken
// store never stops a run.
func Save(ctx context.Context, store Store, logger *zap.Logger, runID, kind string, state any) {
	if store == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		logger.Warn("encode checkpoint", zap.String("run", runID), zap.String("kind", kind), zap.Error(err))
		return
	}
	snap := Snapshot{RunID: runID, Kind: kind, Data: data, SavedAt: time.Now()}
	if err := store.SaveSnapshot(ctx, runID, snap); err != nil {
		logger.Warn("save checkpoint", zap.String("run", runID), zap.String("kind", kind), zap.Error(err))
	}
}

// Load reads the snapshot for runID and decodes it into a T.
func Load[T any](ctx context.Context, store Store, runID string) (T, Snapshot, error) {
	var v T
	if store == nil {
		return v, Snapshot{}, ErrNotFound
	}
	snap, err := store.LoadSnapshot(ctx, runID)
	if err != nil {
		return v, Snapshot{}, err
	}
	if err := json.Unmarshal(snap.Data, &v); err != nil {
		return v, snap, fmt.Errorf("decode %s snapshot %s: %w", snap.Kind, runID, err)
	}
	return v, snap, nil
}

// Memory keeps snapshots in a map.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
	saves int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]Snapshot)}
}

// SaveSnapshot replaces the snapshot for runID.
func (m *Memory) SaveSnapshot(_ context.Context, runID string, snap Snapshot) error {
	snap.Data = append(json.RawMessage(nil), snap.Data...)
	m.mu.Lock()
	m.snaps[runID] = snap
	m.saves++
	m.mu.Unlock()
	return nil
}

// LoadSnapshot returns the latest snapshot for runID.
func (m *Memory) LoadSnapshot(_ context.Context, runID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[runID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return snap, nil
}

// Saves returns how many snapshots were written.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
