package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
)

// SaveSnapshot upserts the latest snapshot for runID and appends it to the
// run's history in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, runID string, snap checkpoint.Snapshot) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO checkpoints (run_id, kind, data, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id)
		DO UPDATE SET kind = EXCLUDED.kind, data = EXCLUDED.data,
		              saved_at = EXCLUDED.saved_at, revision = checkpoints.revision + 1`,
		runID, snap.Kind, []byte(snap.Data), snap.SavedAt,
	); err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", runID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO checkpoint_history (run_id, kind, data, saved_at)
		VALUES ($1, $2, $3, $4)`,
		runID, snap.Kind, []byte(snap.Data), snap.SavedAt,
	); err != nil {
		return fmt.Errorf("append checkpoint history %s: %w", runID, err)
	}
	return tx.Commit(ctx)
}

// LoadSnapshot returns the latest snapshot for runID.
func (s *Store) LoadSnapshot(ctx context.Context, runID string) (checkpoint.Snapshot, error) {
	snap := checkpoint.Snapshot{RunID: runID}
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT kind, data, saved_at FROM checkpoints WHERE run_id = $1`, runID,
	).Scan(&snap.Kind, &data, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Snapshot{}, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, runID)
	}
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	snap.Data = data
	return snap, nil
}

// History returns up to limit snapshots saved for runID, oldest first.
func (s *Store) History(ctx context.Context, runID string, limit int) ([]checkpoint.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT kind, data, saved_at FROM (
			SELECT id, kind, data, saved_at FROM checkpoint_history
			WHERE run_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint history %s: %w", runID, err)
	}
	defer rows.Close()

	var out []checkpoint.Snapshot
	for rows.Next() {
		snap := checkpoint.Snapshot{RunID: runID}
		var data []byte
		if err := rows.Scan(&snap.Kind, &data, &snap.SavedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		snap.Data = data
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Runs lists the most recently saved runs of kind, newest first. An empty
// kind lists every kind.
func (s *Store) Runs(ctx context.Context, kind string, limit int) ([]checkpoint.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT run_id, kind, saved_at FROM checkpoints
		WHERE $1 = '' OR kind = $1
		ORDER BY saved_at DESC LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Snapshot
	for rows.Next() {
		var snap checkpoint.Snapshot
		if err := rows.Scan(&snap.RunID, &snap.Kind, &snap.SavedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
