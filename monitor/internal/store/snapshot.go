package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const snapshotColumns = `id, entity_id, hash, value_json, captured_at`

// GetHistory returns the snapshots of an entity captured within the last
// sinceDays days, oldest first. sinceDays <= 0 returns the whole history.
func (s *Store) GetHistory(ctx context.Context, entityID string, sinceDays int) ([]*Snapshot, error) {
	var since int64
	if sinceDays > 0 {
		since = s.now().Add(-time.Duration(sinceDays) * 24 * time.Hour).UnixMilli()
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE entity_id = ? AND captured_at >= ?
		ORDER BY captured_at ASC, rowid ASC`, entityID, since)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

// LatestSnapshots returns up to n snapshots of an entity, newest first.
func (s *Store) LatestSnapshots(ctx context.Context, entityID string, n int) ([]*Snapshot, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE entity_id = ?
		ORDER BY captured_at DESC, rowid DESC LIMIT ?`, entityID, n)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

// PruneSnapshots deletes snapshots captured before olderThan, always keeping
// the newest snapshot of each entity.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM snapshots
		WHERE captured_at < ?
		  AND EXISTS (
			SELECT 1 FROM snapshots newer
			WHERE newer.entity_id = snapshots.entity_id
			  AND (newer.captured_at > snapshots.captured_at
			       OR (newer.captured_at = snapshots.captured_at AND newer.rowid > snapshots.rowid))
		  )`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func latestSnapshot(ctx context.Context, q queryer, entityID string) (*Snapshot, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE entity_id = ?
		ORDER BY captured_at DESC, rowid DESC LIMIT 1`, entityID)
	return scanSnapshot(row)
}

// LatestSnapshot returns the newest snapshot of an entity, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	return latestSnapshot(ctx, s.DB, entityID)
}

func collectSnapshots(rows *sql.Rows) ([]*Snapshot, error) {
	defer rows.Close()
	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var value string
	if err := row.Scan(&snap.ID, &snap.EntityID, &snap.Hash, &value, &snap.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Value = []byte(value)
	return &snap, nil
}
