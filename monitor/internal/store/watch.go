package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const watchColumns = `id, entity_id, recipient_id, field_path, condition, threshold_pct,
	last_observed_json, last_triggered_at, active, created_at`

// InsertWatch stores a new active watch.
func (s *Store) InsertWatch(ctx context.Context, w *Watch) error {
	if w.ID == "" {
		w.ID = "wat_" + s.newID()
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = s.nowMs()
	}
	w.Active = true
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO watches (`+watchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		w.ID, w.EntityID, w.RecipientID, w.FieldPath, w.Condition, w.ThresholdPct,
		nullableJSON(w.LastObservedValue), w.LastTriggeredAt, w.CreatedAt,
	)
	return err
}

// GetWatch returns a watch by id, or nil.
func (s *Store) GetWatch(ctx context.Context, id string) (*Watch, error) {
	return scanWatch(s.DB.QueryRowContext(ctx,
		`SELECT `+watchColumns+` FROM watches WHERE id = ?`, id))
}

// ListWatches returns active watches, restricted to one entity when
// entityID is non-empty.
func (s *Store) ListWatches(ctx context.Context, entityID string) ([]*Watch, error) {
	q := `SELECT ` + watchColumns + ` FROM watches WHERE active = 1`
	var args []any
	if entityID != "" {
		q += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeactivateWatch stops a watch from being evaluated.
func (s *Store) DeactivateWatch(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE watches SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWatchFired persists the value that triggered a watch and when.
func (s *Store) RecordWatchFired(ctx context.Context, id string, observed []byte, at int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE watches SET last_observed_json = ?, last_triggered_at = ? WHERE id = ?`,
		nullableJSON(observed), at, id)
	if err != nil {
		return fmt.Errorf("store: record watch fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWatch(row rowScanner) (*Watch, error) {
	var w Watch
	var observed sql.NullString
	var active int
	err := row.Scan(&w.ID, &w.EntityID, &w.RecipientID, &w.FieldPath, &w.Condition,
		&w.ThresholdPct, &observed, &w.LastTriggeredAt, &active, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan watch: %w", err)
	}
	if observed.Valid {
		w.LastObservedValue = []byte(observed.String)
	}
	w.Active = active != 0
	return &w, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
