package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const sourceColumns = `id, name, target, instructions, interval_minutes, cron_expr,
	timeout_ms, hash_mode, volatile_json, enabled, last_run_at, last_status,
	last_error, fail_count, created_at, updated_at`

// InsertSource adds a new source. Zero-valued settings get their defaults.
func (s *Store) InsertSource(ctx context.Context, src *Source) error {
	now := s.nowMs()
	if src.CreatedAt == 0 {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	if src.IntervalMinutes <= 0 && src.CronExpr == "" {
		src.IntervalMinutes = 1440
	}
	if src.HashMode == "" {
		src.HashMode = "both"
	}
	if src.LastStatus == "" {
		src.LastStatus = "pending"
	}
	vol, err := json.Marshal(nonNil(src.VolatileFields))
	if err != nil {
		return fmt.Errorf("store: marshal volatile fields: %w", err)
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.Target, src.Instructions, src.IntervalMinutes, src.CronExpr,
		src.TimeoutMs, src.HashMode, string(vol), boolInt(src.Enabled), src.LastRunAt,
		src.LastStatus, src.LastError, src.FailCount, src.CreatedAt, src.UpdatedAt,
	)
	return err
}

// UpdateSource rewrites the mutable settings of a source.
func (s *Store) UpdateSource(ctx context.Context, src *Source) error {
	src.UpdatedAt = s.nowMs()
	vol, err := json.Marshal(nonNil(src.VolatileFields))
	if err != nil {
		return fmt.Errorf("store: marshal volatile fields: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE sources SET name=?, target=?, instructions=?, interval_minutes=?,
		cron_expr=?, timeout_ms=?, hash_mode=?, volatile_json=?, enabled=?, updated_at=?
		WHERE id=?`,
		src.Name, src.Target, src.Instructions, src.IntervalMinutes,
		src.CronExpr, src.TimeoutMs, src.HashMode, string(vol), boolInt(src.Enabled),
		src.UpdatedAt, src.ID,
	)
	return err
}

// GetSource returns a source by id, or nil if it does not exist.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	return scanSource(row)
}

// GetSourceByTarget returns the source watching target with the given
// instructions, or nil.
func (s *Store) GetSourceByTarget(ctx context.Context, target, instructions string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE target = ? AND instructions = ?`,
		target, instructions)
	return scanSource(row)
}

// ListSources returns sources ordered by creation time.
func (s *Store) ListSources(ctx context.Context, enabledOnly bool) ([]*Source, error) {
	q := `SELECT ` + sourceColumns + ` FROM sources`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// DisableSource stops a source from being checked. Its entities and
// history are kept.
func (s *Store) DisableSource(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET enabled = 0, updated_at = ? WHERE id = ?`, s.nowMs(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRunSuccess marks a source as successfully checked at ts.
func (s *Store) RecordRunSuccess(ctx context.Context, id string, ts int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET last_run_at=?, last_status='ok', last_error='',
		fail_count=0, updated_at=? WHERE id=?`, ts, ts, id)
	return err
}

// RecordRunError marks a failed check and bumps the failure counter.
func (s *Store) RecordRunError(ctx context.Context, id string, ts int64, msg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET last_run_at=?, last_status='error', last_error=?,
		fail_count=fail_count+1, updated_at=? WHERE id=?`, ts, msg, ts, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var src Source
	var enabled int
	var vol string
	err := row.Scan(
		&src.ID, &src.Name, &src.Target, &src.Instructions, &src.IntervalMinutes, &src.CronExpr,
		&src.TimeoutMs, &src.HashMode, &vol, &enabled, &src.LastRunAt, &src.LastStatus,
		&src.LastError, &src.FailCount, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Enabled = enabled != 0
	if vol != "" {
		if err := json.Unmarshal([]byte(vol), &src.VolatileFields); err != nil {
			return nil, fmt.Errorf("scan source: volatile fields: %w", err)
		}
	}
	return &src, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
