package store

import (
	"context"
	"fmt"
)

// InsertScrapeRun appends a run record. Runs are never updated.
func (s *Store) InsertScrapeRun(ctx context.Context, r *ScrapeRun) error {
	if r.ID == "" {
		r.ID = "run_" + s.newID()
	}
	if r.StartedAt == 0 {
		r.StartedAt = s.nowMs()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO scrape_runs (id, source_id, status, found_count, new_count, changed_count,
		unchanged_count, removed_count, skipped_count, duration_ms, error_message, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceID, r.Status, r.FoundCount, r.NewCount, r.ChangedCount,
		r.UnchangedCount, r.RemovedCount, r.SkippedCount, r.DurationMs, r.Error, r.StartedAt,
	)
	return err
}

// ScrapeRuns returns the most recent runs of a source, newest first.
func (s *Store) ScrapeRuns(ctx context.Context, sourceID string, limit int) ([]*ScrapeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source_id, status, found_count, new_count, changed_count, unchanged_count,
		removed_count, skipped_count, duration_ms, error_message, started_at
		FROM scrape_runs WHERE source_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScrapeRun
	for rows.Next() {
		var r ScrapeRun
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Status, &r.FoundCount, &r.NewCount,
			&r.ChangedCount, &r.UnchangedCount, &r.RemovedCount, &r.SkippedCount,
			&r.DurationMs, &r.Error, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan scrape run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RunStats summarises the last limit runs of a source.
func (s *Store) RunStats(ctx context.Context, sourceID string, limit int) (*RunStats, error) {
	runs, err := s.ScrapeRuns(ctx, sourceID, limit)
	if err != nil {
		return nil, err
	}
	st := &RunStats{Total: len(runs)}
	for _, r := range runs {
		if r.Status == RunSuccess {
			st.Success++
		} else {
			st.Errors++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total)
		st.LastRunAt = runs[0].StartedAt
	}
	return st, nil
}
