// Package schedule is the time-ordered queue of recurring re-check jobs,
// backed by SQLite.
//
// A job is due when it is active, its next_run_at has passed and it is not
// leased. DueJobs leases due jobs atomically for a visibility window: a
// worker that crashes simply lets the lease expire and the job becomes due
// again. Complete reschedules recurring jobs at now + interval (or the next
// cron tick) and deletes one-shot jobs. Cancel deactivates a job so it never
// fires again, even when it was overdue; only Reactivate turns it back on.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS scheduled_jobs (
//	    id               TEXT PRIMARY KEY,
//	    target_id        TEXT NOT NULL,
//	    kind             TEXT NOT NULL,
//	    interval_minutes INTEGER NOT NULL DEFAULT 0,
//	    cron_expr        TEXT NOT NULL DEFAULT '',
//	    next_run_at      INTEGER NOT NULL,  -- milliseconds since epoch
//	    is_active        INTEGER NOT NULL DEFAULT 1,
//	    lease_until      INTEGER NOT NULL DEFAULT 0,
//	    lease_owner      TEXT NOT NULL DEFAULT '',
//	    attempts         INTEGER NOT NULL DEFAULT 0,
//	    last_run_at      INTEGER,
//	    created_at       INTEGER NOT NULL
//	);
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/idgen"
)

// Job kinds.
const (
	KindSourceCheck = "source_check"
	KindWatchCheck  = "watch_check"
)

var (
	ErrUnknownJob   = errors.New("schedule: unknown job")
	ErrJobCancelled = errors.New("schedule: job cancelled")
	ErrLeased       = errors.New("schedule: job is leased")
	ErrNotLeased    = errors.New("schedule: job is not leased")
	ErrInvalidJob   = errors.New("schedule: invalid job")
)

// Job is a row in the queue.
type Job struct {
	ID              string     `json:"id"`
	TargetID        string     `json:"target_id"`
	Kind            string     `json:"kind"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	CronExpr        string     `json:"cron,omitempty"`
	NextRunAt       time.Time  `json:"next_run_at"`
	Active          bool       `json:"is_active"`
	LeaseUntil      time.Time  `json:"lease_until"`
	LeaseOwner      string     `json:"lease_owner,omitempty"`
	Attempts        int        `json:"attempts"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Recurring reports whether Complete reschedules the job.
func (j *Job) Recurring() bool { return j.IntervalMinutes > 0 || j.CronExpr != "" }

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a leased job stays out of the due set.
	// Default: 5m.
	Visibility time.Duration
	// Owner tags leases taken by this handle. Default: a random id.
	Owner string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Now overrides time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.Owner == "" {
		o.Owner = "worker_" + idgen.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Visibility returns the lease window.
func (q *Q) Visibility() time.Duration { return q.opts.Visibility }

// EnsureTable creates the scheduled_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id               TEXT PRIMARY KEY,
			target_id        TEXT NOT NULL,
			kind             TEXT NOT NULL,
			interval_minutes INTEGER NOT NULL DEFAULT 0,
			cron_expr        TEXT NOT NULL DEFAULT '',
			next_run_at      INTEGER NOT NULL,
			is_active        INTEGER NOT NULL DEFAULT 1,
			lease_until      INTEGER NOT NULL DEFAULT 0,
			lease_owner      TEXT NOT NULL DEFAULT '',
			attempts         INTEGER NOT NULL DEFAULT 0,
			last_run_at      INTEGER,
			created_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs (is_active, next_run_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_target ON scheduled_jobs (target_id, kind);
	`)
	return err
}

const jobColumns = `id, target_id, kind, interval_minutes, cron_expr, next_run_at,
	is_active, lease_until, lease_owner, attempts, last_run_at, created_at`

// Enqueue inserts a job. A zero NextRunAt means now for interval and
// one-shot jobs and the next tick for cron jobs. Enqueueing an existing id
// replaces its schedule; an active job keeps its pending next_run_at. A
// cancelled job stays cancelled (j.Active reports it) until Reactivate.
func (q *Q) Enqueue(ctx context.Context, j *Job) error {
	if j.TargetID == "" || j.Kind == "" {
		return fmt.Errorf("%w: target id and kind are required", ErrInvalidJob)
	}
	if j.IntervalMinutes < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidJob)
	}
	if j.IntervalMinutes > 0 && j.CronExpr != "" {
		return fmt.Errorf("%w: interval and cron are exclusive", ErrInvalidJob)
	}
	now := q.opts.Now()
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
		if j.CronExpr != "" {
			next, err := NextTick(j.CronExpr, now)
			if err != nil {
				return err
			}
			j.NextRunAt = next
		}
	} else if j.CronExpr != "" {
		if _, err := ParseCron(j.CronExpr); err != nil {
			return err
		}
	}
	if j.ID == "" {
		j.ID = "job_" + idgen.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	var active int
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, '', 0, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_id = excluded.target_id,
			kind = excluded.kind,
			interval_minutes = excluded.interval_minutes,
			cron_expr = excluded.cron_expr,
			next_run_at = CASE WHEN scheduled_jobs.is_active = 1
				AND scheduled_jobs.interval_minutes = excluded.interval_minutes
				AND scheduled_jobs.cron_expr = excluded.cron_expr
				THEN scheduled_jobs.next_run_at ELSE excluded.next_run_at END
		RETURNING is_active`,
		j.ID, j.TargetID, j.Kind, j.IntervalMinutes, j.CronExpr, j.NextRunAt.UnixMilli(),
		j.CreatedAt.UnixMilli(),
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("schedule: enqueue %s: %w", j.ID, err)
	}
	j.Active = active != 0
	return nil
}

// DueJobs atomically leases up to limit due jobs, oldest next_run_at first.
// Leased jobs leave the due set until Complete, Release or lease expiry.
// It returns an empty (non-nil) slice when nothing is due.
func (q *Q) DueJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := q.opts.Now()
	until := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE scheduled_jobs
		SET lease_until = ?, lease_owner = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE is_active = 1 AND next_run_at <= ? AND lease_until <= ?
			ORDER BY next_run_at ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		until, q.opts.Owner, now.UnixMilli(), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: lease: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].NextRunAt.Before(jobs[b].NextRunAt) })
	return jobs, nil
}

// Lease takes the lease of one active job regardless of its next_run_at.
// It fails with ErrLeased when another holder has it.
func (q *Q) Lease(ctx context.Context, id string) (*Job, error) {
	now := q.opts.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE scheduled_jobs
		SET lease_until = ?, lease_owner = ?, attempts = attempts + 1
		WHERE id = ? AND is_active = 1 AND lease_until <= ?
		RETURNING `+jobColumns,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Owner, id, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: lease %s: %w", id, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 1 {
		return jobs[0], nil
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Active {
		return nil, ErrJobCancelled
	}
	return nil, ErrLeased
}

// Complete finishes a run. Recurring jobs get next_run_at = now + interval
// or the next cron tick and their lease cleared; one-shot jobs are deleted.
// A cancelled job is left untouched and ErrJobCancelled is returned. A job
// whose lease passed to another owner is left untouched and ErrNotLeased is
// returned.
func (q *Q) Complete(ctx context.Context, id string) error {
	now := q.opts.Now()
	return dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if j == nil {
			return ErrUnknownJob
		}
		if !j.Active {
			return ErrJobCancelled
		}
		if j.LeaseOwner != q.opts.Owner {
			return fmt.Errorf("%w: held by %q", ErrNotLeased, j.LeaseOwner)
		}
		if !j.Recurring() {
			_, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
			return err
		}
		next, err := NextRun(j, now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE scheduled_jobs
			SET next_run_at = ?, lease_until = 0, lease_owner = '', attempts = 0, last_run_at = ?
			WHERE id = ? AND is_active = 1 AND lease_owner = ?`,
			next.UnixMilli(), now.UnixMilli(), id, q.opts.Owner)
		return err
	})
}

// Release gives a lease held by this handle back without rescheduling,
// making the job due again if its next_run_at has passed.
func (q *Q) Release(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, q.db,
		`UPDATE scheduled_jobs SET lease_until = 0, lease_owner = ''
		WHERE id = ? AND lease_owner = ?`, id, q.opts.Owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotLeased
}

// Reactivate turns a cancelled job back on, due now (next tick for cron
// jobs). Reactivating an active job is a no-op. Enqueue never revives a
// cancelled job.
func (q *Q) Reactivate(ctx context.Context, id string) error {
	j, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Active {
		return nil
	}
	now := q.opts.Now()
	next := now
	if j.CronExpr != "" {
		if next, err = NextTick(j.CronExpr, now); err != nil {
			return err
		}
	}
	_, err = dbopen.Exec(ctx, q.db,
		`UPDATE scheduled_jobs SET is_active = 1, next_run_at = ?, lease_until = 0, lease_owner = '', attempts = 0
		WHERE id = ? AND is_active = 0`, next.UnixMilli(), id)
	return err
}

// Cancel deactivates a job. It is never returned by DueJobs again, even if
// it was overdue. Cancelling twice returns ErrJobCancelled.
func (q *Q) Cancel(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, q.db,
		`UPDATE scheduled_jobs SET is_active = 0, lease_until = 0, lease_owner = ''
		WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrJobCancelled
}

// Extend pushes the lease of a job held by this handle forward (heartbeat).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	now := q.opts.Now()
	res, err := dbopen.Exec(ctx, q.db,
		`UPDATE scheduled_jobs SET lease_until = ?
		WHERE id = ? AND is_active = 1 AND lease_owner = ? AND lease_until > ?`,
		now.Add(extra).UnixMilli(), id, q.opts.Owner, now.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Active {
		return ErrJobCancelled
	}
	return ErrNotLeased
}

// Hold heartbeats the lease of a job held by this handle, extending it at
// half the visibility window until the returned stop func is called.
func (q *Q) Hold(id string) (stop func()) {
	vis := q.opts.Visibility
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(vis / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := q.Extend(context.Background(), id, vis); err != nil {
					q.opts.Logger.Warn("schedule: lease extend failed", "job_id", id, "error", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Get returns a job by id.
func (q *Q) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrUnknownJob
	}
	return j, nil
}

// Filter narrows List.
type Filter struct {
	TargetID   string
	Kind       string
	ActiveOnly bool
}

// List returns jobs ordered by next_run_at.
func (q *Q) List(ctx context.Context, f Filter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE 1=1`
	var args []any
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY next_run_at, id`
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var next, lease, created int64
	var lastRun sql.NullInt64
	var active int
	err := row.Scan(&j.ID, &j.TargetID, &j.Kind, &j.IntervalMinutes, &j.CronExpr, &next,
		&active, &lease, &j.LeaseOwner, &j.Attempts, &lastRun, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.NextRunAt = time.UnixMilli(next)
	j.LeaseUntil = time.UnixMilli(lease)
	j.CreatedAt = time.UnixMilli(created)
	j.Active = active != 0
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		j.LastRunAt = &t
	}
	return &j, nil
}
