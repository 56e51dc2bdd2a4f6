package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/vigie/monitor/internal/fieldpath"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/monitor/internal/trend"
	"github.com/hazyhaar/vigie/notify"
	"github.com/hazyhaar/vigie/schedule"
)

const (
	defaultSnapshots = 10
	maxSnapshots     = 500
	defaultRuns      = 50
	maxRuns          = 1000
)

// EntityView is an entity with its most recent snapshots and, when a field
// was requested, the trend of that field.
type EntityView struct {
	Entity    *store.Entity     `json:"entity"`
	Snapshots []*store.Snapshot `json:"snapshots"`
	Field     string            `json:"field,omitempty"`
	Trend     *trend.Stats      `json:"trend,omitempty"`
}

// RunHistory is the recent scrape runs of a source with their statistics.
type RunHistory struct {
	Runs  []*store.ScrapeRun `json:"runs"`
	Stats *store.RunStats    `json:"stats"`
}

func clamp(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// GetEntity returns an entity with its last n snapshots, newest first. When
// field is a non-empty path, the trend of that numeric field over the full
// history is included.
func (svc *Service) GetEntity(ctx context.Context, id string, n int, field string) (*EntityView, error) {
	var path fieldpath.Path
	if field != "" {
		p, err := fieldpath.Parse(field)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		path = p
	}

	e, err := svc.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	snaps, err := svc.store.LatestSnapshots(ctx, id, clamp(n, defaultSnapshots, maxSnapshots))
	if err != nil {
		return nil, err
	}
	view := &EntityView{Entity: e, Snapshots: snaps}

	if field != "" {
		hist, err := svc.store.GetHistory(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		stats := trend.FromSnapshots(hist, path, svc.now())
		view.Field, view.Trend = field, &stats
	}
	return view, nil
}

// History returns the snapshots of an entity captured in the last
// sinceDays days, oldest first. sinceDays <= 0 returns everything.
func (svc *Service) History(ctx context.Context, id string, sinceDays int) ([]*store.Snapshot, error) {
	e, err := svc.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return svc.store.GetHistory(ctx, id, sinceDays)
}

// ListEntities returns the entities of a source, optionally filtered by status.
func (svc *Service) ListEntities(ctx context.Context, sourceID, status string) ([]*store.Entity, error) {
	switch status {
	case "", store.StatusActive, store.StatusRemoved:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if _, err := svc.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	return svc.store.ListEntities(ctx, sourceID, status)
}

// RunHistory returns the last limit scrape runs of a source, newest first,
// and their success statistics.
func (svc *Service) RunHistory(ctx context.Context, sourceID string, limit int) (*RunHistory, error) {
	if _, err := svc.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	limit = clamp(limit, defaultRuns, maxRuns)
	runs, err := svc.store.ScrapeRuns(ctx, sourceID, limit)
	if err != nil {
		return nil, err
	}
	stats, err := svc.store.RunStats(ctx, sourceID, limit)
	if err != nil {
		return nil, err
	}
	return &RunHistory{Runs: runs, Stats: stats}, nil
}

// --- Watches ---

// ListWatches returns active watches, restricted to one entity when
// entityID is non-empty.
func (svc *Service) ListWatches(ctx context.Context, entityID string) ([]*store.Watch, error) {
	return svc.store.ListWatches(ctx, entityID)
}

// CreateWatch registers a watch on an existing entity. The watched field's
// current value, when present, is stored as the last observed value.
func (svc *Service) CreateWatch(ctx context.Context, w *store.Watch) error {
	if err := validateWatchInput(w); err != nil {
		return err
	}
	e, err := svc.store.GetEntity(ctx, w.EntityID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: entity %s", ErrNotFound, w.EntityID)
	}

	w.Active = true
	w.LastObservedValue = nil
	w.LastTriggeredAt = nil
	if snap, err := svc.store.LatestSnapshot(ctx, e.ID); err == nil && snap != nil {
		if v, err := snap.Decode(); err == nil {
			if cur, ok := fieldpath.MustParse(w.FieldPath).Resolve(v); ok {
				w.LastObservedValue, _ = json.Marshal(cur)
			}
		}
	}

	if err := svc.store.InsertWatch(ctx, w); err != nil {
		return fmt.Errorf("monitor: insert watch: %w", err)
	}
	svc.logger.Info("monitor: watch created", "watch_id", w.ID, "entity_id", w.EntityID,
		"condition", w.Condition, "path", w.FieldPath)
	return nil
}

// CancelWatch deactivates a watch and cancels its watch_check jobs.
func (svc *Service) CancelWatch(ctx context.Context, id string) error {
	if err := svc.store.DeactivateWatch(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: watch %s", ErrNotFound, id)
		}
		return err
	}
	jobs, err := svc.queue.List(ctx, schedule.Filter{TargetID: id, Kind: schedule.KindWatchCheck, ActiveOnly: true})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := svc.cancelJob(ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- Jobs ---

// ListJobs returns scheduled jobs matching f.
func (svc *Service) ListJobs(ctx context.Context, f schedule.Filter) ([]*schedule.Job, error) {
	return svc.queue.List(ctx, f)
}

// CreateJob enqueues a job on an existing source or watch. A job with
// neither interval nor cron runs once.
func (svc *Service) CreateJob(ctx context.Context, j *schedule.Job) error {
	switch j.Kind {
	case schedule.KindSourceCheck:
		if _, err := svc.GetSource(ctx, j.TargetID); err != nil {
			return err
		}
	case schedule.KindWatchCheck:
		w, err := svc.store.GetWatch(ctx, j.TargetID)
		if err != nil {
			return err
		}
		if w == nil || !w.Active {
			return fmt.Errorf("%w: watch %s", ErrNotFound, j.TargetID)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, j.Kind)
	}
	if j.IntervalMinutes < 0 || j.IntervalMinutes > maxIntervalMinutes {
		return fmt.Errorf("%w: interval_minutes must be between 0 and %d", ErrInvalidInput, maxIntervalMinutes)
	}
	if err := svc.queue.Enqueue(ctx, j); err != nil {
		if errors.Is(err, schedule.ErrInvalidJob) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return err
	}
	return nil
}

// CancelJob deactivates a job. Cancelling a cancelled job is a no-op.
func (svc *Service) CancelJob(ctx context.Context, id string) error {
	err := svc.queue.Cancel(ctx, id)
	switch {
	case err == nil, errors.Is(err, schedule.ErrJobCancelled):
		return nil
	case errors.Is(err, schedule.ErrUnknownJob):
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return err
}

// ResumeJob reactivates a cancelled job. Its next run is now, or the next
// tick for cron jobs. Resuming an active job is a no-op.
func (svc *Service) ResumeJob(ctx context.Context, id string) error {
	j, err := svc.queue.Get(ctx, id)
	if errors.Is(err, schedule.ErrUnknownJob) {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if j.Kind == schedule.KindSourceCheck {
		src, err := svc.GetSource(ctx, j.TargetID)
		if err != nil {
			return err
		}
		if !src.Enabled {
			return fmt.Errorf("%w: source %s is disabled", ErrInvalidInput, src.ID)
		}
	}
	return svc.queue.Reactivate(ctx, id)
}

// --- Preferences ---

// PutPreference replaces the delivery routes of a recipient.
func (svc *Service) PutPreference(ctx context.Context, p *notify.Preference) error {
	if p.RecipientID == "" {
		return fmt.Errorf("%w: recipient_id is required", ErrInvalidInput)
	}
	if len(p.RecipientID) > maxRecipientLen {
		return fmt.Errorf("%w: recipient_id exceeds %d characters", ErrInvalidInput, maxRecipientLen)
	}
	for i, r := range p.Routes {
		if r.Channel == "" {
			return fmt.Errorf("%w: route %d: channel is required", ErrInvalidInput, i)
		}
	}
	return svc.store.PutPreference(ctx, p)
}

// GetPreference returns the routes of a recipient or ErrNotFound.
func (svc *Service) GetPreference(ctx context.Context, recipientID string) (*notify.Preference, error) {
	p, err := svc.store.GetPreference(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: preference %s", ErrNotFound, recipientID)
	}
	return p, nil
}
