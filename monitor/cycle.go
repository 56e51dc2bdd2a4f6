package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vigie/monitor/internal/alert"
	"github.com/hazyhaar/vigie/monitor/internal/delta"
	"github.com/hazyhaar/vigie/monitor/internal/extract"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/schedule"
)

// CheckResult is the outcome of one source check.
type CheckResult struct {
	Run   *store.ScrapeRun `json:"run"`
	Batch *BatchResult     `json:"batch,omitempty"`
	Fired int              `json:"fired"`
}

// handleJob is the schedule.Handler for every job kind.
func (svc *Service) handleJob(ctx context.Context, j *schedule.Job) error {
	switch j.Kind {
	case schedule.KindSourceCheck:
		_, err := svc.checkSource(ctx, j.TargetID)
		if errors.Is(err, ErrNotFound) {
			svc.logger.Warn("cycle: job for missing source cancelled", "job_id", j.ID, "source_id", j.TargetID)
			return svc.queue.Cancel(context.WithoutCancel(ctx), j.ID)
		}
		return err
	case schedule.KindWatchCheck:
		err := svc.checkWatch(ctx, j.TargetID)
		if errors.Is(err, ErrNotFound) {
			return svc.queue.Cancel(context.WithoutCancel(ctx), j.ID)
		}
		return err
	default:
		return fmt.Errorf("cycle: unknown job kind %q", j.Kind)
	}
}

// checkSource runs one full cycle for a source: fetch, classify, record the
// run, evaluate watches on changed entities and dispatch what fired. A
// fetch failure is recorded and returned as *FetchError; it never touches
// entities, so other sources and later runs are unaffected.
func (svc *Service) checkSource(ctx context.Context, sourceID string) (*CheckResult, error) {
	src, err := svc.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("cycle: load source %s: %w", sourceID, err)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}
	log := svc.logger.With("source_id", src.ID)
	if !src.Enabled {
		log.Debug("cycle: source disabled, skipped")
		return &CheckResult{}, nil
	}

	// Writes below outlive a runner shutdown so a finished fetch is never
	// half recorded.
	wctx := context.WithoutCancel(ctx)
	started := svc.now()
	run := &store.ScrapeRun{SourceID: src.ID, StartedAt: started.UnixMilli()}

	res, err := svc.fetch(ctx, src)
	if err == nil && len(res.Items) == 0 {
		err = ErrNoRecords
	}
	if err != nil {
		ferr := &FetchError{SourceID: src.ID, Err: err}
		if res != nil {
			run.FoundCount, run.SkippedCount = res.Dropped, res.Dropped
		}
		svc.finishRun(wctx, src, run, started, ferr)
		log.Warn("cycle: fetch failed", "error", err, "duration", time.Duration(run.DurationMs)*time.Millisecond)
		return &CheckResult{Run: run}, ferr
	}

	batch, err := svc.classifier.Apply(wctx, src, res.Items, started)
	if err != nil {
		svc.finishRun(wctx, src, run, started, err)
		log.Error("cycle: classify failed", "error", err)
		return &CheckResult{Run: run, Batch: batch}, err
	}

	run.FoundCount = batch.Found + res.Dropped
	run.NewCount = batch.New
	run.ChangedCount = batch.Changed
	run.UnchangedCount = batch.Unchanged
	run.RemovedCount = batch.Removed
	run.SkippedCount = batch.Skipped + res.Dropped
	svc.finishRun(wctx, src, run, started, nil)
	log.Info("cycle: source checked",
		"found", run.FoundCount,
		"new", run.NewCount,
		"changed", run.ChangedCount,
		"removed", run.RemovedCount,
		"skipped", run.SkippedCount,
		"duration_ms", run.DurationMs,
	)

	fired := 0
	for _, d := range batch.Deltas {
		if d.Kind != delta.Changed {
			continue
		}
		fired += svc.alertChanged(wctx, d)
	}
	return &CheckResult{Run: run, Batch: batch, Fired: fired}, nil
}

// fetch calls the adapter under the source timeout. The call is detached
// from ctx: only the timeout cancels a fetch in flight.
func (svc *Service) fetch(ctx context.Context, src *store.Source) (*extract.Result, error) {
	if svc.extractor == nil {
		return nil, ErrNoAdapter
	}
	timeout := svc.config.DefaultTimeout
	if src.TimeoutMs > 0 {
		timeout = time.Duration(src.TimeoutMs) * time.Millisecond
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := svc.extractor.Extract(fctx, extract.Request{
		Target:       src.Target,
		Instructions: src.Instructions,
		Timeout:      timeout,
	})
	if err != nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return res, err
}

// finishRun persists the scrape run and the source status. Failures here
// are logged only.
func (svc *Service) finishRun(ctx context.Context, src *store.Source, run *store.ScrapeRun, started time.Time, runErr error) {
	end := svc.now()
	run.DurationMs = end.Sub(started).Milliseconds()
	status := store.RunSuccess
	if runErr != nil {
		status = store.RunError
		run.Error = runErr.Error()
	}
	run.Status = status

	if err := svc.store.InsertScrapeRun(ctx, run); err != nil {
		svc.logger.Error("cycle: record run", "source_id", src.ID, "error", err)
	}
	if runErr != nil {
		err := svc.store.RecordRunError(ctx, src.ID, end.UnixMilli(), run.Error)
		if err != nil {
			svc.logger.Error("cycle: record source error", "source_id", src.ID, "error", err)
		}
	} else if err := svc.store.RecordRunSuccess(ctx, src.ID, end.UnixMilli()); err != nil {
		svc.logger.Error("cycle: record source success", "source_id", src.ID, "error", err)
	}
	if svc.metrics != nil {
		svc.metrics.ObserveCheck(status, end.Sub(started))
	}
}

// alertChanged evaluates the watches of a changed entity and dispatches
// every watch that fired. It returns the number fired.
func (svc *Service) alertChanged(ctx context.Context, d *store.Delta) int {
	log := svc.logger.With("entity_id", d.Entity.ID)
	var oldValue, newValue any
	if d.Previous != nil {
		v, err := d.Previous.Decode()
		if err != nil {
			log.Warn("cycle: decode previous snapshot", "error", err)
		}
		oldValue = v
	}
	v, err := d.Current.Decode()
	if err != nil {
		log.Warn("cycle: decode current snapshot", "error", err)
		return 0
	}
	newValue = v

	fired, err := svc.evaluator.ProcessDelta(ctx, d.Entity.ID, oldValue, newValue)
	if err != nil {
		log.Error("cycle: evaluate watches", "error", err)
		return 0
	}
	for _, f := range fired {
		svc.deliver(ctx, f, d.Entity)
	}
	return len(fired)
}

// deliver hands a fired watch to the dispatcher. The watch is already
// persisted as fired; delivery failures are logged only.
func (svc *Service) deliver(ctx context.Context, f alert.Fired, e *store.Entity) {
	p := f.Payload(e.Title, e.URL)
	res, err := svc.dispatcher.Dispatch(ctx, f.Watch.RecipientID, p)
	log := svc.logger.With("watch_id", f.Watch.ID, "recipient_id", f.Watch.RecipientID)
	switch {
	case err != nil:
		log.Warn("cycle: dispatch failed", "error", err)
	case !res.Success:
		log.Warn("cycle: no channel delivered", "failures", len(res.Failures))
	}
}

// checkWatch re-evaluates one watch against the newest snapshot of its
// entity. The watch's last observed value is the old side, falling back to
// the previous snapshot.
func (svc *Service) checkWatch(ctx context.Context, watchID string) error {
	w, err := svc.store.GetWatch(ctx, watchID)
	if err != nil {
		return fmt.Errorf("cycle: load watch %s: %w", watchID, err)
	}
	if w == nil || !w.Active {
		return fmt.Errorf("%w: watch %s", ErrNotFound, watchID)
	}
	e, err := svc.store.GetEntity(ctx, w.EntityID)
	if err != nil {
		return fmt.Errorf("cycle: load entity %s: %w", w.EntityID, err)
	}
	if e == nil {
		return fmt.Errorf("%w: entity %s", ErrNotFound, w.EntityID)
	}

	snaps, err := svc.store.LatestSnapshots(ctx, e.ID, 2)
	if err != nil {
		return fmt.Errorf("cycle: load snapshots %s: %w", e.ID, err)
	}
	if len(snaps) == 0 {
		return nil
	}
	newValue, err := snaps[0].Decode()
	if err != nil {
		return fmt.Errorf("cycle: decode snapshot %s: %w", snaps[0].ID, err)
	}
	var oldValue any
	if len(w.LastObservedValue) == 0 && len(snaps) > 1 {
		if oldValue, err = snaps[1].Decode(); err != nil {
			return fmt.Errorf("cycle: decode snapshot %s: %w", snaps[1].ID, err)
		}
	}

	wctx := context.WithoutCancel(ctx)
	if f := svc.evaluator.Check(wctx, w, oldValue, newValue); f != nil {
		svc.deliver(wctx, *f, e)
	}
	return nil
}
