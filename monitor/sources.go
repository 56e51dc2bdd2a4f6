package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/schedule"
)

// sourceJobID is the id of the recurring source_check job of a source.
func sourceJobID(sourceID string) string { return "chk_" + sourceID }

func (svc *Service) applySourceDefaults(src *store.Source) {
	if src.IntervalMinutes <= 0 && src.CronExpr == "" {
		src.IntervalMinutes = svc.config.DefaultInterval
	}
	if src.HashMode == "" {
		src.HashMode = svc.config.HashMode
	}
}

// AddSource registers a new enabled source and schedules its first check
// immediately. The target is normalized; a source with the same target and
// instructions returns ErrDuplicateSource.
func (svc *Service) AddSource(ctx context.Context, src *store.Source) error {
	if src.ID == "" {
		src.ID = "src_" + svc.newID()
	}
	src.Enabled = true
	return svc.insertSource(ctx, src)
}

func (svc *Service) insertSource(ctx context.Context, src *store.Source) error {
	svc.applySourceDefaults(src)
	if err := validateSourceInput(src); err != nil {
		return err
	}
	norm, err := NormalizeTarget(src.Target)
	if err != nil {
		return err
	}
	src.Target = norm

	existing, err := svc.store.GetSourceByTarget(ctx, src.Target, src.Instructions)
	if err != nil {
		return fmt.Errorf("monitor: check duplicate: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, existing.ID)
	}

	if err := svc.store.InsertSource(ctx, src); err != nil {
		return fmt.Errorf("monitor: insert source: %w", err)
	}
	if err := svc.scheduleSource(ctx, src, false); err != nil {
		return err
	}
	svc.logger.Info("monitor: source added", "source_id", src.ID, "target", src.Target)
	return nil
}

// UpdateSource rewrites the settings of an existing source and reschedules
// it. Disabling a source cancels its job and re-enabling it reactivates the
// job. A job the user cancelled on an enabled source stays cancelled.
func (svc *Service) UpdateSource(ctx context.Context, src *store.Source) error {
	cur, err := svc.GetSource(ctx, src.ID)
	if err != nil {
		return err
	}
	svc.applySourceDefaults(src)
	if err := validateSourceInput(src); err != nil {
		return err
	}
	norm, err := NormalizeTarget(src.Target)
	if err != nil {
		return err
	}
	src.Target = norm

	if src.Target != cur.Target || src.Instructions != cur.Instructions {
		other, err := svc.store.GetSourceByTarget(ctx, src.Target, src.Instructions)
		if err != nil {
			return fmt.Errorf("monitor: check duplicate: %w", err)
		}
		if other != nil && other.ID != src.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, other.ID)
		}
	}

	if err := svc.store.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("monitor: update source: %w", err)
	}
	return svc.scheduleSource(ctx, src, !cur.Enabled && src.Enabled)
}

// scheduleSource makes the source_check job match the source settings. A
// cancelled job is only turned back on when reactivate is set.
func (svc *Service) scheduleSource(ctx context.Context, src *store.Source, reactivate bool) error {
	id := sourceJobID(src.ID)
	if !src.Enabled {
		return svc.cancelJob(ctx, id)
	}
	job := &schedule.Job{
		ID:              id,
		TargetID:        src.ID,
		Kind:            schedule.KindSourceCheck,
		IntervalMinutes: src.IntervalMinutes,
		CronExpr:        src.CronExpr,
	}
	if err := svc.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("monitor: schedule source %s: %w", src.ID, err)
	}
	if !job.Active && reactivate {
		if err := svc.queue.Reactivate(ctx, id); err != nil {
			return fmt.Errorf("monitor: reactivate source %s: %w", src.ID, err)
		}
	}
	return nil
}

// cancelJob cancels a job, treating unknown and already cancelled jobs as done.
func (svc *Service) cancelJob(ctx context.Context, id string) error {
	err := svc.queue.Cancel(ctx, id)
	if err == nil || errors.Is(err, schedule.ErrUnknownJob) || errors.Is(err, schedule.ErrJobCancelled) {
		return nil
	}
	return fmt.Errorf("monitor: cancel job %s: %w", id, err)
}

// GetSource returns a source or ErrNotFound.
func (svc *Service) GetSource(ctx context.Context, id string) (*store.Source, error) {
	src, err := svc.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source %s", ErrNotFound, id)
	}
	return src, nil
}

// ListSources returns registered sources, optionally only enabled ones.
func (svc *Service) ListSources(ctx context.Context, enabledOnly bool) ([]*store.Source, error) {
	return svc.store.ListSources(ctx, enabledOnly)
}

// RemoveSource disables a source and cancels its checks. Entities and
// history are kept.
func (svc *Service) RemoveSource(ctx context.Context, id string) error {
	if err := svc.store.DisableSource(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: source %s", ErrNotFound, id)
		}
		return err
	}
	if err := svc.cancelJob(ctx, sourceJobID(id)); err != nil {
		return err
	}
	svc.logger.Info("monitor: source removed", "source_id", id)
	return nil
}

// CheckNow runs a check of the source synchronously. It takes the lease of
// the source's job and heartbeats it for the whole check so a scheduled run
// cannot overlap, and completing it pushes the next scheduled check one
// interval out. A cancelled job returns ErrJobCancelled.
func (svc *Service) CheckNow(ctx context.Context, id string) (*CheckResult, error) {
	src, err := svc.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !src.Enabled {
		return nil, fmt.Errorf("%w: source %s is disabled", ErrInvalidInput, id)
	}

	jobID := sourceJobID(id)
	job, err := svc.queue.Lease(ctx, jobID)
	if errors.Is(err, schedule.ErrUnknownJob) {
		if err := svc.scheduleSource(ctx, src, false); err != nil {
			return nil, err
		}
		job, err = svc.queue.Lease(ctx, jobID)
	}
	switch {
	case errors.Is(err, schedule.ErrLeased):
		return nil, fmt.Errorf("%w: source %s", ErrBusy, id)
	case errors.Is(err, schedule.ErrJobCancelled):
		return nil, fmt.Errorf("%w: %s", ErrJobCancelled, jobID)
	case err != nil:
		return nil, err
	}

	stop := svc.queue.Hold(job.ID)
	res, checkErr := svc.checkSource(ctx, id)
	stop()
	if err := svc.queue.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		svc.logger.Warn("monitor: complete manual check", "source_id", id, "error", err)
	}
	svc.observeJob(job, checkErr)
	return res, checkErr
}
