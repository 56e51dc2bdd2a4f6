package monitor

import (
	"fmt"
	"time"

	"github.com/hazyhaar/vigie/monitor/internal/alert"
	"github.com/hazyhaar/vigie/monitor/internal/delta"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/schedule"
)

const (
	maxNameLen         = 512
	maxTargetLen       = 4096
	maxInstructionsLen = 16384
	maxVolatileFields  = 64
	minIntervalMinutes = 1
	maxIntervalMinutes = 43_200 // 30 days
	maxTimeout         = 30 * time.Minute
	maxRecipientLen    = 256
)

// validateSourceInput validates a source's mutable fields before insert or update.
func validateSourceInput(s *store.Source) error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(s.Name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxNameLen)
	}

	if s.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	if len(s.Target) > maxTargetLen {
		return fmt.Errorf("%w: target exceeds %d characters", ErrInvalidInput, maxTargetLen)
	}
	if len(s.Instructions) > maxInstructionsLen {
		return fmt.Errorf("%w: instructions exceed %d characters", ErrInvalidInput, maxInstructionsLen)
	}

	if s.CronExpr != "" {
		if s.IntervalMinutes > 0 {
			return fmt.Errorf("%w: set either interval_minutes or cron, not both", ErrInvalidInput)
		}
		if _, err := schedule.ParseCron(s.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	} else if s.IntervalMinutes < minIntervalMinutes || s.IntervalMinutes > maxIntervalMinutes {
		return fmt.Errorf("%w: interval_minutes must be between %d and %d",
			ErrInvalidInput, minIntervalMinutes, maxIntervalMinutes)
	}

	if s.TimeoutMs < 0 || time.Duration(s.TimeoutMs)*time.Millisecond > maxTimeout {
		return fmt.Errorf("%w: timeout must be between 0 and %s", ErrInvalidInput, maxTimeout)
	}
	if _, err := delta.ParseHashMode(s.HashMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(s.VolatileFields) > maxVolatileFields {
		return fmt.Errorf("%w: more than %d volatile fields", ErrInvalidInput, maxVolatileFields)
	}
	return nil
}

func validateWatchInput(w *store.Watch) error {
	if w.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidInput)
	}
	if w.RecipientID == "" {
		return fmt.Errorf("%w: recipient_id is required", ErrInvalidInput)
	}
	if len(w.RecipientID) > maxRecipientLen {
		return fmt.Errorf("%w: recipient_id exceeds %d characters", ErrInvalidInput, maxRecipientLen)
	}
	if err := alert.Validate(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
