package schedule

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateScheduled   State = "scheduled"
	StateDue         State = "due"
	StateExecuting   State = "executing"
	StateRescheduled State = "rescheduled"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
)

var ErrInvalidTransition = errors.New("schedule: invalid state transition")

var transitions = map[State][]State{
	StateScheduled:   {StateDue, StateCancelled},
	StateDue:         {StateExecuting, StateCancelled},
	StateExecuting:   {StateRescheduled, StateCompleted, StateCancelled, StateDue},
	StateRescheduled: {StateDue, StateCancelled},
}

// ValidateTransition checks a lifecycle move. Executing back to due covers
// Release and lease expiry.
func ValidateTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// State derives the job's state at now from its stored columns. One-shot
// jobs are deleted on completion, so StateCompleted is never derived.
func (j *Job) State(now time.Time) State {
	switch {
	case !j.Active:
		return StateCancelled
	case j.LeaseUntil.After(now):
		return StateExecuting
	case !j.NextRunAt.After(now):
		return StateDue
	case j.LastRunAt != nil:
		return StateRescheduled
	}
	return StateScheduled
}
