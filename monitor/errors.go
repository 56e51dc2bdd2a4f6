package monitor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput is returned when caller-supplied fields fail validation.
	ErrInvalidInput = errors.New("monitor: invalid input")
	// ErrNotFound is returned when a source, entity, watch or job does not exist.
	ErrNotFound = errors.New("monitor: not found")
	// ErrDuplicateSource is returned when a source with the same target and
	// instructions is already registered.
	ErrDuplicateSource = errors.New("monitor: source with this target already exists")
	// ErrBusy is returned when a manual check finds the source already being checked.
	ErrBusy = errors.New("monitor: check already in progress")
	// ErrJobCancelled is returned when a manual check targets a source whose
	// job the user cancelled. ResumeJob turns it back on.
	ErrJobCancelled = errors.New("monitor: check job cancelled")
	// ErrNoRecords is the fetch failure for an adapter result with no usable items.
	ErrNoRecords = errors.New("monitor: adapter returned no records")
	// ErrNoAdapter is the fetch failure when no extraction adapter is configured.
	ErrNoAdapter = errors.New("monitor: no extraction adapter configured")
)

// FetchError is a failed source check: adapter error, timeout, unparsable
// result or an empty batch. It is recorded on the scrape run and never
// mutates entities.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("monitor: fetch %s: %v", e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClassificationError is an integrity warning raised while classifying a
// batch. It is logged and counted, never returned to the cycle.
type ClassificationError struct {
	SourceID   string
	NaturalKey string
	Reason     string
	// Others lists sources where the same natural key is also active.
	Others []string
}

func (e *ClassificationError) Error() string {
	msg := fmt.Sprintf("monitor: classify %s/%s: %s", e.SourceID, e.NaturalKey, e.Reason)
	if len(e.Others) > 0 {
		msg += " (also active in " + strings.Join(e.Others, ", ") + ")"
	}
	return msg
}
