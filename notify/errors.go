package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoutes is returned when a recipient has no configured route.
	ErrNoRoutes = errors.New("notify: recipient has no routes")
	// ErrMissingAddress marks a route whose address is empty.
	ErrMissingAddress = errors.New("notify: missing address")
	// ErrUnknownChannel marks a route naming an unregistered channel.
	ErrUnknownChannel = errors.New("notify: unknown channel")
)

// ErrSendFailed is the per-channel delivery error.
type ErrSendFailed struct {
	Channel string
	Address string
	Cause   error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("notify: send failed on %s: %v", e.Channel, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
