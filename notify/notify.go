// Package notify delivers alert payloads to recipients over independent
// delivery channels.
//
// A recipient's Preference lists routes, each naming a channel ("webhook",
// "slack", "telegram", "sms", "redis", "kafka") and the address to use on
// it. The Dispatcher sends on every route concurrently; one channel failing
// never affects the others, and a dispatch succeeds when at least one
// channel delivered.
//
//	d := notify.NewDispatcher(prefs, notify.WithLogger(logger))
//	d.Register(notify.NewWebhookChannel(secret, nil))
//	d.Register(notify.NewSlackChannel(nil))
//	res, err := d.Dispatch(ctx, "user-42", notify.Payload{Title: "Price drop"})
package notify

import (
	"context"
	"time"
)

// Priority orders payloads for channels that can express urgency.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Payload is the channel-independent content of one notification.
type Payload struct {
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Priority    Priority       `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
	RecipientID string         `json:"recipient_id,omitempty"`
}

// Route is one delivery target in a preference.
type Route struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

// Preference lists the routes configured for a recipient, in order.
type Preference struct {
	RecipientID string  `json:"recipient_id"`
	Routes      []Route `json:"routes"`
	UpdatedAt   int64   `json:"updated_at,omitempty"`
}

// PreferenceStore loads preferences. A nil preference with a nil error
// means the recipient has none.
type PreferenceStore interface {
	GetPreference(ctx context.Context, recipientID string) (*Preference, error)
}

// Channel sends a payload to one address on one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, address string, p Payload) error
}

// Envelope is the JSON document pushed by machine-facing channels
// (webhook, redis, kafka).
type Envelope struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Payload     Payload   `json:"payload"`
}

// EnvelopeType is the discriminator of every Envelope.
const EnvelopeType = "vigie.alert"
