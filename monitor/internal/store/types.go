package store

import (
	"encoding/json"

	"github.com/hazyhaar/vigie/monitor/internal/delta"
)

// Entity status values.
const (
	StatusActive  = "active"
	StatusRemoved = "removed"
)

// Scrape run status values.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// Source is a monitored target registered with the monitor.
type Source struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Target          string   `json:"target"`
	Instructions    string   `json:"instructions,omitempty"`
	IntervalMinutes int      `json:"interval_minutes"`
	CronExpr        string   `json:"cron,omitempty"`
	TimeoutMs       int64    `json:"timeout_ms,omitempty"`
	HashMode        string   `json:"hash_mode"`
	VolatileFields  []string `json:"volatile_fields,omitempty"`
	Enabled         bool     `json:"enabled"`
	LastRunAt       *int64   `json:"last_run_at,omitempty"`
	LastStatus      string   `json:"last_status"`
	LastError       string   `json:"last_error,omitempty"`
	FailCount       int      `json:"fail_count"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// Entity is the current identity of one tracked item.
type Entity struct {
	ID            string `json:"id"`
	SourceID      string `json:"source_id"`
	NaturalKey    string `json:"natural_key"`
	Status        string `json:"status"`
	CurrentHash   string `json:"current_hash"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	FirstSeenAt   int64  `json:"first_seen_at"`
	LastSeenAt    int64  `json:"last_seen_at"`
	LastChangedAt int64  `json:"last_changed_at"`
	RemovedAt     *int64 `json:"removed_at,omitempty"`
}

// Snapshot is one immutable observation of an entity's content.
type Snapshot struct {
	ID         string          `json:"id"`
	EntityID   string          `json:"entity_id"`
	Hash       string          `json:"hash"`
	Value      json.RawMessage `json:"value"`
	CapturedAt int64           `json:"captured_at"`
}

// Decode unmarshals the snapshot value into a generic JSON tree.
func (s *Snapshot) Decode() (any, error) {
	var v any
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpsertInput is one classified record handed to Upsert.
type UpsertInput struct {
	SourceID   string
	NaturalKey string
	Hash       string
	Title      string
	URL        string
	Value      json.RawMessage
	ObservedAt int64
}

// Delta is the outcome of one Upsert or removal.
type Delta struct {
	Kind     delta.Kind `json:"kind"`
	Entity   *Entity    `json:"entity"`
	Previous *Snapshot  `json:"previous,omitempty"`
	Current  *Snapshot  `json:"current,omitempty"`
}

// ScrapeRun is the audit record of one source check.
type ScrapeRun struct {
	ID             string `json:"id"`
	SourceID       string `json:"source_id"`
	Status         string `json:"status"`
	FoundCount     int    `json:"found_count"`
	NewCount       int    `json:"new_count"`
	ChangedCount   int    `json:"changed_count"`
	UnchangedCount int    `json:"unchanged_count"`
	RemovedCount   int    `json:"removed_count"`
	SkippedCount   int    `json:"skipped_count"`
	DurationMs     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
	StartedAt      int64  `json:"started_at"`
}

// RunStats aggregates the most recent runs of a source.
type RunStats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Errors      int     `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
	LastRunAt   int64   `json:"last_run_at,omitempty"`
}

// Watch conditions.
const (
	CondAnyChange = "any_change"
	CondIncrease  = "increase"
	CondDecrease  = "decrease"
	CondThreshold = "threshold"
)

// Watch is a user rule on one field of one entity.
type Watch struct {
	ID                string          `json:"id"`
	EntityID          string          `json:"entity_id"`
	RecipientID       string          `json:"recipient_id"`
	FieldPath         string          `json:"field_path"`
	Condition         string          `json:"condition"`
	ThresholdPct      float64         `json:"threshold_pct,omitempty"`
	LastObservedValue json.RawMessage `json:"last_observed_value,omitempty"`
	LastTriggeredAt   *int64          `json:"last_triggered_at,omitempty"`
	Active            bool            `json:"active"`
	CreatedAt         int64           `json:"created_at"`
}
