package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vigie/monitor/internal/delta"
	"github.com/hazyhaar/vigie/monitor/internal/extract"
	"github.com/hazyhaar/vigie/monitor/internal/store"
)

// BatchResult is the outcome of classifying one fetched batch.
type BatchResult struct {
	Deltas    []*store.Delta `json:"deltas"`
	Found     int            `json:"found"`
	New       int            `json:"new"`
	Changed   int            `json:"changed"`
	Unchanged int            `json:"unchanged"`
	Removed   int            `json:"removed"`
	Skipped   int            `json:"skipped"`
	Warnings  int            `json:"warnings"`
}

// Classifier applies fetched batches to the entity store.
type Classifier struct {
	store   *store.Store
	logger  *slog.Logger
	observe func(kind string)
}

// NewClassifier creates a Classifier. observe, when non-nil, is called once
// per classified record with its kind.
func NewClassifier(st *store.Store, logger *slog.Logger, observe func(kind string)) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{store: st, logger: logger, observe: observe}
}

// Apply classifies one batch for src. Items without a title or natural key
// are skipped, duplicate natural keys keep the first occurrence, every kept
// item is upserted and finally active entities absent from the batch are
// marked removed. An empty batch returns ErrNoRecords and mutates nothing.
func (c *Classifier) Apply(ctx context.Context, src *store.Source, items []extract.Item, observedAt time.Time) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, ErrNoRecords
	}
	mode, err := delta.ParseHashMode(src.HashMode)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", ErrInvalidInput, src.ID, err)
	}
	hasher := delta.NewHasher(mode, src.VolatileFields...)
	log := c.logger.With("source_id", src.ID)
	at := observedAt.UnixMilli()

	res := &BatchResult{Found: len(items)}
	seen := make(map[string]bool, len(items))
	keys := make([]string, 0, len(items))

	for _, it := range items {
		key := naturalKey(it.Key, it.URL)
		if key == "" || it.Title == "" {
			res.Skipped++
			continue
		}
		if seen[key] {
			res.Skipped++
			log.Debug("cycle: duplicate natural key in batch", "key", key)
			continue
		}
		seen[key] = true
		keys = append(keys, key)

		rec := delta.Record{
			NaturalKey: key,
			Title:      it.Title,
			Summary:    it.Summary,
			URL:        it.URL,
			Date:       it.Date,
			Type:       it.Type,
			Data:       it.Data,
			CapturedAt: observedAt,
		}
		value, err := json.Marshal(rec.Value())
		if err != nil {
			res.Skipped++
			log.Warn("cycle: unencodable record", "key", key, "error", err)
			continue
		}

		d, err := c.store.Upsert(ctx, store.UpsertInput{
			SourceID:   src.ID,
			NaturalKey: key,
			Hash:       hasher.Fingerprint(rec),
			Title:      delta.NormalizeText(it.Title),
			URL:        it.URL,
			Value:      value,
			ObservedAt: at,
		})
		if err != nil {
			return res, err
		}
		if d.Kind == delta.New {
			c.checkCollision(ctx, log, src.ID, key, res)
		}
		c.count(res, d)
	}

	removed, err := c.store.MarkRemoved(ctx, src.ID, keys, at)
	if err != nil {
		return res, err
	}
	for _, e := range removed {
		c.count(res, &store.Delta{Kind: delta.Removed, Entity: e})
	}
	return res, nil
}

func (c *Classifier) count(res *BatchResult, d *store.Delta) {
	switch d.Kind {
	case delta.New:
		res.New++
	case delta.Changed:
		res.Changed++
	case delta.Unchanged:
		res.Unchanged++
	case delta.Removed:
		res.Removed++
	}
	if d.Kind != delta.Unchanged {
		res.Deltas = append(res.Deltas, d)
	}
	if c.observe != nil {
		c.observe(string(d.Kind))
	}
}

// checkCollision warns when a new natural key is already active under
// another source. Entity ids are scoped by source, so nothing is merged.
func (c *Classifier) checkCollision(ctx context.Context, log *slog.Logger, sourceID, key string, res *BatchResult) {
	others, err := c.store.SourcesWithActiveKey(ctx, key, sourceID)
	if err != nil {
		log.Warn("cycle: collision check failed", "key", key, "error", err)
		return
	}
	if len(others) == 0 {
		return
	}
	res.Warnings++
	cerr := &ClassificationError{
		SourceID:   sourceID,
		NaturalKey: key,
		Reason:     "natural key active under several sources",
		Others:     others,
	}
	log.Warn("cycle: integrity warning", "error", cerr)
}
