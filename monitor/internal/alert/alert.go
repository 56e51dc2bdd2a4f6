// Package alert evaluates user watches against old and new snapshot values
// of an entity.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/vigie/monitor/internal/fieldpath"
	"github.com/hazyhaar/vigie/monitor/internal/store"
)

var (
	ErrUnknownCondition = errors.New("alert: unknown condition")
	ErrInvalidThreshold = errors.New("alert: threshold must be a positive percentage")
)

var hundred = decimal.NewFromInt(100)

// WatchStore is the subset of the entity store the evaluator needs.
type WatchStore interface {
	ListWatches(ctx context.Context, entityID string) ([]*store.Watch, error)
	RecordWatchFired(ctx context.Context, id string, observed []byte, at int64) error
}

// Fired is a watch that triggered on a delta.
type Fired struct {
	Watch *store.Watch
	Old   any
	New   any
	At    int64
}

// Evaluator checks watches. Parsed field paths are cached by expression.
type Evaluator struct {
	store  WatchStore
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	paths map[string]fieldpath.Path
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the evaluator logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator backed by st.
func NewEvaluator(st WatchStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
		paths:  make(map[string]fieldpath.Path),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Validate checks that a watch can be evaluated.
func Validate(w *store.Watch) error {
	if _, err := fieldpath.Parse(w.FieldPath); err != nil {
		return err
	}
	switch w.Condition {
	case store.CondAnyChange, store.CondIncrease, store.CondDecrease:
	case store.CondThreshold:
		if w.ThresholdPct <= 0 {
			return ErrInvalidThreshold
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCondition, w.Condition)
	}
	return nil
}

func (e *Evaluator) path(expr string) (fieldpath.Path, error) {
	e.mu.RLock()
	p, ok := e.paths[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := fieldpath.Parse(expr)
	if err != nil {
		return fieldpath.Path{}, err
	}
	e.mu.Lock()
	e.paths[expr] = p
	e.mu.Unlock()
	return p, nil
}

// Evaluate reports whether w fires for the transition from oldValue to
// newValue, both full snapshot values. A path that cannot be parsed or
// resolved on either side never fires.
func (e *Evaluator) Evaluate(w *store.Watch, oldValue, newValue any) bool {
	p, err := e.path(w.FieldPath)
	if err != nil {
		return false
	}
	oldField, okOld := p.Resolve(oldValue)
	newField, okNew := p.Resolve(newValue)
	if !okOld || !okNew {
		return false
	}
	return fires(w.Condition, w.ThresholdPct, oldField, newField)
}

func fires(cond string, thresholdPct float64, oldField, newField any) bool {
	if cond == store.CondAnyChange {
		return !reflect.DeepEqual(oldField, newField)
	}
	o, ok := fieldpath.Numeric(oldField)
	if !ok {
		return false
	}
	n, ok := fieldpath.Numeric(newField)
	if !ok {
		return false
	}
	switch cond {
	case store.CondIncrease:
		return n.GreaterThan(o)
	case store.CondDecrease:
		return n.LessThan(o)
	case store.CondThreshold:
		if o.IsZero() || thresholdPct <= 0 {
			return false
		}
		pct := n.Sub(o).Abs().Div(o.Abs()).Mul(hundred)
		return pct.GreaterThanOrEqual(decimal.NewFromFloat(thresholdPct))
	}
	return false
}

// ProcessDelta evaluates every active watch on entityID. oldValue is the
// previous snapshot value, or nil when there is none, in which case each
// watch's last observed field value stands in for the old side. Fired
// watches are persisted before they are returned so that firing never
// depends on delivery.
func (e *Evaluator) ProcessDelta(ctx context.Context, entityID string, oldValue, newValue any) ([]Fired, error) {
	watches, err := e.store.ListWatches(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("alert: list watches for %s: %w", entityID, err)
	}

	var fired []Fired
	for _, w := range watches {
		if f := e.Check(ctx, w, oldValue, newValue); f != nil {
			fired = append(fired, *f)
		}
	}
	return fired, nil
}

// Check evaluates a single watch with the same old-value fallback as
// ProcessDelta. It returns nil when the watch does not fire or the firing
// could not be persisted.
func (e *Evaluator) Check(ctx context.Context, w *store.Watch, oldValue, newValue any) *Fired {
	log := e.logger.With("watch_id", w.ID, "entity_id", w.EntityID)
	p, err := e.path(w.FieldPath)
	if err != nil {
		log.Warn("alert: invalid field path", "path", w.FieldPath, "error", err)
		return nil
	}
	newField, ok := p.Resolve(newValue)
	if !ok {
		return nil
	}

	var oldField any
	switch {
	case oldValue != nil:
		if oldField, ok = p.Resolve(oldValue); !ok {
			return nil
		}
	case len(w.LastObservedValue) > 0:
		if err := json.Unmarshal(w.LastObservedValue, &oldField); err != nil {
			log.Warn("alert: bad last observed value", "error", err)
			return nil
		}
	default:
		return nil
	}

	if !fires(w.Condition, w.ThresholdPct, oldField, newField) {
		return nil
	}

	observed, err := json.Marshal(newField)
	if err != nil {
		log.Warn("alert: marshal observed value", "error", err)
		return nil
	}
	at := e.now().UnixMilli()
	if err := e.store.RecordWatchFired(ctx, w.ID, observed, at); err != nil {
		log.Error("alert: record fired", "error", err)
		return nil
	}
	w.LastObservedValue = observed
	w.LastTriggeredAt = &at
	log.Info("alert: watch fired", "condition", w.Condition, "path", w.FieldPath)
	return &Fired{Watch: w, Old: oldField, New: newField, At: at}
}
