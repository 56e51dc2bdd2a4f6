// Package monitor is the change-monitoring service. It owns the source
// registry, drives check cycles from the scheduling queue, classifies
// fetched records against the versioned entity store, evaluates watches on
// changed entities and hands fired watches to the notification dispatcher.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/monitor/internal/alert"
	"github.com/hazyhaar/vigie/monitor/internal/extract"
	"github.com/hazyhaar/vigie/monitor/internal/metrics"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/notify"
	"github.com/hazyhaar/vigie/schedule"
)

// Extractor turns a source target into structured records.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Result, error)
}

// Service is the monitor orchestrator.
type Service struct {
	db         *sql.DB
	store      *store.Store
	queue      *schedule.Q
	runner     *schedule.Runner
	classifier *Classifier
	evaluator  *alert.Evaluator
	dispatcher *notify.Dispatcher
	extractor  Extractor
	metrics    *metrics.Metrics
	config     *Config
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithExtractor replaces the HTTP adapter client built from Config.AdapterURL.
func WithExtractor(e Extractor) ServiceOption {
	return func(svc *Service) { svc.extractor = e }
}

// WithMetrics records cycle, delta, dispatch, queue and HTTP metrics on reg.
func WithMetrics(reg prometheus.Registerer) ServiceOption {
	return func(svc *Service) { svc.metrics = metrics.New(reg) }
}

// WithClock overrides time.Now across the service, its store and its queue.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

// WithIDGenerator overrides the source id generator.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(svc *Service) { svc.newID = fn }
}

// New creates a monitor Service on db. The schema of the store and of the
// scheduling queue is applied here.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		db:     db,
		config: cfg,
		logger: logger,
		newID:  idgen.New,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("monitor: apply schema: %w", err)
	}
	svc.store = store.NewStore(db, store.WithClock(svc.now))

	svc.queue = schedule.New(db, schedule.Options{
		Visibility: cfg.LeaseVisibility,
		Logger:     logger,
		Now:        svc.now,
	})
	if err := svc.queue.EnsureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("monitor: ensure job table: %w", err)
	}

	if svc.extractor == nil && cfg.AdapterURL != "" {
		svc.extractor = extract.NewClient(cfg.AdapterURL,
			extract.WithToken(cfg.AdapterToken),
			extract.WithLogger(logger),
		)
	}

	var observeKind func(string)
	dispatchOpts := []notify.DispatcherOption{notify.WithLogger(logger)}
	if svc.metrics != nil {
		observeKind = svc.metrics.ObserveDelta
		dispatchOpts = append(dispatchOpts, notify.WithObserver(svc.metrics.ObserveDispatch))
	}
	svc.classifier = NewClassifier(svc.store, logger, observeKind)
	svc.evaluator = alert.NewEvaluator(svc.store, alert.WithLogger(logger), alert.WithClock(svc.now))
	svc.dispatcher = notify.NewDispatcher(svc.store, dispatchOpts...)

	svc.runner = schedule.NewRunner(svc.queue, svc.handleJob, schedule.RunnerOptions{
		BatchSize:       cfg.BatchSize,
		MaxConcurrency:  cfg.MaxConcurrency,
		InterBatchDelay: cfg.InterBatchDelay,
		PollInterval:    cfg.PollInterval,
		Observer:        svc.observeJob,
		Logger:          logger,
	})
	return svc, nil
}

// RegisterChannel makes a delivery channel available to preferences.
func (svc *Service) RegisterChannel(ch notify.Channel) {
	svc.dispatcher.Register(ch)
	svc.logger.Info("monitor: channel registered", "channel", ch.Name())
}

// HTTPMetrics counts requests per route when the service was built
// WithMetrics, and is a pass-through otherwise.
func (svc *Service) HTTPMetrics(next http.Handler) http.Handler {
	if svc.metrics == nil {
		return next
	}
	return svc.metrics.Middleware(next)
}

// Channels lists the registered delivery channels.
func (svc *Service) Channels() []string {
	return svc.dispatcher.Channels()
}

// Start launches the job runner and the retention loop. Non-blocking.
func (svc *Service) Start(ctx context.Context) {
	ctx, svc.cancel = context.WithCancel(ctx)
	svc.wg.Add(2)
	go func() {
		defer svc.wg.Done()
		svc.runner.Run(ctx)
	}()
	go func() {
		defer svc.wg.Done()
		svc.retentionLoop(ctx)
	}()
	svc.logger.Info("monitor: started", "channels", svc.dispatcher.Channels())
}

// Close stops background work and waits for in-flight checks.
func (svc *Service) Close() error {
	if svc.cancel != nil {
		svc.cancel()
	}
	svc.wg.Wait()
	svc.logger.Info("monitor: closed")
	return nil
}

func (svc *Service) retentionLoop(ctx context.Context) {
	t := time.NewTicker(svc.config.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.Prune(ctx); err != nil && ctx.Err() == nil {
				svc.logger.Warn("monitor: retention failed", "error", err)
			}
		}
	}
}

// Prune deletes snapshots older than the retention window, keeping the
// newest snapshot of every entity.
func (svc *Service) Prune(ctx context.Context) (int64, error) {
	cutoff := svc.now().AddDate(0, 0, -svc.config.RetentionDays)
	n, err := svc.store.PruneSnapshots(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		svc.logger.Info("monitor: snapshots pruned", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (svc *Service) observeJob(j *schedule.Job, err error) {
	if svc.metrics != nil {
		svc.metrics.ObserveJob(j.Kind, err)
	}
}
