package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Result is the outcome of one Dispatch.
type Result struct {
	Success      bool      `json:"success"`
	ChannelsUsed []string  `json:"channels_used"`
	Failures     []Failure `json:"failures,omitempty"`
}

// Failure describes one route that did not deliver.
type Failure struct {
	Channel string `json:"channel"`
	Error   string `json:"error"`
}

// Observer is told about every attempted delivery.
type Observer func(channel string, err error, elapsed time.Duration)

// Dispatcher fans payloads out to a recipient's routes.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	prefs    PreferenceStore
	logger   *slog.Logger
	observe  Observer
	timeout  time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver installs a delivery observer, typically a metrics hook.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observe = o }
}

// WithSendTimeout bounds each channel send. Zero means no extra bound.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a Dispatcher reading routes from prefs.
func NewDispatcher(prefs PreferenceStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel),
		prefs:    prefs,
		logger:   slog.Default(),
		timeout:  30 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds or replaces a channel under its Name.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	d.channels[ch.Name()] = ch
	d.mu.Unlock()
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	return out
}

// Dispatch sends p on every route of the recipient's preference. Each route
// runs in its own goroutine; failures are logged and reported in the
// result. There are no retries. The error is non-nil only when the
// preference cannot be loaded or has no routes.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID string, p Payload) (*Result, error) {
	pref, err := d.prefs.GetPreference(ctx, recipientID)
	if err != nil {
		return &Result{ChannelsUsed: []string{}}, fmt.Errorf("notify: load preference %s: %w", recipientID, err)
	}
	if pref == nil || len(pref.Routes) == 0 {
		return &Result{ChannelsUsed: []string{}}, fmt.Errorf("%w: %s", ErrNoRoutes, recipientID)
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	p.RecipientID = recipientID

	log := d.logger.With("recipient_id", recipientID)
	errs := make([]error, len(pref.Routes))
	var wg sync.WaitGroup
	for i, route := range pref.Routes {
		wg.Add(1)
		go func(i int, route Route) {
			defer wg.Done()
			errs[i] = d.sendOne(ctx, route, p)
		}(i, route)
	}
	wg.Wait()

	res := &Result{ChannelsUsed: []string{}}
	for i, route := range pref.Routes {
		if errs[i] != nil {
			log.Warn("notify: channel failed", "channel", route.Channel, "error", errs[i])
			res.Failures = append(res.Failures, Failure{Channel: route.Channel, Error: errs[i].Error()})
			continue
		}
		res.ChannelsUsed = append(res.ChannelsUsed, route.Channel)
	}
	res.Success = len(res.ChannelsUsed) > 0
	log.Info("notify: dispatched", "success", res.Success, "channels", res.ChannelsUsed)
	return res, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, route Route, p Payload) (err error) {
	name := strings.ToLower(strings.TrimSpace(route.Channel))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &ErrSendFailed{Channel: name, Address: route.Address, Cause: fmt.Errorf("panic: %v", r)}
		}
		if d.observe != nil {
			d.observe(name, err, time.Since(start))
		}
	}()

	if strings.TrimSpace(route.Address) == "" {
		return &ErrSendFailed{Channel: name, Cause: ErrMissingAddress}
	}
	d.mu.RLock()
	ch, ok := d.channels[name]
	d.mu.RUnlock()
	if !ok {
		return &ErrSendFailed{Channel: name, Address: route.Address, Cause: ErrUnknownChannel}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := ch.Send(ctx, route.Address, p); err != nil {
		return &ErrSendFailed{Channel: name, Address: route.Address, Cause: err}
	}
	return nil
}
