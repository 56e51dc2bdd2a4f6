package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/watch"
)

// SourceSpec is one source entry of a registry file.
//
//	sources:
//	  - id: acme-pricing
//	    name: ACME pricing
//	    target: https://acme.example/pricing
//	    instructions: list every plan with its monthly price in data.price
//	    interval_minutes: 60
//	    timeout: 90s
//	    hash_mode: data
//	    volatile_fields: [rank]
type SourceSpec struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Target          string        `yaml:"target"`
	Instructions    string        `yaml:"instructions"`
	IntervalMinutes int           `yaml:"interval_minutes"`
	Cron            string        `yaml:"cron"`
	Timeout         time.Duration `yaml:"timeout"`
	HashMode        string        `yaml:"hash_mode"`
	VolatileFields  []string      `yaml:"volatile_fields"`
	Disabled        bool          `yaml:"disabled"`
}

// Registry is the parsed content of a registry file.
type Registry struct {
	Sources []SourceSpec `yaml:"sources"`
}

// SyncResult counts what SyncRegistry changed.
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

// LoadRegistry reads and parses a registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("monitor: read registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes a registry document. Unknown keys and duplicate
// ids are rejected.
func ParseRegistry(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var reg Registry
	if err := dec.Decode(&reg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: registry: %v", ErrInvalidInput, err)
	}

	ids := make(map[string]bool, len(reg.Sources))
	for i, s := range reg.Sources {
		if s.ID == "" {
			continue
		}
		if ids[s.ID] {
			return nil, fmt.Errorf("%w: registry entry %d: duplicate id %q", ErrInvalidInput, i, s.ID)
		}
		ids[s.ID] = true
	}
	return &reg, nil
}

// source converts the entry into a store.Source. Entries without an id get
// one derived from their target and instructions, so reloading the same
// file is stable.
func (s SourceSpec) source() (*store.Source, error) {
	target, err := NormalizeTarget(s.Target)
	if err != nil {
		return nil, err
	}
	id := s.ID
	if id == "" {
		id = "src_" + idgen.FromKey(target, s.Instructions)
	}
	return &store.Source{
		ID:              id,
		Name:            s.Name,
		Target:          target,
		Instructions:    s.Instructions,
		IntervalMinutes: s.IntervalMinutes,
		CronExpr:        s.Cron,
		TimeoutMs:       s.Timeout.Milliseconds(),
		HashMode:        s.HashMode,
		VolatileFields:  s.VolatileFields,
		Enabled:         !s.Disabled,
	}, nil
}

// SyncRegistry upserts every registry entry into the sources table and
// (re)schedules its source_check job. Every entry is validated before
// anything is written. Sources absent from the registry are left alone.
func (svc *Service) SyncRegistry(ctx context.Context, reg *Registry) (*SyncResult, error) {
	srcs := make([]*store.Source, 0, len(reg.Sources))
	for i, spec := range reg.Sources {
		src, err := spec.source()
		if err != nil {
			return nil, fmt.Errorf("registry entry %d (%s): %w", i, spec.Name, err)
		}
		svc.applySourceDefaults(src)
		if err := validateSourceInput(src); err != nil {
			return nil, fmt.Errorf("registry entry %d (%s): %w", i, spec.Name, err)
		}
		srcs = append(srcs, src)
	}

	res := &SyncResult{}
	for _, src := range srcs {
		cur, err := svc.store.GetSource(ctx, src.ID)
		if err != nil {
			return res, err
		}
		if cur == nil {
			if cur, err = svc.store.GetSourceByTarget(ctx, src.Target, src.Instructions); err != nil {
				return res, err
			}
		}

		if cur == nil {
			if err := svc.insertSource(ctx, src); err != nil {
				return res, fmt.Errorf("registry source %s: %w", src.ID, err)
			}
			res.Added++
			continue
		}
		src.ID = cur.ID
		if err := svc.UpdateSource(ctx, src); err != nil {
			return res, fmt.Errorf("registry source %s: %w", src.ID, err)
		}
		res.Updated++
	}
	svc.logger.Info("monitor: registry synced", "added", res.Added, "updated", res.Updated)
	return res, nil
}

// WatchRegistry re-syncs the registry file at path whenever its content
// changes, until ctx is done. The file content at call time is the
// baseline; callers sync it once themselves before watching. A file that
// fails to parse or validate is logged and retried on the next poll.
// Close waits for the watcher, so ctx must end before Close is called.
func (svc *Service) WatchRegistry(ctx context.Context, path string, interval time.Duration) error {
	w := watch.New(watch.FileVersion(path), watch.Options{
		Interval: interval,
		Debounce: interval / 2,
		Logger:   svc.logger.With("registry", path),
	})
	if err := w.Prime(ctx); err != nil {
		return fmt.Errorf("monitor: watch registry: %w", err)
	}
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		w.OnChange(ctx, func(ctx context.Context) error {
			reg, err := LoadRegistry(path)
			if err != nil {
				return err
			}
			_, err = svc.SyncRegistry(ctx, reg)
			return err
		})
	}()
	return nil
}
