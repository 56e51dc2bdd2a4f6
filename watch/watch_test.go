package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// counter is a Detector the test moves by hand.
type counter struct{ v atomic.Int64 }

func (c *counter) detect(context.Context) (int64, error) { return c.v.Load(), nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFileVersion(t *testing.T) {
	// WHAT: The file detector changes with content and is 0 for a missing file.
	// WHY: The registry file may be created after startup.
	path := filepath.Join(t.TempDir(), "sources.yaml")
	det := FileVersion(path)
	ctx := context.Background()

	v0, err := det(ctx)
	if err != nil || v0 != 0 {
		t.Fatalf("missing file: %d %v", v0, err)
	}
	os.WriteFile(path, []byte("sources: []\n"), 0o644)
	v1, _ := det(ctx)
	os.WriteFile(path, []byte("sources: []\n"), 0o644)
	again, _ := det(ctx)
	os.WriteFile(path, []byte("sources:\n  - name: a\n"), 0o644)
	v2, _ := det(ctx)
	if v1 == 0 || v1 != again || v1 == v2 {
		t.Fatalf("versions: %d %d %d", v1, again, v2)
	}
}

func TestOnChange_FiresOnVersionChange(t *testing.T) {
	// WHAT: Each version move runs the action once; the startup version does not.
	// WHY: The registry is synced explicitly at startup, then only on edits.
	c := &counter{}
	c.v.Store(7)
	w := New(c.detect, Options{Interval: 10 * time.Millisecond, Logger: quiet()})

	var reloads atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	waitFor(t, func() bool { return w.Stats().Checks > 0 })
	if reloads.Load() != 0 {
		t.Fatal("baseline version must not fire")
	}

	c.v.Store(8)
	waitFor(t, func() bool { return w.Version() == 8 })
	c.v.Store(9)
	waitFor(t, func() bool { return w.Version() == 9 })
	if got := reloads.Load(); got != 2 {
		t.Fatalf("reloads: %d", got)
	}
}

func TestOnChange_Debounce(t *testing.T) {
	// WHAT: A burst of changes inside the debounce window fires once.
	// WHY: Editors write files in several steps.
	c := &counter{}
	w := New(c.detect, Options{Interval: 10 * time.Millisecond, Debounce: 150 * time.Millisecond, Logger: quiet()})

	var reloads atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})
	waitFor(t, func() bool { return w.Stats().Checks > 0 })

	for i := int64(1); i <= 5; i++ {
		c.v.Store(i)
		time.Sleep(15 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("fired during debounce: %d", got)
	}
	waitFor(t, func() bool { return w.Version() == 5 })
	time.Sleep(50 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("debounced reloads: %d", got)
	}
}

func TestOnChange_ErrorRetries(t *testing.T) {
	// WHAT: A failed action keeps the old version and is retried on the next poll.
	// WHY: A half-written registry file must not be skipped forever.
	c := &counter{}
	w := New(c.detect, Options{Interval: 10 * time.Millisecond, Logger: quiet()})

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("parse failed")
		}
		return nil
	})
	waitFor(t, func() bool { return w.Stats().Checks > 0 })

	c.v.Store(1)
	waitFor(t, func() bool { return w.Version() == 1 })
	s := w.Stats()
	if calls.Load() < 2 || s.Errors == 0 || s.Reloads != 1 {
		t.Fatalf("calls=%d stats=%+v", calls.Load(), s)
	}
}

func TestPrime(t *testing.T) {
	// WHAT: A change between Prime and OnChange still fires.
	// WHY: Callers prime synchronously and start the loop in a goroutine.
	c := &counter{}
	w := New(c.detect, Options{Interval: 10 * time.Millisecond, Logger: quiet()})
	if err := w.Prime(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.v.Store(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error { return nil })
	waitFor(t, func() bool { return w.Version() == 3 })
}
