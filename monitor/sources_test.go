package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/schedule"
)

func TestNormalizeTarget(t *testing.T) {
	// WHAT: Targets are normalized for dedup.
	// WHY: Trailing slashes, host case and query order must not create duplicate sources.
	cases := []struct {
		in, want string
	}{
		{"https://Example.COM/path/", "https://example.com/path"},
		{"HTTPS://example.com/a#frag", "https://example.com/a"},
		{"https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
		{"http://example.com/", "http://example.com"},
		{"  https://example.com/x  ", "https://example.com/x"},
		{"feed://internal/prices", "feed://internal/prices"},
	}
	for _, tc := range cases {
		got, err := NormalizeTarget(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "not a url", "https://", "word"} {
		if _, err := NormalizeTarget(bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%q: expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestAddSource_SchedulesImmediateCheck(t *testing.T) {
	// WHAT: Adding a source enqueues its recurring check, due now.
	// WHY: A new source must be observed without waiting a full interval.
	h := setupTestService(t)
	ctx := context.Background()
	src := h.addSource(t, "Shop", "https://Shop.example/catalog/")

	if src.Target != "https://shop.example/catalog" {
		t.Errorf("target not normalized: %q", src.Target)
	}
	if src.HashMode != "both" || !src.Enabled {
		t.Errorf("defaults: %+v", src)
	}
	job, err := h.svc.queue.Get(ctx, sourceJobID(src.ID))
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != schedule.KindSourceCheck || job.IntervalMinutes != 60 || !job.NextRunAt.Equal(t0) {
		t.Fatalf("job: %+v", job)
	}
}

func TestAddSource_Duplicate(t *testing.T) {
	// WHAT: The same normalized target and instructions cannot be added twice.
	// WHY: Duplicate sources double every notification.
	h := setupTestService(t)
	ctx := context.Background()
	h.addSource(t, "Shop", "https://shop.example/catalog/")

	err := h.svc.AddSource(ctx, &store.Source{Name: "Again", Target: "https://SHOP.example/catalog"})
	if !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}

	other := &store.Source{Name: "Other view", Target: "https://shop.example/catalog", Instructions: "only prices"}
	if err := h.svc.AddSource(ctx, other); err != nil {
		t.Fatalf("different instructions are a different source: %v", err)
	}
}

func TestAddSource_Validation(t *testing.T) {
	// WHAT: Invalid source fields are rejected with ErrInvalidInput.
	// WHY: Bad schedules or hash modes would fail only later, inside the runner.
	h := setupTestService(t)
	cases := map[string]*store.Source{
		"no name":        {Target: "https://a.example"},
		"no target":      {Name: "A"},
		"both schedules": {Name: "A", Target: "https://a.example", IntervalMinutes: 5, CronExpr: "@daily"},
		"bad cron":       {Name: "A", Target: "https://a.example", CronExpr: "every day"},
		"bad hash mode":  {Name: "A", Target: "https://a.example", HashMode: "pixels"},
		"huge timeout":   {Name: "A", Target: "https://a.example", TimeoutMs: int64(time.Hour / time.Millisecond)},
		"huge interval":  {Name: "A", Target: "https://a.example", IntervalMinutes: 100_000},
	}
	for name, src := range cases {
		if err := h.svc.AddSource(context.Background(), src); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestUpdateSource_Reschedules(t *testing.T) {
	// WHAT: Switching a source to cron moves its job to the next tick; disabling cancels it.
	// WHY: The queue must always reflect the source settings.
	h := setupTestService(t)
	ctx := context.Background()
	src := h.addSource(t, "Shop", "https://shop.example/catalog")

	src.IntervalMinutes = 0
	src.CronExpr = "0 12 * * *"
	if err := h.svc.UpdateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	job, _ := h.svc.queue.Get(ctx, sourceJobID(src.ID))
	if job.CronExpr != "0 12 * * *" || !job.NextRunAt.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("cron job: %+v", job)
	}

	src.Enabled = false
	if err := h.svc.UpdateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	job, _ = h.svc.queue.Get(ctx, sourceJobID(src.ID))
	if job.Active {
		t.Fatal("disabled source job should be cancelled")
	}

	if err := h.svc.UpdateSource(ctx, &store.Source{ID: "src_missing", Name: "x", Target: "https://x.example"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing source: %v", err)
	}
}

func TestRemoveSource(t *testing.T) {
	// WHAT: Removing a source disables it, cancels its job and keeps its entities.
	// WHY: History outlives the source; checks must stop immediately.
	h := setupTestService(t)
	ctx := context.Background()
	src := h.addSource(t, "Shop", "https://shop.example/catalog")
	h.fx.set(src.Target, item("Widget", "https://shop.example/widget", nil))
	mustCheck(t, h, src.ID)

	if err := h.svc.RemoveSource(ctx, src.ID); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(2 * time.Hour)
	if n := h.svc.runner.RunOnce(ctx); n != 0 {
		t.Fatalf("removed source still ran %d jobs", n)
	}
	if _, err := h.svc.CheckNow(ctx, src.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("check on disabled source: %v", err)
	}
	ents, _ := h.svc.ListEntities(ctx, src.ID, "")
	if len(ents) != 1 {
		t.Fatalf("entities kept: %d", len(ents))
	}
	if err := h.svc.RemoveSource(ctx, "src_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing source: %v", err)
	}
}

func TestCheckNow_LeaseDiscipline(t *testing.T) {
	// WHAT: A manual check refuses to overlap a leased run and pushes the next run one interval out.
	// WHY: A source must never be checked twice concurrently.
	h := setupTestService(t)
	ctx := context.Background()
	src := h.addSource(t, "Shop", "https://shop.example/catalog")
	h.fx.set(src.Target, item("Widget", "https://shop.example/widget", nil))

	if _, err := h.svc.queue.Lease(ctx, sourceJobID(src.ID)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.CheckNow(ctx, src.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := h.svc.queue.Release(ctx, sourceJobID(src.ID)); err != nil {
		t.Fatal(err)
	}

	mustCheck(t, h, src.ID)
	job, _ := h.svc.queue.Get(ctx, sourceJobID(src.ID))
	if !job.NextRunAt.Equal(t0.Add(60 * time.Minute)) {
		t.Fatalf("next run: %v", job.NextRunAt)
	}
	if _, err := h.svc.CheckNow(ctx, "src_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing source: %v", err)
	}
}

func TestCancelledJobStaysCancelled(t *testing.T) {
	// WHAT: A check job the user cancelled survives UpdateSource and CheckNow; only ResumeJob or re-enabling the source revives it.
	// WHY: A cancelled job must never fire again without an explicit user action.
	h := setupTestService(t)
	ctx := context.Background()
	src := h.addSource(t, "Shop", "https://shop.example/catalog")
	h.fx.set(src.Target, item("Widget", "https://shop.example/widget", nil))
	jobID := sourceJobID(src.ID)

	if err := h.svc.CancelJob(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	src.IntervalMinutes = 30
	if err := h.svc.UpdateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.CheckNow(ctx, src.ID); !errors.Is(err, ErrJobCancelled) {
		t.Fatalf("check on cancelled job: %v", err)
	}
	h.clk.Advance(48 * time.Hour)
	if n := h.svc.runner.RunOnce(ctx); n != 0 {
		t.Fatalf("cancelled job ran %d times", n)
	}
	job, _ := h.svc.queue.Get(ctx, jobID)
	if job.Active || job.IntervalMinutes != 30 {
		t.Fatalf("job after update: %+v", job)
	}

	if err := h.svc.ResumeJob(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if n := h.svc.runner.RunOnce(ctx); n != 1 {
		t.Fatalf("resumed job ran %d times, want 1", n)
	}

	src.Enabled = false
	if err := h.svc.UpdateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.ResumeJob(ctx, jobID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("resume on disabled source: %v", err)
	}
	src.Enabled = true
	if err := h.svc.UpdateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if job, _ := h.svc.queue.Get(ctx, jobID); !job.Active {
		t.Fatal("re-enabled source kept its job cancelled")
	}
	if err := h.svc.ResumeJob(ctx, "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resume missing job: %v", err)
	}
}

func TestCheckNow_HoldsLeaseDuringCheck(t *testing.T) {
	// WHAT: A manual check keeps its lease alive past the visibility window.
	// WHY: A slow fetch must not let the runner start the same source concurrently.
	db := dbopen.OpenMemory(t)
	fx := newFakeExtractor()
	svc, err := New(db, &Config{InterBatchDelay: -1, LeaseVisibility: 200 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithExtractor(fx))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()
	src := &store.Source{Name: "Slow", Target: "https://slow.example/list", IntervalMinutes: 60}
	if err := svc.AddSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	fx.set(src.Target, item("Widget", "https://slow.example/widget", nil))
	fx.during = func() { time.Sleep(600 * time.Millisecond) }

	done := make(chan error, 1)
	go func() {
		_, err := svc.CheckNow(ctx, src.ID)
		done <- err
	}()
	time.Sleep(450 * time.Millisecond)
	if n := svc.runner.RunOnce(ctx); n != 0 {
		t.Fatalf("runner started a source under manual check (%d jobs)", n)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
