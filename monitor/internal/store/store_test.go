package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/monitor/internal/delta"
	"github.com/hazyhaar/vigie/notify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewStore(db)
}

func seedSource(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.InsertSource(context.Background(), &Source{
		ID: id, Name: id, Target: "https://example.com/" + id, Enabled: true,
	}); err != nil {
		t.Fatalf("insert source: %v", err)
	}
}

func input(source, key, hash string, at int64, value string) UpsertInput {
	return UpsertInput{
		SourceID: source, NaturalKey: key, Hash: hash,
		Title: "Item " + key, URL: "https://example.com/" + key,
		Value: json.RawMessage(value), ObservedAt: at,
	}
}

func countSnapshots(t *testing.T, s *Store, entityID string) int {
	t.Helper()
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE entity_id = ?`, entityID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestApplySchema(t *testing.T) {
	// WHAT: Schema creates every table and is idempotent.
	// WHY: ApplySchema runs on every start.
	s := newTestStore(t)
	if err := ApplySchema(s.DB); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	for _, table := range []string{"sources", "entities", "snapshots", "scrape_runs", "watches", "notification_preferences"} {
		var name string
		if err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestSourceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := &Source{ID: "src-1", Name: "Shop", Target: "https://shop.example/prices", Enabled: true,
		VolatileFields: []string{"rank"}}
	if err := s.InsertSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSource(ctx, "src-1")
	if err != nil || got == nil {
		t.Fatalf("get source: %v %v", got, err)
	}
	if got.IntervalMinutes != 1440 || got.HashMode != "both" || got.LastStatus != "pending" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if len(got.VolatileFields) != 1 || got.VolatileFields[0] != "rank" {
		t.Errorf("volatile fields = %v", got.VolatileFields)
	}

	byTarget, err := s.GetSourceByTarget(ctx, "https://shop.example/prices", "")
	if err != nil || byTarget == nil || byTarget.ID != "src-1" {
		t.Fatalf("by target: %v %v", byTarget, err)
	}

	dup := &Source{ID: "src-2", Name: "dup", Target: "https://shop.example/prices", Enabled: true}
	if err := s.InsertSource(ctx, dup); err == nil {
		t.Fatal("duplicate target+instructions should violate the unique index")
	}

	if err := s.RecordRunError(ctx, "src-1", 1000, "timeout"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSource(ctx, "src-1")
	if got.FailCount != 1 || got.LastStatus != "error" || got.LastError != "timeout" {
		t.Errorf("after error: %+v", got)
	}
	if err := s.RecordRunSuccess(ctx, "src-1", 2000); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSource(ctx, "src-1")
	if got.FailCount != 0 || got.LastStatus != "ok" || got.LastRunAt == nil || *got.LastRunAt != 2000 {
		t.Errorf("after success: %+v", got)
	}

	if err := s.DisableSource(ctx, "src-1"); err != nil {
		t.Fatal(err)
	}
	enabled, _ := s.ListSources(ctx, true)
	if len(enabled) != 0 {
		t.Fatalf("enabled sources = %d, want 0", len(enabled))
	}
	if err := s.DisableSource(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disable unknown: %v", err)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	// WHAT: Applying the same record twice yields one new then one unchanged.
	// WHY: Re-running a cycle on identical input must not grow history.
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()

	d1, err := s.Upsert(ctx, input("src", "k1", "h1", 1000, `{"title":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d1.Kind != delta.New || d1.Current == nil || d1.Previous != nil {
		t.Fatalf("first upsert = %+v", d1)
	}
	d2, err := s.Upsert(ctx, input("src", "k1", "h1", 2000, `{"title":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d2.Kind != delta.Unchanged || d2.Current != nil {
		t.Fatalf("second upsert = %+v", d2)
	}
	if n := countSnapshots(t, s, d1.Entity.ID); n != 1 {
		t.Fatalf("snapshots = %d, want 1", n)
	}
	e, _ := s.GetEntity(ctx, d1.Entity.ID)
	if e.LastSeenAt != 2000 || e.LastChangedAt != 1000 {
		t.Fatalf("timestamps = seen %d changed %d", e.LastSeenAt, e.LastChangedAt)
	}
	if e.ID != EntityID("src", "k1") {
		t.Fatal("entity id is not key-derived")
	}
}

func TestUpsertNewThenChanged(t *testing.T) {
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()

	s.Upsert(ctx, input("src", "k1", "h1", 1000, `{"data":{"price":10}}`))
	d, err := s.Upsert(ctx, input("src", "k1", "h2", 2000, `{"data":{"price":12}}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != delta.Changed {
		t.Fatalf("kind = %s, want changed", d.Kind)
	}
	if d.Previous == nil || d.Previous.Hash != "h1" || d.Current.Hash != "h2" {
		t.Fatalf("previous/current = %+v / %+v", d.Previous, d.Current)
	}
	hist, err := s.GetHistory(ctx, d.Entity.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].CapturedAt != 1000 || hist[1].CapturedAt != 2000 {
		t.Fatalf("history = %+v", hist)
	}
	e, _ := s.GetEntity(ctx, d.Entity.ID)
	if e.CurrentHash != hist[len(hist)-1].Hash {
		t.Fatal("entity hash must equal newest snapshot hash")
	}
}

func TestMarkRemovedOnce(t *testing.T) {
	// WHAT: A key absent from two consecutive cycles is removed exactly once.
	// WHY: Removal notifications must not repeat every cycle.
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()

	s.Upsert(ctx, input("src", "a", "h", 1000, `{}`))
	s.Upsert(ctx, input("src", "b", "h", 1000, `{}`))

	removed, err := s.MarkRemoved(ctx, "src", []string{"a"}, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0].NaturalKey != "b" || removed[0].Status != StatusRemoved {
		t.Fatalf("first removal = %+v", removed)
	}
	again, err := s.MarkRemoved(ctx, "src", []string{"a"}, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second removal = %d entities, want 0", len(again))
	}
	e, _ := s.GetEntityByKey(ctx, "src", "b")
	if e.RemovedAt == nil || *e.RemovedAt != 2000 {
		t.Fatalf("removed_at = %v", e.RemovedAt)
	}
	if n := countSnapshots(t, s, e.ID); n != 1 {
		t.Fatalf("removed entity lost history: %d snapshots", n)
	}
}

func TestRemovedEntityReappears(t *testing.T) {
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()

	s.Upsert(ctx, input("src", "a", "h1", 1000, `{}`))
	s.MarkRemoved(ctx, "src", nil, 2000)

	d, err := s.Upsert(ctx, input("src", "a", "h1", 3000, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != delta.Unchanged || d.Entity.Status != StatusActive || d.Entity.RemovedAt != nil {
		t.Fatalf("reappear same hash = %+v", d.Entity)
	}

	s.MarkRemoved(ctx, "src", nil, 4000)
	d, _ = s.Upsert(ctx, input("src", "a", "h2", 5000, `{}`))
	if d.Kind != delta.Changed || d.Entity.Status != StatusActive {
		t.Fatalf("reappear new hash = %s %s", d.Kind, d.Entity.Status)
	}
}

func TestGetHistorySinceDays(t *testing.T) {
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	day := func(n int) int64 { return now.AddDate(0, 0, -n).UnixMilli() }
	s.Upsert(ctx, input("src", "k", "h1", day(100), `{}`))
	s.Upsert(ctx, input("src", "k", "h2", day(40), `{}`))
	s.Upsert(ctx, input("src", "k", "h3", day(5), `{}`))

	id := EntityID("src", "k")
	h30, _ := s.GetHistory(ctx, id, 30)
	if len(h30) != 1 || h30[0].Hash != "h3" {
		t.Fatalf("30d history = %d entries", len(h30))
	}
	h90, _ := s.GetHistory(ctx, id, 90)
	if len(h90) != 2 {
		t.Fatalf("90d history = %d entries, want 2", len(h90))
	}
	latest, _ := s.LatestSnapshots(ctx, id, 2)
	if len(latest) != 2 || latest[0].Hash != "h3" || latest[1].Hash != "h2" {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestPruneKeepsNewestSnapshot(t *testing.T) {
	// WHAT: Retention drops old snapshots but never the newest of an entity.
	// WHY: The entity's current hash must always have its snapshot.
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(-2, 0, 0).UnixMilli()

	s.Upsert(ctx, input("src", "stale", "h1", old, `{}`))
	s.Upsert(ctx, input("src", "stale", "h2", old+1, `{}`))
	s.Upsert(ctx, input("src", "fresh", "h1", old, `{}`))
	s.Upsert(ctx, input("src", "fresh", "h2", now.UnixMilli(), `{}`))

	n, err := s.PruneSnapshots(ctx, now.AddDate(0, 0, -365))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}
	if c := countSnapshots(t, s, EntityID("src", "stale")); c != 1 {
		t.Fatalf("stale snapshots = %d, want 1", c)
	}
	snap, _ := s.LatestSnapshot(ctx, EntityID("src", "stale"))
	if snap == nil || snap.Hash != "h2" {
		t.Fatalf("kept snapshot = %+v, want h2", snap)
	}
}

func TestScrapeRunsAndStats(t *testing.T) {
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()

	for i, status := range []string{RunSuccess, RunError, RunSuccess, RunSuccess} {
		if err := s.InsertScrapeRun(ctx, &ScrapeRun{SourceID: "src", Status: status, StartedAt: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ScrapeRuns(ctx, "src", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 4 || runs[0].StartedAt != 4000 {
		t.Fatalf("runs not newest first: %+v", runs)
	}
	st, err := s.RunStats(ctx, "src", 10)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 4 || st.Success != 3 || st.Errors != 1 || st.SuccessRate != 0.75 || st.LastRunAt != 4000 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedSource(t, s, "src")
	ctx := context.Background()
	d, _ := s.Upsert(ctx, input("src", "k", "h", 1000, `{}`))

	w := &Watch{EntityID: d.Entity.ID, RecipientID: "u1", FieldPath: "data.price", Condition: CondThreshold, ThresholdPct: 10}
	if err := s.InsertWatch(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordWatchFired(ctx, w.ID, []byte(`19.99`), 5000); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetWatch(ctx, w.ID)
	if string(got.LastObservedValue) != "19.99" || got.LastTriggeredAt == nil || *got.LastTriggeredAt != 5000 {
		t.Fatalf("after fire: %+v", got)
	}

	list, _ := s.ListWatches(ctx, d.Entity.ID)
	if len(list) != 1 {
		t.Fatalf("watches = %d", len(list))
	}
	if err := s.DeactivateWatch(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeactivateWatch(ctx, w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second deactivate: %v", err)
	}
	list, _ = s.ListWatches(ctx, "")
	if len(list) != 0 {
		t.Fatalf("active watches = %d, want 0", len(list))
	}
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if p, err := s.GetPreference(ctx, "u1"); err != nil || p != nil {
		t.Fatalf("missing preference = %v, %v", p, err)
	}
	pref := &notify.Preference{RecipientID: "u1", Routes: []notify.Route{
		{Channel: "sms", Address: "+1"}, {Channel: "webhook", Address: "https://h"},
	}}
	if err := s.PutPreference(ctx, pref); err != nil {
		t.Fatal(err)
	}
	pref.Routes = pref.Routes[1:]
	if err := s.PutPreference(ctx, pref); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPreference(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Routes) != 1 || got.Routes[0].Channel != "webhook" {
		t.Fatalf("routes = %+v", got.Routes)
	}
}

func TestSourcesWithActiveKey(t *testing.T) {
	s := newTestStore(t)
	seedSource(t, s, "a")
	seedSource(t, s, "b")
	ctx := context.Background()

	s.Upsert(ctx, input("a", "shared", "h", 1000, `{}`))
	s.Upsert(ctx, input("b", "shared", "h", 1000, `{}`))

	others, err := s.SourcesWithActiveKey(ctx, "shared", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(others) != 1 || others[0] != "b" {
		t.Fatalf("others = %v", others)
	}
	if EntityID("a", "shared") == EntityID("b", "shared") {
		t.Fatal("same key under two sources must be two entities")
	}
}
