package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/bridge/bridgetest"
	"github.com/macjediwizard/bridgesync/internal/db"
)

var (
	windowStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	modified    = time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
)

func fixedWindow(time.Time) (time.Time, time.Time) { return windowStart, windowEnd }

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "bridgesync-orchestrator-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}
	return database, func() {
		database.Close()
		os.RemoveAll(tempDir)
	}
}

type fixture struct {
	db   *db.DB
	a, b *bridgetest.Fake
	orch *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	a := bridgetest.New("a", bridge.TypeBooking, bridge.Capabilities{PollOnly: true})
	b := bridgetest.New("b", bridge.TypeOutlook, bridge.Capabilities{SupportsWebhooks: true})
	reg, err := NewRegistry(a, b)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return &fixture{db: database, a: a, b: b, orch: New(database, reg, Options{Owner: "test"})}
}

func (f *fixture) sync(t *testing.T, opts SyncOptions) *SyncResult {
	t.Helper()
	res, err := f.orch.SyncBetweenBridges(context.Background(), "a", "b", "room-1", "cal-1", windowStart, windowEnd, opts)
	if err != nil {
		t.Fatalf("SyncBetweenBridges() error = %v", err)
	}
	return res
}

func teamSync() bridge.Event {
	return bridge.Event{
		ID:           "E1",
		Subject:      "Team Sync",
		Start:        time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 6, 10, 11, 0, 0, 0, time.UTC),
		Organizer:    "lead@example.com",
		LastModified: modified,
	}
}

func TestSyncCreatesOnceAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.a.Put("room-1", teamSync())

	res := f.sync(t, SyncOptions{})
	if res.Created != 1 || res.Failed != 0 || res.EventCount != 1 {
		t.Fatalf("first pass = %+v", res)
	}

	copies := f.b.Events("cal-1")
	if len(copies) != 1 {
		t.Fatalf("target has %d events", len(copies))
	}
	if copies[0].Subject != "Team Sync" || copies[0].Origin != bridge.OriginMarker {
		t.Errorf("copy = %+v", copies[0])
	}

	m, err := f.db.FindMappingBySource(context.Background(), "a", "room-1", "E1")
	if err != nil {
		t.Fatalf("FindMappingBySource() error = %v", err)
	}
	if m.SyncStatus != db.MappingStatusSynced || m.TargetEventID != copies[0].ID || m.LeaseOwner != "" {
		t.Errorf("mapping = %+v", m)
	}

	logs, err := f.db.GetSyncLogs(context.Background(), "a", "b", 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("GetSyncLogs() = %v, %v", logs, err)
	}
	if logs[0].EventsCreated != 1 || logs[0].Status != db.SyncLogStatusSuccess {
		t.Errorf("sync log = %+v", logs[0])
	}

	res = f.sync(t, SyncOptions{})
	if res.Created != 0 || res.Updated != 0 || res.Skipped != 1 {
		t.Errorf("second pass = %+v", res)
	}
	if n := f.b.Calls("CreateEvent"); n != 1 {
		t.Errorf("CreateEvent called %d times", n)
	}
	if n := len(f.b.Events("cal-1")); n != 1 {
		t.Errorf("target has %d events after second pass", n)
	}
}

func TestSyncUpdatesChangedEvent(t *testing.T) {
	f := newFixture(t)
	f.a.Put("room-1", teamSync())
	f.sync(t, SyncOptions{})

	ev := teamSync()
	ev.Subject = "Team Sync (moved)"
	ev.End = ev.End.Add(30 * time.Minute)
	ev.LastModified = modified.Add(time.Hour)
	f.a.Put("room-1", ev)

	res := f.sync(t, SyncOptions{})
	if res.Updated != 1 || res.Created != 0 {
		t.Fatalf("pass = %+v", res)
	}
	copies := f.b.Events("cal-1")
	if copies[0].Subject != "Team Sync (moved)" || !copies[0].End.Equal(ev.End) {
		t.Errorf("copy not updated: %+v", copies[0])
	}

	// A newer modification time with unchanged content is not an update.
	ev.LastModified = modified.Add(2 * time.Hour)
	f.a.Put("room-1", ev)
	if res := f.sync(t, SyncOptions{}); res.Updated != 0 {
		t.Errorf("unchanged content updated: %+v", res)
	}
}

func TestSyncSkipsBridgeOriginatedEvents(t *testing.T) {
	f := newFixture(t)
	ev := teamSync()
	ev.Origin = bridge.OriginMarker
	f.a.Put("room-1", ev)

	res := f.sync(t, SyncOptions{})
	if res.Skipped != 1 || res.Created != 0 {
		t.Errorf("pass = %+v", res)
	}
	if f.b.Calls("CreateEvent") != 0 {
		t.Error("bridge-originated event was copied")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.a.Put("room-1", teamSync())

	res := f.sync(t, SyncOptions{DryRun: true})
	if !res.DryRun || res.Created != 1 {
		t.Fatalf("dry run = %+v", res)
	}
	if f.b.Calls("CreateEvent") != 0 {
		t.Error("dry run created an event")
	}
	if _, err := f.db.FindMappingBySource(context.Background(), "a", "room-1", "E1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("dry run wrote a mapping: %v", err)
	}
	if logs, _ := f.db.GetSyncLogs(context.Background(), "", "", 10); len(logs) != 0 {
		t.Errorf("dry run wrote %d sync logs", len(logs))
	}
}

func TestConcurrentPassesCreateOnce(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"E1", "E2", "E3"} {
		ev := teamSync()
		ev.ID = id
		f.a.Put("room-1", ev)
	}
	f.b.SetDelay(20 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := New(f.db, f.orch.Registry(), Options{})
			if _, err := o.SyncBetweenBridges(context.Background(), "a", "b", "room-1", "cal-1", windowStart, windowEnd, SyncOptions{}); err != nil {
				t.Errorf("SyncBetweenBridges() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.b.Calls("CreateEvent"); n != 3 {
		t.Errorf("CreateEvent called %d times, want 3", n)
	}
	if n := len(f.b.Events("cal-1")); n != 3 {
		t.Errorf("target has %d events, want 3", n)
	}
}

func TestHandleDeletionsQueuesChecks(t *testing.T) {
	f := newFixture(t)
	f.a.Put("room-1", teamSync())
	f.sync(t, SyncOptions{})

	f.a.Remove("room-1", "E1")
	res := f.sync(t, SyncOptions{HandleDeletions: true})
	if res.DeletionsQueued != 1 {
		t.Fatalf("pass = %+v", res)
	}
	if n := len(f.b.Events("cal-1")); n != 1 {
		t.Error("sync pass must not delete target events itself")
	}

	open, err := f.db.CountOpenQueueByType(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if open[db.QueueTypeDeletionCheck] != 1 {
		t.Errorf("open items = %v", open)
	}

	if res := f.sync(t, SyncOptions{HandleDeletions: true}); res.DeletionsQueued != 0 {
		t.Errorf("deletion check queued twice: %+v", res)
	}
}

func TestHandleDeletionsIgnoresEventsOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.a.Put("room-1", teamSync())
	f.sync(t, SyncOptions{})

	later := windowEnd.Add(24 * time.Hour)
	res, err := f.orch.SyncBetweenBridges(context.Background(), "a", "b", "room-1", "cal-1", windowEnd, later, SyncOptions{HandleDeletions: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletionsQueued != 0 {
		t.Errorf("event outside the window was treated as deleted: %+v", res)
	}
}

func TestCreateFailureMarksErrorAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.a.Put("room-1", teamSync())
	f.b.Fail("CreateEvent", bridge.ErrTransient)

	res := f.sync(t, SyncOptions{})
	if res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("pass = %+v", res)
	}
	m, err := f.db.FindMappingBySource(ctx, "a", "room-1", "E1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != db.MappingStatusError || m.ErrorCount != 1 || m.HasTarget() {
		t.Errorf("mapping = %+v", m)
	}
	logs, _ := f.db.GetSyncLogs(ctx, "a", "b", 1)
	if logs[0].Status != db.SyncLogStatusError || logs[0].EventsFailed != 1 {
		t.Errorf("sync log = %+v", logs[0])
	}

	// An errored mapping waits for the retry sweep.
	f.b.Fail("CreateEvent", nil)
	if res := f.sync(t, SyncOptions{}); res.Created != 0 || res.Failed != 0 {
		t.Errorf("pass before reset = %+v", res)
	}
	if n := f.b.Calls("CreateEvent"); n != 1 {
		t.Errorf("CreateEvent calls = %d, want 1", n)
	}

	if n, err := f.db.ResetErroredMappings(ctx, defaultMaxMappingErrors); err != nil || n != 1 {
		t.Fatalf("ResetErroredMappings() = %d, %v", n, err)
	}
	res = f.sync(t, SyncOptions{})
	if res.Created != 1 {
		t.Fatalf("retry pass = %+v", res)
	}
	m, _ = f.db.FindMappingBySource(ctx, "a", "room-1", "E1")
	if m.SyncStatus != db.MappingStatusSynced || m.ErrorCount != 0 {
		t.Errorf("mapping after retry = %+v", m)
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.a.Put("room-1", teamSync())
	f.b.Fail("CreateEvent", bridge.ErrValidation)

	for i := 0; i < 4; i++ {
		f.sync(t, SyncOptions{})
		if _, err := f.db.ResetErroredMappings(ctx, defaultMaxMappingErrors); err != nil {
			t.Fatal(err)
		}
	}

	if n := f.b.Calls("CreateEvent"); n != 1 {
		t.Errorf("CreateEvent calls = %d, want 1", n)
	}
	m, err := f.db.FindMappingBySource(ctx, "a", "room-1", "E1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != db.MappingStatusError || m.ErrorCount != defaultMaxMappingErrors {
		t.Errorf("mapping = %+v", m)
	}
}

func TestUpdateOfMissingTargetIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.a.Put("room-1", teamSync())
	f.sync(t, SyncOptions{})

	f.b.Remove("cal-1", f.b.Events("cal-1")[0].ID)
	ev := teamSync()
	ev.Subject = "Renamed"
	ev.LastModified = modified.Add(time.Hour)
	f.a.Put("room-1", ev)

	res := f.sync(t, SyncOptions{})
	if res.Deferred != 1 || res.Failed != 0 {
		t.Fatalf("pass = %+v", res)
	}
	open, _ := f.db.CountOpenQueueByType(context.Background())
	if open[db.QueueTypeDeletionCheck] != 1 {
		t.Errorf("open items = %v", open)
	}
}

func TestSourceFetchFailure(t *testing.T) {
	f := newFixture(t)
	f.a.Fail("GetEvents", bridge.ErrTransient)

	_, err := f.orch.SyncBetweenBridges(context.Background(), "a", "b", "room-1", "cal-1", windowStart, windowEnd, SyncOptions{})
	if !errors.Is(err, bridge.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	logs, _ := f.db.GetSyncLogs(context.Background(), "a", "b", 1)
	if len(logs) != 1 || logs[0].Status != db.SyncLogStatusError {
		t.Errorf("sync logs = %+v", logs)
	}
}

func TestSyncValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.SyncBetweenBridges(ctx, "a", "nope", "r", "c", windowStart, windowEnd, SyncOptions{}); !errors.Is(err, ErrUnknownBridge) {
		t.Errorf("unknown target: %v", err)
	}
	if _, err := f.orch.SyncBetweenBridges(ctx, "a", "b", "r", "c", windowEnd, windowStart, SyncOptions{}); !errors.Is(err, bridge.ErrValidation) {
		t.Errorf("inverted window: %v", err)
	}
	if _, err := f.orch.SyncBetweenBridges(ctx, "a", "a", "r", "r", windowStart, windowEnd, SyncOptions{}); !errors.Is(err, bridge.ErrValidation) {
		t.Errorf("same calendar: %v", err)
	}
}

func TestBidirectionalResourceMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.CreateResourceMapping(ctx, &db.ResourceMapping{
		BridgeFrom: "a", BridgeTo: "b", ResourceID: "room-1", CalendarID: "cal-1",
		SyncDirection: db.SyncDirectionBidirectional, IsActive: true, SyncEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	f.a.Put("room-1", teamSync())
	native := teamSync()
	native.ID = "F1"
	native.Subject = "Outlook only"
	f.b.Put("cal-1", native)

	res, err := f.orch.SyncResourceMappings(ctx, fixedWindow, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if created, _, failed := res.Totals(); created != 2 || failed != 0 {
		t.Fatalf("first run created=%d failed=%d errors=%v", created, failed, res.Errors)
	}
	if len(f.a.Events("room-1")) != 2 || len(f.b.Events("cal-1")) != 2 {
		t.Fatalf("a=%v b=%v", f.a.Events("room-1"), f.b.Events("cal-1"))
	}

	// Edit the copy of E1 on b; the change flows back to a.
	m, _ := f.db.FindMappingBySource(ctx, "a", "room-1", "E1")
	cp, _ := f.b.Event("cal-1", m.TargetEventID)
	cp.Subject = "Edited in Outlook"
	cp.LastModified = time.Now().Add(time.Minute)
	f.b.Put("cal-1", cp)

	res, err = f.orch.SyncResourceMappings(ctx, fixedWindow, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, updated, _ := res.Totals(); updated != 1 {
		t.Fatalf("second run updated=%d: %+v", updated, res.Passes)
	}
	orig, _ := f.a.Event("room-1", "E1")
	if orig.Subject != "Edited in Outlook" || orig.Origin != "" {
		t.Errorf("original = %+v", orig)
	}

	res, _ = f.orch.SyncResourceMappings(ctx, fixedWindow, SyncOptions{})
	if created, updated, _ := res.Totals(); created != 0 || updated != 0 {
		t.Errorf("third run should be quiet: created=%d updated=%d", created, updated)
	}

	rm, _ := f.db.ListActiveResourceMappings(ctx)
	if rm[0].LastSyncedAt == nil {
		t.Error("resource mapping sync time not recorded")
	}
}

func TestLegs(t *testing.T) {
	tests := []struct {
		dir  db.SyncDirection
		want []string
	}{
		{db.SyncDirectionSourceToTarget, []string{"a->b"}},
		{db.SyncDirectionTargetToSource, []string{"b->a"}},
		{db.SyncDirectionBidirectional, []string{"a->b", "b->a"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			got := legs(&db.ResourceMapping{BridgeFrom: "a", BridgeTo: "b", ResourceID: "r", CalendarID: "c", SyncDirection: tt.dir})
			if len(got) != len(tt.want) {
				t.Fatalf("legs = %+v", got)
			}
			for i, l := range got {
				if l.source+"->"+l.target != tt.want[i] {
					t.Errorf("leg %d = %s->%s", i, l.source, l.target)
				}
			}
		})
	}
}

func TestGetAllBridgesInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if info := f.orch.GetAllBridgesInfo(ctx); info.Status != HealthHealthy || len(info.Bridges) != 2 {
		t.Errorf("all up = %+v", info)
	}

	f.b.Fail("GetCalendars", bridge.ErrTransient)
	info := f.orch.GetAllBridgesInfo(ctx)
	if info.Status != HealthDegraded {
		t.Errorf("one down = %s", info.Status)
	}
	if info.Bridges[1].Status != HealthUnhealthy || info.Bridges[1].Error != "transient" {
		t.Errorf("b = %+v", info.Bridges[1])
	}

	f.a.Fail("GetCalendars", errors.New("boom"))
	if info := f.orch.GetAllBridgesInfo(ctx); info.Status != HealthUnhealthy {
		t.Errorf("all down = %s", info.Status)
	}

	empty, _ := NewRegistry()
	if info := New(f.db, empty, Options{}).GetAllBridgesInfo(ctx); info.Status != HealthUnhealthy {
		t.Errorf("no bridges = %s", info.Status)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	a := bridgetest.New("a", bridge.TypeBooking, bridge.Capabilities{})
	if _, err := NewRegistry(a, a); !errors.Is(err, bridge.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
