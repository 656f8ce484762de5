package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/bridge/bridgetest"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
)

var (
	windowStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
)

func fixedWindow(time.Time) (time.Time, time.Time) { return windowStart, windowEnd }

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "bridgesync-reconcile-*")
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

// plain hides the reservation support of a fake, like a calendar backend
// without an active flag.
type plain struct{ bridge.Bridge }

type fixture struct {
	db   *db.DB
	a, b *bridgetest.Fake
	orch *orchestrator.Orchestrator
	rec  *Reconciler
}

// newFixture registers a poll-only booking fake "a" and a webhook-capable
// fake "b" with a resource mapping room-1 -> cal-1. With plainSource the
// source bridge does not expose reservations.
func newFixture(t *testing.T, plainSource bool) *fixture {
	t.Helper()
	database, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	a := bridgetest.New("a", bridge.TypeBooking, bridge.Capabilities{PollOnly: true})
	b := bridgetest.New("b", bridge.TypeOutlook, bridge.Capabilities{SupportsWebhooks: true})
	var src bridge.Bridge = a
	if plainSource {
		src = plain{a}
	}
	reg, err := orchestrator.NewRegistry(src, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := database.CreateResourceMapping(context.Background(), &db.ResourceMapping{
		BridgeFrom: "a", BridgeTo: "b", ResourceID: "room-1", CalendarID: "cal-1",
		IsActive: true, SyncEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		db:   database,
		a:    a,
		b:    b,
		orch: orchestrator.New(database, reg, orchestrator.Options{Owner: "sync"}),
		rec:  New(database, reg, Options{Owner: "reconcile", Window: fixedWindow}),
	}
}

func (f *fixture) sync(t *testing.T, opts orchestrator.SyncOptions) *orchestrator.SyncResult {
	t.Helper()
	res, err := f.orch.SyncBetweenBridges(context.Background(), "a", "b", "room-1", "cal-1", windowStart, windowEnd, opts)
	if err != nil {
		t.Fatalf("SyncBetweenBridges() error = %v", err)
	}
	return res
}

func (f *fixture) mapping(t *testing.T) *db.Mapping {
	t.Helper()
	m, err := f.db.FindMappingBySource(context.Background(), "a", "room-1", "E1")
	if err != nil {
		t.Fatalf("FindMappingBySource() error = %v", err)
	}
	return m
}

func teamSync() bridge.Event {
	return bridge.Event{
		ID:           "E1",
		Subject:      "Team Sync",
		Start:        time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 6, 10, 11, 0, 0, 0, time.UTC),
		LastModified: time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC),
	}
}

func TestCancelAndReenableRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.a.Put("room-1", teamSync())

	if res := f.sync(t, orchestrator.SyncOptions{}); res.Created != 1 {
		t.Fatalf("initial sync = %+v", res)
	}
	first := f.mapping(t)
	if first.SyncStatus != db.MappingStatusSynced {
		t.Fatalf("mapping = %+v", first)
	}

	f.a.SetActive("room-1", "E1", false)
	res, err := f.rec.DetectAndProcessCancellations(ctx)
	if err != nil {
		t.Fatalf("DetectAndProcessCancellations() error = %v", err)
	}
	if res.Cancelled != 1 || res.Failed != 0 {
		t.Fatalf("cancellations = %+v", res)
	}
	if n := len(f.b.Events("cal-1")); n != 0 {
		t.Errorf("remote event not deleted, %d left", n)
	}
	cancelled := f.mapping(t)
	if cancelled.SyncStatus != db.MappingStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.SyncStatus)
	}

	// A second run finds nothing left to cancel.
	if res, _ := f.rec.DetectAndProcessCancellations(ctx); res.Cancelled != 0 || res.Checked != 0 {
		t.Errorf("second cancellation run = %+v", res)
	}

	f.a.SetActive("room-1", "E1", true)
	res, err = f.rec.DetectAndProcessReenabledReservations(ctx)
	if err != nil {
		t.Fatalf("DetectAndProcessReenabledReservations() error = %v", err)
	}
	if res.Reenabled != 1 {
		t.Fatalf("re-enable = %+v", res)
	}
	reset := f.mapping(t)
	if reset.SyncStatus != db.MappingStatusPending || reset.HasTarget() {
		t.Errorf("mapping after re-enable = %+v", reset)
	}

	if res := f.sync(t, orchestrator.SyncOptions{}); res.Created != 1 {
		t.Fatalf("sync after re-enable = %+v", res)
	}
	copies := f.b.Events("cal-1")
	if len(copies) != 1 {
		t.Fatalf("target has %d events", len(copies))
	}
	if copies[0].ID == first.TargetEventID {
		t.Errorf("remote event id %s reused", copies[0].ID)
	}
	if got := f.mapping(t); got.ID != first.ID || got.TargetEventID != copies[0].ID {
		t.Errorf("mapping = %+v", got)
	}

	logs, _ := f.db.GetSyncLogs(ctx, "", "", 20)
	found := false
	for _, l := range logs {
		if l.Operation == JobCancellations && l.EventsDeleted == 1 {
			found = true
		}
	}
	if !found {
		t.Error("cancellation run not recorded in sync logs")
	}
}

func TestDeletionConvergesOnPushAndPull(t *testing.T) {
	tests := []struct {
		name string
		run  func(f *fixture, m *db.Mapping) error
	}{
		{
			name: "webhook",
			run: func(f *fixture, m *db.Mapping) error {
				a, err := f.rec.Resolve(context.Background(), m.ID, TriggerWebhook)
				if err == nil && a != ActionDeleted {
					t.Errorf("action = %s, want deleted", a)
				}
				return err
			},
		},
		{
			name: "poll",
			run: func(f *fixture, m *db.Mapping) error {
				res, err := f.rec.ProcessDeletionChecks(context.Background())
				if err == nil && res.Deleted != 1 {
					t.Errorf("result = %+v", res)
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.a.Put("room-1", teamSync())
			f.sync(t, orchestrator.SyncOptions{})
			m := f.mapping(t)

			f.a.Remove("room-1", "E1")
			if err := tt.run(f, m); err != nil {
				t.Fatalf("resolve error = %v", err)
			}

			if n := len(f.b.Events("cal-1")); n != 0 {
				t.Errorf("target still has %d events", n)
			}
			if _, err := f.db.GetMapping(context.Background(), m.ID); !errors.Is(err, db.ErrNotFound) {
				t.Errorf("mapping not removed: %v", err)
			}

			// Resolving the same mapping again is a no-op.
			a, err := f.rec.Resolve(context.Background(), m.ID, TriggerWebhook)
			if err != nil || a != ActionNone {
				t.Errorf("second resolve = %s, %v", a, err)
			}
		})
	}
}

func TestResolveLeavesLiveMappings(t *testing.T) {
	f := newFixture(t, false)
	f.a.Put("room-1", teamSync())
	f.sync(t, orchestrator.SyncOptions{})
	m := f.mapping(t)

	a, err := f.rec.Resolve(context.Background(), m.ID, TriggerSyncPass)
	if err != nil || a != ActionNone {
		t.Fatalf("Resolve() = %s, %v", a, err)
	}
	got := f.mapping(t)
	if got.SyncStatus != db.MappingStatusSynced || got.LeaseOwner != "" {
		t.Errorf("mapping = %+v", got)
	}
	if f.b.Calls("DeleteEvent") != 0 {
		t.Error("live event deleted")
	}
}

func TestResolveTargetGone(t *testing.T) {
	t.Run("one-way pair is unlinked and copied again", func(t *testing.T) {
		f := newFixture(t, false)
		f.a.Put("room-1", teamSync())
		f.sync(t, orchestrator.SyncOptions{})
		m := f.mapping(t)
		f.b.Remove("cal-1", m.TargetEventID)

		a, err := f.rec.Resolve(context.Background(), m.ID, TriggerWebhook)
		if err != nil || a != ActionUnlinked {
			t.Fatalf("Resolve() = %s, %v", a, err)
		}
		if _, ok := f.a.Event("room-1", "E1"); !ok {
			t.Error("original removed for a one-way pair")
		}
		if res := f.sync(t, orchestrator.SyncOptions{}); res.Created != 1 {
			t.Errorf("next pass = %+v", res)
		}
	})

	t.Run("bidirectional pair deletes the original", func(t *testing.T) {
		f := newFixture(t, false)
		f.a.Put("room-1", teamSync())
		f.sync(t, orchestrator.SyncOptions{Direction: db.SyncDirectionBidirectional})
		m := f.mapping(t)
		f.b.Remove("cal-1", m.TargetEventID)

		a, err := f.rec.Resolve(context.Background(), m.ID, TriggerWebhook)
		if err != nil || a != ActionSourceDeleted {
			t.Fatalf("Resolve() = %s, %v", a, err)
		}
		if _, ok := f.a.Event("room-1", "E1"); ok {
			t.Error("original kept for a bidirectional pair")
		}
		if _, err := f.db.GetMapping(context.Background(), m.ID); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("mapping not removed: %v", err)
		}
	})
}

func TestResolveTransientFailureLeavesMapping(t *testing.T) {
	f := newFixture(t, true)
	f.a.Put("room-1", teamSync())
	f.sync(t, orchestrator.SyncOptions{})
	m := f.mapping(t)

	f.a.Remove("room-1", "E1")
	f.b.Fail("DeleteEvent", bridge.ErrTransient)

	a, err := f.rec.Resolve(context.Background(), m.ID, TriggerPoll)
	if !errors.Is(err, bridge.ErrTransient) || a != ActionNone {
		t.Fatalf("Resolve() = %s, %v", a, err)
	}
	got, err := f.db.GetMapping(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != db.MappingStatusSynced || got.LeaseOwner != "" {
		t.Errorf("mapping = %+v", got)
	}

	f.b.Fail("DeleteEvent", nil)
	if a, err := f.rec.Resolve(context.Background(), m.ID, TriggerPoll); err != nil || a != ActionDeleted {
		t.Errorf("retry = %s, %v", a, err)
	}
}

func TestResolveDefersLeasedMapping(t *testing.T) {
	f := newFixture(t, false)
	f.a.Put("room-1", teamSync())
	f.sync(t, orchestrator.SyncOptions{})
	m := f.mapping(t)

	if _, err := f.db.AcquireMappingLease(context.Background(), m.ID, "someone-else", time.Minute); err != nil {
		t.Fatal(err)
	}
	a, err := f.rec.Resolve(context.Background(), m.ID, TriggerWebhook)
	if err != nil || a != ActionDeferred {
		t.Errorf("Resolve() = %s, %v", a, err)
	}
	if f.a.Calls("GetEvent") != 0 {
		t.Error("bridge called without the mapping lease")
	}
}

func TestResolveSharedOwnerDefersInflightCreate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reg := f.orch.Registry()
	orch := orchestrator.New(f.db, reg, orchestrator.Options{Owner: "shared"})
	rec := New(f.db, reg, Options{Owner: "shared", Window: fixedWindow})

	f.a.Put("room-1", teamSync())
	f.b.SetDelay(300 * time.Millisecond)

	done := make(chan *orchestrator.SyncResult, 1)
	go func() {
		res, _ := orch.SyncBetweenBridges(ctx, "a", "b", "room-1", "cal-1", windowStart, windowEnd, orchestrator.SyncOptions{})
		done <- res
	}()

	var m *db.Mapping
	deadline := time.Now().Add(2 * time.Second)
	for m == nil || m.LeaseOwner == "" {
		if time.Now().After(deadline) {
			t.Fatal("mapping was not reserved")
		}
		time.Sleep(10 * time.Millisecond)
		m, _ = f.db.FindMappingBySource(ctx, "a", "room-1", "E1")
	}

	// Same process, other component: the create in flight keeps its lease.
	a, err := rec.Resolve(ctx, m.ID, TriggerWebhook)
	if err != nil || a != ActionDeferred {
		t.Errorf("Resolve() = %s, %v", a, err)
	}
	if got, _ := f.db.GetMapping(ctx, m.ID); got.LeaseOwner != m.LeaseOwner {
		t.Errorf("lease owner = %q, want %q", got.LeaseOwner, m.LeaseOwner)
	}

	other := orchestrator.New(f.db, reg, orchestrator.Options{Owner: "other-process"})
	res, err := other.SyncBetweenBridges(ctx, "a", "b", "room-1", "cal-1", windowStart, windowEnd, orchestrator.SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 {
		t.Errorf("second process created %d events", res.Created)
	}

	first := <-done
	if first == nil || first.Created != 1 || first.Failed != 0 {
		t.Errorf("in-flight pass = %+v", first)
	}
	if n := f.b.Calls("CreateEvent"); n != 1 {
		t.Errorf("CreateEvent calls = %d, want 1", n)
	}
	if n := f.b.Calls("DeleteEvent"); n != 0 {
		t.Errorf("DeleteEvent calls = %d, want 0", n)
	}
}

func TestResolveDeletedReservationRemovesMapping(t *testing.T) {
	f := newFixture(t, false)
	f.a.Put("room-1", teamSync())
	f.sync(t, orchestrator.SyncOptions{})
	m := f.mapping(t)

	f.a.Remove("room-1", "E1")
	a, err := f.rec.Resolve(context.Background(), m.ID, TriggerWebhook)
	if err != nil || a != ActionDeleted {
		t.Fatalf("Resolve() = %s, %v", a, err)
	}
	if n := len(f.b.Events("cal-1")); n != 0 {
		t.Errorf("target still has %d events", n)
	}
	if _, err := f.db.GetMapping(context.Background(), m.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("mapping of a deleted reservation not removed: %v", err)
	}
}

func TestReenableVerifiesPreviousCopy(t *testing.T) {
	cancel := func(t *testing.T, f *fixture) *db.Mapping {
		t.Helper()
		f.a.Put("room-1", teamSync())
		f.sync(t, orchestrator.SyncOptions{})
		m := f.mapping(t)
		ctx := context.Background()
		leased, err := f.db.AcquireMappingLease(ctx, m.ID, "test", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.db.MarkMappingCancelled(ctx, m.ID, leased.LeaseOwner); err != nil {
			t.Fatal(err)
		}
		return m
	}

	t.Run("copy still present is deleted", func(t *testing.T) {
		f := newFixture(t, false)
		m := cancel(t, f)

		a, err := f.rec.Reenable(context.Background(), m.ID)
		if err != nil || a != ActionReenabled {
			t.Fatalf("Reenable() = %s, %v", a, err)
		}
		if n := len(f.b.Events("cal-1")); n != 0 {
			t.Errorf("previous copy left behind, %d events", n)
		}
		if got := f.mapping(t); got.SyncStatus != db.MappingStatusPending || got.HasTarget() {
			t.Errorf("mapping = %+v", got)
		}
	})

	t.Run("unknown copy state keeps mapping cancelled", func(t *testing.T) {
		f := newFixture(t, false)
		m := cancel(t, f)
		f.b.Fail("GetEvent", bridge.ErrTransient)

		a, err := f.rec.Reenable(context.Background(), m.ID)
		if !errors.Is(err, bridge.ErrTransient) || a != ActionNone {
			t.Fatalf("Reenable() = %s, %v", a, err)
		}
		if got := f.mapping(t); got.SyncStatus != db.MappingStatusCancelled || got.TargetEventID != m.TargetEventID {
			t.Errorf("mapping = %+v", got)
		}
	})

	t.Run("live mapping is left alone", func(t *testing.T) {
		f := newFixture(t, false)
		f.a.Put("room-1", teamSync())
		f.sync(t, orchestrator.SyncOptions{})
		m := f.mapping(t)

		if a, err := f.rec.Reenable(context.Background(), m.ID); err != nil || a != ActionNone {
			t.Errorf("Reenable() = %s, %v", a, err)
		}
	})
}

// deltaFake adds scripted delta responses to a fake bridge.
type deltaFake struct {
	*bridgetest.Fake

	mu      sync.Mutex
	pages   map[string]bridge.DeltaPage
	expired map[string]bool
	tokens  []string
}

func (d *deltaFake) Changes(ctx context.Context, calendarID, token string, start, end time.Time) (bridge.DeltaPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.expired[token] {
		return bridge.DeltaPage{}, bridge.ErrDeltaExpired
	}
	if p, ok := d.pages[token]; ok {
		return p, nil
	}
	return bridge.DeltaPage{NextToken: token}, nil
}

func TestSyncDeletedEvents(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := &deltaFake{
		Fake:    bridgetest.New("o", bridge.TypeOutlook, bridge.Capabilities{SupportsWebhooks: true}),
		expired: map[string]bool{"stale": true},
	}
	a := bridgetest.New("a", bridge.TypeBooking, bridge.Capabilities{PollOnly: true})
	reg, err := orchestrator.NewRegistry(d, a)
	if err != nil {
		t.Fatal(err)
	}
	if err := database.CreateResourceMapping(ctx, &db.ResourceMapping{
		BridgeFrom: "o", BridgeTo: "a", ResourceID: "cal-o", CalendarID: "room-1",
		IsActive: true, SyncEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	orch := orchestrator.New(database, reg, orchestrator.Options{})
	rec := New(database, reg, Options{Window: fixedWindow})

	d.Put("cal-o", teamSync())
	if _, err := orch.SyncBetweenBridges(ctx, "o", "a", "cal-o", "room-1", windowStart, windowEnd, orchestrator.SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Expired token: state is reset and the delta restarted from scratch.
	if err := database.UpsertDeltaState(ctx, &db.DeltaState{Bridge: "o", CalendarID: "cal-o", DeltaToken: "stale"}); err != nil {
		t.Fatal(err)
	}
	d.pages = map[string]bridge.DeltaPage{
		"":   {Changed: []bridge.Event{teamSync()}, NextToken: "t1"},
		"t1": {Changed: []bridge.Event{teamSync()}, Removed: []string{"E1"}, NextToken: "t2"},
	}
	res, err := rec.SyncDeletedEvents(ctx)
	if err != nil {
		t.Fatalf("SyncDeletedEvents() error = %v", err)
	}
	if res.Checked != 0 || res.SyncsQueued != 0 {
		t.Errorf("baseline run = %+v", res)
	}
	if st, err := database.GetDeltaState(ctx, "o", "cal-o"); err != nil || st.DeltaToken != "t1" {
		t.Fatalf("delta state = %+v, %v", st, err)
	}

	d.Remove("cal-o", "E1")
	res, err = rec.SyncDeletedEvents(ctx)
	if err != nil {
		t.Fatalf("SyncDeletedEvents() error = %v", err)
	}
	if res.Removed() != 1 || res.SyncsQueued != 1 {
		t.Errorf("incremental run = %+v", res)
	}
	if n := len(a.Events("room-1")); n != 0 {
		t.Errorf("copy not deleted, %d events", n)
	}
	if st, _ := database.GetDeltaState(ctx, "o", "cal-o"); st.DeltaToken != "t2" {
		t.Errorf("delta token = %q, want t2", st.DeltaToken)
	}
	open, _ := database.CountOpenQueueByType(ctx)
	if open[db.QueueTypeResourceSync] != 1 {
		t.Errorf("open items = %v", open)
	}
}

func TestProcessDeletionChecksSkipsPushBridges(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	x := bridgetest.New("x", bridge.TypeOutlook, bridge.Capabilities{SupportsWebhooks: true})
	y := bridgetest.New("y", bridge.TypeOutlook, bridge.Capabilities{SupportsWebhooks: true})
	reg, _ := orchestrator.NewRegistry(x, y)
	x.Put("cal-x", teamSync())
	if _, err := orchestrator.New(database, reg, orchestrator.Options{}).
		SyncBetweenBridges(ctx, "x", "y", "cal-x", "cal-y", windowStart, windowEnd, orchestrator.SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	res, err := New(database, reg, Options{}).ProcessDeletionChecks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 0 || x.Calls("GetEvent") != 0 {
		t.Errorf("push bridges polled: %+v", res)
	}
}

func TestJobRefusesConcurrentRun(t *testing.T) {
	f := newFixture(t, false)
	tracker := activity.NewTracker()
	rec := New(f.db, f.orch.Registry(), Options{Tracker: tracker})

	tracker.Start("reconcile:"+JobCancellations, "reconcile", "cancellations")
	if _, err := rec.DetectAndProcessCancellations(context.Background()); !errors.Is(err, ErrJobInProgress) {
		t.Errorf("expected ErrJobInProgress, got %v", err)
	}
}
