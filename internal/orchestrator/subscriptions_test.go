package orchestrator

import (
	"context"
	"testing"

	"github.com/macjediwizard/bridgesync/internal/db"
)

func TestSubscriptionsRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rm := &db.ResourceMapping{
		BridgeFrom: "a", BridgeTo: "b", ResourceID: "room-1", CalendarID: "cal-1",
		IsActive: true, SyncEnabled: true,
	}
	if err := f.db.CreateResourceMapping(ctx, rm); err != nil {
		t.Fatal(err)
	}

	subs := NewSubscriptions(f.db, f.orch.Registry(), func(name, typ string) string {
		return "https://sync.example.com/webhooks/" + name
	})

	t.Run("subscribes only push bridges", func(t *testing.T) {
		n, err := subs.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 subscription, got %d", n)
		}
		if f.a.Calls("SubscribeToChanges") != 0 {
			t.Error("poll-only bridge was subscribed")
		}
		active := subs.Active()
		if active[0].Bridge != "b" || active[0].CalendarID != "cal-1" {
			t.Errorf("unexpected subscription %+v", active[0])
		}
		got, ok := subs.Lookup(active[0].ID)
		if !ok || got.CalendarID != "cal-1" {
			t.Errorf("Lookup() = %+v, %v", got, ok)
		}
	})

	t.Run("renewal replaces the old subscription", func(t *testing.T) {
		old := subs.Active()[0].ID
		if _, err := subs.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		if _, ok := subs.Lookup(old); ok {
			t.Error("old subscription still tracked")
		}
		if f.b.Calls("UnsubscribeFromChanges") != 1 {
			t.Errorf("expected old subscription to be removed, calls = %d", f.b.Calls("UnsubscribeFromChanges"))
		}
	})

	t.Run("deactivated mapping drops its subscription", func(t *testing.T) {
		if err := f.db.DeactivateResourceMapping(ctx, rm.ID); err != nil {
			t.Fatal(err)
		}
		n, err := subs.Refresh(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 || len(subs.Active()) != 0 {
			t.Errorf("expected no subscriptions, got %d", n)
		}
	})

	subs.Close(ctx)
}
