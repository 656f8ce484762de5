package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestMapping(eventID string) *Mapping {
	return &Mapping{
		SourceBridge:     "booking",
		TargetBridge:     "outlook",
		SourceCalendarID: "room-1",
		TargetCalendarID: "cal-1",
		SourceEventID:    eventID,
		SyncDirection:    SyncDirectionSourceToTarget,
	}
}

func TestReserveMapping(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("first reservation wins", func(t *testing.T) {
		m := newTestMapping("E1")
		if err := db.ReserveMapping(ctx, m, "worker-a", time.Minute); err != nil {
			t.Fatalf("ReserveMapping() error = %v", err)
		}
		if m.ID == "" {
			t.Fatal("expected ID to be set")
		}

		dup := newTestMapping("E1")
		err := db.ReserveMapping(ctx, dup, "worker-b", time.Minute)
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}

		got, err := db.FindMappingBySource(ctx, "booking", "room-1", "E1")
		if err != nil {
			t.Fatalf("FindMappingBySource() error = %v", err)
		}
		if got.ID != m.ID {
			t.Errorf("found mapping %s, want %s", got.ID, m.ID)
		}
		if got.SyncStatus != MappingStatusPending {
			t.Errorf("status = %s, want pending", got.SyncStatus)
		}
		if got.LeaseOwner != m.LeaseOwner || !strings.HasPrefix(got.LeaseOwner, "worker-a/") {
			t.Errorf("lease owner = %q, want token %q", got.LeaseOwner, m.LeaseOwner)
		}
	})

	t.Run("concurrent reservations produce one mapping", func(t *testing.T) {
		const workers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			reserved int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := db.ReserveMapping(ctx, newTestMapping("E-race"), "w", time.Minute)
				if err == nil {
					mu.Lock()
					reserved++
					mu.Unlock()
				} else if !errors.Is(err, ErrDuplicate) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if reserved != 1 {
			t.Errorf("reserved = %d, want exactly 1", reserved)
		}
	})

	t.Run("cancelled mapping does not block a new reservation", func(t *testing.T) {
		m := newTestMapping("E2")
		if err := db.ReserveMapping(ctx, m, "w", time.Minute); err != nil {
			t.Fatalf("ReserveMapping() error = %v", err)
		}
		if err := db.MarkMappingCancelled(ctx, m.ID, m.LeaseOwner); err != nil {
			t.Fatalf("MarkMappingCancelled() error = %v", err)
		}
		if err := db.ReserveMapping(ctx, newTestMapping("E2"), "w", time.Minute); err != nil {
			t.Fatalf("ReserveMapping() after cancel error = %v", err)
		}
	})
}

func TestMappingLease(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	m := newTestMapping("E1")
	if err := db.ReserveMapping(ctx, m, "worker-a", time.Minute); err != nil {
		t.Fatalf("ReserveMapping() error = %v", err)
	}

	t.Run("held lease blocks other owners", func(t *testing.T) {
		_, err := db.AcquireMappingLease(ctx, m.ID, "worker-b", time.Minute)
		if !errors.Is(err, ErrLeaseHeld) {
			t.Fatalf("expected ErrLeaseHeld, got %v", err)
		}
	})

	t.Run("held lease blocks the same owner", func(t *testing.T) {
		_, err := db.AcquireMappingLease(ctx, m.ID, "worker-a", time.Minute)
		if !errors.Is(err, ErrLeaseHeld) {
			t.Fatalf("expected ErrLeaseHeld, got %v", err)
		}
	})

	t.Run("write without lease is rejected", func(t *testing.T) {
		for _, token := range []string{"worker-b", "worker-a"} {
			err := db.MarkMappingSynced(ctx, m.ID, token, "T1", "", nil)
			if !errors.Is(err, ErrLeaseLost) {
				t.Fatalf("MarkMappingSynced(%q) expected ErrLeaseLost, got %v", token, err)
			}
		}
	})

	t.Run("release with another token keeps the lease", func(t *testing.T) {
		if err := db.ReleaseMappingLease(ctx, m.ID, "worker-a/other"); err != nil {
			t.Fatalf("ReleaseMappingLease() error = %v", err)
		}
		got, _ := db.GetMapping(ctx, m.ID)
		if got.LeaseOwner != m.LeaseOwner {
			t.Errorf("lease owner = %q, want %q", got.LeaseOwner, m.LeaseOwner)
		}
	})

	t.Run("synced releases lease", func(t *testing.T) {
		modified := time.Now().UTC().Truncate(time.Second)
		if err := db.MarkMappingSynced(ctx, m.ID, m.LeaseOwner, "T1", `{"subject":"Team Sync"}`, &modified); err != nil {
			t.Fatalf("MarkMappingSynced() error = %v", err)
		}
		got, err := db.AcquireMappingLease(ctx, m.ID, "worker-b", time.Minute)
		if err != nil {
			t.Fatalf("AcquireMappingLease() error = %v", err)
		}
		if got.SyncStatus != MappingStatusSynced || got.TargetEventID != "T1" {
			t.Errorf("got status=%s target=%q", got.SyncStatus, got.TargetEventID)
		}
		if got.LastSyncedAt == nil {
			t.Error("expected last_synced_at to be set")
		}
		if got.SourceModifiedAt == nil || !got.SourceModifiedAt.Equal(modified) {
			t.Errorf("source_modified_at = %v, want %v", got.SourceModifiedAt, modified)
		}
		if got.LeaseOwner == m.LeaseOwner || !strings.HasPrefix(got.LeaseOwner, "worker-b/") {
			t.Errorf("expected a fresh token for worker-b, got %q", got.LeaseOwner)
		}
		if err := db.ReleaseMappingLease(ctx, m.ID, got.LeaseOwner); err != nil {
			t.Fatalf("ReleaseMappingLease() error = %v", err)
		}
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		if _, err := db.AcquireMappingLease(ctx, m.ID, "worker-a", -time.Second); err != nil {
			t.Fatalf("AcquireMappingLease() error = %v", err)
		}
		if _, err := db.AcquireMappingLease(ctx, m.ID, "worker-b", time.Minute); err != nil {
			t.Fatalf("takeover of expired lease error = %v", err)
		}
	})

	t.Run("unknown mapping", func(t *testing.T) {
		_, err := db.AcquireMappingLease(ctx, "missing", "worker-a", time.Minute)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMappingLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	m := newTestMapping("E1")
	if err := db.ReserveMapping(ctx, m, "w", time.Minute); err != nil {
		t.Fatalf("ReserveMapping() error = %v", err)
	}
	if err := db.MarkMappingSynced(ctx, m.ID, m.LeaseOwner, "T1", "", nil); err != nil {
		t.Fatalf("MarkMappingSynced() error = %v", err)
	}

	byTarget, err := db.FindMappingByTarget(ctx, "outlook", "cal-1", "T1")
	if err != nil {
		t.Fatalf("FindMappingByTarget() error = %v", err)
	}
	if byTarget.ID != m.ID {
		t.Errorf("FindMappingByTarget() = %s, want %s", byTarget.ID, m.ID)
	}

	// cancel keeps the remote id
	leased, err := db.AcquireMappingLease(ctx, m.ID, "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMappingCancelled(ctx, m.ID, leased.LeaseOwner); err != nil {
		t.Fatalf("MarkMappingCancelled() error = %v", err)
	}
	got, _ := db.GetMapping(ctx, m.ID)
	if got.SyncStatus != MappingStatusCancelled || got.TargetEventID != "T1" {
		t.Errorf("after cancel: status=%s target=%q", got.SyncStatus, got.TargetEventID)
	}
	if _, err := db.FindMappingByTarget(ctx, "outlook", "cal-1", "T1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled mapping should not be found by target, got %v", err)
	}

	// FindMappingBySource still returns the cancelled mapping
	bySource, err := db.FindMappingBySource(ctx, "booking", "room-1", "E1")
	if err != nil || bySource.ID != m.ID {
		t.Fatalf("FindMappingBySource() = %v, %v", bySource, err)
	}

	// re-enable clears the remote id
	leased, err = db.AcquireMappingLease(ctx, m.ID, "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.ResetMappingForReenable(ctx, m.ID, leased.LeaseOwner); err != nil {
		t.Fatalf("ResetMappingForReenable() error = %v", err)
	}
	got, _ = db.GetMapping(ctx, m.ID)
	if got.SyncStatus != MappingStatusPending || got.HasTarget() {
		t.Errorf("after re-enable: status=%s target=%q", got.SyncStatus, got.TargetEventID)
	}

	// delete requires the lease
	if err := db.DeleteMapping(ctx, m.ID, leased.LeaseOwner); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("DeleteMapping() without lease = %v, want ErrLeaseLost", err)
	}
	leased, err = db.AcquireMappingLease(ctx, m.ID, "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMapping(ctx, m.ID, leased.LeaseOwner); err != nil {
		t.Fatalf("DeleteMapping() error = %v", err)
	}
	if _, err := db.GetMapping(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMarkMappingErrorAndReset(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	m := newTestMapping("E1")
	if err := db.ReserveMapping(ctx, m, "w", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMappingError(ctx, m.ID, m.LeaseOwner, "boom", false, 3); err != nil {
		t.Fatalf("MarkMappingError() error = %v", err)
	}

	got, _ := db.GetMapping(ctx, m.ID)
	if got.SyncStatus != MappingStatusError || got.ErrorCount != 1 || got.ErrorMessage != "boom" {
		t.Errorf("got status=%s count=%d msg=%q", got.SyncStatus, got.ErrorCount, got.ErrorMessage)
	}

	n, err := db.ResetErroredMappings(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reset with maxErrors=1 = %d, want 0", n)
	}

	n, err = db.ResetErroredMappings(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset with maxErrors=3 = %d, want 1", n)
	}

	counts, err := db.CountMappingsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[MappingStatusPending] != 1 || counts[MappingStatusError] != 0 {
		t.Errorf("counts = %v", counts)
	}
	t.Run("terminal error is not reset", func(t *testing.T) {
		bad := newTestMapping("E-invalid")
		if err := db.ReserveMapping(ctx, bad, "w", time.Minute); err != nil {
			t.Fatal(err)
		}
		if err := db.MarkMappingError(ctx, bad.ID, bad.LeaseOwner, "invalid payload", true, 3); err != nil {
			t.Fatalf("MarkMappingError() error = %v", err)
		}
		got, _ := db.GetMapping(ctx, bad.ID)
		if got.ErrorCount != 3 {
			t.Errorf("error_count = %d, want 3", got.ErrorCount)
		}
		n, err := db.ResetErroredMappings(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("reset = %d, want 0", n)
		}
	})
}

func TestListMappingsFilter(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"E1", "E2", "E3"} {
		m := newTestMapping(id)
		if err := db.ReserveMapping(ctx, m, "w", time.Minute); err != nil {
			t.Fatal(err)
		}
		if id == "E3" {
			if err := db.MarkMappingCancelled(ctx, m.ID, m.LeaseOwner); err != nil {
				t.Fatal(err)
			}
		}
	}
	other := newTestMapping("E4")
	other.SourceCalendarID = "room-2"
	if err := db.ReserveMapping(ctx, other, "w", time.Minute); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter MappingFilter
		want   int
	}{
		{"all", MappingFilter{}, 4},
		{"by calendar", MappingFilter{SourceCalendarID: "room-1"}, 3},
		{"live only", MappingFilter{SourceCalendarID: "room-1", ExcludeCancelled: true}, 2},
		{"by status", MappingFilter{Status: MappingStatusCancelled}, 1},
		{"limit", MappingFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListMappings(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMappings() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	byEvent, err := db.FindMappingsByEvent(ctx, "booking", "E1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byEvent) != 1 {
		t.Errorf("FindMappingsByEvent() = %d, want 1", len(byEvent))
	}
}
