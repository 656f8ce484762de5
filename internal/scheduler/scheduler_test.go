package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "bridgesync-scheduler-*")
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

func noop(context.Context) error { return nil }

func TestNew(t *testing.T) {
	t.Run("creates scheduler with nil dependencies", func(t *testing.T) {
		sched := New(nil, nil)

		if sched == nil {
			t.Fatal("expected non-nil scheduler")
		}
		if sched.jobs == nil {
			t.Error("expected jobs map to be initialized")
		}
		if sched.jobLocks == nil {
			t.Error("expected jobLocks map to be initialized")
		}
		if sched.owner == "" {
			t.Error("expected owner to be set")
		}
		if sched.ctx == nil || sched.cancel == nil {
			t.Error("expected context to be initialized")
		}
	})

	t.Run("owners are unique per scheduler", func(t *testing.T) {
		if New(nil, nil).owner == New(nil, nil).owner {
			t.Error("expected distinct owners")
		}
	})
}

func TestSchedulerConstants(t *testing.T) {
	if cleanupInterval != 24*time.Hour {
		t.Errorf("expected cleanupInterval to be 24h, got %v", cleanupInterval)
	}
	if logRetentionDays != 30 {
		t.Errorf("expected logRetentionDays to be 30, got %d", logRetentionDays)
	}
	if jobTimeout <= 0 {
		t.Errorf("expected positive jobTimeout, got %v", jobTimeout)
	}
}

func TestAddAndRemoveJob(t *testing.T) {
	sched := New(nil, nil)

	sched.AddJob("a", time.Minute, noop)
	sched.AddJob("b", time.Minute, noop)
	if count := sched.GetJobCount(); count != 2 {
		t.Fatalf("expected 2 jobs, got %d", count)
	}

	t.Run("replacing a job keeps the count", func(t *testing.T) {
		sched.AddJob("a", 2*time.Minute, noop)
		if count := sched.GetJobCount(); count != 2 {
			t.Errorf("expected 2 jobs, got %d", count)
		}
	})

	t.Run("update interval", func(t *testing.T) {
		sched.UpdateJobInterval("a", 3*time.Minute)
		if got := sched.jobs["a"].interval; got != 3*time.Minute {
			t.Errorf("expected 3m, got %v", got)
		}
		sched.UpdateJobInterval("missing", time.Minute)
	})

	t.Run("remove", func(t *testing.T) {
		sched.RemoveJob("a")
		sched.RemoveJob("missing")
		if count := sched.GetJobCount(); count != 1 {
			t.Errorf("expected 1 job, got %d", count)
		}
		if names := sched.JobNames(); len(names) != 1 || names[0] != "b" {
			t.Errorf("unexpected job names %v", names)
		}
	})
}

func TestStartRunsJobsImmediately(t *testing.T) {
	sched := New(nil, nil)
	ran := make(chan struct{}, 1)
	sched.AddJob("tick", time.Hour, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	sched.Start()
	defer sched.Stop()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestStopIdempotent(t *testing.T) {
	sched := New(nil, nil)
	sched.AddJob("a", time.Hour, noop)

	sched.Stop()
	sched.Start()
	sched.Stop()
	sched.Stop()
}

func TestStopCancelsRunningJob(t *testing.T) {
	sched := New(nil, nil)
	started := make(chan struct{})
	var cancelled atomic.Bool
	sched.AddJob("long", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})

	sched.Start()
	<-started
	sched.Stop()

	if !cancelled.Load() {
		t.Error("expected job context to be cancelled on stop")
	}
}

func TestExecuteJobSkipsOverlappingRun(t *testing.T) {
	sched := New(nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	sched.AddJob("slow", time.Hour, func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})
	job := sched.jobs["slow"]

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.executeJob(job)
	}()
	<-started

	if sched.executeJob(job) {
		t.Error("expected overlapping run to be skipped")
	}
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
}

func TestExecuteJobHonorsJobLease(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	sched := New(database, nil)
	var runs atomic.Int32
	sched.AddJob("leased", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	job := sched.jobs["leased"]

	if err := database.AcquireJobLease(ctx, "leased", "other-process", time.Hour); err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}

	t.Run("skips while another owner holds the lease", func(t *testing.T) {
		if sched.executeJob(job) {
			t.Error("expected run to be skipped")
		}
		if runs.Load() != 0 {
			t.Error("job ran despite foreign lease")
		}
	})

	t.Run("runs and releases once the lease is gone", func(t *testing.T) {
		if err := database.ReleaseJobLease(ctx, "leased", "other-process"); err != nil {
			t.Fatal(err)
		}
		if !sched.executeJob(job) {
			t.Fatal("expected run")
		}
		if runs.Load() != 1 {
			t.Errorf("expected 1 run, got %d", runs.Load())
		}
		if err := database.AcquireJobLease(ctx, "leased", "other-process", time.Minute); err != nil {
			t.Errorf("expected lease to be released after run, got %v", err)
		}
	})
}

func TestTrigger(t *testing.T) {
	sched := New(nil, nil)

	t.Run("unknown job", func(t *testing.T) {
		if err := sched.Trigger("missing"); !errors.Is(err, ErrUnknownJob) {
			t.Errorf("expected ErrUnknownJob, got %v", err)
		}
	})

	t.Run("runs a registered job", func(t *testing.T) {
		ran := make(chan struct{})
		sched.AddJob("manual", time.Hour, func(context.Context) error {
			close(ran)
			return nil
		})
		if err := sched.Trigger("manual"); err != nil {
			t.Fatal(err)
		}
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("triggered job did not run")
		}
	})
}

func TestConcurrentAccess(t *testing.T) {
	sched := New(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = sched.GetJobCount()
		}()
		go func() {
			defer wg.Done()
			_ = sched.JobNames()
		}()
	}
	wg.Wait()
}

func TestCleanup(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := &db.SyncLog{SourceBridge: "a", TargetBridge: "b", Operation: "sync", Status: db.SyncLogStatusSuccess}
	if err := database.CreateSyncLog(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Conn().ExecContext(ctx, `UPDATE sync_logs SET created_at = ?`, time.Now().AddDate(0, 0, -logRetentionDays-1).UTC()); err != nil {
		t.Fatal(err)
	}

	New(database, nil).cleanup()

	logs, err := database.GetSyncLogs(ctx, "", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("expected old sync logs to be cleaned, got %d", len(logs))
	}
}

func TestReconcileErr(t *testing.T) {
	if err := reconcileErr(nil, reconcile.ErrJobInProgress); err != nil {
		t.Errorf("expected in-progress run to be ignored, got %v", err)
	}
	if err := reconcileErr(&reconcile.Result{Job: "x", Checked: 2}, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := reconcileErr(&reconcile.Result{Job: "x", Checked: 2, Failed: 1}, nil); err == nil {
		t.Error("expected error for failed mappings")
	}
}

func TestAddStandardJobsSkipsDisabled(t *testing.T) {
	sched := New(nil, nil)
	sched.AddStandardJobs(Services{})

	// Only the health check has a fixed interval.
	if names := sched.JobNames(); len(names) != 1 || names[0] != JobBridgeHealth {
		t.Errorf("expected only %s, got %v", JobBridgeHealth, names)
	}
}
