package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/bridgesync/internal/config"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/queue"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

// Scheduled job names.
const (
	JobQueueDrain    = "queue_drain"
	JobRetrySweep    = "retry_sweep"
	JobResourceSync  = "resource_sync"
	JobDeletionCheck = "deletion_check"
	JobDelta         = "delta"
	JobCancellation  = "cancellation"
	JobBridgeHealth  = "bridge_health"
	JobSubscriptions = "subscriptions"
)

const (
	bridgeHealthInterval    = 5 * time.Minute
	subscriptionInterval    = 12 * time.Hour // well inside the Graph subscription lifetime
	defaultMaxMappingErrors = 5
)

// Services are the components the standard jobs drive.
type Services struct {
	Orchestrator  *orchestrator.Orchestrator
	Reconciler    *reconcile.Reconciler
	Queue         *queue.Processor
	// Subscriptions, when set, is refreshed periodically.
	Subscriptions *orchestrator.Subscriptions
	Window        orchestrator.Window
	Intervals     config.JobConfig
	// MaxMappingErrors is the error count at which the retry sweep stops
	// resetting errored mappings.
	MaxMappingErrors int
}

// AddStandardJobs registers the periodic jobs of the engine. A job with a
// zero interval is not registered.
func (s *Scheduler) AddStandardJobs(svc Services) {
	if svc.Window == nil {
		svc.Window = reconcile.DefaultWindow
	}
	if svc.MaxMappingErrors <= 0 {
		svc.MaxMappingErrors = defaultMaxMappingErrors
	}

	add := func(name string, interval time.Duration, run JobFunc) {
		if interval <= 0 {
			log.Printf("[Scheduler] Job %s disabled", name)
			return
		}
		s.AddJob(name, interval, run)
	}

	add(JobQueueDrain, svc.Intervals.QueueDrain, func(ctx context.Context) error {
		_, err := svc.Queue.Drain(ctx)
		return err
	})

	add(JobRetrySweep, svc.Intervals.RetrySweep, func(ctx context.Context) error {
		var errs []error
		if _, err := svc.Queue.RetrySweep(ctx); err != nil {
			errs = append(errs, fmt.Errorf("retry failed items: %w", err))
		}
		if _, _, err := svc.Queue.StaleSweep(ctx); err != nil {
			errs = append(errs, fmt.Errorf("requeue stale items: %w", err))
		}
		if s.db != nil {
			n, err := s.db.ResetErroredMappings(ctx, svc.MaxMappingErrors)
			if err != nil {
				errs = append(errs, fmt.Errorf("reset errored mappings: %w", err))
			} else if n > 0 {
				log.Printf("[Scheduler] Reset %d errored mappings for retry", n)
			}
		}
		return errors.Join(errs...)
	})

	add(JobResourceSync, svc.Intervals.ResourceSync, func(ctx context.Context) error {
		res, err := svc.Orchestrator.SyncResourceMappings(ctx, svc.Window, orchestrator.SyncOptions{HandleDeletions: true})
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d of %d resource mappings failed", len(res.Errors), res.Mappings)
		}
		return nil
	})

	add(JobDeletionCheck, svc.Intervals.DeletionCheck, func(ctx context.Context) error {
		return reconcileErr(svc.Reconciler.ProcessDeletionChecks(ctx))
	})

	add(JobDelta, svc.Intervals.Delta, func(ctx context.Context) error {
		return reconcileErr(svc.Reconciler.SyncDeletedEvents(ctx))
	})

	// Cancellations run before re-enables in one job so a reservation that
	// flips twice between runs settles in a single direction per run.
	add(JobCancellation, svc.Intervals.Cancellation, func(ctx context.Context) error {
		cancelErr := reconcileErr(svc.Reconciler.DetectAndProcessCancellations(ctx))
		reenableErr := reconcileErr(svc.Reconciler.DetectAndProcessReenabledReservations(ctx))
		return errors.Join(cancelErr, reenableErr)
	})

	if svc.Subscriptions != nil {
		add(JobSubscriptions, subscriptionInterval, func(ctx context.Context) error {
			_, err := svc.Subscriptions.Refresh(ctx)
			return err
		})
	}

	add(JobBridgeHealth, bridgeHealthInterval, func(ctx context.Context) error {
		info := svc.Orchestrator.GetAllBridgesInfo(ctx)
		if info.Status != orchestrator.HealthHealthy {
			log.Printf("[Scheduler] Bridges %s", info.Status)
		}
		return nil
	})
}

// reconcileErr folds per-mapping failures into the job error. A run refused
// because another is in progress is not a failure.
func reconcileErr(res *reconcile.Result, err error) error {
	if errors.Is(err, reconcile.ErrJobInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%s: %d of %d mappings failed", res.Job, res.Failed, res.Checked)
	}
	return nil
}
