package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/bridgesync/internal/reconcile"
	"github.com/macjediwizard/bridgesync/internal/scheduler"
)

const reconcileTimeout = 30 * time.Minute

// reconcileJobs maps subcommand names to reconciler operations.
var reconcileJobs = []struct {
	use   string
	short string
	lease string // scheduled job sharing the run
	run   func(*reconcile.Reconciler, context.Context) (*reconcile.Result, error)
}{
	{"deletion-checks", "Resolve mappings whose source may have been deleted", scheduler.JobDeletionCheck, (*reconcile.Reconciler).ProcessDeletionChecks},
	{"deleted-events", "Pull deletions from bridges that report them", scheduler.JobDelta, (*reconcile.Reconciler).SyncDeletedEvents},
	{"cancellations", "Cancel copies of inactive reservations", scheduler.JobCancellation, (*reconcile.Reconciler).DetectAndProcessCancellations},
	{"reenabled", "Recreate copies of reservations active again", scheduler.JobCancellation, (*reconcile.Reconciler).DetectAndProcessReenabledReservations},
}

// newReconcileCmd creates the "bridgesync reconcile" command group.
func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a deletion or cancellation job once",
	}

	for _, job := range reconcileJobs {
		run, lease := job.run, job.lease
		cmd.AddCommand(&cobra.Command{
			Use:   job.use,
			Short: job.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := newApp(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				var res *reconcile.Result
				err = a.withJobLease(ctx, lease, reconcileTimeout, func(ctx context.Context) error {
					var err error
					res, err = run(a.rec, ctx)
					return err
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		})
	}

	return cmd
}
