package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/bridgesync/internal/db"
)

// newQueueCmd creates the "bridgesync queue" command group.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the work queue",
	}

	var types []string
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Process due queue items once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			queueTypes := make([]db.QueueType, 0, len(types))
			for _, t := range types {
				qt := db.QueueType(t)
				if !qt.IsValid() {
					return fmt.Errorf("unknown queue type %q", t)
				}
				queueTypes = append(queueTypes, qt)
			}
			res, err := a.queue.Drain(ctx, queueTypes...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	drain.Flags().StringSliceVar(&types, "type", nil, "only drain these queue types")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Reschedule failed items with attempts left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.queue.RetrySweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"rescheduled": n})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Requeue items stuck in processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			requeued, failed, err := a.queue.StaleSweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"requeued": requeued, "failed": failed})
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "failed",
		Short: "List failed queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.db.ListFailedItems(ctx, limit)
			if err != nil {
				return err
			}
			if items == nil {
				items = []*db.QueueItem{}
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of items")

	cmd.AddCommand(drain, retry, sweep, list)
	return cmd
}
