package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
)

// syncConfig holds the flags of the sync command.
type syncConfig struct {
	sourceCalendar  string
	targetCalendar  string
	direction       string
	handleDeletions bool
	dryRun          bool
	all             bool
}

// newSyncCmd creates the "bridgesync sync" subcommand.
func newSyncCmd() *cobra.Command {
	var cfg syncConfig

	cmd := &cobra.Command{
		Use:   "sync [source target]",
		Short: "Run one sync pass",
		Long:  "Copies events in the sync window from the source calendar to the target\ncalendar. With --all, syncs every active resource mapping instead.",
		Args: func(cmd *cobra.Command, args []string) error {
			if cfg.all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := orchestrator.SyncOptions{
				HandleDeletions: cfg.handleDeletions,
				DryRun:          cfg.dryRun,
				Direction:       db.SyncDirection(cfg.direction),
			}
			if opts.Direction != "" && !opts.Direction.IsValid() {
				return errors.New("invalid --direction")
			}

			if cfg.all {
				res, err := a.orch.SyncResourceMappings(ctx, a.cfg.Sync.Window, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}

			if cfg.sourceCalendar == "" || cfg.targetCalendar == "" {
				return errors.New("--source-calendar and --target-calendar are required")
			}
			start, end := a.cfg.Sync.Window(time.Now().UTC())
			res, err := a.orch.SyncBetweenBridges(ctx, args[0], args[1], cfg.sourceCalendar, cfg.targetCalendar, start, end, opts)
			if res != nil {
				if printErr := printJSON(cmd.OutOrStdout(), res); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&cfg.sourceCalendar, "source-calendar", "", "calendar or resource id on the source bridge")
	cmd.Flags().StringVar(&cfg.targetCalendar, "target-calendar", "", "calendar id on the target bridge")
	cmd.Flags().StringVar(&cfg.direction, "direction", "", "direction recorded on new mappings")
	cmd.Flags().BoolVar(&cfg.handleDeletions, "handle-deletions", false, "queue deletion checks for mapped events missing from the source")
	cmd.Flags().BoolVar(&cfg.dryRun, "dry-run", false, "compute counts without writing")
	cmd.Flags().BoolVar(&cfg.all, "all", false, "sync every active resource mapping")

	return cmd
}
