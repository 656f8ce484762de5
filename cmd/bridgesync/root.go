package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

// newRootCmd creates the root bridgesync command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bridgesync",
		Short:         "Calendar bridge synchronization engine",
		Long:          "bridgesync keeps events consistent between calendar backends.\nIt serves webhooks and the admin API, and runs one-off passes from the command line.",
		Version:       fmt.Sprintf("bridgesync %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newReconcileCmd(),
		newQueueCmd(),
		newBridgesCmd(),
		newStatsCmd(),
	)

	return cmd
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
