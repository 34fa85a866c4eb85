// Package cmd defines the CLI commands for the crawler executable.
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

// errVisitsFailed signals that the crawl drained but left failed visits
// behind; the process exits with a distinct code so schedulers can tell a
// partial catalog from a clean one.
var errVisitsFailed = errors.New("some visits exhausted their retry budget")

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "A resumable catalog crawler for the igefa store",
		Long: `crawler walks the igefa product catalog breadth-first, persisting every
visit to a checkpoint store so an interrupted run picks up exactly where it
stopped. Captured products can be exported to CSV at any point.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; env vars and defaults apply)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newExportCmd())
	return cmd
}

// Execute runs the CLI and maps the outcome to a process exit code: 0 for a
// clean drain, 3 when visits ended failed, 1 for everything else.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("Error:", err)
		if errors.Is(err, errVisitsFailed) {
			return 3
		}
		return 1
	}
	return 0
}
