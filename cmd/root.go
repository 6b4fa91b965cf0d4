// Package cmd defines and implements the CLI commands for the crawlpilot
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlpilot",
		Short: "Drives a containerized site crawler through a resumable crawl job.",
		Long: `crawlpilot launches the crawler container for one job, follows its log
stream for progress and error signals, adapts (fewer workers, egress
rotation, restart) when the crawl degrades, and merges every attempt's
artifacts into the final web archive.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute is the main entry point. The signal context is the single
// cancellation mechanism every component observes.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
