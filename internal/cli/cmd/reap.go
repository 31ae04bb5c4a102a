package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obsrvrly/crm-sync-pipeline/internal/cli/runner"
	"github.com/obsrvrly/crm-sync-pipeline/ledger"
)

var (
	reapThreshold time.Duration
	reapWatch     time.Duration

	reapCmd = &cobra.Command{
		Use:   "reap [config file]",
		Short: "Mark stale running syncs as failed",
		Long:  "Find runs stuck in the running state past the stale threshold and mark them failed so their slots free up",
		Args:  cobra.MaximumNArgs(1),
		Example: `  crmsync reap pipeline.yaml
  crmsync reap --threshold 1h pipeline.yaml
  crmsync reap --watch 5m pipeline.yaml`,
		RunE: runReap,
	}
)

func init() {
	reapCmd.Flags().DurationVar(&reapThreshold, "threshold", 30*time.Minute, "Age past which a running sync counts as stale")
	reapCmd.Flags().DurationVar(&reapWatch, "watch", 0, "Keep reaping on this interval instead of exiting")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	configFile, err := pipelineFile(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	r := runner.New(runner.Options{ConfigFile: configFile, Verbose: verbose})
	if err := r.OpenLedger(); err != nil {
		return fmt.Errorf("error opening run ledger: %w", err)
	}
	defer r.Close()

	reaper := ledger.NewReaper(r.Ledger, reapThreshold)

	if reapWatch > 0 {
		fmt.Println(color.YellowString("👀 Reaping stale runs every %s (threshold %s)", reapWatch, reapThreshold))
		reaper.RunEvery(ctx, reapWatch)
		return nil
	}

	reaped, err := reaper.Reap(ctx)
	if err != nil {
		return fmt.Errorf("error reaping stale runs: %w", err)
	}
	if len(reaped) == 0 {
		fmt.Println(color.GreenString("✅ No stale runs found"))
		return nil
	}
	for _, id := range reaped {
		fmt.Printf("%s run %d marked failed\n", color.YellowString("[reaped]"), id)
	}
	return nil
}
