package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obsrvrly/crm-sync-pipeline/engine"
	"github.com/obsrvrly/crm-sync-pipeline/internal/cli/runner"
	"github.com/obsrvrly/crm-sync-pipeline/ledger"
)

var (
	runFull            bool
	runForceOverwrite  bool
	runSince           string
	runDryRun          bool
	runMaxRecords      int
	runMaxChunk        int
	runSource          string
	runOperation       string

	runCmd = &cobra.Command{
		Use:   "run [config file]",
		Short: "Run sync streams from a pipeline configuration",
		Long:  "Fetch changed records from the configured provider and upsert them into the local stores",
		Args:  cobra.MaximumNArgs(1),
		Example: `  crmsync run pipeline.yaml
  crmsync run --source hubspot --operation contacts pipeline.yaml
  crmsync run --full pipeline.yaml
  crmsync run --since 2026-08-01T00:00:00Z --dry-run pipeline.yaml`,
		RunE: runSync,
	}
)

func init() {
	runCmd.Flags().BoolVar(&runFull, "full", false, "Ignore the watermark and sync the full history")
	runCmd.Flags().BoolVar(&runForceOverwrite, "force-overwrite", false, "Re-fetch the full history, rewriting records already present")
	runCmd.Flags().StringVar(&runSince, "since", "", "Sync changes since this RFC3339 timestamp, overriding the watermark")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Fetch and count records without writing to the store")
	runCmd.Flags().IntVar(&runMaxRecords, "max-records", 0, "Cap the number of records written per stream")
	runCmd.Flags().IntVar(&runMaxChunk, "max-results-per-chunk", 0, "Override the per-range result ceiling")
	runCmd.Flags().StringVar(&runSource, "source", "", "Only sync streams of this source")
	runCmd.Flags().StringVar(&runOperation, "operation", "", "Only sync this one operation (requires --source)")
	rootCmd.AddCommand(runCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	configFile, err := pipelineFile(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}
	if runOperation != "" && runSource == "" {
		return fmt.Errorf("--operation requires --source")
	}

	opts := engine.RunOptions{
		Full:               runFull,
		ForceOverwrite:     runForceOverwrite,
		DryRun:             runDryRun,
		MaxRecords:         runMaxRecords,
		MaxResultsPerChunk: runMaxChunk,
	}
	if runSince != "" {
		since, err := time.Parse(time.RFC3339, runSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		opts.Since = &since
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	r := runner.New(runner.Options{ConfigFile: configFile, Verbose: verbose})
	if err := r.Build(ctx); err != nil {
		return fmt.Errorf("error building pipeline: %w", err)
	}
	defer r.Close()

	fmt.Println(color.GreenString("🚀 Starting sync from %s", configFile))

	var failed bool
	if runOperation != "" {
		stream, ok := r.Stream(runSource, runOperation)
		if !ok {
			return fmt.Errorf("no stream configured for %s/%s", runSource, runOperation)
		}
		run, err := r.Engine.SyncStream(ctx, stream, opts)
		if err != nil {
			return err
		}
		printRunResult(run)
		failed = run.Status == ledger.StatusFailed
	} else {
		sources := r.Sources()
		if runSource != "" {
			sources = []string{runSource}
		}
		for _, source := range sources {
			run, err := r.Engine.SyncAll(ctx, source, r.Streams, opts)
			if err != nil {
				return err
			}
			printRunResult(run)
			if run.Status == ledger.StatusFailed {
				failed = true
			}
		}
	}

	if failed {
		return fmt.Errorf("sync finished with failures")
	}
	fmt.Println(color.GreenString("✅ Sync completed"))
	return nil
}

func printRunResult(run *ledger.SyncRun) {
	statusColor := color.GreenString
	switch run.Status {
	case ledger.StatusPartial:
		statusColor = color.YellowString
	case ledger.StatusFailed:
		statusColor = color.RedString
	}

	fmt.Printf("%s run %d %s/%s: %d processed (%d created, %d updated, %d failed)\n",
		statusColor("[%s]", run.Status), run.ID, run.Source, run.Operation,
		run.RecordsProcessed, run.RecordsCreated, run.RecordsUpdated, run.RecordsFailed)
	if run.ErrorMessage.Valid && run.ErrorMessage.String != "" {
		fmt.Printf("        %s\n", color.RedString(run.ErrorMessage.String))
	}
}
