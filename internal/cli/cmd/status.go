package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obsrvrly/crm-sync-pipeline/internal/cli/runner"
	"github.com/obsrvrly/crm-sync-pipeline/ledger"
)

var (
	statusSource string
	statusLimit  int

	statusCmd = &cobra.Command{
		Use:   "status [config file]",
		Short: "Show recent sync runs",
		Long:  "List recent runs from the sync ledger with their status, timing and record counts",
		Args:  cobra.MaximumNArgs(1),
		Example: `  crmsync status pipeline.yaml
  crmsync status --source hubspot --limit 50 pipeline.yaml`,
		RunE: runStatus,
	}
)

func init() {
	statusCmd.Flags().StringVar(&statusSource, "source", "", "Only show runs for this source")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "How many runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	configFile, err := pipelineFile(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	ctx := context.Background()
	r := runner.New(runner.Options{ConfigFile: configFile, Verbose: verbose})
	if err := r.OpenLedger(); err != nil {
		return fmt.Errorf("error opening run ledger: %w", err)
	}
	defer r.Close()

	runs, err := r.Ledger.Recent(ctx, statusSource, statusLimit)
	if err != nil {
		return fmt.Errorf("error listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Printf("%-6s %-10s %-14s %-8s %-20s %-10s %s\n",
		"ID", "SOURCE", "OPERATION", "STATUS", "STARTED", "DURATION", "RECORDS")

	for _, run := range runs {
		duration := "-"
		if run.EndTime.Valid {
			duration = run.EndTime.Time.Sub(run.StartTime).Round(time.Second).String()
		}
		records := fmt.Sprintf("%d (+%d ~%d !%d)",
			run.RecordsProcessed, run.RecordsCreated, run.RecordsUpdated, run.RecordsFailed)

		fmt.Printf("%-6d %-10s %-14s %-8s %-20s %-10s %s\n",
			run.ID, run.Source, run.Operation, colorStatus(run.Status),
			run.StartTime.Format("2006-01-02 15:04:05"), duration, records)
	}
	return nil
}

func colorStatus(status string) string {
	switch status {
	case ledger.StatusSuccess:
		return color.GreenString(status)
	case ledger.StatusPartial:
		return color.YellowString(status)
	case ledger.StatusFailed:
		return color.RedString(status)
	case ledger.StatusRunning:
		return color.CyanString(status)
	default:
		return status
	}
}
