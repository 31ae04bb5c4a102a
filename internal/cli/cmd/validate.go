package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obsrvrly/crm-sync-pipeline/internal/cli/runner"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config file]",
	Short: "Validate a pipeline configuration",
	Long:  "Parse a pipeline configuration file and report any errors without opening connections",
	Args:  cobra.MaximumNArgs(1),
	Example: `  crmsync validate pipeline.yaml
  crmsync validate config/production.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := pipelineFile(args)
		if err != nil {
			return err
		}
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s", configFile)
		}

		fmt.Println(color.YellowString("🔍 Validating configuration from %s", configFile))

		r := runner.New(runner.Options{ConfigFile: configFile, Verbose: verbose})
		if err := r.Validate(); err != nil {
			color.Red("❌ Configuration is invalid:")
			fmt.Printf("  • %v\n", err)
			return fmt.Errorf("configuration validation failed")
		}

		color.Green("✅ Configuration is valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
