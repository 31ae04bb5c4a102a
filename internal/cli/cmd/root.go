package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/obsrvrly/crm-sync-pipeline/internal/cli/config"
)

var (
	cfgFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "crmsync",
		Short: "Adaptive incremental CRM sync CLI",
		Long:  color.CyanString(`crmsync - Incrementally sync CRM records into local stores`),
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.crmsync.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// pipelineFile resolves the pipeline config path: the positional
// argument when given, else the default_pipeline from the CLI config.
func pipelineFile(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("error loading CLI config: %w", err)
	}
	if _, err := os.Stat(cfg.DefaultPipeline); os.IsNotExist(err) {
		return "", fmt.Errorf("no pipeline config given and default %s not found", cfg.DefaultPipeline)
	}
	return cfg.DefaultPipeline, nil
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(home)
		viper.SetConfigName(".crmsync")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CRMSYNC")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
