package config

import (
	"github.com/spf13/viper"
)

// CLIConfig holds user-level defaults loaded from $HOME/.crmsync.yaml
// or CRMSYNC_* environment variables.
type CLIConfig struct {
	DefaultPipeline string               `mapstructure:"default_pipeline"`
	StaleThreshold  string               `mapstructure:"stale_threshold"`
	Environments    map[string]EnvConfig `mapstructure:"environments"`
}

type EnvConfig struct {
	Name      string            `mapstructure:"name"`
	Variables map[string]string `mapstructure:"variables"`
}

func Load() (*CLIConfig, error) {
	var cfg CLIConfig

	viper.SetDefault("default_pipeline", "pipeline.yaml")
	viper.SetDefault("stale_threshold", "30m")

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func GetString(key string) string {
	return viper.GetString(key)
}
