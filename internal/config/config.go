// Package config loads the orchestrator's runtime knobs from XDG config
// paths, a project-level override file, and environment variables, in
// that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/splitmind/splitmind/internal/mergequeue"
)

// Config holds every runtime knob the orchestrator exposes.
type Config struct {
	MaxConcurrentAgents int    `mapstructure:"max_concurrent_agents" json:"max_concurrent_agents"`
	AutoMerge           bool   `mapstructure:"auto_merge" json:"auto_merge"`
	MergeStrategy       string `mapstructure:"merge_strategy" json:"merge_strategy"` // merge | rebase | squash
	FFOnly              bool   `mapstructure:"ff_only" json:"ff_only"`
	AutoSpawnIntervalS  int    `mapstructure:"auto_spawn_interval_s" json:"auto_spawn_interval_s"` // 10-600
	HeartbeatTTLS       int    `mapstructure:"heartbeat_ttl_s" json:"heartbeat_ttl_s"`
	SpawnTimeoutS       int    `mapstructure:"spawn_timeout_s" json:"spawn_timeout_s"`
	MergeTimeoutS       int    `mapstructure:"merge_timeout_s" json:"merge_timeout_s"`
	StarvationTTLS      int    `mapstructure:"starvation_ttl_s" json:"starvation_ttl_s"`
	ConflictPolicy      string `mapstructure:"conflict_policy" json:"conflict_policy"` // abort | reset_task | hold
	StatusDir           string `mapstructure:"status_dir" json:"status_dir"`
}

// MergeQueueStrategy converts the config's string field to the
// mergequeue's typed enum.
func (c *Config) MergeQueueStrategy() mergequeue.Strategy {
	return mergequeue.Strategy(c.MergeStrategy)
}

// MergeQueueConflictPolicy converts the config's string field to the
// mergequeue's typed enum.
func (c *Config) MergeQueueConflictPolicy() mergequeue.ConflictPolicy {
	return mergequeue.ConflictPolicy(c.ConflictPolicy)
}

// Validate checks every field against its documented bounds, returning
// the first violation found.
func (c *Config) Validate() error {
	if c.MaxConcurrentAgents < 1 || c.MaxConcurrentAgents > 20 {
		return fmt.Errorf("max_concurrent_agents must be between 1 and 20, got %d", c.MaxConcurrentAgents)
	}
	if c.AutoSpawnIntervalS < 10 || c.AutoSpawnIntervalS > 600 {
		return fmt.Errorf("auto_spawn_interval_s must be between 10 and 600, got %d", c.AutoSpawnIntervalS)
	}
	switch c.MergeStrategy {
	case "merge", "rebase", "squash":
	default:
		return fmt.Errorf("merge_strategy must be one of merge|rebase|squash, got %q", c.MergeStrategy)
	}
	switch c.ConflictPolicy {
	case "abort", "reset_task", "hold":
	default:
		return fmt.Errorf("conflict_policy must be one of abort|reset_task|hold, got %q", c.ConflictPolicy)
	}
	if c.HeartbeatTTLS <= 0 {
		return fmt.Errorf("heartbeat_ttl_s must be positive, got %d", c.HeartbeatTTLS)
	}
	if c.SpawnTimeoutS <= 0 {
		return fmt.Errorf("spawn_timeout_s must be positive, got %d", c.SpawnTimeoutS)
	}
	if c.MergeTimeoutS <= 0 {
		return fmt.Errorf("merge_timeout_s must be positive, got %d", c.MergeTimeoutS)
	}
	if c.StatusDir == "" {
		return fmt.Errorf("status_dir must not be empty")
	}
	return nil
}

// AutoSpawnInterval, HeartbeatTTL, SpawnTimeout, MergeTimeout, and
// StarvationTTL convert the integer-seconds mapstructure fields to
// time.Duration for callers building component Configs.
func (c *Config) AutoSpawnInterval() time.Duration { return time.Duration(c.AutoSpawnIntervalS) * time.Second }
func (c *Config) HeartbeatTTL() time.Duration      { return time.Duration(c.HeartbeatTTLS) * time.Second }
func (c *Config) SpawnTimeout() time.Duration      { return time.Duration(c.SpawnTimeoutS) * time.Second }
func (c *Config) MergeTimeout() time.Duration      { return time.Duration(c.MergeTimeoutS) * time.Second }
func (c *Config) StarvationTTL() time.Duration     { return time.Duration(c.StarvationTTLS) * time.Second }

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		MaxConcurrentAgents: 4,
		AutoMerge:           true,
		MergeStrategy:       "merge",
		FFOnly:              false,
		AutoSpawnIntervalS:  30,
		HeartbeatTTLS:       90,
		SpawnTimeoutS:       30,
		MergeTimeoutS:       120,
		StarvationTTLS:      300,
		ConflictPolicy:      "abort",
		StatusDir:           ".splitmind/status",
	}
}

// Load loads configuration with precedence (highest to lowest):
// 1. Environment variables (SPLITMIND_*)
// 2. Project config (.splitmind.yaml in cwd or a parent)
// 3. User config (~/.config/splitmind/config.yaml)
// 4. Built-in defaults (Default()).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	dir := userConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("splitmind")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file, for tests and
// `splitmind serve --config`.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the user config file, creating its directory if
// needed.
func Save(cfg *Config) error {
	dir := userConfigDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return writeConfigFile(cfg, filepath.Join(dir, "config.yaml"))
}

// ProjectConfigPath returns the .splitmind.yaml path SaveProject writes
// to and findProjectConfig searches for, for a given project root.
func ProjectConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".splitmind.yaml")
}

// SaveProject writes cfg to <projectRoot>/.splitmind.yaml, for the
// `splitmind init` scaffold command.
func SaveProject(cfg *Config, projectRoot string) error {
	return writeConfigFile(cfg, ProjectConfigPath(projectRoot))
}

func writeConfigFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.Set("max_concurrent_agents", cfg.MaxConcurrentAgents)
	v.Set("auto_merge", cfg.AutoMerge)
	v.Set("merge_strategy", cfg.MergeStrategy)
	v.Set("ff_only", cfg.FFOnly)
	v.Set("auto_spawn_interval_s", cfg.AutoSpawnIntervalS)
	v.Set("heartbeat_ttl_s", cfg.HeartbeatTTLS)
	v.Set("spawn_timeout_s", cfg.SpawnTimeoutS)
	v.Set("merge_timeout_s", cfg.MergeTimeoutS)
	v.Set("starvation_ttl_s", cfg.StarvationTTLS)
	v.Set("conflict_policy", cfg.ConflictPolicy)
	v.Set("status_dir", cfg.StatusDir)
	return v.WriteConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("max_concurrent_agents", d.MaxConcurrentAgents)
	v.SetDefault("auto_merge", d.AutoMerge)
	v.SetDefault("merge_strategy", d.MergeStrategy)
	v.SetDefault("ff_only", d.FFOnly)
	v.SetDefault("auto_spawn_interval_s", d.AutoSpawnIntervalS)
	v.SetDefault("heartbeat_ttl_s", d.HeartbeatTTLS)
	v.SetDefault("spawn_timeout_s", d.SpawnTimeoutS)
	v.SetDefault("merge_timeout_s", d.MergeTimeoutS)
	v.SetDefault("starvation_ttl_s", d.StarvationTTLS)
	v.SetDefault("conflict_policy", d.ConflictPolicy)
	v.SetDefault("status_dir", d.StatusDir)
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "splitmind")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "splitmind")
	}
	return filepath.Join(home, ".config", "splitmind")
}

// findProjectConfig searches for .splitmind.yaml in cwd and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, ".splitmind.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
