// Package config handles configuration loading for the zmcp runtime.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the runtime.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

// AnthropicConfig holds Anthropic API settings for spawned workers.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	// UseBedrock routes worker API calls through AWS Bedrock instead of
	// the direct Anthropic endpoint.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// RuntimeConfig holds orchestrator scheduling settings.
type RuntimeConfig struct {
	// Namespace prefixes every spawned agent's process label.
	Namespace string `mapstructure:"namespace"`
	// MaxWorkers caps concurrently running worker processes.
	MaxWorkers int `mapstructure:"max_workers"`
	// PollInterval is the dispatch cadence when no completions arrive.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SpawnStagger is the delay between consecutive worker spawns.
	SpawnStagger time.Duration `mapstructure:"spawn_stagger"`
	// HeartbeatInterval is how often workers touch their heartbeat file.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SupervisorConfig holds process-supervision timing settings.
type SupervisorConfig struct {
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	KillGrace    time.Duration `mapstructure:"kill_grace"`
}

// RelayConfig holds event relay listener settings. Socket and Addr are
// mutually exclusive; when both are empty the relay listens on the
// default unix socket under the runtime directory.
type RelayConfig struct {
	Socket        string        `mapstructure:"socket"`
	Addr          string        `mapstructure:"addr"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SendBuffer    int           `mapstructure:"send_buffer"`
}

// CleanupConfig holds the stale-data purge settings.
type CleanupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval is the purge cadence while the orchestrator runs.
	Interval time.Duration `mapstructure:"interval"`
	// Retention is how long terminal sessions are kept before purging.
	Retention time.Duration `mapstructure:"retention"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, ZMCP_*)
// 2. Project config (.zmcp.yaml in current directory or parent)
// 3. User config (~/.config/zmcp/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()

	// Map specific environment variables
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.use_bedrock", "ZMCP_USE_BEDROCK")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")
	v.BindEnv("anthropic.aws_profile", "AWS_PROFILE")
	v.BindEnv("runtime.max_workers", "ZMCP_MAX_WORKERS")
	v.BindEnv("relay.socket", "ZMCP_RELAY_SOCKET")
	v.BindEnv("relay.addr", "ZMCP_RELAY_ADDR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
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

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("runtime.namespace", cfg.Runtime.Namespace)
	v.Set("runtime.max_workers", cfg.Runtime.MaxWorkers)
	v.Set("runtime.poll_interval", cfg.Runtime.PollInterval.String())
	v.Set("runtime.spawn_stagger", cfg.Runtime.SpawnStagger.String())
	v.Set("runtime.heartbeat_interval", cfg.Runtime.HeartbeatInterval.String())
	v.Set("supervisor.reap_interval", cfg.Supervisor.ReapInterval.String())
	v.Set("supervisor.stale_after", cfg.Supervisor.StaleAfter.String())
	v.Set("supervisor.kill_grace", cfg.Supervisor.KillGrace.String())
	v.Set("relay.socket", cfg.Relay.Socket)
	v.Set("relay.addr", cfg.Relay.Addr)
	v.Set("relay.sweep_interval", cfg.Relay.SweepInterval.String())
	v.Set("relay.idle_timeout", cfg.Relay.IdleTimeout.String())
	v.Set("relay.send_buffer", cfg.Relay.SendBuffer)
	v.Set("cleanup.enabled", cfg.Cleanup.Enabled)
	v.Set("cleanup.interval", cfg.Cleanup.Interval.String())
	v.Set("cleanup.retention", cfg.Cleanup.Retention.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Anthropic defaults
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	// Scheduling defaults
	v.SetDefault("runtime.namespace", "zmcp")
	v.SetDefault("runtime.max_workers", 3)
	v.SetDefault("runtime.poll_interval", "1s")
	v.SetDefault("runtime.spawn_stagger", "500ms")
	v.SetDefault("runtime.heartbeat_interval", "30s")

	// Supervision defaults
	v.SetDefault("supervisor.reap_interval", "30s")
	v.SetDefault("supervisor.stale_after", "5m")
	v.SetDefault("supervisor.kill_grace", "5s")

	// Relay defaults; empty socket and addr fall back to the runtime
	// directory socket at listen time.
	v.SetDefault("relay.socket", "")
	v.SetDefault("relay.addr", "")
	v.SetDefault("relay.sweep_interval", "30s")
	v.SetDefault("relay.idle_timeout", "5m")
	v.SetDefault("relay.send_buffer", 64)

	// Cleanup defaults
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", "1h")
	v.SetDefault("cleanup.retention", "168h")
}

// getUserConfigDir returns the XDG config directory for zmcp.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "zmcp")
	}

	// Fall back to ~/.config/zmcp
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "zmcp")
	}
	return filepath.Join(home, ".config", "zmcp")
}

// findProjectConfig searches for .zmcp.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".zmcp.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			MaxTokens: 8192,
		},
		Runtime: RuntimeConfig{
			Namespace:         "zmcp",
			MaxWorkers:        3,
			PollInterval:      time.Second,
			SpawnStagger:      500 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			ReapInterval: 30 * time.Second,
			StaleAfter:   5 * time.Minute,
			KillGrace:    5 * time.Second,
		},
		Relay: RelayConfig{
			SweepInterval: 30 * time.Second,
			IdleTimeout:   5 * time.Minute,
			SendBuffer:    64,
		},
		Cleanup: CleanupConfig{
			Enabled:   true,
			Interval:  time.Hour,
			Retention: 168 * time.Hour,
		},
	}
}
