// Package config loads and validates mcp-nexus's server configuration from
// YAML, with the teacher's "::" key delimiter so nested keys never collide
// with a literal dot in a path or command string.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	viperlib "github.com/spf13/viper"
)

// Config is the full set of server-level knobs, covering the core engine's
// per-session defaults plus transport, session-directory, and archive
// settings.
type Config struct {
	CDBPath string `mapstructure:"cdb_path"`

	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	BatchEnabled      bool          `mapstructure:"batch_enabled"`
	BatchMaxSize      int           `mapstructure:"batch_max_size"`
	BatchWait         time.Duration `mapstructure:"batch_wait"`
	BatchExcluded     []string      `mapstructure:"batch_excluded"`
	BatchCeiling      time.Duration `mapstructure:"batch_ceiling"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCacheTTL      time.Duration `mapstructure:"health_cache_ttl"`
	HealthProbeCommand  string        `mapstructure:"health_probe_command"`
	HealthProbeTimeout  time.Duration `mapstructure:"health_probe_timeout"`

	RecoveryMaxAttempts int           `mapstructure:"recovery_max_attempts"`
	RecoveryCooldown    time.Duration `mapstructure:"recovery_cooldown"`
	RestartBaseDelay    time.Duration `mapstructure:"restart_base_delay"`
	RestartMaxDelay     time.Duration `mapstructure:"restart_max_delay"`

	AdapterStartupWindow time.Duration `mapstructure:"adapter_startup_window"`
	AdapterBreakGrace    time.Duration `mapstructure:"adapter_break_grace"`
	AdapterStopGrace     time.Duration `mapstructure:"adapter_stop_grace"`

	RetentionObservations int           `mapstructure:"retention_observations"`
	RetentionSweepPeriod  time.Duration `mapstructure:"retention_sweep_period"`

	Transport TransportConfig `mapstructure:"transport"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	LogPath   string          `mapstructure:"log_path"`
	LogLevel  string          `mapstructure:"log_level"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// TransportConfig selects and configures the MCP transport.
type TransportConfig struct {
	Stdio    bool   `mapstructure:"stdio"`
	HTTPAddr string `mapstructure:"http_addr"` // empty disables HTTP
}

// ArchiveConfig controls the optional SQLite audit trail.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	OTLPAddr    string `mapstructure:"otlp_addr"` // empty uses stdout exporter
	ServiceName string `mapstructure:"service_name"`
}

// Defaults returns the spec-documented default configuration.
func Defaults() Config {
	return Config{
		CDBPath: "cdb.exe",

		CommandTimeout:    10 * time.Minute,
		BatchEnabled:      true,
		BatchMaxSize:      5,
		BatchWait:         2 * time.Second,
		BatchExcluded:     []string{"!analyze", "!dump", "!heap"},
		BatchCeiling:      2 * time.Minute,
		HeartbeatInterval: 15 * time.Second,

		HealthCheckInterval: 60 * time.Second,
		HealthCacheTTL:      30 * time.Second,
		HealthProbeTimeout:  3 * time.Second,

		RecoveryMaxAttempts: 3,
		RecoveryCooldown:    5 * time.Minute,
		RestartBaseDelay:    2 * time.Second,
		RestartMaxDelay:     1 * time.Minute,

		AdapterStartupWindow: 30 * time.Second,
		AdapterBreakGrace:    5 * time.Second,
		AdapterStopGrace:     5 * time.Second,

		RetentionObservations: 1,
		RetentionSweepPeriod:  1 * time.Minute,

		Transport: TransportConfig{Stdio: true},
		LogPath:   "mcp-nexus.log",
		LogLevel:  "info",

		Tracing: TracingConfig{ServiceName: "mcp-nexus"},
	}
}

// Validate rejects a configuration that would produce a non-functional or
// nonsensical session engine.
func (c Config) Validate() error {
	if c.CDBPath == "" {
		return fmt.Errorf("cdb_path must not be empty")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if c.BatchMaxSize < 1 {
		return fmt.Errorf("batch_max_size must be >= 1")
	}
	if c.RecoveryMaxAttempts < 1 {
		return fmt.Errorf("recovery_max_attempts must be >= 1")
	}
	if c.RestartBaseDelay <= 0 {
		return fmt.Errorf("restart_base_delay must be positive")
	}
	if !c.Transport.Stdio && c.Transport.HTTPAddr == "" {
		return fmt.Errorf("transport: at least one of stdio or http_addr must be enabled")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive: path must be set when enabled")
	}
	return nil
}

// searchPaths returns, in precedence order, the config file candidates:
// ./.mcp-nexus/config.yaml, then ~/.config/mcp-nexus/config.yaml.
func searchPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".mcp-nexus", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcp-nexus", "config.yaml"))
	}
	return paths
}

// Load builds a viper instance over Defaults(), the "::"-delimited key
// convention, the first config file found on searchPaths, and
// MCPNEXUS_-prefixed environment overrides, in that order of increasing
// priority.
// explicitPath, if non-empty, is tried first and is the only path for which
// a missing file is an error.
func Load(explicitPath string) (Config, error) {
	v := viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))
	v.SetEnvPrefix("MCPNEXUS")
	v.AutomaticEnv()

	defaults := Defaults()
	setDefaults(v, defaults)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", explicitPath, err)
		}
	} else {
		for _, p := range searchPaths() {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			v.SetConfigFile(p)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: reading %s: %w", p, err)
			}
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viperlib.Viper, d Config) {
	v.SetDefault("cdb_path", d.CDBPath)
	v.SetDefault("command_timeout", d.CommandTimeout)
	v.SetDefault("batch_enabled", d.BatchEnabled)
	v.SetDefault("batch_max_size", d.BatchMaxSize)
	v.SetDefault("batch_wait", d.BatchWait)
	v.SetDefault("batch_excluded", d.BatchExcluded)
	v.SetDefault("batch_ceiling", d.BatchCeiling)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("health_check_interval", d.HealthCheckInterval)
	v.SetDefault("health_cache_ttl", d.HealthCacheTTL)
	v.SetDefault("health_probe_command", d.HealthProbeCommand)
	v.SetDefault("health_probe_timeout", d.HealthProbeTimeout)
	v.SetDefault("recovery_max_attempts", d.RecoveryMaxAttempts)
	v.SetDefault("recovery_cooldown", d.RecoveryCooldown)
	v.SetDefault("restart_base_delay", d.RestartBaseDelay)
	v.SetDefault("restart_max_delay", d.RestartMaxDelay)
	v.SetDefault("adapter_startup_window", d.AdapterStartupWindow)
	v.SetDefault("adapter_break_grace", d.AdapterBreakGrace)
	v.SetDefault("adapter_stop_grace", d.AdapterStopGrace)
	v.SetDefault("retention_observations", d.RetentionObservations)
	v.SetDefault("retention_sweep_period", d.RetentionSweepPeriod)
	v.SetDefault("transport::stdio", d.Transport.Stdio)
	v.SetDefault("transport::http_addr", d.Transport.HTTPAddr)
	v.SetDefault("archive::enabled", d.Archive.Enabled)
	v.SetDefault("archive::path", d.Archive.Path)
	v.SetDefault("log_path", d.LogPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("tracing::enabled", d.Tracing.Enabled)
	v.SetDefault("tracing::otlp_addr", d.Tracing.OTLPAddr)
	v.SetDefault("tracing::service_name", d.Tracing.ServiceName)
}

// EngineConfig projects the pieces of Config relevant to one session's core
// engine, used by sessiondir when opening a new session.
type EngineConfig struct {
	CommandTimeout       time.Duration
	BatchCeiling         time.Duration
	BatchEnabled         bool
	BatchMaxSize         int
	BatchWait            time.Duration
	BatchExcluded        []string
	HeartbeatInterval    time.Duration
	HealthCacheTTL       time.Duration
	HealthProbeCommand   string
	HealthProbeTimeout   time.Duration
	HealthCheckInterval  time.Duration
	RecoveryMaxAttempts  int
	RecoveryCooldown     time.Duration
	RestartBaseDelay     time.Duration
	RestartMaxDelay      time.Duration
	AdapterStartupWindow time.Duration
	AdapterBreakGrace    time.Duration
	AdapterStopGrace     time.Duration
	RetentionSweepPeriod time.Duration
}

// ToEngineConfig extracts the per-session engine knobs from c.
func (c Config) ToEngineConfig() EngineConfig {
	return EngineConfig{
		CommandTimeout:       c.CommandTimeout,
		BatchCeiling:         c.BatchCeiling,
		BatchEnabled:         c.BatchEnabled,
		BatchMaxSize:         c.BatchMaxSize,
		BatchWait:            c.BatchWait,
		BatchExcluded:        c.BatchExcluded,
		HeartbeatInterval:    c.HeartbeatInterval,
		HealthCacheTTL:       c.HealthCacheTTL,
		HealthProbeCommand:   c.HealthProbeCommand,
		HealthProbeTimeout:   c.HealthProbeTimeout,
		HealthCheckInterval:  c.HealthCheckInterval,
		RecoveryMaxAttempts:  c.RecoveryMaxAttempts,
		RecoveryCooldown:     c.RecoveryCooldown,
		RestartBaseDelay:     c.RestartBaseDelay,
		RestartMaxDelay:      c.RestartMaxDelay,
		AdapterStartupWindow: c.AdapterStartupWindow,
		AdapterBreakGrace:    c.AdapterBreakGrace,
		AdapterStopGrace:     c.AdapterStopGrace,
		RetentionSweepPeriod: c.RetentionSweepPeriod,
	}
}
