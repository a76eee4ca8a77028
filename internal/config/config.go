// Package config provides configuration types and defaults for claudebridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"claudebridge/internal/log"
)

// Config holds all configuration options for claudebridge.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	CLI     CLIConfig     `mapstructure:"cli"`
	Pool    PoolConfig    `mapstructure:"pool"`
	PTY     PTYConfig     `mapstructure:"pty"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	SharedSecret string        `mapstructure:"shared_secret"` // Bearer token for /v1, empty disables auth
	Heartbeat    time.Duration `mapstructure:"heartbeat"`     // SSE keep-alive cadence
}

// CLIConfig locates the CLI binary the gateway fronts.
type CLIConfig struct {
	Binary string `mapstructure:"binary"`
}

// PoolConfig bounds the process pool.
type PoolConfig struct {
	MaxProcesses    int           `mapstructure:"max_processes"`
	MaxPtyProcesses int           `mapstructure:"max_pty_processes"`
	GracePeriod     time.Duration `mapstructure:"grace_period"` // SIGTERM to SIGKILL window
}

// PTYConfig tunes pseudo-terminal children and screen analysis.
type PTYConfig struct {
	Cols               int           `mapstructure:"cols"`
	Rows               int           `mapstructure:"rows"`
	Term               string        `mapstructure:"term"`
	PromptTimeout      time.Duration `mapstructure:"prompt_timeout"`
	StreamTimeout      time.Duration `mapstructure:"stream_timeout"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	StabilityThreshold float64       `mapstructure:"stability_threshold"` // 0.0 to 1.0
	StableCount        int           `mapstructure:"stable_count"`
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	MaxAge          time.Duration `mapstructure:"max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ScreenHistory   int           `mapstructure:"screen_history"` // Snapshots retained per session
}

// LoggingConfig controls the file logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Empty derives a default under the config dir
	Debug bool   `mapstructure:"debug"` // Force debug level and mirror the log to stderr
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/claudebridge/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/claudebridge/traces/traces.jsonl or empty string if home
// dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "claudebridge", "traces", "traces.jsonl")
}

// DefaultLogFilePath returns the default path for the debug log.
func DefaultLogFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "claudebridge", "claudebridge.log")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			Heartbeat: 15 * time.Second,
		},
		CLI: CLIConfig{
			Binary: "claude",
		},
		Pool: PoolConfig{
			MaxProcesses:    10,
			MaxPtyProcesses: 5,
			GracePeriod:     5 * time.Second,
		},
		PTY: PTYConfig{
			Cols:               120,
			Rows:               40,
			Term:               "xterm-256color",
			PromptTimeout:      30 * time.Second,
			StreamTimeout:      60 * time.Second,
			CheckInterval:      100 * time.Millisecond,
			StabilityThreshold: 0.95,
			StableCount:        3,
		},
		Session: SessionConfig{
			MaxAge:          30 * time.Minute,
			CleanupInterval: time.Minute,
			ScreenHistory:   10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the whole configuration for errors.
func (c Config) Validate() error {
	if err := ValidatePool(c.Pool); err != nil {
		return err
	}
	if err := ValidatePTY(c.PTY); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", c.Logging.Level)
		}
	}
	return nil
}

// ValidatePool checks pool bounds for errors.
// Returns nil if the configuration is valid (zero values use defaults).
func ValidatePool(p PoolConfig) error {
	if p.MaxProcesses < 0 {
		return fmt.Errorf("pool.max_processes must not be negative, got %d", p.MaxProcesses)
	}
	if p.MaxPtyProcesses < 0 {
		return fmt.Errorf("pool.max_pty_processes must not be negative, got %d", p.MaxPtyProcesses)
	}
	if p.MaxProcesses > 0 && p.MaxPtyProcesses > p.MaxProcesses {
		return fmt.Errorf("pool.max_pty_processes (%d) must not exceed pool.max_processes (%d)", p.MaxPtyProcesses, p.MaxProcesses)
	}
	return nil
}

// ValidatePTY checks terminal tuning for errors.
// Returns nil if the configuration is valid (zero values use defaults).
func ValidatePTY(p PTYConfig) error {
	if p.Cols < 0 || p.Rows < 0 {
		return fmt.Errorf("pty.cols and pty.rows must not be negative")
	}
	if p.StabilityThreshold < 0 || p.StabilityThreshold > 1 {
		return fmt.Errorf("pty.stability_threshold must be between 0.0 and 1.0, got %v", p.StabilityThreshold)
	}
	if p.StableCount < 0 {
		return fmt.Errorf("pty.stable_count must not be negative, got %d", p.StableCount)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Claudebridge Configuration

# HTTP server settings
server:
  addr: ":8080"
  # Bearer token required on /v1 endpoints; leave empty to disable auth
  # shared_secret: change-me
  heartbeat: 15s          # SSE keep-alive comment cadence

# CLI binary the gateway fronts
cli:
  binary: claude

# Process pool bounds
pool:
  max_processes: 10       # Global cap across stdio and pty children
  max_pty_processes: 5    # Sub-cap for interactive pty children
  grace_period: 5s        # SIGTERM to SIGKILL window on release

# Pseudo-terminal and screen analysis tuning
pty:
  cols: 120
  rows: 40
  term: xterm-256color
  prompt_timeout: 30s     # Wait for the ready prompt on session start
  stream_timeout: 60s     # Ceiling on one agent response
  check_interval: 100ms   # Screen analysis tick
  stability_threshold: 0.95
  stable_count: 3         # Consecutive stable ticks before done

# Session registry
session:
  max_age: 30m            # Idle eviction threshold
  cleanup_interval: 1m
  screen_history: 10      # Screen snapshots retained per session

# Debug log
logging:
  level: info             # debug, info, warn, error
  # file: ~/.config/claudebridge/claudebridge.log
  # debug: true           # Force debug level and mirror the log to stderr

# Distributed tracing configuration
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/claudebridge/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
