package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode         string `yaml:"sync_mode"`
	SyncInterval     string `yaml:"sync_interval"`
	SegmentSizeBytes int64  `yaml:"segment_size_bytes"`
	Compression      string `yaml:"compression"`
	MinFreeBytes     uint64 `yaml:"min_free_bytes"`
	VerifyWrites     bool   `yaml:"verify_writes"`
}

// CollectorConfig controls the background copy of sealed segments into datafiles.
type CollectorConfig struct {
	Interval             string `yaml:"interval"`
	Workers              int    `yaml:"workers"`
	DatafileMaxSizeBytes int64  `yaml:"datafile_max_size_bytes"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir   string          `yaml:"data_dir"`
	WAL       WALConfig       `yaml:"wal"`
	Collector CollectorConfig `yaml:"collector"`
	// MaxDocumentBytes rejects larger document bodies before they reach the WAL. Zero disables the check.
	MaxDocumentBytes int `yaml:"max_document_bytes"`
	// FailPoints are armed at startup, for fault injection runs.
	FailPoints []string `yaml:"fail_points"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// AdminConfig configures the HTTP admin and document API.
type AdminConfig struct {
	Enabled       bool      `yaml:"enabled"`
	ListenAddress string    `yaml:"listen_address"`
	AuthEnabled   bool      `yaml:"auth_enabled"`
	UserFilePath  string    `yaml:"user_file_path"`
	TLS           TLSConfig `yaml:"tls"`
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	// SystemMetricsInterval is how often host CPU, memory and disk figures are sampled.
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
	Debug   DebugConfig   `yaml:"debug"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// ParseCompression maps a configuration name to a compression type.
func ParseCompression(name string) (core.CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	}
	return core.CompressionNone, fmt.Errorf("unknown compression %q", name)
}

// Validate rejects values the engine cannot start with.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir must be set")
	}
	if _, err := core.ParseWALSyncMode(c.Engine.WAL.SyncMode); err != nil {
		return fmt.Errorf("engine.wal.sync_mode: %w", err)
	}
	if _, err := ParseCompression(c.Engine.WAL.Compression); err != nil {
		return fmt.Errorf("engine.wal.compression: %w", err)
	}
	if c.Engine.WAL.SegmentSizeBytes < 4096 {
		return fmt.Errorf("engine.wal.segment_size_bytes must be at least 4096, got %d", c.Engine.WAL.SegmentSizeBytes)
	}
	if c.Engine.MaxDocumentBytes < 0 {
		return fmt.Errorf("engine.max_document_bytes must not be negative")
	}
	if c.Admin.AuthEnabled && c.Admin.UserFilePath == "" {
		return fmt.Errorf("admin.user_file_path is required when auth is enabled")
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	return nil
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			WAL: WALConfig{
				SyncMode:         "interval",
				SyncInterval:     "100ms",
				SegmentSizeBytes: core.WALMaxSegmentSize,
				Compression:      "none",
			},
			Collector: CollectorConfig{
				Interval:             "1s",
				Workers:              4,
				DatafileMaxSizeBytes: 64 * 1024 * 1024, // 64 MiB
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusdoc.log",
		},
		Admin: AdminConfig{
			Enabled:       true,
			ListenAddress: ":8529",
			AuthEnabled:   false,
			UserFilePath:  "users.db",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Debug: DebugConfig{
			Enabled:               false,
			ListenAddress:         "localhost:6060",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			MonitorUIEnabled:      true,
			SystemMetricsInterval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
