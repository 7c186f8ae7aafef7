// Package config provides configuration loading and validation for the
// analysis coordinator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
)

// Sentinel validation errors.
var (
	ErrInvalidPort          = errors.New("invalid boundary port")
	ErrInvalidWorkerCount   = errors.New("worker count must be positive")
	ErrInvalidQueueCapacity = errors.New("received measurements queue capacity must be positive")
	ErrMissingBroadcastAddr = errors.New("announce broadcast address is required when announce is enabled")
)

// Default configuration values.
const (
	defaultBoundaryHost            = "0.0.0.0"
	defaultBoundaryPort            = 0  // 0 lets the OS pick a free port.
	defaultWorkerCount             = 4
	defaultDebugPortBase           = 0  // 0 disables per-worker debug ports.
	defaultReceivedMeasurementsCap = 10 // bounded per the concurrency model.
	maxPort                        = 65535
)

// Config holds all configuration for the analysis coordinator.
type Config struct {
	Boundary  BoundaryConfig   `mapstructure:"boundary"`
	Announce  AnnounceConfig   `mapstructure:"announce"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Store     StoreConfig      `mapstructure:"store"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// MetricsConfig configures the optional Prometheus scrape endpoint, separate
// from OTLP export (spec DOMAIN STACK: RED metrics exported for scraping).
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// BoundaryConfig configures the C1 transport listener.
type BoundaryConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AnnounceConfig configures the C2 broadcast beacon.
type AnnounceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BroadcastAddr string `mapstructure:"broadcast_addr"`
}

// WorkerConfig configures the C4 worker pool supervisor.
type WorkerConfig struct {
	Count            int    `mapstructure:"count"`
	BinaryPath       string `mapstructure:"binary_path"`
	PluginsDirectory string `mapstructure:"plugins_directory"`
	DebugPortBase    int    `mapstructure:"debug_port_base"`
}

// StoreConfig configures the C3 measurement store adapter's bootstrap.
type StoreConfig struct {
	ScratchDirectory string `mapstructure:"scratch_directory"`
}

// QueueConfig configures internal queue capacities (spec §5).
type QueueConfig struct {
	ReceivedMeasurementsCapacity int `mapstructure:"received_measurements_capacity"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/analysiscoordinator")
	}

	viperCfg.SetEnvPrefix("ANALYSISCOORDINATOR")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	if validateErr := validateConfig(&cfg); validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	if cfg.Metrics.Addr != "" {
		cfg.Telemetry.PrometheusScrape = true
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("boundary.host", defaultBoundaryHost)
	viperCfg.SetDefault("boundary.port", defaultBoundaryPort)

	viperCfg.SetDefault("announce.enabled", true)
	viperCfg.SetDefault("announce.broadcast_addr", "255.255.255.255:9715")

	viperCfg.SetDefault("worker.count", defaultWorkerCount)
	viperCfg.SetDefault("worker.binary_path", "")
	viperCfg.SetDefault("worker.plugins_directory", "")
	viperCfg.SetDefault("worker.debug_port_base", defaultDebugPortBase)

	viperCfg.SetDefault("store.scratch_directory", "")

	viperCfg.SetDefault("queue.received_measurements_capacity", defaultReceivedMeasurementsCap)

	viperCfg.SetDefault("telemetry.service_name", "analysiscoordinator")
	viperCfg.SetDefault("telemetry.log_level", "info")
	viperCfg.SetDefault("telemetry.log_json", true)
	viperCfg.SetDefault("telemetry.sample_ratio", "1.0")
	viperCfg.SetDefault("telemetry.shutdown_timeout_sec", 5)
	viperCfg.SetDefault("telemetry.prometheus_scrape", false)

	viperCfg.SetDefault("metrics.addr", "")
}

// validateConfig validates the configuration.
func validateConfig(cfg *Config) error {
	if cfg.Boundary.Port < 0 || cfg.Boundary.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Boundary.Port)
	}

	if cfg.Worker.Count <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerCount, cfg.Worker.Count)
	}

	if cfg.Queue.ReceivedMeasurementsCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueCapacity, cfg.Queue.ReceivedMeasurementsCapacity)
	}

	if cfg.Announce.Enabled && cfg.Announce.BroadcastAddr == "" {
		return ErrMissingBroadcastAddr
	}

	return nil
}

// WorkerArgs builds the launch argument vector for worker index i
// (spec §6 "Worker process contract").
func (c *Config) WorkerArgs(i int, binary, announceAddr string) []string {
	args := []string{binary, "--work-announce", announceAddr}

	if c.Worker.PluginsDirectory != "" {
		args = append(args, "--plugins-directory", c.Worker.PluginsDirectory)
	}

	return args
}

// WorkerDebugPort computes the per-worker debug port offset, or 0 if
// debug ports are disabled (spec §6).
func (c *Config) WorkerDebugPort(i int) int {
	if c.Worker.DebugPortBase == 0 {
		return 0
	}

	return c.Worker.DebugPortBase + i
}

// defaultWorkerTimeout is unused by validation but documents the expectation
// that a worker pool shuts down within a bounded window during cancellation.
const defaultWorkerTimeout = 30 * time.Second
