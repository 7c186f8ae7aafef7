// Package telemetry provides OpenTelemetry-based tracing, metrics, and
// structured logging shared by every component of the analysis coordinator.
package telemetry

import "log/slog"

// AppMode identifies how the coordinator process was launched.
type AppMode string

const (
	// ModeCLI is the reference command-line embedder.
	ModeCLI AppMode = "cli"
	// ModeEmbedded is an in-process embedder (test harness, GUI host).
	ModeEmbedded AppMode = "embedded"
)

const (
	defaultServiceName        = "analysiscoordinator"
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration for one coordinator process.
type Config struct {
	// ServiceName is the OTel resource service name.
	ServiceName string

	// ServiceVersion is the semantic version of the running binary.
	ServiceVersion string

	// Environment is the deployment environment (e.g. "production", "dev").
	Environment string

	// Mode identifies how the binary was launched.
	Mode AppMode

	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables export;
	// providers become no-op.
	OTLPEndpoint string

	// PrometheusScrape additionally registers a Prometheus collector on the
	// meter provider, independent of OTLPEndpoint, so /metrics can be served
	// without a collector in the loop.
	PrometheusScrape bool

	// OTLPHeaders are additional gRPC metadata headers for the OTLP exporter.
	OTLPHeaders map[string]string

	// OTLPInsecure disables TLS for the OTLP gRPC connection.
	OTLPInsecure bool

	// DebugTrace forces 100% trace sampling when true.
	DebugTrace bool

	// SampleRatio is the trace sampling ratio (0.0 to 1.0) when DebugTrace is false.
	SampleRatio float64

	// LogLevel controls the minimum slog severity.
	LogLevel slog.Level

	// LogJSON enables JSON-formatted log output.
	LogJSON bool

	// ShutdownTimeoutSec is the maximum seconds to wait for flush on shutdown.
	ShutdownTimeoutSec int
}

// DefaultConfig returns a Config with sensible defaults for zero-config startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeCLI,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}
