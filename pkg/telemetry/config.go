package telemetry

import (
	"fmt"
	"time"
)

// defaultLatencyBuckets covers the spread between an in-process
// provider call (sub-millisecond) and a remote provision round trip
// (seconds).
var defaultLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Config bundles the settings for all four telemetry subsystems. Start
// from one of the profile constructors and override individual fields
// before handing it to NewTelemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment tags exported traces (development, staging, production).
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig controls the zerolog root logger.
type LoggingConfig struct {
	// Level is the minimum emitted level: trace, debug, info, warn,
	// error, or fatal.
	Level string

	// Format selects json output or the human console format.
	Format string

	// Output is "stdout", "stderr", or a file path opened for append.
	// Empty means stdout.
	Output string

	// EnableCaller stamps entries with the file:line of the call site.
	EnableCaller bool
}

// TracingConfig controls the OpenTelemetry span pipeline.
type TracingConfig struct {
	Enabled bool

	// Exporter is "otlp" for a collector, "stdout" for local
	// debugging, or "none" to record spans without exporting them.
	Exporter string

	// Endpoint is the OTLP gRPC target as host:port.
	Endpoint string

	// SamplingRate is the fraction of new traces to keep, 0 through 1.
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers carries extra metadata to the OTLP collector, typically
	// auth tokens.
	Headers map[string]string

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// MetricsConfig controls the Prometheus registry and its HTTP
// endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress is where the metrics HTTP server binds.
	ListenAddress string

	// Path is the scrape path, normally /metrics.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets replaces the built-in latency buckets.
	DefaultHistogramBuckets []float64
}

// EventsConfig controls the event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize caps queued events in async mode. Publishing to a
	// full buffer drops the event.
	BufferSize int

	// FlushInterval is how often the buffer is drained.
	FlushInterval time.Duration

	// MaxBatchSize bounds how many events one drain pass collects.
	MaxBatchSize int

	// EnableAsync decouples publishers from subscribers through the
	// buffer. Synchronous mode dispatches on the publishing goroutine.
	EnableAsync bool
}

// DefaultConfig is the baseline profile: console logs on stdout, every
// trace sampled and printed, metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "terrane",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stdout",
			EnableCaller: true,
		},
		Tracing: TracingConfig{
			Enabled:            true,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "terrane",
			DefaultHistogramBuckets: defaultLatencyBuckets,
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// ProductionConfig trades verbosity for volume: json logs without
// caller stamps, OTLP export over TLS, 10% trace sampling. The OTLP
// endpoint must still be filled in.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableCaller = false
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig is DefaultConfig with debug logging.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	return cfg
}

// Validate checks the configuration before any subsystem is built.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("the otlp trace exporter needs an endpoint")
			}
		case "stdout", "none":
		default:
			return fmt.Errorf("unknown trace exporter %q", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate %v is outside [0, 1]", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics are enabled without a listen address")
	}
	if c.Events.Enabled && c.Events.BufferSize < 1 {
		return fmt.Errorf("event buffer size must be at least 1")
	}
	return nil
}
