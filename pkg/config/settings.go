package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

// Settings is the engine runtime configuration, loaded from a YAML file
// and overridable per run from command line flags. Declarations say what
// to build; settings say how hard to push while building it.
type Settings struct {
	// Parallelism caps concurrently running operations during apply.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=128"`

	// MaxRetries caps provider re-attempts after retryable failures.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`

	// OperationTimeout bounds each individual provider call.
	OperationTimeout Duration `yaml:"operation_timeout"`

	// ModuleDepthLimit is the module nesting ceiling during expansion.
	ModuleDepthLimit int `yaml:"module_depth_limit" validate:"min=1,max=64"`

	// StatePath is the statefile location.
	StatePath string `yaml:"state_path" validate:"required"`

	// HistoryPath is the run history database location. Empty disables
	// history recording.
	HistoryPath string `yaml:"history_path"`

	// Provision tunes remote provisioner runs.
	Provision ProvisionSettings `yaml:"provision"`

	// Policy configures the plan policy gate.
	Policy PolicySettings `yaml:"policy"`

	// Telemetry selects and overrides the telemetry profile.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// ProvisionSettings tunes remote provisioner connection retries and
// execution deadlines.
type ProvisionSettings struct {
	// ConnectAttempts is how many times a refused or timed out dial is
	// retried before the provisioner fails.
	ConnectAttempts int `yaml:"connect_attempts" validate:"min=1,max=10"`

	// BackoffMin and BackoffMax bound the exponential delay between
	// connection attempts.
	BackoffMin Duration `yaml:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max"`

	// ConnectTimeout bounds each individual dial.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// CommandTimeout bounds each remote command.
	CommandTimeout Duration `yaml:"command_timeout"`
}

// PolicySettings configures the plan policy gate.
type PolicySettings struct {
	// Enabled turns the gate on.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory policy files are loaded from.
	Dir string `yaml:"dir" validate:"required_if=Enabled true"`

	// Watch reloads policies when files under Dir change.
	Watch bool `yaml:"watch"`

	// Environment names the deployment environment policies see in their
	// run context, e.g. production.
	Environment string `yaml:"environment"`
}

// TelemetrySettings selects a telemetry profile and overrides its most
// commonly tuned knobs. The full profile surface stays in the telemetry
// package.
type TelemetrySettings struct {
	// Profile picks the base configuration: default, production, or
	// development.
	Profile string `yaml:"profile" validate:"omitempty,oneof=default production development"`

	// LogLevel overrides the profile's minimum level when set.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat overrides the profile's output format when set.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// TraceExporter overrides the span exporter when set.
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// OTLPEndpoint is the collector endpoint for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// MetricsListen overrides the metrics listen address when set.
	MetricsListen string `yaml:"metrics_listen"`
}

// Duration wraps time.Duration so YAML accepts "90s" and "5m" forms.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultSettings returns the baseline runtime configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Parallelism:      engine.DefaultParallelism,
		MaxRetries:       engine.DefaultMaxRetries,
		OperationTimeout: Duration(engine.DefaultOperationTimeout),
		ModuleDepthLimit: engine.DefaultModuleRecursionLimit,
		StatePath:        "terrane.state.json",
		HistoryPath:      "terrane.history.db",
		Provision: ProvisionSettings{
			ConnectAttempts: 3,
			BackoffMin:      Duration(1 * time.Second),
			BackoffMax:      Duration(30 * time.Second),
			ConnectTimeout:  Duration(30 * time.Second),
			CommandTimeout:  Duration(5 * time.Minute),
		},
		Policy: PolicySettings{
			Enabled: false,
			Dir:     "policies",
			Watch:   false,
		},
		Telemetry: TelemetrySettings{
			Profile: "default",
		},
	}
}

// ProductionSettings returns settings tuned for unattended runs.
func ProductionSettings() *Settings {
	s := DefaultSettings()
	s.Telemetry.Profile = "production"
	s.Provision.ConnectAttempts = 5
	s.Provision.BackoffMax = Duration(2 * time.Minute)
	return s
}

// DevelopmentSettings returns settings tuned for a tight edit loop.
func DevelopmentSettings() *Settings {
	s := DefaultSettings()
	s.Telemetry.Profile = "development"
	s.Parallelism = 4
	s.OperationTimeout = Duration(1 * time.Minute)
	return s
}

// LoadSettings reads YAML settings from path layered over the defaults. An
// empty path returns the defaults unchanged. Unknown keys are rejected so
// typos fail instead of silently falling back.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot read settings file %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}
	if err := unmarshalStrict(data, settings); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot parse settings file %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func unmarshalStrict(data []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(out)
}

var settingsValidator = validator.New()

// Validate checks ranges and cross-field requirements.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return engine.NewPermanentError("invalid settings", err).WithCode(engine.ErrCodeValidation)
	}

	if s.OperationTimeout.Std() < time.Second {
		return invalidSetting("operation_timeout must be at least 1s")
	}
	if s.Provision.ConnectTimeout.Std() < time.Second {
		return invalidSetting("provision.connect_timeout must be at least 1s")
	}
	if s.Provision.CommandTimeout.Std() < time.Second {
		return invalidSetting("provision.command_timeout must be at least 1s")
	}
	if s.Provision.BackoffMin.Std() <= 0 {
		return invalidSetting("provision.backoff_min must be positive")
	}
	if s.Provision.BackoffMax.Std() < s.Provision.BackoffMin.Std() {
		return invalidSetting("provision.backoff_max must not be below provision.backoff_min")
	}
	return nil
}

func invalidSetting(message string) error {
	return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeValidation)
}

// ExecutorConfig maps the settings onto the apply executor knobs. The
// provisioner runner and event sink are wired by the caller.
func (s *Settings) ExecutorConfig() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		Parallelism:      s.Parallelism,
		MaxRetries:       s.MaxRetries,
		OperationTimeout: s.OperationTimeout.Std(),
	}
}

// TelemetryConfig builds the full telemetry configuration from the
// selected profile plus overrides.
func (ts TelemetrySettings) TelemetryConfig(version string) (*telemetry.Config, error) {
	var cfg *telemetry.Config
	switch ts.Profile {
	case "", "default":
		cfg = telemetry.DefaultConfig()
	case "production":
		cfg = telemetry.ProductionConfig()
	case "development":
		cfg = telemetry.DevelopmentConfig()
	default:
		return nil, invalidSetting(fmt.Sprintf("unknown telemetry profile %q", ts.Profile))
	}

	cfg.ServiceVersion = version
	if ts.LogLevel != "" {
		cfg.Logging.Level = ts.LogLevel
	}
	if ts.LogFormat != "" {
		cfg.Logging.Format = ts.LogFormat
	}
	if ts.TraceExporter != "" {
		cfg.Tracing.Exporter = ts.TraceExporter
		cfg.Tracing.Enabled = ts.TraceExporter != "none"
	}
	if ts.OTLPEndpoint != "" {
		cfg.Tracing.Endpoint = ts.OTLPEndpoint
	}
	if ts.MetricsListen != "" {
		cfg.Metrics.ListenAddress = ts.MetricsListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid telemetry settings", err).WithCode(engine.ErrCodeValidation)
	}
	return cfg, nil
}
