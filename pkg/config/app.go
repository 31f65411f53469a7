package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/installmgr/pkg/telemetry"
)

// DefaultAppConfigPath is where imctl looks for its configuration.
const DefaultAppConfigPath = "/etc/imctl/imctl.yaml"

// AppConfig is the imctl configuration file.
type AppConfig struct {
	// InstalledConfig is the path of the installed artifact configuration.
	InstalledConfig string `yaml:"installed_config" validate:"required"`

	// PuppetConf is the puppet configuration used to infer the topology.
	PuppetConf string `yaml:"puppet_conf"`

	// ProbeTimeout bounds a single status probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`

	// StorePath is the SQLite database recording plans and executions.
	StorePath string `yaml:"store_path" validate:"required"`

	Backup  BackupSettings  `yaml:"backup"`
	Logging LoggingSettings `yaml:"logging"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`
	SSH     SSHSettings     `yaml:"ssh"`
}

// BackupSettings configures where backups are written.
type BackupSettings struct {
	Directory string `yaml:"directory" validate:"required"`
	Retention int    `yaml:"retention" validate:"gte=0"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
}

// TracingSettings configures the trace exporter.
type TracingSettings struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// SSHSettings are the defaults for connections to multi-node hosts.
type SSHSettings struct {
	User                  string        `yaml:"user" validate:"required"`
	Port                  int           `yaml:"port" validate:"gte=1,lte=65535"`
	AuthMethod            string        `yaml:"auth_method" validate:"oneof=key agent"`
	PrivateKeyPath        string        `yaml:"private_key"`
	KnownHostsPath        string        `yaml:"known_hosts"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gt=0"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		InstalledConfig: "/etc/imctl/installed.yaml",
		PuppetConf:      "/etc/puppet/puppet.conf",
		ProbeTimeout:    10 * time.Second,
		StorePath:       "/var/lib/imctl/imctl.db",
		Backup: BackupSettings{
			Directory: "/var/lib/imctl/backups",
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsSettings{
			ListenAddress: ":9090",
		},
		Tracing: TracingSettings{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		SSH: SSHSettings{
			User:                  "root",
			Port:                  22,
			AuthMethod:            "key",
			KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
			StrictHostKeyChecking: true,
			ConnectTimeout:        30 * time.Second,
			CommandTimeout:        30 * time.Minute,
		},
	}
}

// LoadAppConfig reads path over the defaults and validates the result.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *AppConfig) Validate() error {
	return validator.New().Struct(c)
}

// Telemetry converts the logging, metrics and tracing sections.
func (c *AppConfig) Telemetry(serviceVersion string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = serviceVersion
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	if c.Logging.Output != "" {
		tc.Logging.Output = c.Logging.Output
	}
	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	tc.Tracing.Enabled = c.Tracing.Enabled && c.Tracing.Exporter != "none"
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	return tc
}
