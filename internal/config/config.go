// Package config loads and validates netsentry assessment configuration.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/netsentry/internal/errors"
)

const (
	configDirPerm  = 0o755
	configFilePerm = 0o600
)

// Config represents the complete assessment configuration
type Config struct {
	// Port scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Host discovery configuration
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// Target expansion configuration
	Targets TargetsConfig `yaml:"targets" json:"targets"`

	// Worker pool sizes
	Concurrency ConcurrencyConfig `yaml:"concurrency" json:"concurrency"`

	// Outbound probe rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Vulnerability check configuration
	Checks ChecksConfig `yaml:"checks" json:"checks"`

	// GracePeriod is how long in-flight probes may run after cancellation.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period" validate:"min=0"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics export
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Recurring assessments
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
}

// ScanningConfig holds port scanning settings
type ScanningConfig struct {
	// Ports to scan: "common", "all" or a list such as "22,80,1000-2000"
	PortRange string `yaml:"port_range" json:"port_range" validate:"required,portspec"`

	// Ports removed from PortRange
	ExcludePorts string `yaml:"exclude_ports" json:"exclude_ports" validate:"omitempty,portspec"`

	// Scan technique: connect, syn or udp
	Technique string `yaml:"scan_technique" json:"scan_technique" validate:"required,oneof=connect syn udp"`

	// Deadline for a single probe
	TimeoutPerProbe time.Duration `yaml:"timeout_per_probe" json:"timeout_per_probe" validate:"min=1ms"`

	// Retry configuration for transient probe failures
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Scan hosts even when discovery finds them down
	ForceScan bool `yaml:"force_scan" json:"force_scan"`
}

// RetryConfig holds retry settings for transient probe failures
type RetryConfig struct {
	// Number of retries after the first attempt
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"min=0,max=10"`

	// Delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"min=0"`
}

// DiscoveryConfig holds host discovery settings
type DiscoveryConfig struct {
	// Strategies tried concurrently per host
	Methods []string `yaml:"discovery_methods" json:"discovery_methods" validate:"required,min=1,dive,oneof=icmp arp tcp-syn tcp-connect"`

	// Overall liveness deadline per host
	HostTimeout time.Duration `yaml:"host_timeout" json:"host_timeout" validate:"min=1ms"`

	// Retries per strategy attempt
	Retries int `yaml:"retries" json:"retries" validate:"min=0,max=10"`

	// Ports used by tcp-syn and tcp-connect liveness probes
	TCPPorts []int `yaml:"tcp_ports" json:"tcp_ports" validate:"dive,min=1,max=65535"`
}

// TargetsConfig holds target expansion settings
type TargetsConfig struct {
	// Addresses or CIDRs removed after expansion
	ExcludeHosts []string `yaml:"exclude_hosts" json:"exclude_hosts" validate:"dive,required"`

	// Optional DNS server (host or host:port) used for hostname resolution
	DNSServer string `yaml:"dns_server" json:"dns_server"`
}

// ConcurrencyConfig holds worker pool sizes
type ConcurrencyConfig struct {
	// Upper bound applied to every stage pool
	Global int `yaml:"global_concurrency" json:"global_concurrency" validate:"min=1"`

	Discovery int `yaml:"discovery" json:"discovery" validate:"min=1"`
	Scan      int `yaml:"scan" json:"scan" validate:"min=1"`
	Identify  int `yaml:"identify" json:"identify" validate:"min=1"`
	Checks    int `yaml:"checks" json:"checks" validate:"min=1"`

	// Number of host pipelines running at once
	MaxHostsInFlight int `yaml:"max_hosts_in_flight" json:"max_hosts_in_flight" validate:"min=1"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Enable rate limiting
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Probes per second
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second" validate:"min=0"`

	// Burst size
	BurstSize int `yaml:"burst_size" json:"burst_size" validate:"min=0"`
}

// Credential is a username and password pair tried by default credential checks.
type Credential struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password"`
}

// ChecksConfig holds vulnerability check settings
type ChecksConfig struct {
	// Check IDs or families to run; empty runs everything
	Selection []string `yaml:"check_selection" json:"check_selection"`

	// Verify certificates and hostnames on TLS connections made by checks
	SSLVerify bool `yaml:"ssl_verify" json:"ssl_verify"`

	// Credentials tried by default-credentials checks
	Credentials []Credential `yaml:"credential_list" json:"credential_list" validate:"dive"`

	// SNMP communities tried by the SNMP credential check
	SNMPCommunities []string `yaml:"snmp_communities" json:"snmp_communities"`

	// Cap on login attempts per host and service
	MaxCredentialAttempts int `yaml:"max_credential_attempts" json:"max_credential_attempts" validate:"min=1,max=100"`

	// Deadline for a single check
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=1ms"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
	Output string `yaml:"output" json:"output" validate:"required"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Prometheus textfile written after each session
	Textfile string `yaml:"textfile" json:"textfile" validate:"required_if=Enabled true"`
}

// ScheduleConfig holds recurring assessment settings
type ScheduleConfig struct {
	// Standard five-field cron expression
	Cron string `yaml:"cron" json:"cron"`

	// Directory receiving one JSON report per run
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			PortRange:       "common",
			Technique:       "connect",
			TimeoutPerProbe: 2 * time.Second,
			Retry: RetryConfig{
				MaxRetries: 1,
				RetryDelay: 100 * time.Millisecond,
			},
		},
		Discovery: DiscoveryConfig{
			Methods:     []string{"icmp", "tcp-connect"},
			HostTimeout: 5 * time.Second,
			Retries:     1,
			TCPPorts:    []int{22, 23, 25, 53, 80, 110, 143, 443, 993, 995, 3389, 8080},
		},
		Concurrency: ConcurrencyConfig{
			Global:           100,
			Discovery:        50,
			Scan:             100,
			Identify:         25,
			Checks:           10,
			MaxHostsInFlight: 64,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 500,
			BurstSize:         50,
		},
		Checks: ChecksConfig{
			SSLVerify: true,
			Credentials: []Credential{
				{Username: "admin", Password: "admin"},
				{Username: "root", Password: "root"},
				{Username: "root", Password: "toor"},
				{Username: "admin", Password: "password"},
				{Username: "anonymous", Password: "anonymous@"},
			},
			SNMPCommunities:       []string{"public", "private"},
			MaxCredentialAttempts: 5,
			Timeout:               10 * time.Second,
		},
		GracePeriod: 5 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Schedule: ScheduleConfig{
			OutputDir: "reports",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil // Return defaults if no config file
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileNotFound, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both extensions.
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json", "":
	default:
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "unsupported config file extension", "path", ext)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse config", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var portSpecPattern = regexp.MustCompile(`^(all|common|[0-9]+(-[0-9]+)?(\s*,\s*[0-9]+(-[0-9]+)?)*)$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("portspec", func(fl validator.FieldLevel) bool {
		return portSpecPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks struct constraints and cross-field rules. The returned
// error is a *errors.ConfigError naming the first offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			cfgErr := errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q validation", fe.Tag()), fe.Namespace(), fe.Value())
			cfgErr.Cause = err
			return cfgErr
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond == 0 {
		return errors.ErrConfigInvalid("rate_limit.requests_per_second", 0)
	}

	return nil
}

// EffectiveRate returns the probes per second, or 0 for unlimited.
func (c *Config) EffectiveRate() int {
	if !c.RateLimit.Enabled {
		return 0
	}
	return c.RateLimit.RequestsPerSecond
}

// StageSize caps a stage pool size at the global concurrency bound.
func (c *Config) StageSize(stage int) int {
	if stage > c.Concurrency.Global {
		return c.Concurrency.Global
	}
	return stage
}
