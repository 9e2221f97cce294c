// Package config loads and validates the portscan configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/scanning"
)

// EnvPrefix is the prefix of environment variables that override the file.
const EnvPrefix = "PORTSCAN"

const (
	defaultAPIPort        = 8080
	defaultRequestTimeout = 5 * time.Minute
	defaultMaxRequestSize = 64 * 1024
)

// Config represents the complete portscan configuration.
type Config struct {
	Scanning  ScanningConfig   `yaml:"scanning" json:"scanning" validate:"required"`
	Output    OutputConfig     `yaml:"output" json:"output"`
	Database  db.Config        `yaml:"database" json:"database"`
	API       APIConfig        `yaml:"api" json:"api"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	Schedules []ScheduleConfig `yaml:"schedules" json:"schedules" validate:"dive"`
}

// ScanningConfig holds the scan defaults used when a request leaves them out.
type ScanningConfig struct {
	// Maximum probes in flight per scan
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=65536"`

	// Maximum UDP probes in flight, within Concurrency
	UDPConcurrency int `yaml:"udp_concurrency" json:"udp_concurrency" validate:"gte=0"`

	// Per-probe timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Whole-scan deadline, 0 for none
	Deadline time.Duration `yaml:"deadline" json:"deadline" validate:"gte=0"`

	// How long in-flight probes may finish after an abort
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period" validate:"gte=0"`

	// Re-probes of inconclusive results
	Retries int `yaml:"retries" json:"retries" validate:"gte=0,lte=10"`

	// Probe starts per second, 0 for unlimited
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`

	// Send protocol-specific UDP requests on well-known ports
	UDPPayloads bool `yaml:"udp_payloads" json:"udp_payloads"`

	// DNS server used instead of the system resolver ("host" or "host:port")
	DNSServer string `yaml:"dns_server" json:"dns_server"`

	// udp_concurrency was given in the file or the environment
	udpConcurrencySet bool
}

// clampUDPConcurrency keeps a defaulted UDP limit within a lowered global
// limit. An explicit udp_concurrency is left for Validate to check.
func (s *ScanningConfig) clampUDPConcurrency() {
	if !s.udpConcurrencySet {
		s.UDPConcurrency = min(s.UDPConcurrency, s.Concurrency)
	}
}

// OutputConfig controls how the CLI prints reports.
type OutputConfig struct {
	Format     string `yaml:"format" json:"format" validate:"omitempty,oneof=text table json"`
	HideClosed bool   `yaml:"hide_closed" json:"hide_closed"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port" validate:"gte=1,lte=65535"`

	// bcrypt hashes of accepted X-API-Key values; empty disables authentication
	APIKeyHashes []string `yaml:"api_key_hashes" json:"-"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`

	// Maximum request size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" validate:"gte=0"`

	// Number of scans the API runs at the same time
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans" validate:"gte=1"`

	// Requests per second allowed per client IP, 0 for unlimited
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`

	// Burst size for RateLimit
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst" validate:"gte=0"`

	// Enable TLS
	TLS TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `yaml:"key_file" json:"key_file" validate:"required_if=Enabled true"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// ScheduleConfig is one periodic scan.
type ScheduleConfig struct {
	Name      string   `yaml:"name" json:"name" validate:"required"`
	Cron      string   `yaml:"cron" json:"cron" validate:"required"`
	Host      string   `yaml:"host" json:"host" validate:"required"`
	Ports     string   `yaml:"ports" json:"ports" validate:"required"`
	Protocols []string `yaml:"protocols" json:"protocols"`
}

// Request converts the entry into a scan request.
func (s ScheduleConfig) Request() (scanning.ScanRequest, error) {
	ports, err := scanning.ParsePortRange(s.Ports)
	if err != nil {
		return scanning.ScanRequest{}, err
	}
	protocols, err := ParseProtocols(s.Protocols)
	if err != nil {
		return scanning.ScanRequest{}, err
	}
	return scanning.ScanRequest{Host: s.Host, Ports: ports, Protocols: protocols}, nil
}

// ParseProtocols converts protocol names. An empty list means TCP only.
func ParseProtocols(names []string) ([]scanning.Protocol, error) {
	if len(names) == 0 {
		return []scanning.Protocol{scanning.TCP}, nil
	}
	protocols := make([]scanning.Protocol, 0, len(names))
	for _, name := range names {
		p, err := scanning.ParseProtocol(name)
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, p)
	}
	return protocols, nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Concurrency:    scanning.DefaultConcurrency,
			UDPConcurrency: scanning.DefaultUDPConcurrency,
			Timeout:        scanning.DefaultProbeTimeout,
			Deadline:       0,
			GracePeriod:    scanning.DefaultGracePeriod,
			Retries:        0,
			RateLimit:      0,
			UDPPayloads:    true,
		},
		Output: OutputConfig{
			Format: string(scanning.FormatText),
		},
		Database: db.DefaultConfig(),
		API: APIConfig{
			ListenAddr: "127.0.0.1",
			Port:       defaultAPIPort,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			},
			RequestTimeout:     defaultRequestTimeout,
			MaxRequestSize:     defaultMaxRequestSize,
			MaxConcurrentScans: 4,
			RateLimit:          10,
			RateLimitBurst:     20,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stderr",
			RequestLogging: true,
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, fmt.Sprintf("failed to read config file %s", path), err)
	}

	// JSON is a subset of YAML, so one decoder serves both.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, fmt.Sprintf("failed to parse config file %s", filepath.Base(path)), err)
	}

	var explicit struct {
		Scanning struct {
			UDPConcurrency *int `yaml:"udp_concurrency"`
		} `yaml:"scanning"`
	}
	if err := yaml.Unmarshal(data, &explicit); err == nil {
		config.Scanning.udpConcurrencySet = explicit.Scanning.UDPConcurrency != nil
	}
	config.Scanning.clampUDPConcurrency()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints first, then the semantic rules
// validator tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q validation", fe.Tag()), fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.Scanning.UDPConcurrency > c.Scanning.Concurrency {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"must not exceed scanning.concurrency", "scanning.udp_concurrency", c.Scanning.UDPConcurrency)
	}
	if c.Database.Enabled() && c.Database.Username == "" {
		return errors.ErrConfigMissing("database.username")
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if seen[s.Name] {
			return errors.NewConfigFieldError(errors.CodeValidation, "duplicate schedule name", field+".name", s.Name)
		}
		seen[s.Name] = true
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), field+".cron", s.Cron)
		}
		if _, err := s.Request(); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, errors.Message(err), field, s.Ports)
		}
	}

	return nil
}

// SchedulerConfig returns the scan defaults as a scheduler configuration.
func (c *Config) SchedulerConfig() scanning.SchedulerConfig {
	return scanning.SchedulerConfig{
		Concurrency:    c.Scanning.Concurrency,
		UDPConcurrency: c.Scanning.UDPConcurrency,
		Timeout:        c.Scanning.Timeout,
		Deadline:       c.Scanning.Deadline,
		GracePeriod:    c.Scanning.GracePeriod,
		Retries:        c.Scanning.Retries,
		RateLimit:      c.Scanning.RateLimit,
	}
}

// EngineOptions returns the engine options implied by the scanning section:
// the DNS server to resolve through and the UDP payload setting.
func (c *Config) EngineOptions() []scanning.EngineOption {
	opts := []scanning.EngineOption{
		scanning.WithProber(scanning.NewExecutor(scanning.WithUDPPayloads(c.Scanning.UDPPayloads))),
	}
	if c.Scanning.DNSServer != "" {
		opts = append(opts, scanning.WithHostResolver(scanning.NewDNSResolver(c.Scanning.DNSServer, 0)))
	}
	return opts
}

// LoggingConfig converts the logging section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.Level == "debug",
	}
}

// GetAPIAddress returns the full API address.
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}

// ApplyEnv overrides settings with PORTSCAN_* variables known to v. Keys use
// the YAML paths, e.g. PORTSCAN_DATABASE_PASSWORD for database.password.
func (c *Config) ApplyEnv(v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setInt("scanning.concurrency", &c.Scanning.Concurrency)
	if v.IsSet("scanning.udp_concurrency") {
		c.Scanning.UDPConcurrency = v.GetInt("scanning.udp_concurrency")
		c.Scanning.udpConcurrencySet = true
	}
	c.Scanning.clampUDPConcurrency()
	setDuration("scanning.timeout", &c.Scanning.Timeout)
	setDuration("scanning.deadline", &c.Scanning.Deadline)
	setInt("scanning.retries", &c.Scanning.Retries)
	if v.IsSet("scanning.rate_limit") {
		c.Scanning.RateLimit = v.GetFloat64("scanning.rate_limit")
	}
	setString("scanning.dns_server", &c.Scanning.DNSServer)
	setString("output.format", &c.Output.Format)

	setString("database.host", &c.Database.Host)
	setInt("database.port", &c.Database.Port)
	setString("database.database", &c.Database.Database)
	setString("database.username", &c.Database.Username)
	setString("database.password", &c.Database.Password)
	setString("database.ssl_mode", &c.Database.SSLMode)

	setString("api.listen_addr", &c.API.ListenAddr)
	setInt("api.port", &c.API.Port)

	setString("logging.level", &c.Logging.Level)
	setString("logging.format", &c.Logging.Format)
	setString("logging.output", &c.Logging.Output)
}

// NewViper returns a viper instance that reads PORTSCAN_* overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
