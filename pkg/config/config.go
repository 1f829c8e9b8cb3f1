package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"sinkhole-dns/pkg/storage"
)

// Config holds the daemon configuration
type Config struct {
	// DaemonID selects the per-daemon keyspace in the rule store
	DaemonID string `yaml:"daemon_id" validate:"required,keyname"`

	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream DNS servers used when the store holds no forwarders
	UpstreamDNSServers []string `yaml:"upstream_dns_servers" validate:"dive,ip_port"`

	// Forwarder settings
	Forwarder ForwarderConfig `yaml:"forwarder"`

	// Matchclasses are checked in order for every probe
	Matchclasses []string `yaml:"matchclasses" validate:"min=1,unique,dive,keyname"`

	Matching MatchingConfig `yaml:"matching"`
	Sinkhole SinkholeConfig `yaml:"sinkhole"`

	// Rule store
	Storage storage.Config `yaml:"storage"`

	// Statistics counters flushed to the store
	Stats StatsConfig `yaml:"stats"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddresses []string `yaml:"listen_addresses" validate:"min=1,dive,listen_addr"`
	TCPEnabled      bool     `yaml:"tcp_enabled"`
	UDPEnabled      bool     `yaml:"udp_enabled"`
}

// ForwarderConfig holds upstream exchange settings
type ForwarderConfig struct {
	Timeout        time.Duration        `yaml:"timeout" validate:"gt=0"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"` // failures before opening
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=0"` // successes to close from half-open
	Timeout          time.Duration `yaml:"timeout"`                            // open duration before half-open
}

// MatchingConfig controls how probes are evaluated
type MatchingConfig struct {
	// Parallel queries every matchclass of one probe level concurrently
	Parallel bool `yaml:"parallel"`
}

// SinkholeConfig holds the synthesized answer settings
type SinkholeConfig struct {
	SRVTarget string `yaml:"srv_target" validate:"required,fqdn_dot"`
}

// StatsConfig holds statistics settings
type StatsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=json text"`
	Output    string `yaml:"output" validate:"oneof=stdout stderr file"`
	FilePath  string `yaml:"file_path" validate:"required_if=Output file"`
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	ListenAddress     string `yaml:"listen_address" validate:"omitempty,listen_addr"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.DaemonID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.DaemonID = strings.ReplaceAll(host, ":", "-")
		} else {
			c.DaemonID = "default"
		}
	}

	// Server defaults
	if len(c.Server.ListenAddresses) == 0 {
		c.Server.ListenAddresses = []string{":53"}
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}

	// Upstream DNS defaults
	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		}
	}

	// Forwarder defaults
	if c.Forwarder.Timeout == 0 {
		c.Forwarder.Timeout = 2 * time.Second
	}
	if c.Forwarder.CircuitBreaker.FailureThreshold == 0 {
		c.Forwarder.CircuitBreaker.FailureThreshold = 5
	}
	if c.Forwarder.CircuitBreaker.SuccessThreshold == 0 {
		c.Forwarder.CircuitBreaker.SuccessThreshold = 2
	}
	if c.Forwarder.CircuitBreaker.Timeout == 0 {
		c.Forwarder.CircuitBreaker.Timeout = 30 * time.Second
	}

	// Sinkhole defaults
	if c.Sinkhole.SRVTarget == "" {
		c.Sinkhole.SRVTarget = "localhost."
	}

	c.Storage.ApplyDefaults()

	// Stats defaults
	if c.Stats.FlushInterval == 0 {
		c.Stats.FlushInterval = 10 * time.Second
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sinkhole-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.ListenAddress == "" {
		c.Telemetry.ListenAddress = ":9153"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validate, err := newValidator()
	if err != nil {
		return fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return describe(verrs)
		}
		return err
	}

	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	return nil
}

// describe flattens validator errors into one readable message.
func describe(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (value %v)", name, fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s (value %v)", name, fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	rules := map[string]validator.Func{
		"ip_port":     validIPPort,
		"listen_addr": validListenAddr,
		"keyname":     validKeyName,
		"fqdn_dot":    validFQDN,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// validIPPort accepts "IP:port" with a literal IP and a port in 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || host == "" || net.ParseIP(host) == nil {
		return false
	}
	return validPort(port)
}

// validListenAddr is validIPPort that also allows an empty host.
func validListenAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	return validPort(port)
}

func validPort(port string) bool {
	n, err := strconv.ParseUint(port, 10, 16)
	return err == nil && n > 0
}

// validKeyName rejects names that cannot be embedded in a store key.
func validKeyName(fl validator.FieldLevel) bool {
	return storage.ValidateMatchclass(fl.Field().String()) == nil
}

func validFQDN(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if !strings.HasSuffix(s, ".") || len(s) < 2 {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n")
}
