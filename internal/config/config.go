package config

import (
	"fmt"
	"net/mail"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Provider  ProviderConfig  `yaml:"provider"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Render    RenderConfig    `yaml:"render"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // Default: 60s
	// AllowedIPs restricts the authenticated API surface to the listed
	// IPs or CIDRs. Empty means no restriction.
	AllowedIPs []string `yaml:"allowed_ips"`
}

// StorageConfig contains storage paths. DatabasePath holds templates,
// messages and suppressions; QueuePath and StatePath are bbolt files for
// the delivery queue and auxiliary state (rate counters, sandbox captures).
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	QueuePath    string `yaml:"queue_path"`
	StatePath    string `yaml:"state_path"`
}

// ProviderConfig selects and configures the delivery provider
type ProviderConfig struct {
	Type    string        `yaml:"type"` // smtp or sandbox
	SMTP    SMTPConfig    `yaml:"smtp"`
	DKIM    DKIMConfig    `yaml:"dkim"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SMTPConfig contains outbound smarthost settings
type SMTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"` // Default: 587
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TLS           string        `yaml:"tls"` // starttls, tls or none
	Hostname      string        `yaml:"hostname"`
	Timeout       time.Duration `yaml:"timeout"` // Default: 30s
	SkipTLSVerify bool          `yaml:"skip_tls_verify"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SandboxConfig contains sandbox provider settings
type SandboxConfig struct {
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`
}

// WorkerConfig contains delivery worker settings
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`   // Default: 4
	PollInterval  time.Duration `yaml:"poll_interval"` // Default: 1s
	SendTimeout   time.Duration `yaml:"send_timeout"`  // Default: 30s
	DefaultSender string        `yaml:"default_sender"`
	Retry         RetryConfig   `yaml:"retry"`
}

// RetryConfig contains retry backoff settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // Default: 5
	BaseDelay   time.Duration `yaml:"base_delay"`   // Default: 30s
	Multiplier  float64       `yaml:"multiplier"`   // Default: 2.0
	MaxDelay    time.Duration `yaml:"max_delay"`    // Default: 1h
}

// RateLimitConfig contains submission rate limiting settings
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 30s
	Global        *LimitValues  `yaml:"global,omitempty"`
	PerSender     *LimitValues  `yaml:"per_sender,omitempty"`
	PerRecipient  *LimitValues  `yaml:"per_recipient,omitempty"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	PerHour int `yaml:"per_hour"`
	PerDay  int `yaml:"per_day"`
}

// RenderConfig contains template rendering layout settings
type RenderConfig struct {
	ProductName string `yaml:"product_name"`
	AccentColor string `yaml:"accent_color"`
	FontFamily  string `yaml:"font_family"`
	Width       int    `yaml:"width"`
}

// NotifierConfig contains caller status callback settings
type NotifierConfig struct {
	Timeout time.Duration `yaml:"timeout"` // Default: 10s
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9091
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 10s
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/mailhop/mailhop.db"
	}
	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/mailhop/queue.db"
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "/var/lib/mailhop/state.db"
	}

	if c.Provider.Type == "" {
		c.Provider.Type = "sandbox"
	}
	if c.Provider.SMTP.Port == 0 {
		c.Provider.SMTP.Port = 587
	}
	if c.Provider.SMTP.TLS == "" {
		c.Provider.SMTP.TLS = "starttls"
	}
	if c.Provider.SMTP.Timeout == 0 {
		c.Provider.SMTP.Timeout = 30 * time.Second
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.SendTimeout == 0 {
		c.Worker.SendTimeout = 30 * time.Second
	}
	if c.Worker.Retry.MaxAttempts == 0 {
		c.Worker.Retry.MaxAttempts = 5
	}
	if c.Worker.Retry.BaseDelay == 0 {
		c.Worker.Retry.BaseDelay = 30 * time.Second
	}
	if c.Worker.Retry.Multiplier == 0 {
		c.Worker.Retry.Multiplier = 2.0
	}
	if c.Worker.Retry.MaxDelay == 0 {
		c.Worker.Retry.MaxDelay = time.Hour
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 30 * time.Second
	}

	if c.Notifier.Timeout == 0 {
		c.Notifier.Timeout = 10 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9091"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Provider.Type != "smtp" && c.Provider.Type != "sandbox" {
		return fmt.Errorf("invalid provider.type: %s (must be smtp or sandbox)", c.Provider.Type)
	}

	if c.Provider.Type == "smtp" && c.Provider.SMTP.Host == "" {
		return fmt.Errorf("provider.smtp.host is required when provider.type is smtp")
	}

	validTLS := map[string]bool{"starttls": true, "tls": true, "none": true}
	if !validTLS[c.Provider.SMTP.TLS] {
		return fmt.Errorf("invalid provider.smtp.tls: %s (must be starttls, tls, or none)", c.Provider.SMTP.TLS)
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	if c.Worker.DefaultSender != "" {
		if _, err := mail.ParseAddress(c.Worker.DefaultSender); err != nil {
			return fmt.Errorf("invalid worker.default_sender: %w", err)
		}
	}

	if p := c.Provider.Sandbox.ErrorProbability; p < 0 || p > 1 {
		return fmt.Errorf("provider.sandbox.error_probability must be between 0 and 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.Provider.DKIM.Enabled {
		return nil
	}

	if c.Provider.DKIM.Domain == "" {
		return fmt.Errorf("provider.dkim.domain is required when DKIM is enabled")
	}
	if c.Provider.DKIM.Selector == "" {
		return fmt.Errorf("provider.dkim.selector is required when DKIM is enabled")
	}
	if c.Provider.DKIM.KeyFile == "" {
		return fmt.Errorf("provider.dkim.key_file is required when DKIM is enabled")
	}

	return nil
}
