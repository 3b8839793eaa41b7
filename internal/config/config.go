// Package config handles loading, validating, and defaulting tapguard
// configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy mode constants.
const (
	ModeEnforce = "enforce"
	ModeAudit   = "audit"
)

// Output/format constants for configuration defaults.
const (
	DefaultLogFormat     = "json"
	DefaultLogOutput     = "stdout"
	DefaultMetricsListen = "127.0.0.1:9464"
	OutputFile           = "file"
	OutputBoth           = "both"
)

// Config is the top-level tapguard configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Scan     ScanConfig     `yaml:"scan"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Policy   PolicyConfig   `yaml:"policy"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Emit     EmitConfig     `yaml:"emit"`
	Sentry   SentryConfig   `yaml:"sentry"`
}

// ScanConfig configures the content-safety scanning service client.
type ScanConfig struct {
	URL               string  `yaml:"url"`
	APIKey            string  `yaml:"api_key"`
	APIKeyEnv         string  `yaml:"api_key_env"` // env var name; takes precedence over api_key
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	MaxCallsPerSecond float64 `yaml:"max_calls_per_second"` // 0 = unlimited
}

// ResolveAPIKey returns the scan API key, preferring the configured
// environment variable over the literal value.
func (s ScanConfig) ResolveAPIKey() string {
	if s.APIKeyEnv != "" {
		if v := os.Getenv(s.APIKeyEnv); v != "" {
			return v
		}
	}
	return s.APIKey
}

// UpstreamConfig selects the peer the wrapper connects to. Exactly one of
// Command (a subprocess speaking newline-delimited JSON-RPC on stdio) or
// URL (a WebSocket endpoint) must be set.
type UpstreamConfig struct {
	Command []string `yaml:"command"`
	URL     string   `yaml:"url"`
}

// PolicyConfig configures the built-in policy hooks.
//
// Mode "enforce" blocks unsafe content; "audit" logs verdicts but forwards
// everything unchanged. BypassMethods lists request/notification methods
// exempted from scanning entirely (protocol chatter like "ping").
type PolicyConfig struct {
	Mode          string   `yaml:"mode"`
	BypassMethods []string `yaml:"bypass_methods"`
}

// LoggingConfig configures audit logging.
type LoggingConfig struct {
	Format           string `yaml:"format"` // json, text
	Output           string `yaml:"output"` // stdout, file, both
	File             string `yaml:"file"`
	IncludeForwarded bool   `yaml:"include_forwarded"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// EmitConfig configures external event emission sinks.
type EmitConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Syslog  SyslogConfig  `yaml:"syslog"`
}

// WebhookConfig configures the webhook emission sink.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	MinSeverity    string `yaml:"min_severity"`
	QueueSize      int    `yaml:"queue_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SyslogConfig configures the syslog emission sink.
type SyslogConfig struct {
	Address     string `yaml:"address"` // udp://host:port or tcp://host:port
	Facility    string `yaml:"facility"`
	Tag         string `yaml:"tag"`
	MinSeverity string `yaml:"min_severity"`
}

// SentryConfig configures crash reporting.
type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from caller
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills in zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Scan.TimeoutSeconds == 0 {
		c.Scan.TimeoutSeconds = 30
	}
	if c.Policy.Mode == "" {
		c.Policy.Mode = ModeEnforce
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}

	if c.Scan.URL == "" {
		return fmt.Errorf("scan.url is required")
	}
	u, err := url.Parse(c.Scan.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("scan.url %q is not a valid http(s) URL", c.Scan.URL)
	}
	if c.Scan.TimeoutSeconds < 0 {
		return fmt.Errorf("scan.timeout_seconds must not be negative")
	}
	if c.Scan.MaxCallsPerSecond < 0 {
		return fmt.Errorf("scan.max_calls_per_second must not be negative")
	}

	hasCommand := len(c.Upstream.Command) > 0
	hasURL := c.Upstream.URL != ""
	if hasCommand == hasURL {
		return fmt.Errorf("exactly one of upstream.command or upstream.url must be set")
	}
	if hasURL {
		wu, err := url.Parse(c.Upstream.URL)
		if err != nil || (wu.Scheme != "ws" && wu.Scheme != "wss") || wu.Host == "" {
			return fmt.Errorf("upstream.url %q is not a valid ws(s) URL", c.Upstream.URL)
		}
	}

	if c.Policy.Mode != ModeEnforce && c.Policy.Mode != ModeAudit {
		return fmt.Errorf("policy.mode %q must be %q or %q", c.Policy.Mode, ModeEnforce, ModeAudit)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", OutputFile, OutputBoth:
	default:
		return fmt.Errorf("logging.output %q must be stdout, file, or both", c.Logging.Output)
	}
	if (c.Logging.Output == OutputFile || c.Logging.Output == OutputBoth) && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when logging.output is %q", c.Logging.Output)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen %q is not a valid host:port: %w", c.Metrics.Listen, err)
		}
	}

	if c.Emit.Webhook.URL != "" {
		wu, err := url.Parse(c.Emit.Webhook.URL)
		if err != nil || (wu.Scheme != "http" && wu.Scheme != "https") || wu.Host == "" {
			return fmt.Errorf("emit.webhook.url %q is not a valid http(s) URL", c.Emit.Webhook.URL)
		}
	}

	return nil
}

// ReloadWarning describes a config change that cannot take effect without
// a restart.
type ReloadWarning struct {
	Field  string
	Reason string
}

// ValidateReload compares an old and new config and returns warnings for
// fields that are fixed at startup.
func ValidateReload(old, updated *Config) []ReloadWarning {
	var warnings []ReloadWarning

	if old.Upstream.URL != updated.Upstream.URL || !equalSlices(old.Upstream.Command, updated.Upstream.Command) {
		warnings = append(warnings, ReloadWarning{
			Field:  "upstream",
			Reason: "the wrapped transport is fixed at startup; restart to reconnect",
		})
	}
	if old.Metrics.Listen != updated.Metrics.Listen || old.Metrics.Enabled != updated.Metrics.Enabled {
		warnings = append(warnings, ReloadWarning{
			Field:  "metrics",
			Reason: "the metrics listener is fixed at startup; restart to rebind",
		})
	}
	if old.Sentry.DSN != updated.Sentry.DSN {
		warnings = append(warnings, ReloadWarning{
			Field:  "sentry.dsn",
			Reason: "crash reporting is initialized at startup; restart to apply",
		})
	}

	return warnings
}

// Defaults returns a minimal working configuration for `tapguard init`.
func Defaults() *Config {
	cfg := &Config{
		Version: 1,
		Scan: ScanConfig{
			URL:       "https://scan.example.com",
			APIKeyEnv: "TAPGUARD_SCAN_API_KEY",
		},
		Upstream: UpstreamConfig{
			Command: []string{"npx", "-y", "@example/mcp-server"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
