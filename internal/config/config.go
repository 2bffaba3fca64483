// Package config handles formrelay configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	// Target form and per-attempt timing
	Target TargetConfig `yaml:"target" mapstructure:"target"`

	// Pacing between records
	Pacing PacingConfig `yaml:"pacing" mapstructure:"pacing"`

	// Retry policy for a single record
	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`

	// Identity presented to the target, passed opaquely to the driver
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Success detection
	Detection DetectionConfig `yaml:"detection" mapstructure:"detection"`

	// Field schema
	Schema SchemaConfig `yaml:"schema" mapstructure:"schema"`

	// Journal, checkpoint and history locations
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// HTTP control plane
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Prometheus metrics
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// TargetConfig describes the remote form.
type TargetConfig struct {
	// URL of the page holding the form.
	URL string `yaml:"url" mapstructure:"url"`

	// FormID selects a form by id or name when the page has several.
	FormID string `yaml:"form_id" mapstructure:"form_id"`

	// Timeout bounds one fill-and-submit attempt.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// SettleDelay is waited after submitting, before observing the page.
	SettleDelay time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"`
}

// PacingConfig controls the delay between records.
type PacingConfig struct {
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`

	// Variation is the jitter fraction in [0, 1].
	Variation float64 `yaml:"variation" mapstructure:"variation"`
}

// RetryConfig controls retries of one record.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff       time.Duration `yaml:"backoff" mapstructure:"backoff"`
	BackoffFactor float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	MaxBackoff    time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// IdentityConfig is sent with every request.
type IdentityConfig struct {
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	AcceptLanguage string `yaml:"accept_language" mapstructure:"accept_language"`
	ViewportWidth  int    `yaml:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height" mapstructure:"viewport_height"`
}

// DetectionConfig tunes the success detection chain.
type DetectionConfig struct {
	// AmbiguousAsSuccess decides observations no rule recognises.
	AmbiguousAsSuccess bool `yaml:"ambiguous_as_success" mapstructure:"ambiguous_as_success"`

	// ErrorClasses and SuccessClasses are CSS classes marking message elements.
	ErrorClasses   []string `yaml:"error_classes" mapstructure:"error_classes"`
	SuccessClasses []string `yaml:"success_classes" mapstructure:"success_classes"`

	// ErrorPhrases and SuccessPhrases are matched against the page text.
	ErrorPhrases   []string `yaml:"error_phrases" mapstructure:"error_phrases"`
	SuccessPhrases []string `yaml:"success_phrases" mapstructure:"success_phrases"`
}

// SchemaConfig locates the field schema.
type SchemaConfig struct {
	// Path to a YAML schema; empty writes every record field to the input
	// of the same name.
	Path string `yaml:"path" mapstructure:"path"`
}

// StorageConfig contains persistence locations.
type StorageConfig struct {
	JournalPath     string `yaml:"journal_path" mapstructure:"journal_path"`
	CheckpointPath  string `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	HistoryPath     string `yaml:"history_path" mapstructure:"history_path"`
	CheckpointEvery int    `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
}

// ServerConfig contains control plane settings.
type ServerConfig struct {
	Addr           string `yaml:"addr" mapstructure:"addr"`
	HealthAddr     string `yaml:"health_addr" mapstructure:"health_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (text, json).
	Format string `yaml:"format" mapstructure:"format"`
}

// ErrNoTarget is returned by RequireTarget when no form URL is configured.
var ErrNoTarget = errors.New("target.url is required")

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Timeout:     30 * time.Second,
			SettleDelay: 1500 * time.Millisecond,
		},
		Pacing: PacingConfig{
			BaseDelay: 3 * time.Second,
			Variation: 0.3,
		},
		Retry: RetryConfig{
			MaxRetries:    2,
			Backoff:       2 * time.Second,
			BackoffFactor: 2,
			MaxBackoff:    30 * time.Second,
		},
		Identity: IdentityConfig{
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) formrelay/1.0",
			AcceptLanguage: "en-US,en;q=0.9",
			ViewportWidth:  1366,
			ViewportHeight: 768,
		},
		Detection: DetectionConfig{
			AmbiguousAsSuccess: true,
			ErrorClasses:       []string{"error", "invalid", "danger"},
			SuccessClasses:     []string{"success", "thank", "confirm"},
			ErrorPhrases:       []string{"is required", "is invalid", "please correct"},
			SuccessPhrases:     []string{"thank you", "has been received", "successfully submitted"},
		},
		Storage: StorageConfig{
			JournalPath:     "data/formrelay.journal",
			CheckpointPath:  "data/formrelay.checkpoint",
			HistoryPath:     "data/history.db",
			CheckpointEvery: 10,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			HealthAddr:     ":9090",
			MaxUploadBytes: 10 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Target.URL != "" {
		u, err := url.Parse(c.Target.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("target.url must be an absolute http(s) URL, got %q", c.Target.URL)
		}
	}
	if c.Target.Timeout <= 0 {
		return fmt.Errorf("target.timeout must be greater than zero")
	}
	if c.Target.SettleDelay < 0 {
		return fmt.Errorf("target.settle_delay must be zero or greater")
	}

	if c.Pacing.BaseDelay < 0 {
		return fmt.Errorf("pacing.base_delay must be zero or greater")
	}
	if c.Pacing.Variation < 0 || c.Pacing.Variation > 1 {
		return fmt.Errorf("pacing.variation must be between 0 and 1")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be zero or greater")
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry.backoff and retry.max_backoff must be zero or greater")
	}

	if c.Identity.ViewportWidth < 0 || c.Identity.ViewportHeight < 0 {
		return fmt.Errorf("identity viewport dimensions must be zero or greater")
	}

	if c.Storage.CheckpointEvery < 0 {
		return fmt.Errorf("storage.checkpoint_every must be zero or greater")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be greater than zero")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of text, json")
	}
	return nil
}

// RequireTarget reports ErrNoTarget when no form URL is set.
func (c *Config) RequireTarget() error {
	if strings.TrimSpace(c.Target.URL) == "" {
		return ErrNoTarget
	}
	return nil
}
