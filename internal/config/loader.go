package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FORMRELAY_TARGET_URL.
const EnvPrefix = "FORMRELAY"

// Loader handles loading configuration from files and environment.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Viper exposes the underlying instance so commands can bind flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads the configuration from all sources.
// Priority (highest to lowest):
// 1. Bound command-line flags
// 2. Environment variables (FORMRELAY_*)
// 3. Config file
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, err
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.expandPaths(cfg); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// setupViper configures viper with defaults and environment binding.
func (l *Loader) setupViper(cfg *Config) {
	l.v.SetConfigName("formrelay")
	l.v.SetConfigType("yaml")

	l.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "formrelay"))
	}
	l.v.AddConfigPath("/etc/formrelay")

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults(cfg)
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func (l *Loader) setDefaults(cfg *Config) {
	// Target
	l.v.SetDefault("target.url", cfg.Target.URL)
	l.v.SetDefault("target.form_id", cfg.Target.FormID)
	l.v.SetDefault("target.timeout", cfg.Target.Timeout)
	l.v.SetDefault("target.settle_delay", cfg.Target.SettleDelay)

	// Pacing
	l.v.SetDefault("pacing.base_delay", cfg.Pacing.BaseDelay)
	l.v.SetDefault("pacing.variation", cfg.Pacing.Variation)

	// Retry
	l.v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	l.v.SetDefault("retry.backoff", cfg.Retry.Backoff)
	l.v.SetDefault("retry.backoff_factor", cfg.Retry.BackoffFactor)
	l.v.SetDefault("retry.max_backoff", cfg.Retry.MaxBackoff)

	// Identity
	l.v.SetDefault("identity.user_agent", cfg.Identity.UserAgent)
	l.v.SetDefault("identity.accept_language", cfg.Identity.AcceptLanguage)
	l.v.SetDefault("identity.viewport_width", cfg.Identity.ViewportWidth)
	l.v.SetDefault("identity.viewport_height", cfg.Identity.ViewportHeight)

	// Detection
	l.v.SetDefault("detection.ambiguous_as_success", cfg.Detection.AmbiguousAsSuccess)
	l.v.SetDefault("detection.error_classes", cfg.Detection.ErrorClasses)
	l.v.SetDefault("detection.success_classes", cfg.Detection.SuccessClasses)
	l.v.SetDefault("detection.error_phrases", cfg.Detection.ErrorPhrases)
	l.v.SetDefault("detection.success_phrases", cfg.Detection.SuccessPhrases)

	// Schema
	l.v.SetDefault("schema.path", cfg.Schema.Path)

	// Storage
	l.v.SetDefault("storage.journal_path", cfg.Storage.JournalPath)
	l.v.SetDefault("storage.checkpoint_path", cfg.Storage.CheckpointPath)
	l.v.SetDefault("storage.history_path", cfg.Storage.HistoryPath)
	l.v.SetDefault("storage.checkpoint_every", cfg.Storage.CheckpointEvery)

	// Server
	l.v.SetDefault("server.addr", cfg.Server.Addr)
	l.v.SetDefault("server.health_addr", cfg.Server.HealthAddr)
	l.v.SetDefault("server.max_upload_bytes", cfg.Server.MaxUploadBytes)

	// Metrics
	l.v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)

	// Logging
	l.v.SetDefault("logging.level", cfg.Logging.Level)
	l.v.SetDefault("logging.format", cfg.Logging.Format)
}

// loadConfigFile loads the config file if it exists.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
		return nil
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// No config file is fine, use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// expandPaths expands ~ in file paths.
func (l *Loader) expandPaths(cfg *Config) error {
	var err error

	paths := []*string{
		&cfg.Schema.Path,
		&cfg.Storage.JournalPath,
		&cfg.Storage.CheckpointPath,
		&cfg.Storage.HistoryPath,
	}
	for _, p := range paths {
		if *p, err = expandPath(*p); err != nil {
			return err
		}
	}
	return nil
}

// ConfigFileUsed returns the path of the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration from default locations.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}
