package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/formrelay/internal/config"
	"github.com/ChuLiYu/formrelay/internal/controller"
	"github.com/ChuLiYu/formrelay/internal/detect"
	"github.com/ChuLiYu/formrelay/internal/driver/httpform"
	"github.com/ChuLiYu/formrelay/internal/history"
	"github.com/ChuLiYu/formrelay/internal/metrics"
	"github.com/ChuLiYu/formrelay/internal/retry"
	"github.com/ChuLiYu/formrelay/internal/schema"
)

// setupLogging installs the configured slog handler as the default logger.
func setupLogging(cfg config.LoggingConfig, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	// package loggers captured before SetDefault reach the handler through
	// the log bridge, which filters at this level
	slog.SetLogLoggerLevel(level)
}

// loadSchema reads the configured field schema; no path means no schema.
func loadSchema(cfg *config.Config) (*schema.Schema, error) {
	if cfg.Schema.Path == "" {
		return nil, nil
	}
	sc, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return sc, nil
}

func newDriver(cfg *config.Config) (*httpform.Driver, error) {
	if err := cfg.RequireTarget(); err != nil {
		return nil, err
	}
	return httpform.New(httpform.Config{
		FormURL:        cfg.Target.URL,
		FormID:         cfg.Target.FormID,
		Timeout:        cfg.Target.Timeout,
		UserAgent:      cfg.Identity.UserAgent,
		AcceptLanguage: cfg.Identity.AcceptLanguage,
		ViewportWidth:  cfg.Identity.ViewportWidth,
		ViewportHeight: cfg.Identity.ViewportHeight,
		ErrorClasses:   cfg.Detection.ErrorClasses,
		SuccessClasses: cfg.Detection.SuccessClasses,
	})
}

func newDetector(cfg *config.Config) *detect.Chain {
	return detect.Default(detect.Config{
		AmbiguousAsSuccess: cfg.Detection.AmbiguousAsSuccess,
		ErrorPhrases:       cfg.Detection.ErrorPhrases,
		SuccessPhrases:     cfg.Detection.SuccessPhrases,
	})
}

// controllerConfig maps the file configuration onto one controller;
// baseDelay overrides the pacing delay when positive.
func controllerConfig(cfg *config.Config, baseDelay time.Duration) (controller.Config, error) {
	if baseDelay <= 0 {
		baseDelay = cfg.Pacing.BaseDelay
	}
	for _, p := range []string{cfg.Storage.JournalPath, cfg.Storage.CheckpointPath} {
		if err := ensureDir(p); err != nil {
			return controller.Config{}, err
		}
	}
	return controller.Config{
		TargetURL:      cfg.Target.URL,
		AttemptTimeout: cfg.Target.Timeout,
		SettleDelay:    cfg.Target.SettleDelay,
		BaseDelay:      baseDelay,
		Variation:      cfg.Pacing.Variation,
		MaxRetries:     cfg.Retry.MaxRetries,
		Backoff: retry.Backoff{
			Initial: cfg.Retry.Backoff,
			Factor:  cfg.Retry.BackoffFactor,
			Max:     cfg.Retry.MaxBackoff,
		},
		CheckpointEvery: cfg.Storage.CheckpointEvery,
		JournalPath:     cfg.Storage.JournalPath,
		CheckpointPath:  cfg.Storage.CheckpointPath,
	}, nil
}

// controllerOptions passes only the collaborators that are enabled.
func controllerOptions(sc *schema.Schema, chain *detect.Chain, m *metrics.Collector, h *history.Store) []controller.Option {
	opts := []controller.Option{controller.WithDetector(chain)}
	if sc != nil {
		opts = append(opts, controller.WithSchema(sc))
	}
	if m != nil {
		opts = append(opts, controller.WithMetrics(m))
	}
	if h != nil {
		opts = append(opts, controller.WithHistory(h))
	}
	return opts
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return nil
}
