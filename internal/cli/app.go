package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"scribe/internal/config"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/report"
	"scribe/internal/security"
	"scribe/internal/store"
	"scribe/internal/tracing"
)

// app is everything a command needs: the loaded configuration, the engine
// and the resources behind it.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *logging.Logger
	audit   *logging.AuditLogger
	store   *store.Store
	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	engine  *engine.Engine
	out     report.Renderer
}

type appOptions struct {
	// readOnly falls back to a read-only database when another process
	// holds the writer lock.
	readOnly bool
	metrics  bool
}

// openApp loads the configuration and builds the engine.
func openApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	format, err := report.ParseFormat(flagFormat)
	if err != nil {
		return nil, err
	}

	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	a := &app{cfg: cfg, cfgPath: path, logger: logger}
	a.out, err = report.New(cmd.OutOrStdout(), format)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Logging.AuditPath != "" {
		a.audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   cfg.Logging.AuditPath,
			MaxSize:    int64(cfg.Logging.MaxSizeMB),
			MaxAge:     cfg.Logging.MaxAgeDays,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
			Component:  "scribe",
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	a.store, err = openStore(cfg, logger, opts.readOnly)
	if err != nil {
		a.Close()
		return nil, err
	}
	if opts.metrics {
		a.metrics = metrics.New()
	}
	if cfg.Tracing.Enabled {
		a.tracer, err = newTracer(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.engine, err = engine.New(cfg, engine.Options{
		Store:   a.store,
		Logger:  logger.Logger,
		Audit:   a.audit,
		Metrics: a.metrics,
		Tracer:  a.tracer,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything openApp opened.
func (a *app) Close() error {
	var errs []error
	errs = append(errs, a.tracer.Close())
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// loadConfig reads the config file named by --config, or the first one
// found in the platform config directory, and applies flag overrides.
func loadConfig() (*config.Config, string, error) {
	path := flagConfig
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// applyFlags overrides cfg with the global command-line flags.
func applyFlags(cfg *config.Config) {
	if flagDB != "" {
		cfg.Storage.Path = flagDB
		cfg.Storage.Type = "sqlite"
	}
	if flagMemory {
		cfg.Storage.Type = "memory"
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "scribe",
	})
}

// newTracer exports spans as JSON lines to the rotating trace file.
func newTracer(cfg *config.Config, logger *logging.Logger) (*tracing.Tracer, error) {
	rotator, err := logging.NewFileRotator(&logging.Config{
		FilePath:   config.ExpandPath(cfg.Tracing.Path),
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tr, err := tracing.New(tracing.Config{
		Service:     "scribe",
		SampleRatio: cfg.Tracing.SampleRatio,
		Exporter:    tracing.NewWriterExporter(rotator),
		OnError: func(err error) {
			logger.Warn("span export failed", "error", err)
		},
	})
	if err != nil {
		rotator.Close()
		return nil, err
	}
	return tr, nil
}

func openStore(cfg *config.Config, logger *logging.Logger, readOnly bool) (*store.Store, error) {
	if cfg.Storage.Type == "memory" {
		return nil, nil
	}
	opts := store.Options{
		Driver:      cfg.Storage.Driver,
		BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond,
		Logger:      logger.Logger,
	}
	s, err := store.Open(cfg.Storage.Path, opts)
	if err != nil && readOnly && errors.Is(err, store.ErrStoreLocked) {
		opts.ReadOnly = true
		s, err = store.Open(cfg.Storage.Path, opts)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// readStdin reads a sample from standard input.
func (a *app) readStdin(cmd *cobra.Command) (string, error) {
	limit := a.cfg.Extraction.MaxSampleBytes
	if limit <= 0 {
		limit = security.DefaultMaxSampleSize
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), limit+1))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(data)) > limit {
		return "", &forensics.InvalidInputError{Reason: fmt.Sprintf("input exceeds %d bytes", limit)}
	}
	return string(data), nil
}

// fingerprintArg fingerprints a file argument or stdin.
func (a *app) fingerprintArg(cmd *cobra.Command, arg string, opts forensics.ExtractOptions) (*forensics.Fingerprint, error) {
	ctx := commandContext(cmd)
	if arg == "-" {
		text, err := a.readStdin(cmd)
		if err != nil {
			return nil, err
		}
		return a.engine.ExtractFingerprint(ctx, text, opts)
	}
	return a.engine.ExtractFile(ctx, arg, opts)
}

// commandContext returns the command context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// exitCode maps errors onto process exit codes: 2 for bad input, 1 for
// everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, forensics.ErrInvalidInput),
		errors.Is(err, forensics.ErrInsufficientSample),
		errors.Is(err, forensics.ErrIncompatibleFingerprint),
		errors.Is(err, forensics.ErrNotFound):
		return 2
	default:
		return 1
	}
}
