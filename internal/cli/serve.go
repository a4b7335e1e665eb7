package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scribe/internal/api"
	"scribe/internal/config"
	"scribe/internal/health"
)

var (
	flagAddr      string
	flagWatchDirs []string
)

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringSliceVar(&flagWatchDirs, "watch", nil, "corpus directory to ingest from while serving (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scribe HTTP API",
	Long: `Start the scribe HTTP API. The config file is watched and reloaded
while the server runs; corpus directories given by --watch or watch.paths
are ingested continuously.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	serverCfg := a.cfg.Server
	if flagAddr != "" {
		serverCfg.Addr = flagAddr
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker(rootCmd.Version)
	a.engine.RegisterHealthChecks(checker)
	srv := api.NewServer(a.engine, api.Options{
		Config:  serverCfg,
		Health:  checker,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Logger:  a.logger.Logger,
	})

	loader := watchConfig(ctx, a)
	if loader != nil {
		defer loader.Close()
	}

	a.audit.LogStartup(ctx, rootCmd.Version, map[string]any{
		"addr":        serverCfg.Addr,
		"config":      a.cfgPath,
		"calibration": a.engine.Calibration().Tag(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	roots := flagWatchDirs
	if len(roots) == 0 {
		roots = a.cfg.Watch.Paths
	}
	if len(roots) > 0 {
		w, err := newCorpusWatcher(a.cfg, roots, a.cfg.Watch.InitialScan, a.logger)
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		g.Go(func() error {
			return watchCorpus(gctx, a, w, nil)
		})
	}

	err = g.Wait()
	reason := "signal"
	if err != nil {
		reason = err.Error()
	}
	a.audit.LogShutdown(context.Background(), reason)
	return err
}

// watchConfig reloads the engine whenever the config file changes or the
// process receives SIGHUP. It returns nil when the config directory cannot
// be watched.
func watchConfig(ctx context.Context, a *app) *config.Loader {
	loader := config.NewLoader(a.cfgPath)
	if _, err := loader.Load(); err != nil {
		a.logger.Warn("config hot reload disabled", "path", a.cfgPath, "error", err)
		return nil
	}
	loader.OnChange(func(prev, next *config.Config) {
		cfg := next.Clone()
		applyFlags(cfg)
		if cfg.Server != a.cfg.Server {
			a.logger.Warn("server settings change on restart only")
		}
		if err := a.engine.ApplyConfig(ctx, cfg); err != nil {
			a.logger.Error("config reload rejected", "path", a.cfgPath, "error", err)
			return
		}
		a.logger.Info("config reloaded", "path", a.cfgPath, "calibration", a.engine.Calibration().Tag())
	})
	if err := loader.Watch(); err != nil {
		a.logger.Warn("config hot reload disabled", "path", a.cfgPath, "error", err)
		loader.Close()
		return nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := loader.Reload(); err != nil {
					a.logger.Warn("config reload failed", "path", a.cfgPath, "error", err)
				}
			case err := <-loader.Errors():
				a.logger.Warn("config reload failed", "path", a.cfgPath, "error", err)
			}
		}
	}()
	return loader
}
