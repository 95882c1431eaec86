package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bigbes/telemt-panel/internal/config"
)

func RunPanel(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := mustLoad(*configPath, logger)
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))

	logger.Info("starting telemt-panel",
		"database", cfg.DatabasePath,
		"metrics_url", cfg.Metrics.URL,
		"telemt_config", cfg.Telemt.ConfigPath,
	)
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}
	if cfg.Metrics.URL == "" {
		logger.Warn("metrics.url is empty, usage accounting disabled")
	}
	if cfg.Telemt.ConfigPath == "" {
		logger.Warn("telemt.config_path is empty, config publishing disabled")
	}

	store := mustOpenStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rec, err := newReconciler(ctx, cfg, store, logger)
	if err != nil {
		fatal(logger, "failed to set up reconciler", err)
	}

	// Publish once before the first tick so the proxy matches the store
	// right after a restart.
	if err := rec.Sync(ctx); err != nil {
		logger.Error("initial config sync failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec.Run(gctx)
		return nil
	})
	if obs := cfg.Observability; obs.Addr != "" {
		srv := observabilityServer(obs)
		g.Go(func() error {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("observability server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	<-gctx.Done()
	logger.Info("shutting down", "grace", cfg.ShutdownTimeout())
	if !rec.Wait(cfg.ShutdownTimeout()) {
		logger.Error("reconciliation pass did not finish within the grace period")
		os.Exit(1)
	}
	if err := g.Wait(); err != nil {
		fatal(logger, "panel error", err)
	}
	logger.Info("stopped")
}

func observabilityServer(obs config.ObservabilityConfig) *http.Server {
	mux := http.NewServeMux()
	if obs.Pprof {
		// net/http/pprof registers on DefaultServeMux.
		mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
	}
	if obs.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return &http.Server{
		Addr:              obs.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
