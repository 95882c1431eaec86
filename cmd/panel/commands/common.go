package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bigbes/telemt-panel/internal/config"
	"github.com/bigbes/telemt-panel/internal/outline"
	"github.com/bigbes/telemt-panel/internal/reconcile"
	"github.com/bigbes/telemt-panel/internal/statsdb"
	"github.com/bigbes/telemt-panel/internal/telemetry"
	"github.com/bigbes/telemt-panel/internal/telemtconf"
)

const defaultConfigPath = "configs/panel.yaml"

func mustLoad(path string, logger *slog.Logger) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	return cfg
}

func mustOpenStore(cfg *config.Config, logger *slog.Logger) *statsdb.Store {
	store, err := statsdb.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	return store
}

// newReconciler wires the fetcher, publisher and store from cfg. Scraping is
// disabled when no metrics URL is configured.
func newReconciler(ctx context.Context, cfg *config.Config, store *statsdb.Store, logger *slog.Logger) (*reconcile.Reconciler, error) {
	var fetcher reconcile.Fetcher
	if cfg.Metrics.URL != "" {
		var dialer telemetry.StreamDialer
		if cfg.Metrics.Transport != "" {
			c, err := outline.NewClient(ctx, cfg.Metrics.Transport)
			if err != nil {
				return nil, err
			}
			logger.Info("scraping through transport", "transport", config.RedactTransport(cfg.Metrics.Transport))
			dialer = c
		}
		fetcher = telemetry.NewFetcher(cfg.Metrics.URL, cfg.ScrapeTimeout(), dialer)
	}

	publisher := telemtconf.NewPublisher(cfg.Telemt.ConfigPath, logger)
	return reconcile.New(store, fetcher, publisher, reconcile.Options{
		Interval:     cfg.ScrapeInterval(),
		TemplatePath: cfg.Telemt.TemplatePath,
		TLSDomain:    cfg.Telemt.TLSDomain,
	}, logger), nil
}

// parseCap parses an optional cap flag. "" means not given, "none" clears it.
// Byte sizes accept units ("10GB", "512 MiB").
func parseCap(v string, bytes bool) (val *int64, unset bool, err error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return nil, false, nil
	case "none", "unlimited":
		return nil, true, nil
	}
	var n int64
	if bytes {
		u, err := humanize.ParseBytes(v)
		if err != nil {
			return nil, false, err
		}
		n = int64(u)
	} else {
		n, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("invalid number %q", v)
		}
	}
	return &n, false, nil
}

// parseExpire accepts RFC 3339 or a bare date (midnight UTC).
func parseExpire(v string) (val *time.Time, unset bool, err error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return nil, false, nil
	case "none", "never":
		return nil, true, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, false, nil
		}
	}
	return nil, false, fmt.Errorf("invalid expiry %q, want RFC 3339 or YYYY-MM-DD", v)
}

func formatCap(v *int64, bytes bool) string {
	if v == nil {
		return "-"
	}
	if bytes {
		return humanize.IBytes(uint64(*v))
	}
	return fmt.Sprint(*v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

func requireFlag(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "error: -%s is required\n", name)
		fs.Usage()
		os.Exit(1)
	}
}
