package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "telemt:\n  config_path: /etc/telemt/config.toml\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScrapeInterval() != 30*time.Second {
		t.Errorf("interval: got %v, want 30s", cfg.ScrapeInterval())
	}
	if cfg.ScrapeTimeout() != 10*time.Second {
		t.Errorf("timeout: got %v, want 10s", cfg.ScrapeTimeout())
	}
	if cfg.Telemt.TemplatePath != "/etc/telemt/config.toml" {
		t.Errorf("template path: got %q", cfg.Telemt.TemplatePath)
	}
	if want := filepath.Join(filepath.Dir(path), "panel.db"); cfg.DatabasePath != want {
		t.Errorf("database path: got %q, want %q", cfg.DatabasePath, want)
	}
	if cfg.ParseLogLevel() != slog.LevelInfo {
		t.Errorf("log level: got %v", cfg.ParseLogLevel())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "metrics:\n  url: http://telemt:9090/metrics\n")
	t.Setenv("PANEL_METRICS_URL", "http://127.0.0.1:9999/metrics")
	t.Setenv("PANEL_DATABASE_PATH", "/var/lib/panel/panel.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Metrics.URL != "http://127.0.0.1:9999/metrics" {
		t.Errorf("metrics url: got %q", cfg.Metrics.URL)
	}
	if cfg.DatabasePath != "/var/lib/panel/panel.db" {
		t.Errorf("database path: got %q", cfg.DatabasePath)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad scheme", "metrics:\n  url: ftp://telemt/metrics\n"},
		{"negative interval", "metrics:\n  interval: -5\n"},
		{"port out of range", "telemt:\n  proxy_port: 70000\n"},
		{"not yaml", "metrics: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Metrics.URL = "http://telemt:9090/metrics"
	cfg.Telemt.ConfigPath = "/etc/telemt/config.toml"
	cfg.DatabasePath = "/data/panel.db"

	path := filepath.Join(t.TempDir(), "panel.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metrics.URL != cfg.Metrics.URL || got.Telemt.ConfigPath != cfg.Telemt.ConfigPath {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRedactTransport(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ss://Y2hhY2hhMjA@1.2.3.4:8388/", "ss://***@1.2.3.4:8388/"},
		{"", ""},
		{"direct", "direct"},
	}
	for _, tt := range tests {
		if got := RedactTransport(tt.in); got != tt.want {
			t.Errorf("RedactTransport(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
