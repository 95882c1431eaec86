package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string              `yaml:"log_level"`
	DatabasePath  string              `yaml:"database_path"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Telemt        TelemtConfig        `yaml:"telemt"`
	Observability ObservabilityConfig `yaml:"observability"`
	ShutdownGrace int                 `yaml:"shutdown_grace"` // seconds
}

type MetricsConfig struct {
	URL       string `yaml:"url"`       // telemt /metrics endpoint; empty disables scraping
	Interval  int    `yaml:"interval"`  // seconds between scrape passes
	Timeout   int    `yaml:"timeout"`   // seconds, per fetch
	Transport string `yaml:"transport"` // optional outline transport used to reach the endpoint
}

type TelemtConfig struct {
	ConfigPath   string `yaml:"config_path"`   // published config.toml; empty disables publishing
	TemplatePath string `yaml:"template_path"` // defaults to config_path
	TLSDomain    string `yaml:"tls_domain"`
	ProxyHost    string `yaml:"proxy_host"`
	ProxyPort    int    `yaml:"proxy_port"`
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if v := os.Getenv("PANEL_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("PANEL_METRICS_URL"); v != "" {
		cfg.Metrics.URL = v
	}

	cfg.applyDefaults()
	if cfg.DatabasePath != "" && !filepath.IsAbs(cfg.DatabasePath) {
		cfg.DatabasePath = filepath.Join(filepath.Dir(path), cfg.DatabasePath)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "panel.db"
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = 30
	}
	if c.Metrics.Timeout == 0 {
		c.Metrics.Timeout = 10
	}
	if c.Telemt.TemplatePath == "" {
		c.Telemt.TemplatePath = c.Telemt.ConfigPath
	}
	if c.Telemt.TLSDomain == "" {
		c.Telemt.TLSDomain = "example.com"
	}
	if c.Telemt.ProxyHost == "" {
		c.Telemt.ProxyHost = "localhost"
	}
	if c.Telemt.ProxyPort == 0 {
		c.Telemt.ProxyPort = 443
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 15
	}
}

func (c *Config) validate() error {
	if c.Metrics.Interval < 0 {
		return fmt.Errorf("metrics: interval must be positive")
	}
	if c.Metrics.Timeout < 0 {
		return fmt.Errorf("metrics: timeout must be positive")
	}
	if c.Metrics.URL != "" {
		u, err := url.Parse(c.Metrics.URL)
		if err != nil {
			return fmt.Errorf("metrics: parsing url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("metrics: url %q: scheme must be http or https", c.Metrics.URL)
		}
	}
	if c.Telemt.ProxyPort < 0 || c.Telemt.ProxyPort > 65535 {
		return fmt.Errorf("telemt: proxy_port %d out of range", c.Telemt.ProxyPort)
	}
	return nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) ScrapeInterval() time.Duration {
	return time.Duration(c.Metrics.Interval) * time.Second
}

func (c *Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Metrics.Timeout) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownGrace) * time.Second
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactTransport obfuscates credentials in a transport URI,
// e.g. "ss://Y2hhY2hhMjA...@host:port/" becomes "ss://***@host:port/".
func RedactTransport(uri string) string {
	if at := strings.LastIndex(uri, "@"); at != -1 {
		if i := strings.Index(uri, "//"); i != -1 && i < at {
			return uri[:i+2] + "***" + uri[at:]
		}
	}
	return uri
}
