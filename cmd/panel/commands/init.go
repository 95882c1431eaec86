package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigbes/telemt-panel/internal/config"
)

func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	metricsURL := fs.String("metrics-url", "http://127.0.0.1:9090/metrics", "telemt metrics endpoint")
	telemtConfig := fs.String("telemt-config", "/etc/telemt/config.toml", "telemt config.toml to publish")
	tlsDomain := fs.String("tls-domain", "example.com", "fake-TLS domain of the proxy")
	proxyHost := fs.String("host", "", "public proxy host used in client links")
	proxyPort := fs.Int("port", 443, "public proxy port used in client links")
	force := fs.Bool("force", false, "overwrite an existing config")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "error: %s already exists (use -force to overwrite)\n", *configPath)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Metrics.URL = *metricsURL
	cfg.Telemt.ConfigPath = *telemtConfig
	cfg.Telemt.TemplatePath = *telemtConfig
	cfg.Telemt.TLSDomain = *tlsDomain
	cfg.Telemt.ProxyPort = *proxyPort
	if *proxyHost != "" {
		cfg.Telemt.ProxyHost = *proxyHost
	}
	cfg.Observability.Addr = "127.0.0.1:9101"
	cfg.Observability.Metrics = true

	if err := os.MkdirAll(filepath.Dir(*configPath), 0o755); err != nil {
		fatal(logger, "failed to create config directory", err)
	}
	if err := cfg.Save(*configPath); err != nil {
		fatal(logger, "failed to write config", err)
	}

	tmpl := "existing file"
	if _, err := os.Stat(*telemtConfig); os.IsNotExist(err) {
		tmpl = "built-in default (written on first run)"
	}

	fmt.Println("=== Config initialized ===")
	fmt.Printf("Config:        %s\n", *configPath)
	fmt.Printf("Database:      %s\n", cfg.DatabasePath)
	fmt.Printf("Metrics URL:   %s\n", cfg.Metrics.URL)
	fmt.Printf("telemt config: %s\n", cfg.Telemt.ConfigPath)
	fmt.Printf("Template:      %s\n", tmpl)
	fmt.Println()
	fmt.Println("Run 'panel useradd -name <user>' to add users, then 'panel run'.")
}
