package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigbes/telemt-panel/internal/telemtconf"
)

// ShowConf prints the document the next publish would write, without
// touching the live file.
func ShowConf(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("showconf", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := mustLoad(*configPath, logger)
	store := mustOpenStore(cfg, logger)
	defer store.Close()

	tmpl, err := telemtconf.LoadTemplate(cfg.Telemt.TemplatePath, cfg.Telemt.TLSDomain)
	if err != nil {
		fatal(logger, "failed to load telemt template", err)
	}
	now := time.Now()
	eligible, err := store.EligibleUsers(context.Background(), now)
	if err != nil {
		fatal(logger, "failed to load users", err)
	}
	data, err := telemtconf.Encode(telemtconf.Merge(tmpl, eligible, now))
	if err != nil {
		fatal(logger, "failed to encode telemt config", err)
	}

	fmt.Fprintf(os.Stderr, "# %d eligible users, target %s\n", len(eligible), cfg.Telemt.ConfigPath)
	os.Stdout.Write(data)
}
