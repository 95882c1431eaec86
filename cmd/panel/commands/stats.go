package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func Stats(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	hours := fs.Int("hours", 24, "hourly traffic window")
	fs.Parse(args)

	cfg := mustLoad(*configPath, logger)
	store := mustOpenStore(cfg, logger)
	defer store.Close()
	ctx := context.Background()

	snap, ok, err := store.LatestSystemStats(ctx)
	if err != nil {
		fatal(logger, "failed to load system stats", err)
	}
	if !ok {
		fmt.Println("No scrape recorded yet.")
	} else {
		fmt.Printf("Recorded:          %s (%s)\n", snap.RecordedAt.Format(time.RFC3339), humanize.Time(snap.RecordedAt))
		fmt.Printf("Uptime:            %s\n", time.Duration(snap.Uptime*float64(time.Second)).Round(time.Second))
		fmt.Printf("Connections:       %d\n", snap.TotalConnections)
		fmt.Printf("Bad connections:   %d\n", snap.BadConnections)
	}

	points, err := store.HourlyTraffic(ctx, time.Now().Add(-time.Duration(*hours)*time.Hour))
	if err != nil {
		fatal(logger, "failed to load traffic", err)
	}
	fmt.Println()
	if len(points) == 0 {
		fmt.Printf("No traffic in the last %d hours.\n", *hours)
		return
	}

	var from, to int64
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOUR\tFROM CLIENT\tTO CLIENT")
	for _, p := range points {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Hour.Format("2006-01-02 15:04"),
			humanize.IBytes(uint64(p.OctetsFrom)), humanize.IBytes(uint64(p.OctetsTo)))
		from += p.OctetsFrom
		to += p.OctetsTo
	}
	fmt.Fprintf(w, "total\t%s\t%s\n", humanize.IBytes(uint64(from)), humanize.IBytes(uint64(to)))
	w.Flush()
}
