package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/telemt-panel/internal/statsdb"
)

// Backup writes an encrypted snapshot of the database, or with -decrypt
// turns such a file back into a plain SQLite database.
func Backup(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	out := fs.String("out", "", "output file (required)")
	decrypt := fs.String("decrypt", "", "backup file to decrypt instead of creating one")
	fs.Parse(args)
	requireFlag(fs, "out", *out)

	password := os.Getenv("PANEL_BACKUP_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "error: PANEL_BACKUP_PASSWORD must be set")
		os.Exit(1)
	}
	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists\n", *out)
		os.Exit(1)
	}

	if *decrypt != "" {
		data, err := os.ReadFile(*decrypt)
		if err != nil {
			fatal(logger, "failed to read backup", err)
		}
		plain, err := statsdb.OpenBackup(data, password)
		if err != nil {
			fatal(logger, "failed to decrypt backup", err)
		}
		if err := os.WriteFile(*out, plain, 0o600); err != nil {
			fatal(logger, "failed to write database", err)
		}
		fmt.Printf("Database restored to %s\n", *out)
		return
	}

	cfg := mustLoad(*configPath, logger)
	store := mustOpenStore(cfg, logger)
	defer store.Close()

	f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		fatal(logger, "failed to create backup file", err)
	}
	if err := store.WriteBackup(context.Background(), f, password); err != nil {
		f.Close()
		os.Remove(*out)
		fatal(logger, "backup failed", err)
	}
	if err := f.Close(); err != nil {
		fatal(logger, "failed to close backup file", err)
	}
	fmt.Printf("Backup written to %s\n", *out)
}
