package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/telemt-panel/cmd/panel/commands"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.RunPanel(os.Args[2:], logger)
	case "init":
		commands.Init(os.Args[2:], logger)
	case "useradd":
		commands.UserAdd(os.Args[2:], logger)
	case "usermod":
		commands.UserMod(os.Args[2:], logger)
	case "userdel":
		commands.UserDel(os.Args[2:], logger)
	case "regen-secret":
		commands.RegenSecret(os.Args[2:], logger)
	case "users":
		commands.ListUsers(os.Args[2:], logger)
	case "showconf":
		commands.ShowConf(os.Args[2:], logger)
	case "stats":
		commands.Stats(os.Args[2:], logger)
	case "backup":
		commands.Backup(os.Args[2:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: panel <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run            Scrape telemt, account usage and publish its config")
	fmt.Fprintln(os.Stderr, "  init           Write a default panel config")
	fmt.Fprintln(os.Stderr, "  useradd        Create a proxy user")
	fmt.Fprintln(os.Stderr, "  usermod        Change limits, expiry, status or note of a user")
	fmt.Fprintln(os.Stderr, "  userdel        Delete a user and its traffic history")
	fmt.Fprintln(os.Stderr, "  regen-secret   Issue a new secret for a user")
	fmt.Fprintln(os.Stderr, "  users          List users, or show one user with its links")
	fmt.Fprintln(os.Stderr, "  showconf       Print the telemt config that would be published")
	fmt.Fprintln(os.Stderr, "  stats          Show proxy stats and hourly traffic")
	fmt.Fprintln(os.Stderr, "  backup         Write or decrypt an encrypted database backup")
}
