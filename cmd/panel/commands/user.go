package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/bigbes/telemt-panel/internal/config"
	"github.com/bigbes/telemt-panel/internal/statsdb"
	"github.com/bigbes/telemt-panel/internal/users"
)

// userEnv is what every mutating user command needs.
type userEnv struct {
	cfg   *config.Config
	store *statsdb.Store
	svc   *users.Service
}

func openUserEnv(configPath string, logger *slog.Logger) *userEnv {
	cfg := mustLoad(configPath, logger)
	store := mustOpenStore(cfg, logger)
	rec, err := newReconciler(context.Background(), cfg, store, logger)
	if err != nil {
		store.Close()
		fatal(logger, "failed to set up config sync", err)
	}
	return &userEnv{cfg: cfg, store: store, svc: users.NewService(store, rec, logger)}
}

// check exits on a mutation error. A failed sync after a committed change
// is reported but not fatal.
func (e *userEnv) check(logger *slog.Logger, op string, err error) {
	if err == nil {
		return
	}
	var syncErr *users.SyncError
	if errors.As(err, &syncErr) {
		logger.Warn("change saved, telemt config will be updated on the next pass", "err", syncErr.Err)
		return
	}
	e.store.Close()
	fatal(logger, op+" failed", err)
}

func (e *userEnv) printUser(u statsdb.User) {
	links := users.Links(u.Secret, e.cfg.Telemt.ProxyHost, e.cfg.Telemt.ProxyPort, e.cfg.Telemt.TLSDomain)
	fmt.Printf("User:        %s\n", u.Username)
	fmt.Printf("Status:      %s\n", u.Status)
	fmt.Printf("Secret:      %s\n", u.Secret)
	fmt.Printf("Data:        %s / %s\n", humanize.IBytes(uint64(u.DataUsed)), formatCap(u.DataLimit, true))
	fmt.Printf("Connections: %s\n", formatCap(u.MaxConnections, false))
	fmt.Printf("Unique IPs:  %s\n", formatCap(u.MaxUniqueIPs, false))
	fmt.Printf("Expires:     %s\n", formatTime(u.ExpireAt))
	fmt.Printf("Last seen:   %s\n", formatTime(u.LastSeenAt))
	if u.Note != "" {
		fmt.Printf("Note:        %s\n", u.Note)
	}
	fmt.Println()
	fmt.Println("Proxy links:")
	fmt.Printf("  %s\n", links.TG)
	fmt.Printf("  %s\n", links.HTTPS)
}

// capFlags registers the limit flags shared by useradd and usermod.
type capFlags struct {
	limit, conns, ips, expire *string
}

func addCapFlags(fs *flag.FlagSet) capFlags {
	return capFlags{
		limit:  fs.String("limit", "", `data limit, e.g. "50GB" ("none" removes it)`),
		conns:  fs.String("max-conns", "", `max concurrent connections ("none" removes it)`),
		ips:    fs.String("max-ips", "", `max unique client IPs ("none" removes it)`),
		expire: fs.String("expire", "", `expiry, RFC 3339 or YYYY-MM-DD ("never" removes it)`),
	}
}

func (c capFlags) patch() (statsdb.UserPatch, error) {
	var p statsdb.UserPatch
	var err error
	if p.DataLimit, p.ClearDataLimit, err = parseCap(*c.limit, true); err != nil {
		return p, fmt.Errorf("-limit: %w", err)
	}
	if p.MaxConnections, p.ClearMaxConnections, err = parseCap(*c.conns, false); err != nil {
		return p, fmt.Errorf("-max-conns: %w", err)
	}
	if p.MaxUniqueIPs, p.ClearMaxUniqueIPs, err = parseCap(*c.ips, false); err != nil {
		return p, fmt.Errorf("-max-ips: %w", err)
	}
	if p.ExpireAt, p.ClearExpireAt, err = parseExpire(*c.expire); err != nil {
		return p, fmt.Errorf("-expire: %w", err)
	}
	return p, nil
}

func UserAdd(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("useradd", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "username (required)")
	secret := fs.String("secret", "", "32-hex secret (generated when empty)")
	note := fs.String("note", "", "free-form note")
	caps := addCapFlags(fs)
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	p, err := caps.patch()
	if err != nil {
		fatal(logger, "invalid flags", err)
	}

	env := openUserEnv(*configPath, logger)
	defer env.store.Close()

	u, err := env.svc.Create(context.Background(), statsdb.NewUser{
		Username:       *name,
		Secret:         *secret,
		DataLimit:      p.DataLimit,
		MaxConnections: p.MaxConnections,
		MaxUniqueIPs:   p.MaxUniqueIPs,
		ExpireAt:       p.ExpireAt,
		Note:           *note,
	})
	env.check(logger, "create user", err)
	env.printUser(u)
}

func UserMod(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("usermod", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "username (required)")
	status := fs.String("status", "", "active, disabled, limited or expired")
	note := fs.String("note", "", "free-form note")
	resetUsage := fs.Bool("reset-usage", false, "reset consumed traffic to zero")
	caps := addCapFlags(fs)
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	p, err := caps.patch()
	if err != nil {
		fatal(logger, "invalid flags", err)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "status":
			s := statsdb.Status(*status)
			p.Status = &s
		case "note":
			p.Note = note
		}
	})
	p.ResetUsage = *resetUsage

	env := openUserEnv(*configPath, logger)
	defer env.store.Close()

	u, err := env.svc.Update(context.Background(), *name, p)
	env.check(logger, "update user", err)
	env.printUser(u)
}

func UserDel(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("userdel", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "username (required)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	env := openUserEnv(*configPath, logger)
	defer env.store.Close()

	env.check(logger, "delete user", env.svc.Delete(context.Background(), *name))
	fmt.Printf("User %s deleted.\n", *name)
}

func RegenSecret(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("regen-secret", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "username (required)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	env := openUserEnv(*configPath, logger)
	defer env.store.Close()

	u, err := env.svc.RegenerateSecret(context.Background(), *name)
	env.check(logger, "regenerate secret", err)
	fmt.Println("Old links no longer work.")
	fmt.Println()
	env.printUser(u)
}

func ListUsers(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("users", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "show a single user with its proxy links")
	search := fs.String("search", "", "filter by username substring")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("n", 0, "max users to show (0 = all)")
	offset := fs.Int("offset", 0, "skip the first users")
	fs.Parse(args)

	cfg := mustLoad(*configPath, logger)
	store := mustOpenStore(cfg, logger)
	defer store.Close()
	ctx := context.Background()

	if *name != "" {
		u, err := store.GetUser(ctx, *name)
		if err != nil {
			fatal(logger, "failed to load user", err)
		}
		env := &userEnv{cfg: cfg, store: store}
		env.printUser(u)
		return
	}

	list, total, err := store.ListUsers(ctx, statsdb.ListFilter{
		Search: *search,
		Status: statsdb.Status(*status),
		Offset: *offset,
		Limit:  *limit,
	})
	if err != nil {
		fatal(logger, "failed to list users", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSTATUS\tUSED\tLIMIT\tCONNS\tIPS\tEXPIRES\tLAST SEEN")
	for _, u := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			u.Username, u.Status,
			humanize.IBytes(uint64(u.DataUsed)), formatCap(u.DataLimit, true),
			formatCap(u.MaxConnections, false), formatCap(u.MaxUniqueIPs, false),
			formatTime(u.ExpireAt), lastSeen(u),
		)
	}
	w.Flush()
	fmt.Printf("\n%d of %d users\n", len(list), total)
}

func lastSeen(u statsdb.User) string {
	if u.LastSeenAt == nil {
		return "never"
	}
	return humanize.Time(*u.LastSeenAt)
}
