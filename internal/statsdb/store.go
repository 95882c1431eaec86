package statsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed store for users, traffic records and proxy stats.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("statsdb: create dir %q: %w", dir, err)
		}
	}

	// Write transactions take the lock at BEGIN so a concurrent writer waits
	// on busy_timeout instead of failing the read-then-write upgrade.
	// busy_timeout goes in the DSN so every pooled connection gets it.
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statsdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		s.logger.Warn("statsdb: chmod database", "path", path, "err", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL UNIQUE,
  secret TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  data_limit INTEGER,
  data_used INTEGER NOT NULL DEFAULT 0,
  max_connections INTEGER,
  max_unique_ips INTEGER,
  expire_at INTEGER,
  note TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  last_seen_at INTEGER
);

CREATE INDEX IF NOT EXISTS users_status_idx ON users (status);

CREATE TABLE IF NOT EXISTS traffic_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL REFERENCES users(id),
  octets_from INTEGER NOT NULL DEFAULT 0 CHECK (octets_from >= 0),
  octets_to INTEGER NOT NULL DEFAULT 0 CHECK (octets_to >= 0),
  recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS traffic_logs_user_idx ON traffic_logs (user_id);
CREATE INDEX IF NOT EXISTS traffic_logs_recorded_idx ON traffic_logs (recorded_at);

CREATE TABLE IF NOT EXISTS system_stats (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uptime REAL NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  bad_connections INTEGER NOT NULL DEFAULT 0,
  recorded_at INTEGER NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("statsdb: init schema: %w", err)
	}
	return nil
}

const userColumns = `id, username, secret, status, data_limit, data_used,
	max_connections, max_unique_ips, expire_at, note, created_at, last_seen_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u                                 User
		status                            string
		limit, maxConns, maxIPs, expireAt sql.NullInt64
		lastSeen                          sql.NullInt64
		createdAt                         int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Secret, &status, &limit, &u.DataUsed,
		&maxConns, &maxIPs, &expireAt, &u.Note, &createdAt, &lastSeen); err != nil {
		return User{}, err
	}
	u.Status = Status(status)
	u.DataLimit = nullInt(limit)
	u.MaxConnections = nullInt(maxConns)
	u.MaxUniqueIPs = nullInt(maxIPs)
	u.ExpireAt = nullTime(expireAt)
	u.LastSeenAt = nullTime(lastSeen)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return u, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func intArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeArg(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.Unix()
}

// CreateUser inserts a new active user.
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, nu.Username).Scan(&exists)
	if err == nil {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, nu.Username)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("statsdb: check user %s: %w", nu.Username, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, secret, status, data_limit, data_used,
		                    max_connections, max_unique_ips, expire_at, note, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		nu.Username, nu.Secret, string(StatusActive), intArg(nu.DataLimit),
		intArg(nu.MaxConnections), intArg(nu.MaxUniqueIPs), timeArg(nu.ExpireAt),
		nu.Note, time.Now().Unix(),
	)
	if err != nil {
		return User{}, fmt.Errorf("statsdb: insert user %s: %w", nu.Username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("statsdb: insert user %s: %w", nu.Username, err)
	}

	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, fmt.Errorf("statsdb: reload user %s: %w", nu.Username, err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("statsdb: commit create user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given username.
func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("statsdb: get user %s: %w", username, err)
	}
	return u, nil
}

// UpdateUser applies patch to the user and returns the updated record.
func (s *Store) UpdateUser(ctx context.Context, username string, patch UserPatch) (User, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	switch {
	case patch.ClearDataLimit:
		set("data_limit", nil)
	case patch.DataLimit != nil:
		set("data_limit", *patch.DataLimit)
	}
	switch {
	case patch.ClearMaxConnections:
		set("max_connections", nil)
	case patch.MaxConnections != nil:
		set("max_connections", *patch.MaxConnections)
	}
	switch {
	case patch.ClearMaxUniqueIPs:
		set("max_unique_ips", nil)
	case patch.MaxUniqueIPs != nil:
		set("max_unique_ips", *patch.MaxUniqueIPs)
	}
	switch {
	case patch.ClearExpireAt:
		set("expire_at", nil)
	case patch.ExpireAt != nil:
		set("expire_at", patch.ExpireAt.Unix())
	}
	if patch.Note != nil {
		set("note", *patch.Note)
	}
	if patch.ResetUsage {
		set("data_used", 0)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(sets) > 0 {
		args = append(args, username)
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE username = ?`, args...)
		if err != nil {
			return User{}, fmt.Errorf("statsdb: update user %s: %w", username, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
	}

	u, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("statsdb: reload user %s: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("statsdb: commit update user: %w", err)
	}
	return u, nil
}

// SetSecret replaces the user's proxy secret.
func (s *Store) SetSecret(ctx context.Context, username, secret string) (User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET secret = ? WHERE username = ?`, secret, username)
	if err != nil {
		return User{}, fmt.Errorf("statsdb: set secret %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return s.GetUser(ctx, username)
}

// DeleteUser removes the user and its traffic records.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM traffic_logs WHERE user_id IN (SELECT id FROM users WHERE username = ?)`,
		username); err != nil {
		return fmt.Errorf("statsdb: delete traffic %s: %w", username, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("statsdb: delete user %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statsdb: commit delete user: %w", err)
	}
	return nil
}

// ListUsers returns a page of users ordered by username and the total
// number of users matching the filter.
func (s *Store) ListUsers(ctx context.Context, f ListFilter) ([]User, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Search != "" {
		where = append(where, `instr(username, ?) > 0`)
		args = append(args, f.Search)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("statsdb: count users: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users`+cond+` ORDER BY username LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("statsdb: query users: %w", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// EligibleUsers returns the users that belong in the published proxy config:
// active and not expired at now. It always reads the current committed state.
func (s *Store) EligibleUsers(ctx context.Context, now time.Time) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE status = ? AND (expire_at IS NULL OR expire_at > ?)
		 ORDER BY username`,
		string(StatusActive), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query eligible users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("statsdb: scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate users: %w", err)
	}
	return out, nil
}

// ApplyUsage persists one scrape pass atomically: a traffic record and a
// usage increment per known user, the active->limited transition for users
// at or over their limit, and a single system_stats row. On error nothing
// is written.
func (s *Store) ApplyUsage(ctx context.Context, b UsageBatch) (UsageResult, error) {
	var res UsageResult
	at := b.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	selStmt, err := tx.PrepareContext(ctx,
		`SELECT id, status, data_limit, data_used FROM users WHERE username = ?`)
	if err != nil {
		return res, fmt.Errorf("statsdb: prepare select: %w", err)
	}
	defer selStmt.Close()

	insStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO traffic_logs (user_id, octets_from, octets_to, recorded_at)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("statsdb: prepare insert: %w", err)
	}
	defer insStmt.Close()

	updStmt, err := tx.PrepareContext(ctx,
		`UPDATE users SET data_used = ?, status = ?, last_seen_at = ? WHERE id = ?`)
	if err != nil {
		return res, fmt.Errorf("statsdb: prepare update: %w", err)
	}
	defer updStmt.Close()

	for _, d := range b.Deltas {
		if d.OctetsFrom < 0 || d.OctetsTo < 0 {
			return UsageResult{}, fmt.Errorf("statsdb: negative delta for %s", d.Username)
		}
		if d.OctetsFrom == 0 && d.OctetsTo == 0 {
			continue
		}

		var (
			id       int64
			status   string
			limit    sql.NullInt64
			dataUsed int64
		)
		err := selStmt.QueryRowContext(ctx, d.Username).Scan(&id, &status, &limit, &dataUsed)
		if errors.Is(err, sql.ErrNoRows) {
			res.Skipped++
			continue
		}
		if err != nil {
			return UsageResult{}, fmt.Errorf("statsdb: select user %s: %w", d.Username, err)
		}

		if _, err := insStmt.ExecContext(ctx, id, d.OctetsFrom, d.OctetsTo, at.Unix()); err != nil {
			return UsageResult{}, fmt.Errorf("statsdb: insert traffic %s: %w", d.Username, err)
		}

		dataUsed += d.OctetsFrom + d.OctetsTo
		if Status(status) == StatusActive && limit.Valid && dataUsed >= limit.Int64 {
			status = string(StatusLimited)
			res.Limited = append(res.Limited, d.Username)
		}
		if _, err := updStmt.ExecContext(ctx, dataUsed, status, at.Unix(), id); err != nil {
			return UsageResult{}, fmt.Errorf("statsdb: update usage %s: %w", d.Username, err)
		}
		res.Recorded++
	}

	recordedAt := b.System.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = at
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_stats (uptime, total_connections, bad_connections, recorded_at)
		 VALUES (?, ?, ?, ?)`,
		b.System.Uptime, b.System.TotalConnections, b.System.BadConnections, recordedAt.Unix(),
	); err != nil {
		return UsageResult{}, fmt.Errorf("statsdb: insert system stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return UsageResult{}, fmt.Errorf("statsdb: commit usage: %w", err)
	}
	return res, nil
}

// LatestSystemStats returns the most recent system snapshot. ok is false if
// no pass has been recorded yet.
func (s *Store) LatestSystemStats(ctx context.Context) (snap SystemSnapshot, ok bool, err error) {
	var recordedAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT uptime, total_connections, bad_connections, recorded_at
		 FROM system_stats ORDER BY recorded_at DESC, id DESC LIMIT 1`,
	).Scan(&snap.Uptime, &snap.TotalConnections, &snap.BadConnections, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SystemSnapshot{}, false, nil
	}
	if err != nil {
		return SystemSnapshot{}, false, fmt.Errorf("statsdb: latest system stats: %w", err)
	}
	snap.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return snap, true, nil
}

// CountSystemStats returns the number of recorded system snapshots.
func (s *Store) CountSystemStats(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_stats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("statsdb: count system stats: %w", err)
	}
	return n, nil
}

// UserTraffic returns the traffic records of a user, oldest first.
func (s *Store) UserTraffic(ctx context.Context, username string) ([]TrafficRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.user_id, t.octets_from, t.octets_to, t.recorded_at
		 FROM traffic_logs t JOIN users u ON u.id = t.user_id
		 WHERE u.username = ? ORDER BY t.id`, username)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query traffic %s: %w", username, err)
	}
	defer rows.Close()

	var out []TrafficRecord
	for rows.Next() {
		var r TrafficRecord
		var at int64
		if err := rows.Scan(&r.UserID, &r.OctetsFrom, &r.OctetsTo, &at); err != nil {
			return nil, fmt.Errorf("statsdb: scan traffic: %w", err)
		}
		r.RecordedAt = time.Unix(at, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate traffic: %w", err)
	}
	return out, nil
}

// HourlyTraffic sums traffic records since the given time into hourly buckets.
func (s *Store) HourlyTraffic(ctx context.Context, since time.Time) ([]TrafficPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT (recorded_at / 3600) * 3600 AS hour, SUM(octets_from), SUM(octets_to)
		 FROM traffic_logs WHERE recorded_at >= ?
		 GROUP BY hour ORDER BY hour`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query hourly traffic: %w", err)
	}
	defer rows.Close()

	var out []TrafficPoint
	for rows.Next() {
		var hour, from, to int64
		if err := rows.Scan(&hour, &from, &to); err != nil {
			return nil, fmt.Errorf("statsdb: scan hourly traffic: %w", err)
		}
		out = append(out, TrafficPoint{Hour: time.Unix(hour, 0).UTC(), OctetsFrom: from, OctetsTo: to})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate hourly traffic: %w", err)
	}
	return out, nil
}

// Snapshot writes a consistent copy of the database to dest.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("statsdb: snapshot target %q already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("statsdb: snapshot: %w", err)
	}
	return nil
}
