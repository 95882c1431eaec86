package statsdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func mustCreate(t *testing.T, s *Store, nu NewUser) User {
	t.Helper()
	if nu.Secret == "" {
		nu.Secret = "0123456789abcdef0123456789abcdef"
	}
	u, err := s.CreateUser(context.Background(), nu)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", nu.Username, err)
	}
	return u
}

func TestCreateAndGetUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	created := mustCreate(t, s, NewUser{
		Username:       "alice",
		DataLimit:      ptr[int64](1 << 30),
		MaxConnections: ptr[int64](4),
		ExpireAt:       &exp,
		Note:           "friend",
	})
	if created.Status != StatusActive || created.DataUsed != 0 {
		t.Fatalf("unexpected new user state: %+v", created)
	}

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if *got.DataLimit != 1<<30 || *got.MaxConnections != 4 || got.MaxUniqueIPs != nil {
		t.Fatalf("caps mismatch: %+v", got)
	}
	if !got.ExpireAt.Equal(exp) {
		t.Fatalf("expire_at: got %v, want %v", got.ExpireAt, exp)
	}

	if _, err := s.CreateUser(ctx, NewUser{Username: "alice", Secret: "x"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate create: got %v, want ErrUserExists", err)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user: got %v, want ErrUserNotFound", err)
	}
}

func TestUpdateUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "bob", DataLimit: ptr[int64](100)})

	disabled := StatusDisabled
	u, err := s.UpdateUser(ctx, "bob", UserPatch{Status: &disabled, MaxUniqueIPs: ptr[int64](2)})
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != StatusDisabled || *u.MaxUniqueIPs != 2 || *u.DataLimit != 100 {
		t.Fatalf("patch not applied: %+v", u)
	}

	u, err = s.UpdateUser(ctx, "bob", UserPatch{ClearDataLimit: true})
	if err != nil {
		t.Fatal(err)
	}
	if u.DataLimit != nil {
		t.Fatalf("data limit should be cleared, got %v", *u.DataLimit)
	}

	if _, err := s.UpdateUser(ctx, "ghost", UserPatch{Note: ptr("x")}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
	if _, err := s.UpdateUser(ctx, "ghost", UserPatch{}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("empty patch on missing user: got %v, want ErrUserNotFound", err)
	}
}

func TestSetSecretAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "carol"})

	u, err := s.SetSecret(ctx, "carol", "ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	if u.Secret != "ffffffffffffffffffffffffffffffff" {
		t.Fatalf("secret: got %q", u.Secret)
	}

	if _, err := s.ApplyUsage(ctx, UsageBatch{Deltas: []UserDelta{{Username: "carol", OctetsFrom: 1}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser(ctx, "carol"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second delete: got %v", err)
	}
	recs, err := s.UserTraffic(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("traffic records should be gone, got %d", len(recs))
	}
}

func TestListUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, name := range []string{"dave", "alice", "alina", "bob"} {
		mustCreate(t, s, NewUser{Username: name})
	}
	limited := StatusLimited
	if _, err := s.UpdateUser(ctx, "bob", UserPatch{Status: &limited}); err != nil {
		t.Fatal(err)
	}

	users, total, err := s.ListUsers(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(users) != 2 || users[0].Username != "alice" || users[1].Username != "alina" {
		t.Fatalf("page 1: total=%d users=%v", total, users)
	}

	users, total, err = s.ListUsers(ctx, ListFilter{Search: "ali"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(users) != 2 {
		t.Fatalf("search: total=%d len=%d", total, len(users))
	}

	users, total, err = s.ListUsers(ctx, ListFilter{Status: StatusLimited})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || users[0].Username != "bob" {
		t.Fatalf("status filter: total=%d users=%v", total, users)
	}
}

func TestEligibleUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mustCreate(t, s, NewUser{Username: "active"})
	mustCreate(t, s, NewUser{Username: "future", ExpireAt: &future})
	mustCreate(t, s, NewUser{Username: "expired", ExpireAt: &past})
	mustCreate(t, s, NewUser{Username: "atnow", ExpireAt: &now})
	mustCreate(t, s, NewUser{Username: "disabled"})
	disabled := StatusDisabled
	if _, err := s.UpdateUser(ctx, "disabled", UserPatch{Status: &disabled}); err != nil {
		t.Fatal(err)
	}

	users, err := s.EligibleUsers(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, u := range users {
		names = append(names, u.Username)
		if !u.Eligible(now) {
			t.Errorf("%s returned but not Eligible", u.Username)
		}
	}
	if len(names) != 2 || names[0] != "active" || names[1] != "future" {
		t.Fatalf("eligible: got %v, want [active future]", names)
	}
}

func TestApplyUsageAccumulates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "alice"})

	deltas := [][2]int64{{100, 400}, {50, 600}, {0, 1}}
	var want int64
	for _, d := range deltas {
		want += d[0] + d[1]
		res, err := s.ApplyUsage(ctx, UsageBatch{
			Deltas: []UserDelta{{Username: "alice", OctetsFrom: d[0], OctetsTo: d[1]}},
			System: SystemSnapshot{Uptime: 10, TotalConnections: 3},
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Recorded != 1 {
			t.Fatalf("recorded: got %d", res.Recorded)
		}
	}

	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.DataUsed != want {
		t.Fatalf("data_used: got %d, want %d", u.DataUsed, want)
	}
	if u.LastSeenAt == nil {
		t.Fatal("last_seen_at not set")
	}
	recs, _ := s.UserTraffic(ctx, "alice")
	if len(recs) != 3 {
		t.Fatalf("traffic records: got %d, want 3", len(recs))
	}
	n, _ := s.CountSystemStats(ctx)
	if n != 3 {
		t.Fatalf("system stats rows: got %d, want 3", n)
	}
}

func TestApplyUsageSystemRowWithoutActivity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.ApplyUsage(ctx, UsageBatch{
		Deltas: []UserDelta{{Username: "unknown", OctetsFrom: 5}},
		System: SystemSnapshot{Uptime: 99.5, TotalConnections: 7, BadConnections: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Recorded != 0 || res.Skipped != 1 {
		t.Fatalf("result: %+v", res)
	}
	snap, ok, err := s.LatestSystemStats(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestSystemStats: ok=%v err=%v", ok, err)
	}
	if snap.Uptime != 99.5 || snap.TotalConnections != 7 || snap.BadConnections != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestApplyUsageLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "alice", DataLimit: ptr[int64](1000)})
	mustCreate(t, s, NewUser{Username: "bob", DataLimit: ptr[int64](1000)})

	res, err := s.ApplyUsage(ctx, UsageBatch{Deltas: []UserDelta{
		{Username: "alice", OctetsFrom: 600, OctetsTo: 400},
		{Username: "bob", OctetsFrom: 999},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Limited) != 1 || res.Limited[0] != "alice" {
		t.Fatalf("limited: got %v, want [alice]", res.Limited)
	}

	// Further traffic keeps the user limited and is not reported again.
	res, err = s.ApplyUsage(ctx, UsageBatch{Deltas: []UserDelta{{Username: "alice", OctetsTo: 10}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Limited) != 0 {
		t.Fatalf("repeat transition reported: %v", res.Limited)
	}
	u, _ := s.GetUser(ctx, "alice")
	if u.Status != StatusLimited || u.DataUsed != 1010 {
		t.Fatalf("alice: %+v", u)
	}
	u, _ = s.GetUser(ctx, "bob")
	if u.Status != StatusActive {
		t.Fatalf("bob should remain active: %+v", u)
	}
}

func TestApplyUsageDisabledNotLimited(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "dan", DataLimit: ptr[int64](10)})
	disabled := StatusDisabled
	if _, err := s.UpdateUser(ctx, "dan", UserPatch{Status: &disabled}); err != nil {
		t.Fatal(err)
	}
	res, err := s.ApplyUsage(ctx, UsageBatch{Deltas: []UserDelta{{Username: "dan", OctetsFrom: 100}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Limited) != 0 {
		t.Fatalf("disabled user must not transition: %v", res.Limited)
	}
	u, _ := s.GetUser(ctx, "dan")
	if u.Status != StatusDisabled || u.DataUsed != 100 {
		t.Fatalf("dan: %+v", u)
	}
}

func TestApplyUsageAllOrNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "alice"})

	_, err := s.ApplyUsage(ctx, UsageBatch{Deltas: []UserDelta{
		{Username: "alice", OctetsFrom: 100},
		{Username: "alice", OctetsFrom: -1},
	}})
	if err == nil {
		t.Fatal("expected error for negative delta")
	}

	u, _ := s.GetUser(ctx, "alice")
	if u.DataUsed != 0 {
		t.Fatalf("partial batch committed: data_used=%d", u.DataUsed)
	}
	recs, _ := s.UserTraffic(ctx, "alice")
	if len(recs) != 0 {
		t.Fatalf("partial batch committed: %d records", len(recs))
	}
	if n, _ := s.CountSystemStats(ctx); n != 0 {
		t.Fatalf("system row committed on failed batch: %d", n)
	}
}

func TestApplyUsageClosedStore(t *testing.T) {
	s := testStore(t)
	s.Close()
	if _, err := s.ApplyUsage(context.Background(), UsageBatch{}); err == nil {
		t.Fatal("expected error on closed store")
	}
}

func TestHourlyTraffic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "alice"})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, b := range []struct {
		at   time.Time
		from int64
	}{
		{base.Add(5 * time.Minute), 10},
		{base.Add(50 * time.Minute), 20},
		{base.Add(70 * time.Minute), 5},
	} {
		if _, err := s.ApplyUsage(ctx, UsageBatch{
			Deltas: []UserDelta{{Username: "alice", OctetsFrom: b.from}},
			At:     b.at,
		}); err != nil {
			t.Fatal(err)
		}
	}

	points, err := s.HourlyTraffic(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("points: got %d, want 2", len(points))
	}
	if !points[0].Hour.Equal(base) || points[0].OctetsFrom != 30 {
		t.Fatalf("first bucket: %+v", points[0])
	}
	if points[1].OctetsFrom != 5 {
		t.Fatalf("second bucket: %+v", points[1])
	}
}

func TestBackupRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, NewUser{Username: "alice"})

	var buf bytes.Buffer
	if err := s.WriteBackup(ctx, &buf, "hunter2"); err != nil {
		t.Fatalf("WriteBackup: %v", err)
	}

	image, err := OpenBackup(buf.Bytes(), "hunter2")
	if err != nil {
		t.Fatalf("OpenBackup: %v", err)
	}
	restored := filepath.Join(t.TempDir(), "restored.db")
	if err := os.WriteFile(restored, image, 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := Open(restored, s.logger)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.GetUser(ctx, "alice"); err != nil {
		t.Fatalf("restored db missing user: %v", err)
	}

	if _, err := OpenBackup(buf.Bytes(), "wrong"); err == nil {
		t.Fatal("expected error with wrong password")
	}
	if _, err := OpenBackup([]byte("plain sqlite"), "hunter2"); !errors.Is(err, ErrBadBackup) {
		t.Fatalf("got %v, want ErrBadBackup", err)
	}
}

func TestApplyUsageConcurrentWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	open := func() *Store {
		s, err := Open(path, logger)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	scraper, admin := open(), open()
	ctx := context.Background()

	const users, passes = 20, 100
	for i := 0; i < users; i++ {
		mustCreate(t, scraper, NewUser{Username: fmt.Sprintf("user%02d", i)})
	}

	stop := make(chan struct{})
	adminDone := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				adminDone <- nil
				return
			default:
			}
			note := fmt.Sprintf("n%d", i)
			if _, err := admin.UpdateUser(ctx, fmt.Sprintf("user%02d", i%users), UserPatch{Note: &note}); err != nil {
				adminDone <- err
				return
			}
		}
	}()

	for p := 0; p < passes; p++ {
		batch := UsageBatch{At: time.Unix(1_700_000_000+int64(p), 0)}
		for i := 0; i < users; i++ {
			batch.Deltas = append(batch.Deltas, UserDelta{Username: fmt.Sprintf("user%02d", i), OctetsFrom: 1, OctetsTo: 1})
		}
		if _, err := scraper.ApplyUsage(ctx, batch); err != nil {
			close(stop)
			<-adminDone
			t.Fatalf("pass %d: %v", p, err)
		}
	}
	close(stop)
	if err := <-adminDone; err != nil {
		t.Fatalf("admin writer: %v", err)
	}

	for i := 0; i < users; i++ {
		u, err := admin.GetUser(ctx, fmt.Sprintf("user%02d", i))
		if err != nil {
			t.Fatal(err)
		}
		if u.DataUsed != 2*passes {
			t.Fatalf("%s data_used: got %d, want %d", u.Username, u.DataUsed, 2*passes)
		}
	}
	if n, _ := admin.CountSystemStats(ctx); n != passes {
		t.Fatalf("system stats: got %d, want %d", n, passes)
	}
}
