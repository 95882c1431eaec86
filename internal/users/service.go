// Package users implements proxy user mutations. Every successful mutation
// is followed by a config sync so the proxy sees the change without waiting
// for the next periodic pass.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/bigbes/telemt-panel/internal/statsdb"
)

var (
	ErrNotFound = statsdb.ErrUserNotFound
	ErrExists   = statsdb.ErrUserExists
	ErrInvalid  = errors.New("users: invalid input")
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// Store is the part of statsdb the service mutates.
type Store interface {
	CreateUser(ctx context.Context, nu statsdb.NewUser) (statsdb.User, error)
	GetUser(ctx context.Context, username string) (statsdb.User, error)
	UpdateUser(ctx context.Context, username string, patch statsdb.UserPatch) (statsdb.User, error)
	SetSecret(ctx context.Context, username, secret string) (statsdb.User, error)
	DeleteUser(ctx context.Context, username string) error
}

// Syncer republishes the proxy config from the store.
type Syncer interface {
	Sync(ctx context.Context) error
}

type Service struct {
	store  Store
	syncer Syncer
	logger *slog.Logger
}

func NewService(store Store, syncer Syncer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		syncer: syncer,
		logger: logger.With("component", "users"),
	}
}

// SyncError means the mutation was committed but the config could not be
// republished. The next periodic pass retries the publish.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("users: change saved but config sync failed: %v", e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (s *Service) sync(ctx context.Context, op, username string) error {
	if err := s.syncer.Sync(ctx); err != nil {
		s.logger.Error("config sync failed", "op", op, "user", username, "err", err)
		return &SyncError{Err: err}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func checkCap(name string, v *int64) error {
	if v != nil && *v < 0 {
		return invalid("%s must not be negative", name)
	}
	return nil
}

// Create adds an active user. An empty Secret is replaced by a generated one.
// On a sync failure the created user is returned together with a *SyncError.
func (s *Service) Create(ctx context.Context, nu statsdb.NewUser) (statsdb.User, error) {
	if !usernameRe.MatchString(nu.Username) {
		return statsdb.User{}, invalid("username %q must be 3-32 letters, digits or underscores", nu.Username)
	}
	if nu.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return statsdb.User{}, err
		}
		nu.Secret = secret
	} else if !ValidSecret(nu.Secret) {
		return statsdb.User{}, invalid("secret must be 32 hex characters")
	}
	for name, v := range map[string]*int64{
		"data limit":      nu.DataLimit,
		"max connections": nu.MaxConnections,
		"max unique ips":  nu.MaxUniqueIPs,
	} {
		if err := checkCap(name, v); err != nil {
			return statsdb.User{}, err
		}
	}

	u, err := s.store.CreateUser(ctx, nu)
	if err != nil {
		return statsdb.User{}, err
	}
	s.logger.Info("user created", "user", u.Username)
	return u, s.sync(ctx, "create", u.Username)
}

// Update changes only the fields set in patch.
func (s *Service) Update(ctx context.Context, username string, patch statsdb.UserPatch) (statsdb.User, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return statsdb.User{}, invalid("unknown status %q", *patch.Status)
	}
	for name, v := range map[string]*int64{
		"data limit":      patch.DataLimit,
		"max connections": patch.MaxConnections,
		"max unique ips":  patch.MaxUniqueIPs,
	} {
		if err := checkCap(name, v); err != nil {
			return statsdb.User{}, err
		}
	}

	u, err := s.store.UpdateUser(ctx, username, patch)
	if err != nil {
		return statsdb.User{}, err
	}
	s.logger.Info("user updated", "user", u.Username, "status", u.Status)
	return u, s.sync(ctx, "update", u.Username)
}

func (s *Service) Delete(ctx context.Context, username string) error {
	if err := s.store.DeleteUser(ctx, username); err != nil {
		return err
	}
	s.logger.Info("user deleted", "user", username)
	return s.sync(ctx, "delete", username)
}

// RegenerateSecret gives the user a fresh random secret, invalidating the
// old client links.
func (s *Service) RegenerateSecret(ctx context.Context, username string) (statsdb.User, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return statsdb.User{}, err
	}
	u, err := s.store.SetSecret(ctx, username, secret)
	if err != nil {
		return statsdb.User{}, err
	}
	s.logger.Info("user secret regenerated", "user", u.Username)
	return u, s.sync(ctx, "regen-secret", u.Username)
}

// Get returns a single user.
func (s *Service) Get(ctx context.Context, username string) (statsdb.User, error) {
	return s.store.GetUser(ctx, username)
}
