package statsdb

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("statsdb: user not found")
	ErrUserExists   = errors.New("statsdb: user already exists")
)

// Status is the account state of a proxy user.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusLimited  Status = "limited"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisabled, StatusLimited, StatusExpired:
		return true
	}
	return false
}

// User is the persisted account and quota state of a proxy user.
type User struct {
	ID             int64
	Username       string
	Secret         string // 32 hex chars
	Status         Status
	DataLimit      *int64 // bytes; nil means unlimited
	DataUsed       int64
	MaxConnections *int64
	MaxUniqueIPs   *int64
	ExpireAt       *time.Time
	Note           string
	CreatedAt      time.Time
	LastSeenAt     *time.Time
}

// Eligible reports whether the user belongs in the published proxy config at now.
func (u User) Eligible(now time.Time) bool {
	if u.Status != StatusActive {
		return false
	}
	return u.ExpireAt == nil || u.ExpireAt.After(now)
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Username       string
	Secret         string
	DataLimit      *int64
	MaxConnections *int64
	MaxUniqueIPs   *int64
	ExpireAt       *time.Time
	Note           string
}

// UserPatch lists the fields UpdateUser changes; nil fields are left alone.
type UserPatch struct {
	Status         *Status
	DataLimit      *int64
	MaxConnections *int64
	MaxUniqueIPs   *int64
	ExpireAt       *time.Time
	Note           *string

	// ClearDataLimit etc. remove an optional cap entirely.
	ClearDataLimit      bool
	ClearMaxConnections bool
	ClearMaxUniqueIPs   bool
	ClearExpireAt       bool

	// ResetUsage sets DataUsed back to zero.
	ResetUsage bool
}

// ListFilter narrows ListUsers.
type ListFilter struct {
	Search string // substring of the username
	Status Status
	Offset int
	Limit  int
}

// UserDelta is the traffic of one user over one scrape interval.
type UserDelta struct {
	Username   string
	OctetsFrom int64
	OctetsTo   int64
}

// SystemSnapshot holds the proxy-wide gauges of one scrape.
type SystemSnapshot struct {
	Uptime           float64
	TotalConnections int64
	BadConnections   int64
	RecordedAt       time.Time
}

// UsageBatch is everything a single scrape pass persists.
type UsageBatch struct {
	Deltas []UserDelta
	System SystemSnapshot
	At     time.Time
}

// UsageResult summarises an applied batch.
type UsageResult struct {
	Recorded int      // traffic records written
	Skipped  int      // deltas for unknown usernames
	Limited  []string // users moved from active to limited by this batch
}

// TrafficPoint is the traffic aggregated over one hour.
type TrafficPoint struct {
	Hour       time.Time
	OctetsFrom int64
	OctetsTo   int64
}

// TrafficRecord is a single persisted delta.
type TrafficRecord struct {
	UserID     int64
	OctetsFrom int64
	OctetsTo   int64
	RecordedAt time.Time
}
