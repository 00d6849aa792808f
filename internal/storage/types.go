package storage

import (
	"context"
	"errors"
	"time"

	"agrialert/internal/alert"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, nothing survives a restart
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// User is a directory entry: identity state plus contact details.
type User struct {
	ID             string    `json:"id" db:"id"`
	Email          string    `json:"email,omitempty" db:"email"`
	Phone          string    `json:"phone,omitempty" db:"phone"`
	FullName       string    `json:"full_name,omitempty" db:"full_name"`
	Country        string    `json:"country,omitempty" db:"country"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty" db:"telegram_chat_id"`
	Crops          []string  `json:"crops,omitempty" db:"-"`
	IsActive       bool      `json:"is_active" db:"-"`
	LockedUntil    time.Time `json:"locked_until,omitempty" db:"-"`
}

// Locked reports whether the account is locked at now.
func (u User) Locked(now time.Time) bool {
	return !u.LockedUntil.IsZero() && u.LockedUntil.After(now)
}

// Eligible reports whether u may receive alerts and open push connections.
func (u User) Eligible(now time.Time) bool { return u.IsActive && !u.Locked(now) }

// Reading is one observed metric value.
type Reading struct {
	Metric     string    `json:"metric"`
	Scope      string    `json:"scope"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// AlertFilter narrows ListActiveAlerts. Now is the expiry reference.
type AlertFilter struct {
	UserID string
	Now    time.Time
	Limit  int
}

// Store is the persistence API used by the alert store, the alert service
// and the transport layer.
type Store interface {
	InsertAlert(ctx context.Context, rec alert.Record) error
	GetAlert(ctx context.Context, id string) (alert.Record, error)
	ListActiveAlerts(ctx context.Context, f AlertFilter) ([]alert.Record, error)
	// MarkAlertRead sets is_read. matched is false when id is unknown.
	MarkAlertRead(ctx context.Context, id string) (matched bool, err error)
	// RecordDelivery merges d into the alert's flags for ch; flags never reset.
	RecordDelivery(ctx context.Context, alertID string, ch alert.Channel, d alert.Delivery) error

	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	// ActiveUsers returns eligible users narrowed by scope in one query.
	ActiveUsers(ctx context.Context, scope alert.Scope, now time.Time) ([]User, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	DeleteDedup(ctx context.Context, key string) error

	// PutReading keeps the newest reading per (metric, scope).
	PutReading(ctx context.Context, r Reading) error
	LatestReading(ctx context.Context, metric, scope string) (Reading, bool, error)

	Close() error
}
