// Package alertstore owns the alert lifecycle: creation with validation and
// defaults, active listing, and the read toggle.
package alertstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"agrialert/internal/alert"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

type Store struct {
	backend storage.Store
	log     logx.Logger
	now     func() time.Time
	newID   func() string
	expiry  time.Duration
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

// WithClock overrides the creation clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDs overrides alert id generation.
func WithIDs(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// WithDefaultExpiry replaces alert.DefaultExpiry for specs without an expiry.
func WithDefaultExpiry(d time.Duration) Option { return func(s *Store) { s.expiry = d } }

func New(backend storage.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     logx.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates spec, fills id, created_at and the default expiry, and
// persists the record in one statement. A record is never listed before
// Create returns successfully.
func (s *Store) Create(ctx context.Context, spec alert.Spec) (alert.Record, error) {
	// Millisecond precision matches what the SQL drivers keep.
	now := s.now().Truncate(time.Millisecond)
	if err := spec.Validate(now); err != nil {
		return alert.Record{}, err
	}
	if spec.ExpiresAt.IsZero() && s.expiry > 0 {
		spec.ExpiresAt = now.Add(s.expiry)
	}
	rec := alert.NewRecord(s.newID(), spec, now)
	rec.ExpiresAt = rec.ExpiresAt.Truncate(time.Millisecond)
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		return alert.Record{}, &alert.ValidationError{Field: "expires_at", Reason: "must be later than creation time"}
	}
	if err := s.backend.InsertAlert(ctx, rec); err != nil {
		return alert.Record{}, &alert.PersistenceError{Op: "create", Err: err}
	}
	s.log.Debug("alert persisted", logx.String("alert_id", rec.ID), logx.String("type", string(rec.Type)), logx.String("severity", string(rec.Severity)))
	return rec, nil
}

// ListActive returns active, unexpired alerts newest first. A non-empty
// userID restricts the result to alerts addressed to that user.
func (s *Store) ListActive(ctx context.Context, userID string) ([]alert.Record, error) {
	out, err := s.backend.ListActiveAlerts(ctx, storage.AlertFilter{UserID: userID, Now: s.now()})
	if err != nil {
		return nil, &alert.PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

// MarkRead sets is_read. It returns false (and no error) for unknown ids and
// true for ids that were already read.
func (s *Store) MarkRead(ctx context.Context, id string) (bool, error) {
	ok, err := s.backend.MarkAlertRead(ctx, id)
	if err != nil {
		return false, &alert.PersistenceError{Op: "mark_read", Err: err}
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, id string) (alert.Record, error) {
	rec, err := s.backend.GetAlert(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return alert.Record{}, alert.ErrNotFound
	}
	if err != nil {
		return alert.Record{}, &alert.PersistenceError{Op: "get", Err: err}
	}
	return rec, nil
}

// RecordDelivery merges one channel outcome into the alert's delivery flags.
func (s *Store) RecordDelivery(ctx context.Context, id string, ch alert.Channel, d alert.Delivery) error {
	if err := s.backend.RecordDelivery(ctx, id, ch, d); err != nil {
		return &alert.PersistenceError{Op: "record_delivery", Err: err}
	}
	return nil
}
