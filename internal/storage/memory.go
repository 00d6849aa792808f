package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"agrialert/internal/alert"
)

type memStore struct {
	mu       sync.RWMutex
	alerts   map[string]alert.Record
	users    map[string]User
	dedup    map[string]time.Time
	readings map[[2]string]Reading
	closed   bool
}

// NewMemory returns a Store kept entirely in process memory.
func NewMemory() Store {
	return &memStore{
		alerts:   map[string]alert.Record{},
		users:    map[string]User{},
		dedup:    map[string]time.Time{},
		readings: map[[2]string]Reading{},
	}
}

func (m *memStore) check() error {
	if m.closed {
		return ErrDisabled
	}
	return nil
}

func cloneRecord(r alert.Record) alert.Record {
	r.Data = maps.Clone(r.Data)
	r.Deliveries = maps.Clone(r.Deliveries)
	return r
}

func (m *memStore) InsertAlert(ctx context.Context, rec alert.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, dup := m.alerts[rec.ID]; dup {
		return errors.New("duplicate alert id " + rec.ID)
	}
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		return errors.New("expires_at must be after created_at")
	}
	m.alerts[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *memStore) GetAlert(ctx context.Context, id string) (alert.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return alert.Record{}, err
	}
	r, ok := m.alerts[id]
	if !ok {
		return alert.Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memStore) ListActiveAlerts(ctx context.Context, f AlertFilter) ([]alert.Record, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	m.mu.RLock()
	if err := m.check(); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	var out []alert.Record
	for _, r := range m.alerts {
		if !r.IsActive || !r.ExpiresAt.After(now) {
			continue
		}
		if f.UserID != "" && r.Scope.UserID != f.UserID {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) MarkAlertRead(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	r, ok := m.alerts[id]
	if !ok {
		return false, nil
	}
	r.IsRead = true
	m.alerts[id] = r
	return true, nil
}

func (m *memStore) RecordDelivery(ctx context.Context, alertID string, ch alert.Channel, d alert.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if r.Deliveries == nil {
		r.Deliveries = map[alert.Channel]alert.Delivery{}
	}
	r.Deliveries[ch] = r.Deliveries[ch].Merge(d)
	m.alerts[alertID] = r
	return nil
}

func (m *memStore) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	u.Crops = slices.Clone(u.Crops)
	m.users[u.ID] = u
	return nil
}

func (m *memStore) GetUser(ctx context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return User{}, err
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Crops = slices.Clone(u.Crops)
	return u, nil
}

func (m *memStore) ActiveUsers(ctx context.Context, scope alert.Scope, now time.Time) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []User
	for _, u := range m.users {
		if !u.Eligible(now) {
			continue
		}
		if scope.Country != "" && u.Country != scope.Country {
			continue
		}
		if scope.UserID != "" && u.ID != scope.UserID {
			continue
		}
		if scope.Crop != "" && !slices.Contains(u.Crops, scope.Crop) {
			continue
		}
		u.Crops = nil
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.dedup[key] = until
	return nil
}

func (m *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return time.Time{}, false, err
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memStore) DeleteDedup(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, key)
	return nil
}

func (m *memStore) PutReading(ctx context.Context, r Reading) error {
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	k := [2]string{r.Metric, r.Scope}
	if cur, ok := m.readings[k]; ok && cur.ObservedAt.After(r.ObservedAt) {
		return nil
	}
	m.readings[k] = r
	return nil
}

func (m *memStore) LatestReading(ctx context.Context, metric, scope string) (Reading, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Reading{}, false, err
	}
	r, ok := m.readings[[2]string{metric, scope}]
	return r, ok, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
