// Package alerting orchestrates alert creation and delivery: persist, resolve
// the audience, pick channels per recipient and fan out through the
// dispatcher without holding up the caller. It also runs the periodic
// condition checks with per-key suppression.
package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/alertstore"
	"agrialert/internal/condition"
	"agrialert/internal/eventbus"
	"agrialert/internal/notifier"
	"agrialert/internal/observability"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

// ErrDraining is logged for alerts created after shutdown began; they are
// persisted but not dispatched.
var ErrDraining = errors.New("alerting: draining")

type Config struct {
	// SuppressionWindow applies to rules whose condition has no duration.
	SuppressionWindow time.Duration
	// ReadingMaxAge ignores readings older than this.
	ReadingMaxAge time.Duration
	// FanoutWorkers bounds concurrent per-recipient dispatches of one alert.
	FanoutWorkers int
	// DedupMaxEntries caps the in-memory suppression marks.
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = time.Hour
	}
	if c.ReadingMaxAge <= 0 {
		c.ReadingMaxAge = 2 * time.Hour
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 8
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Backend is the slice of storage the service needs beyond the alert store.
type Backend interface {
	ActiveUsers(ctx context.Context, scope alert.Scope, now time.Time) ([]storage.User, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	DeleteDedup(ctx context.Context, key string) error
}

type Service struct {
	alerts  *alertstore.Store
	backend Backend
	disp    *notifier.Dispatcher

	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Metrics
	now     func() time.Time
	source  Source

	mu    sync.RWMutex
	cfg   Config
	rules []condition.Rule

	// base outlives request contexts; it is cancelled when a drain times out.
	base       context.Context
	cancelBase context.CancelFunc
	flightMu   sync.Mutex
	draining   bool
	inflight   sync.WaitGroup

	smu   sync.Mutex
	marks map[string]time.Time
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSource sets where condition checks read metric values.
func WithSource(src Source) Option { return func(s *Service) { s.source = src } }

func New(alerts *alertstore.Store, backend Backend, disp *notifier.Dispatcher, cfg Config, opts ...Option) *Service {
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		alerts:     alerts,
		backend:    backend,
		disp:       disp,
		log:        logx.Nop(),
		now:        time.Now,
		cfg:        cfg.withDefaults(),
		base:       base,
		cancelBase: cancel,
		marks:      map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "alerting"))
	return s
}

// Apply swaps the tunables; in-flight dispatches keep the values they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// CreateAlert persists spec and returns its id. Delivery starts in the
// background once the record is stored; the caller never waits for it.
func (s *Service) CreateAlert(ctx context.Context, spec alert.Spec) (string, error) {
	rec, err := s.alerts.Create(ctx, spec)
	if err != nil {
		reason := "persistence"
		if alert.IsValidation(err) {
			reason = "validation"
		}
		s.metrics.CreateFailed(reason)
		s.log.Warn("alert rejected", logx.String("reason", reason), logx.String("title", spec.Title), logx.Err(err))
		return "", err
	}
	s.metrics.AlertCreated(string(rec.Type), string(rec.Severity))
	s.publish(eventbus.AlertCreated, rec)
	s.log.Info("alert created",
		logx.String("alert_id", rec.ID),
		logx.String("type", string(rec.Type)),
		logx.String("severity", string(rec.Severity)),
		logx.String("scope", rec.Scope.Key()),
		logx.Time("expires_at", rec.ExpiresAt),
	)

	if !s.startFlight() {
		s.log.Warn("alert not dispatched", logx.String("alert_id", rec.ID), logx.Err(ErrDraining))
		return rec.ID, nil
	}
	go func() {
		defer s.inflight.Done()
		s.dispatch(s.base, rec)
	}()
	return rec.ID, nil
}

func (s *Service) startFlight() bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Drain stops accepting new dispatches and waits for in-flight ones. When
// ctx ends first, outstanding sends are cancelled and ctx's error returned.
func (s *Service) Drain(ctx context.Context) error {
	s.flightMu.Lock()
	s.draining = true
	s.flightMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		s.log.Warn("alert drain timed out; cancelling outstanding sends", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
