package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agrialert/internal/observability"
	logx "agrialert/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	metrics *observability.Metrics
	loc     *time.Location
	c       *cron.Cron
	defs    map[string]*schedule

	// runCtx is the parent of every run; Stop cancels it once the drain
	// deadline passes.
	runCtx    context.Context
	runCancel context.CancelFunc

	hmu       sync.Mutex
	history   []HistoryItem
	histLimit int
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:  cfg.withDefaults(),
		log:  logx.Nop(),
		defs: map[string]*schedule{},
	}
	for _, o := range opts {
		o(s)
	}
	s.histLimit = s.cfg.HistorySize
	return s
}

// Add registers job under name, replacing any schedule with the same name.
// Schedules added before Start are armed when Start runs.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &schedule{name: name, spec: ps.String(), timeout: timeout, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.armLocked(d, ps); err != nil {
		delete(s.defs, name)
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", d.spec),
		logx.Duration("timeout", timeout),
		logx.Duration("spread", d.spread),
	)
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) armLocked(d *schedule, ps ParsedSpec) error {
	ctx := s.runCtx
	job := cron.FuncJob(func() { s.run(ctx, d) })
	if ps.Kind == SpecInterval {
		sched, spread := intervalSchedule(ps.Every, time.Now().In(s.loc))
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(ps.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// Start arms every registered schedule. Runs inherit ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log}),
	)
	for _, d := range s.defs {
		ps, err := ParseSchedule(d.spec)
		if err == nil {
			err = s.armLocked(d, ps)
		}
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop disarms all schedules and waits for running jobs until ctx is done,
// then cancels them.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	start := time.Now()
	var err error
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		err = fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Bool("timed_out", err != nil))
	return err
}

// Apply swaps the config. A timezone change re-arms every schedule.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.hmu.Lock()
	s.histLimit = cfg.HistorySize
	s.hmu.Unlock()
	if s.c == nil || !tzChanged {
		return
	}
	// Stopping cron waits for running jobs; run never takes s.mu.
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// RunNow runs the named schedule immediately, outside its trigger, with the
// same overlap and timeout rules.
func (s *Service) RunNow(ctx context.Context, name string) (Result, error) {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownSchedule
	}
	item := s.run(ctx, d)
	if item.Err != "" {
		return item.Result, errors.New(item.Err)
	}
	return item.Result, nil
}

func (s *Service) run(ctx context.Context, d *schedule) HistoryItem {
	item := HistoryItem{Schedule: d.name, Started: time.Now()}
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.running.CompareAndSwap(false, true) {
		item.Result = ResultSkipped
		s.log.Debug("schedule trigger skipped; previous run in flight", logx.String("schedule", d.name))
		s.record(item)
		return item
	}
	defer d.running.Store(false)

	rctx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	err := safeRun(rctx, d.job)
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
	cancel()

	item.Took = time.Since(item.Started)
	switch {
	case err == nil:
		item.Result = ResultOK
	case timedOut:
		item.Result = ResultTimeout
		item.Err = err.Error()
	default:
		item.Result = ResultError
		item.Err = err.Error()
	}
	if err != nil {
		s.log.Warn("scheduled run failed",
			logx.String("schedule", d.name),
			logx.String("result", string(item.Result)),
			logx.Duration("took", item.Took),
			logx.Err(err),
		)
	} else {
		s.log.Debug("scheduled run done", logx.String("schedule", d.name), logx.Duration("took", item.Took))
	}
	s.record(item)
	return item
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

func (s *Service) record(item HistoryItem) {
	s.metrics.ScheduledRun(item.Schedule, string(item.Result))
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - s.histLimit; n > 0 {
		s.history = append(s.history[:0:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Started: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Running: d.running.Load()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's internal logging into logx. Its Info
// stream is per-tick noise, so it goes to debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
