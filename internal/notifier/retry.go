package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/eventbus"
	"agrialert/internal/observability"
	rtsup "agrialert/internal/runtime/supervisor"
	logx "agrialert/pkg/logx"
)

var (
	ErrRetryDisabled = errors.New("retry disabled")
	ErrQueueFull     = errors.New("retry queue full")
	ErrStopped       = errors.New("retry sweeper stopped")
)

// Task is one pending retry. Attempt is the number of the attempt it will make.
type Task struct {
	Alert   alert.Record
	To      Recipient
	Channel alert.Channel
	Attempt int
	Due     time.Time
	LastErr string
}

// RetryEvent is published on the bus for retry lifecycle events.
type RetryEvent struct {
	AlertID string        `json:"alert_id"`
	UserID  string        `json:"user_id"`
	Channel alert.Channel `json:"channel"`
	Attempt int           `json:"attempt"`
	Status  Status        `json:"status"`
	Error   string        `json:"error,omitempty"`
}

// ResultHook observes every retry attempt's result.
type ResultHook func(ctx context.Context, t Task, res Result)

// Retrier re-sends transient failures from a periodic sweep. Pending tasks
// live in memory only; they are dropped on Stop.
type Retrier struct {
	mu        sync.Mutex
	cfg       Config
	d         *Dispatcher
	pending   []Task
	accepting bool
	sup       *rtsup.Supervisor
	hook      ResultHook

	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Metrics
	now     func() time.Time
}

func NewRetrier(cfg Config, d *Dispatcher, log logx.Logger, bus eventbus.Bus, metrics *observability.Metrics) *Retrier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retrier{
		cfg:       cfg.withDefaults(),
		d:         d,
		accepting: true,
		log:       log.With(logx.String("comp", "retry")),
		bus:       bus,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (r *Retrier) OnResult(h ResultHook) {
	r.mu.Lock()
	r.hook = h
	r.mu.Unlock()
}

func (r *Retrier) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Schedule queues t for a later sweep. It never blocks.
func (r *Retrier) Schedule(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accepting {
		return ErrStopped
	}
	if r.cfg.RetryMax <= 0 {
		return ErrRetryDisabled
	}
	if len(r.pending) >= r.cfg.QueueSize {
		r.metrics.RetryExhausted(string(t.Channel))
		return ErrQueueFull
	}
	if t.Attempt < 2 {
		t.Attempt = 2
	}
	t.Due = r.now().Add(retryDelay(r.cfg, t.Attempt-1))
	r.pending = append(r.pending, t)
	r.metrics.RetryDepth(len(r.pending))
	r.publish(eventbus.DispatchRetry, t, StatusTransient)
	return nil
}

// Pending returns the number of queued tasks.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Retrier) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return
	}
	r.accepting = true
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.sup.GoRestart("retry.sweep", r.loop)
}

// Stop stops the sweep and drops whatever is still pending.
func (r *Retrier) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.accepting = false
	dropped := len(r.pending)
	r.pending = nil
	r.mu.Unlock()

	r.metrics.RetryDepth(0)
	if dropped > 0 {
		r.log.Warn("retry sweeper stopped with pending tasks", logx.Int("dropped", dropped))
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (r *Retrier) loop(ctx context.Context) error {
	r.mu.Lock()
	every := r.cfg.SweepInterval
	r.mu.Unlock()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every due task once and returns how many ran.
func (r *Retrier) Sweep(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	var due, later []Task
	for _, t := range r.pending {
		if !t.Due.After(now) {
			due = append(due, t)
		} else {
			later = append(later, t)
		}
	}
	r.pending = later
	cfg := r.cfg
	hook := r.hook
	r.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	for _, t := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runTask(ctx, cfg, t, hook)
		}(t)
	}
	wg.Wait()
	r.metrics.RetryDepth(r.Pending())
	return len(due)
}

func (r *Retrier) runTask(ctx context.Context, cfg Config, t Task, hook ResultHook) {
	st, ok := r.d.state(t.Channel)
	if !ok {
		r.log.Debug("retry dropped: channel no longer registered", logx.String("channel", string(t.Channel)))
		return
	}
	res := r.d.send(ctx, st, t.To, t.Alert, t.Attempt)
	if hook != nil {
		hook(ctx, t, res)
	}
	if res.Status != StatusTransient {
		return
	}
	t.LastErr = errString(res.Err)
	if t.Attempt-1 >= cfg.RetryMax {
		r.metrics.RetryExhausted(string(t.Channel))
		r.publish(eventbus.DispatchGaveUp, t, res.Status)
		r.log.Warn("retry attempts exhausted", logx.String("alert_id", t.Alert.ID), logx.String("user_id", t.To.UserID), logx.String("channel", string(t.Channel)), logx.Int("attempts", t.Attempt), logx.String("err", t.LastErr))
		return
	}
	t.Attempt++
	if err := r.Schedule(t); err != nil {
		r.log.Warn("retry not rescheduled", logx.String("alert_id", t.Alert.ID), logx.Err(err))
	}
}

func (r *Retrier) publish(typ string, t Task, st Status) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: RetryEvent{
		AlertID: t.Alert.ID,
		UserID:  t.To.UserID,
		Channel: t.Channel,
		Attempt: t.Attempt,
		Status:  st,
		Error:   t.LastErr,
	}})
}

// retryDelay returns the wait before retry number n (1-based):
// base * 2^(n-1), jittered by 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, n int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
