package notifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agrialert/internal/alert"
	"agrialert/internal/observability"
	logx "agrialert/pkg/logx"
)

type channelState struct {
	sender      Sender
	limiter     *rate.Limiter
	minSeverity alert.Severity
}

// Dispatcher sends one alert to one recipient over several channels at once.
// It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	channels map[alert.Channel]*channelState
	retry    *Retrier

	log     logx.Logger
	metrics *observability.Metrics
}

func NewDispatcher(cfg Config, log logx.Logger, metrics *observability.Metrics) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		channels: map[alert.Channel]*channelState{},
		log:      log.With(logx.String("comp", "dispatcher")),
		metrics:  metrics,
	}
}

// Register makes s available. Registering a channel twice replaces it.
func (d *Dispatcher) Register(s Sender, opt ChannelOptions) {
	if s == nil {
		return
	}
	st := &channelState{sender: s, minSeverity: opt.MinSeverity}
	if opt.RatePerSec > 0 {
		burst := int(opt.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(opt.RatePerSec), burst)
	}
	d.mu.Lock()
	d.channels[s.Channel()] = st
	d.mu.Unlock()
	d.log.Info("channel registered", logx.String("channel", string(s.Channel())), logx.Float64("rate_per_sec", opt.RatePerSec), logx.String("min_severity", string(opt.MinSeverity)))
}

// SetRetrier wires the sweep that picks up transient failures.
func (d *Dispatcher) SetRetrier(r *Retrier) {
	d.mu.Lock()
	d.retry = r
	d.mu.Unlock()
}

// Apply swaps the timing knobs; registered channels are kept.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

// Channels lists registered channels in name order.
func (d *Dispatcher) Channels() []alert.Channel {
	d.mu.RLock()
	out := make([]alert.Channel, 0, len(d.channels))
	for ch := range d.channels {
		out = append(out, ch)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dispatcher) state(ch alert.Channel) (*channelState, bool) {
	d.mu.RLock()
	st, ok := d.channels[ch]
	d.mu.RUnlock()
	return st, ok
}

// Applicable returns the per-recipient channels that can carry rec to to:
// registered, severity high enough, and the recipient's contact data present.
func (d *Dispatcher) Applicable(rec alert.Record, to Recipient) []alert.Channel {
	var out []alert.Channel
	for _, ch := range d.Channels() {
		st, ok := d.state(ch)
		if !ok || !rec.Severity.AtLeast(st.minSeverity) {
			continue
		}
		if _, sink := st.sender.(AlertSink); sink {
			continue
		}
		if st.sender.Reachable(to) {
			out = append(out, ch)
		}
	}
	return out
}

// Sinks returns the alert-level channels that should receive rec once.
func (d *Dispatcher) Sinks(rec alert.Record) []alert.Channel {
	var out []alert.Channel
	for _, ch := range d.Channels() {
		st, ok := d.state(ch)
		if !ok || !rec.Severity.AtLeast(st.minSeverity) {
			continue
		}
		if _, sink := st.sender.(AlertSink); sink {
			out = append(out, ch)
		}
	}
	return out
}

// Dispatch sends rec to to over every requested channel concurrently and
// returns one Result per attempted channel. Unregistered channels are left
// out of the map. A failing channel never affects the others; transient
// failures are handed to the retry sweep and Dispatch does not wait for it.
func (d *Dispatcher) Dispatch(ctx context.Context, rec alert.Record, to Recipient, channels []alert.Channel) map[alert.Channel]Result {
	out := make(map[alert.Channel]Result, len(channels))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	seen := map[alert.Channel]bool{}
	for _, ch := range channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		st, ok := d.state(ch)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ch alert.Channel, st *channelState) {
			defer wg.Done()
			res := d.send(ctx, st, to, rec, 1)
			mu.Lock()
			out[ch] = res
			mu.Unlock()
		}(ch, st)
	}
	wg.Wait()

	d.mu.RLock()
	retry := d.retry
	d.mu.RUnlock()
	for ch, res := range out {
		if res.Status != StatusTransient || retry == nil {
			continue
		}
		if err := retry.Schedule(Task{Alert: rec, To: to, Channel: ch, Attempt: 2, LastErr: errString(res.Err)}); err != nil {
			d.log.Warn("retry not scheduled", logx.String("alert_id", rec.ID), logx.String("user_id", to.UserID), logx.String("channel", string(ch)), logx.Err(err))
		}
	}
	return out
}

// send performs one bounded attempt on one channel.
func (d *Dispatcher) send(ctx context.Context, st *channelState, to Recipient, rec alert.Record, attempt int) (res Result) {
	ch := st.sender.Channel()
	start := time.Now()

	d.mu.RLock()
	timeout := d.cfg.SendTimeout
	d.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusPermanent, Err: fmt.Errorf("sender panic: %v", r)}
			d.log.Error("sender panicked", logx.String("channel", string(ch)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		res.Channel = ch
		res.Attempt = attempt
		res.Took = time.Since(start)
		d.metrics.Outcome(string(ch), string(res.Status), res.Took)
		d.logResult(rec, to, res)
	}()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if st.limiter != nil {
		if err := st.limiter.Wait(sctx); err != nil {
			return Result{Status: StatusTransient, Err: NewError(KindRateLimit, "local rate limit", err)}
		}
	}
	return st.sender.Send(sctx, to, rec)
}

func (d *Dispatcher) logResult(rec alert.Record, to Recipient, res Result) {
	fields := []logx.Field{
		logx.String("alert_id", rec.ID),
		logx.String("user_id", to.UserID),
		logx.String("channel", string(res.Channel)),
		logx.String("status", string(res.Status)),
		logx.Int("attempt", res.Attempt),
		logx.Duration("took", res.Took),
	}
	switch res.Status {
	case StatusSuccess, StatusSkipped:
		d.log.Debug("channel send", append(fields, logx.Int("delivered", res.Delivered), logx.Int("pruned", res.Pruned))...)
	case StatusTransient:
		d.log.Warn("channel send failed", append(fields, logx.Err(res.Err))...)
	case StatusPermanent:
		d.log.Error("channel send rejected", append(fields, logx.Err(res.Err))...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
