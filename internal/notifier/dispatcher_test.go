package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/eventbus"
)

type fakeSender struct {
	ch        alert.Channel
	reachable func(Recipient) bool
	send      func(n int) Result
	sink      bool
	calls     atomic.Int32
}

func (f *fakeSender) Channel() alert.Channel { return f.ch }

func (f *fakeSender) Reachable(to Recipient) bool {
	if f.reachable == nil {
		return true
	}
	return f.reachable(to)
}

func (f *fakeSender) Send(ctx context.Context, to Recipient, rec alert.Record) Result {
	n := int(f.calls.Add(1))
	if f.send == nil {
		return Success()
	}
	return f.send(n)
}

type fakeSink struct{ fakeSender }

func (*fakeSink) AlertSink() {}

func testRecord(sev alert.Severity) alert.Record {
	now := time.Now()
	return alert.NewRecord("a-1", alert.Spec{Title: "Heatwave", Message: "hot", Type: alert.TypeWeather, Severity: sev}, now)
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger(), nil)
	d.Register(&fakeSender{ch: alert.ChannelEmail}, ChannelOptions{})
	d.Register(&fakeSender{ch: alert.ChannelSMS, send: func(int) Result {
		return Fail(NewError(KindRecipient, "bad number", nil))
	}}, ChannelOptions{})

	out := d.Dispatch(context.Background(), testRecord(alert.SeverityWarning), Recipient{UserID: "u1"},
		[]alert.Channel{alert.ChannelEmail, alert.ChannelSMS})

	if len(out) != 2 {
		t.Fatalf("results=%d want 2", len(out))
	}
	if out[alert.ChannelEmail].Status != StatusSuccess {
		t.Fatalf("email=%v", out[alert.ChannelEmail])
	}
	if out[alert.ChannelSMS].Status != StatusPermanent {
		t.Fatalf("sms=%v", out[alert.ChannelSMS])
	}
	if out[alert.ChannelSMS].Channel != alert.ChannelSMS || out[alert.ChannelSMS].Attempt != 1 {
		t.Fatalf("sms result not stamped: %+v", out[alert.ChannelSMS])
	}
}

func TestDispatchSkipsUnregisteredChannels(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger(), nil)
	d.Register(&fakeSender{ch: alert.ChannelEmail}, ChannelOptions{})

	out := d.Dispatch(context.Background(), testRecord(alert.SeverityInfo), Recipient{UserID: "u1"},
		[]alert.Channel{alert.ChannelEmail, alert.ChannelSMS, alert.ChannelEmail})
	if len(out) != 1 {
		t.Fatalf("results=%v", out)
	}
	if _, ok := out[alert.ChannelSMS]; ok {
		t.Fatalf("unregistered channel attempted")
	}
}

func TestDispatchRecoversSenderPanic(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger(), nil)
	d.Register(&fakeSender{ch: alert.ChannelEmail, send: func(int) Result { panic("boom") }}, ChannelOptions{})
	d.Register(&fakeSender{ch: alert.ChannelSMS}, ChannelOptions{})

	out := d.Dispatch(context.Background(), testRecord(alert.SeverityInfo), Recipient{UserID: "u1"},
		[]alert.Channel{alert.ChannelEmail, alert.ChannelSMS})
	if out[alert.ChannelEmail].Status != StatusPermanent {
		t.Fatalf("email=%v", out[alert.ChannelEmail])
	}
	if out[alert.ChannelSMS].Status != StatusSuccess {
		t.Fatalf("sms=%v", out[alert.ChannelSMS])
	}
}

func TestDispatchAppliesSendTimeout(t *testing.T) {
	d := NewDispatcher(Config{SendTimeout: 20 * time.Millisecond}, testLogger(), nil)
	d.Register(&slowSender{}, ChannelOptions{})

	start := time.Now()
	out := d.Dispatch(context.Background(), testRecord(alert.SeverityInfo), Recipient{UserID: "u1"}, []alert.Channel{alert.ChannelEmail})
	if time.Since(start) > time.Second {
		t.Fatalf("dispatch did not honour the send timeout")
	}
	if out[alert.ChannelEmail].Status != StatusTransient {
		t.Fatalf("status=%v", out[alert.ChannelEmail])
	}
}

type slowSender struct{}

func (slowSender) Channel() alert.Channel    { return alert.ChannelEmail }
func (slowSender) Reachable(Recipient) bool { return true }
func (slowSender) Send(ctx context.Context, _ Recipient, _ alert.Record) Result {
	<-ctx.Done()
	return Fail(NewError(KindTimeout, "send", ctx.Err()))
}

func TestApplicableFiltersBySeverityContactAndSink(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger(), nil)
	d.Register(&fakeSender{ch: alert.ChannelEmail, reachable: func(to Recipient) bool { return to.Email != "" }}, ChannelOptions{})
	d.Register(&fakeSender{ch: alert.ChannelSMS, reachable: func(to Recipient) bool { return to.Phone != "" }}, ChannelOptions{MinSeverity: alert.SeverityCritical})
	d.Register(&fakeSink{fakeSender{ch: alert.ChannelWebhook}}, ChannelOptions{})

	to := Recipient{UserID: "u1", Email: "a@b.c", Phone: "+228"}
	got := d.Applicable(testRecord(alert.SeverityWarning), to)
	if len(got) != 1 || got[0] != alert.ChannelEmail {
		t.Fatalf("warning channels=%v", got)
	}
	got = d.Applicable(testRecord(alert.SeverityEmergency), to)
	if len(got) != 2 {
		t.Fatalf("emergency channels=%v", got)
	}
	got = d.Applicable(testRecord(alert.SeverityEmergency), Recipient{UserID: "u2"})
	if len(got) != 0 {
		t.Fatalf("no-contact channels=%v", got)
	}
	sinks := d.Sinks(testRecord(alert.SeverityInfo))
	if len(sinks) != 1 || sinks[0] != alert.ChannelWebhook {
		t.Fatalf("sinks=%v", sinks)
	}
}

func TestTransientFailureIsRetriedBySweep(t *testing.T) {
	bus := eventbus.New()
	d := NewDispatcher(Config{}, testLogger(), nil)
	r := NewRetrier(Config{RetryMax: 3, RetryBase: time.Second}, d, testLogger(), bus, nil)
	d.SetRetrier(r)

	base := time.Unix(1_700_000_000, 0)
	var clock atomic.Int64
	clock.Store(base.UnixNano())
	r.now = func() time.Time { return time.Unix(0, clock.Load()) }

	sms := &fakeSender{ch: alert.ChannelSMS, send: func(n int) Result {
		if n == 1 {
			return Fail(NewError(KindUnavailable, "gateway 503", nil))
		}
		return Success()
	}}
	d.Register(sms, ChannelOptions{})

	var (
		mu   sync.Mutex
		seen []Result
	)
	r.OnResult(func(_ context.Context, _ Task, res Result) {
		mu.Lock()
		seen = append(seen, res)
		mu.Unlock()
	})

	out := d.Dispatch(context.Background(), testRecord(alert.SeverityWarning), Recipient{UserID: "u1", Phone: "+228"}, []alert.Channel{alert.ChannelSMS})
	if out[alert.ChannelSMS].Status != StatusTransient {
		t.Fatalf("first attempt=%v", out[alert.ChannelSMS])
	}
	if r.Pending() != 1 {
		t.Fatalf("pending=%d want 1", r.Pending())
	}
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("swept %d tasks before they were due", n)
	}

	clock.Store(base.Add(time.Minute).UnixNano())
	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("swept=%d want 1", n)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending after success=%d", r.Pending())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Status != StatusSuccess || seen[0].Attempt != 2 {
		t.Fatalf("hook saw %v", seen)
	}
}

func TestRetryGivesUpAfterRetryMax(t *testing.T) {
	bus := eventbus.New()
	events, cancel := bus.Subscribe(8, "dispatch.")
	defer cancel()

	d := NewDispatcher(Config{}, testLogger(), nil)
	r := NewRetrier(Config{RetryMax: 1, RetryBase: time.Millisecond}, d, testLogger(), bus, nil)
	d.SetRetrier(r)
	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return base }

	d.Register(&fakeSender{ch: alert.ChannelEmail, send: func(int) Result {
		return Fail(errors.New("connection reset"))
	}}, ChannelOptions{})

	d.Dispatch(context.Background(), testRecord(alert.SeverityInfo), Recipient{UserID: "u1"}, []alert.Channel{alert.ChannelEmail})
	r.now = func() time.Time { return base.Add(time.Hour) }
	r.Sweep(context.Background())

	if r.Pending() != 0 {
		t.Fatalf("pending=%d want 0 after giving up", r.Pending())
	}
	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.DispatchRetry || types[1] != eventbus.DispatchGaveUp {
		t.Fatalf("events=%v", types)
	}
}

func TestScheduleRejectsWhenDisabledOrStopped(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger(), nil)
	r := NewRetrier(Config{}, d, testLogger(), nil, nil)
	if err := r.Schedule(Task{Channel: alert.ChannelEmail}); !errors.Is(err, ErrRetryDisabled) {
		t.Fatalf("err=%v want ErrRetryDisabled", err)
	}

	r = NewRetrier(Config{RetryMax: 2, QueueSize: 1}, d, testLogger(), nil, nil)
	if err := r.Schedule(Task{Channel: alert.ChannelEmail}); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := r.Schedule(Task{Channel: alert.ChannelEmail}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending after stop=%d", r.Pending())
	}
	if err := r.Schedule(Task{Channel: alert.ChannelEmail}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestRetryDelayIsBounded(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}.withDefaults()
	for n := 1; n <= 10; n++ {
		d := retryDelay(cfg, n)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retryDelay(%d)=%v out of bounds", n, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 700*time.Millisecond || d > 1300*time.Millisecond {
		t.Fatalf("first delay=%v want 0.7s..1.3s", d)
	}
}
