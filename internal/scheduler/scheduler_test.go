package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agrialert/internal/observability"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		str   string
	}{
		{"*/5 * * * *", SpecCron, 0, "*/5 * * * *"},
		{"0 30 6 * * *", SpecCron, 0, "0 30 6 * * *"},
		{"@hourly", SpecCron, 0, "@hourly"},
		{"@every 1m", SpecInterval, time.Minute, "@every 1m0s"},
		{"10m", SpecInterval, 10 * time.Minute, "@every 10m0s"},
		{"00:15", SpecInterval, 15 * time.Minute, "@every 15m0s"},
		{"every: 02:30", SpecInterval, 150 * time.Minute, "@every 2h30m0s"},
		{"cron: 5 * * * *", SpecCron, 0, "5 * * * *"},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.Every != tc.every || ps.String() != tc.str {
			t.Fatalf("%q: got %+v (%s)", tc.in, ps, ps.String())
		}
	}
	for _, bad := range []string{"", "soon", "every minute", "500ms", "00:75", "cron:", "* * *"} {
		if err := Validate(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestSpreadScheduleDelaysOnlyFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC)
	for i := 0; i < 50; i++ {
		sched, jitter := intervalSchedule(time.Minute, now)
		if jitter < 0 || jitter >= 30*time.Second || jitter%time.Second != 0 {
			t.Fatalf("jitter out of range: %v", jitter)
		}
		first := sched.Next(now)
		if !first.Equal(now.Truncate(time.Second).Add(time.Minute + jitter)) {
			t.Fatalf("first run: %v (jitter %v)", first, jitter)
		}
		if second := sched.Next(first); !second.Equal(first.Add(time.Minute)) {
			t.Fatalf("second run: %v after %v", second, first)
		}
	}
}

func TestRunNowRecordsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	s := New(Config{HistorySize: 2}, WithMetrics(m))

	if err := s.Add("ok", "1h", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("boom", "1h", 0, func(ctx context.Context) error { panic("kaboom") }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("slow", "1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx := context.Background()
	if res, err := s.RunNow(ctx, "ok"); err != nil || res != ResultOK {
		t.Fatalf("ok: %v %v", res, err)
	}
	if res, err := s.RunNow(ctx, "boom"); err == nil || res != ResultError {
		t.Fatalf("panic not recovered as error: %v %v", res, err)
	}
	if res, _ := s.RunNow(ctx, "slow"); res != ResultTimeout {
		t.Fatalf("slow: %v", res)
	}
	if _, err := s.RunNow(ctx, "missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("missing: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.History) != 2 || snap.History[0].Schedule != "boom" || snap.History[1].Result != ResultTimeout {
		t.Fatalf("history not capped/ordered: %+v", snap.History)
	}
	if len(snap.Schedules) != 3 || snap.Schedules[0].Name != "boom" {
		t.Fatalf("schedules: %+v", snap.Schedules)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var runs float64
	for _, mf := range mfs {
		if mf.GetName() != "agrialert_scheduled_runs_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			runs += metric.GetCounter().GetValue()
		}
	}
	if runs != 3 {
		t.Fatalf("scheduled runs metric: %v", runs)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	_ = s.Add("checks", "1h", 0, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})

	done := make(chan Result, 1)
	go func() {
		res, _ := s.RunNow(context.Background(), "checks")
		done <- res
	}()
	<-started
	if res, _ := s.RunNow(context.Background(), "checks"); res != ResultSkipped {
		t.Fatalf("overlap: got %v", res)
	}
	close(release)
	if res := <-done; res != ResultOK {
		t.Fatalf("first run: %v", res)
	}
	if runs.Load() != 1 {
		t.Fatalf("job ran %d times", runs.Load())
	}
}

func TestCronTriggersAndStop(t *testing.T) {
	s := New(Config{Timezone: "UTC"})
	fired := make(chan struct{}, 8)
	// Six-field spec: every second.
	if err := s.Add("tick", "* * * * * *", time.Second, func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("cron never fired")
	}
	snap := s.Snapshot()
	if !snap.Started || snap.Timezone != "UTC" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot: %+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Snapshot().Started {
		t.Fatalf("still started after Stop")
	}
}

func TestStopCancelsStuckRun(t *testing.T) {
	s := New(Config{})
	entered := make(chan struct{})
	canceled := make(chan struct{})
	_ = s.Add("stuck", "* * * * * *", 0, func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	s.Start(context.Background())
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatalf("expected drain timeout")
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatalf("run context not canceled")
	}
}

func TestAddReplacesByName(t *testing.T) {
	s := New(Config{})
	var which atomic.Value
	_ = s.Add("checks", "1h", 0, func(ctx context.Context) error { which.Store("old"); return nil })
	_ = s.Add("checks", "5m", 0, func(ctx context.Context) error { which.Store("new"); return nil })
	if _, err := s.RunNow(context.Background(), "checks"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if which.Load() != "new" {
		t.Fatalf("old job kept")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 5m0s" {
		t.Fatalf("schedules: %+v", snap.Schedules)
	}
	if !s.Remove("checks") || s.Remove("checks") {
		t.Fatalf("remove semantics")
	}
}
