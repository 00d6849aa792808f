package alerting

import (
	"context"
	"sync"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/eventbus"
	"agrialert/internal/notifier"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

// DispatchSummary is published once an alert's fan-out has finished.
type DispatchSummary struct {
	AlertID    string                                       `json:"alert_id"`
	Recipients int                                          `json:"recipients"`
	Results    map[string]map[alert.Channel]notifier.Result `json:"results"`
	// Sinks holds the once-per-alert channel outcomes.
	Sinks map[alert.Channel]notifier.Result `json:"sinks,omitempty"`
	Took  time.Duration                     `json:"took"`
}

// Counts tallies outcomes per channel and status.
func (d DispatchSummary) Counts() map[alert.Channel]map[notifier.Status]int {
	out := map[alert.Channel]map[notifier.Status]int{}
	add := func(ch alert.Channel, st notifier.Status) {
		if out[ch] == nil {
			out[ch] = map[notifier.Status]int{}
		}
		out[ch][st]++
	}
	for _, per := range d.Results {
		for ch, r := range per {
			add(ch, r.Status)
		}
	}
	for ch, r := range d.Sinks {
		add(ch, r.Status)
	}
	return out
}

func recipient(u storage.User) notifier.Recipient {
	return notifier.Recipient{
		UserID:         u.ID,
		Name:           u.FullName,
		Email:          u.Email,
		Phone:          u.Phone,
		TelegramChatID: u.TelegramChatID,
	}
}

// dispatch resolves the audience with one query and fans rec out to each
// member over the channels their contact data allows.
func (s *Service) dispatch(ctx context.Context, rec alert.Record) {
	start := time.Now()
	s.metrics.InFlight(1)
	defer s.metrics.InFlight(-1)

	cfg := s.config()
	users, err := s.backend.ActiveUsers(ctx, rec.Scope, s.now())
	if err != nil {
		s.log.Error("audience lookup failed", logx.String("alert_id", rec.ID), logx.Err(err))
		return
	}

	sum := DispatchSummary{
		AlertID:    rec.ID,
		Recipients: len(users),
		Results:    make(map[string]map[alert.Channel]notifier.Result, len(users)),
	}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, cfg.FanoutWorkers)
	)
	for _, u := range users {
		to := recipient(u)
		channels := s.disp.Applicable(rec, to)
		if len(channels) == 0 {
			s.log.Debug("no channel for recipient", logx.String("alert_id", rec.ID), logx.String("user_id", u.ID))
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(to notifier.Recipient, channels []alert.Channel) {
			defer wg.Done()
			defer func() { <-sem }()
			results := s.disp.Dispatch(ctx, rec, to, channels)
			s.recordResults(ctx, rec.ID, results)
			mu.Lock()
			sum.Results[to.UserID] = results
			mu.Unlock()
		}(to, channels)
	}
	wg.Wait()

	if sinks := s.disp.Sinks(rec); len(sinks) > 0 && ctx.Err() == nil {
		sum.Sinks = s.disp.Dispatch(ctx, rec, notifier.Recipient{}, sinks)
		s.recordResults(ctx, rec.ID, sum.Sinks)
	}

	sum.Took = time.Since(start)
	s.publish(eventbus.AlertDispatched, sum)
	s.log.Info("alert dispatched",
		logx.String("alert_id", rec.ID),
		logx.Int("recipients", sum.Recipients),
		logx.Int("reached", len(sum.Results)),
		logx.Any("outcomes", sum.Counts()),
		logx.Duration("took", sum.Took),
	)
}

// recordResults persists per-channel flags. Failures here are logged only:
// delivery already happened and the flags are informational.
func (s *Service) recordResults(ctx context.Context, alertID string, results map[alert.Channel]notifier.Result) {
	for ch, r := range results {
		if err := s.alerts.RecordDelivery(ctx, alertID, ch, r.Delivery()); err != nil {
			s.log.Warn("delivery flags not saved", logx.String("alert_id", alertID), logx.String("channel", string(ch)), logx.Err(err))
		}
	}
}

// RecordRetry stores the outcome of a retry attempt. It is meant as the
// retry sweeper's result hook.
func (s *Service) RecordRetry(ctx context.Context, t notifier.Task, res notifier.Result) {
	s.recordResults(ctx, t.Alert.ID, map[alert.Channel]notifier.Result{t.Channel: res})
}
