package alerting

import (
	"context"
	"fmt"
	"time"

	"agrialert/internal/alert"
	"agrialert/internal/condition"
	"agrialert/internal/eventbus"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

// Source supplies the current value of a metric for a scope. ok is false
// when there is no usable observation.
type Source interface {
	Observe(ctx context.Context, metric string, scope alert.Scope) (value float64, ok bool, err error)
}

// ReadingStore is the storage slice Readings needs.
type ReadingStore interface {
	LatestReading(ctx context.Context, metric, scope string) (storage.Reading, bool, error)
}

// Readings is a Source backed by the latest stored reading per (metric, scope).
type Readings struct {
	Store  ReadingStore
	MaxAge time.Duration
	Now    func() time.Time
}

func (r Readings) Observe(ctx context.Context, metric string, scope alert.Scope) (float64, bool, error) {
	rd, ok, err := r.Store.LatestReading(ctx, metric, scope.Key())
	if err != nil || !ok {
		return 0, false, err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if r.MaxAge > 0 && now().Sub(rd.ObservedAt) > r.MaxAge {
		return 0, false, nil
	}
	return rd.Value, true, nil
}

// SuppressedEvent is published when a tripped condition is held back.
type SuppressedEvent struct {
	Rule  string    `json:"rule"`
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
	Value float64   `json:"value"`
}

// CheckReport summarizes one check cycle.
type CheckReport struct {
	Checked    int      `json:"checked"`
	Tripped    int      `json:"tripped"`
	Suppressed int      `json:"suppressed"`
	NoData     int      `json:"no_data"`
	Errors     int      `json:"errors"`
	Created    []string `json:"created,omitempty"`
}

// SetRules validates and installs rules; on error the current set is kept.
func (s *Service) SetRules(rules []condition.Rule) error {
	seen := map[string]bool{}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	cp := append([]condition.Rule(nil), rules...)
	s.mu.Lock()
	s.rules = cp
	s.mu.Unlock()
	s.log.Info("rules installed", logx.Int("count", len(cp)))
	return nil
}

func (s *Service) Rules() []condition.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]condition.Rule(nil), s.rules...)
}

// RunChecks evaluates every rule for every scope and creates an alert for
// each trip whose (metric, scope) key is not inside its suppression window.
// One failing rule does not stop the cycle.
func (s *Service) RunChecks(ctx context.Context) (CheckReport, error) {
	var rep CheckReport
	if s.source == nil {
		return rep, fmt.Errorf("alerting: no condition source configured")
	}
	cfg := s.config()
	for _, rule := range s.Rules() {
		for _, scope := range rule.EffectiveScopes() {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.Checked++
			s.checkOne(ctx, cfg, rule, scope, &rep)
		}
	}
	s.log.Debug("check cycle done",
		logx.Int("checked", rep.Checked),
		logx.Int("tripped", rep.Tripped),
		logx.Int("created", len(rep.Created)),
		logx.Int("suppressed", rep.Suppressed),
		logx.Int("errors", rep.Errors),
	)
	return rep, nil
}

func (s *Service) checkOne(ctx context.Context, cfg Config, rule condition.Rule, scope alert.Scope, rep *CheckReport) {
	key := rule.Key(scope).String()
	value, ok, err := s.source.Observe(ctx, rule.Condition.Metric, scope)
	switch {
	case err != nil:
		rep.Errors++
		s.metrics.Checked(rule.Name, "error")
		s.log.Warn("metric read failed", logx.String("rule", rule.Name), logx.String("key", key), logx.Err(err))
		return
	case !ok:
		rep.NoData++
		s.metrics.Checked(rule.Name, "no_data")
		return
	case !condition.Evaluate(rule.Condition, value):
		s.metrics.Checked(rule.Name, "clear")
		return
	}
	rep.Tripped++
	s.metrics.Checked(rule.Name, "tripped")

	window := rule.Condition.Duration
	if window <= 0 {
		window = cfg.SuppressionWindow
	}
	until, reserved := s.reserve(ctx, key, window, cfg.DedupMaxEntries)
	if !reserved {
		rep.Suppressed++
		s.metrics.Suppressed(rule.Name)
		s.publish(eventbus.AlertSuppressed, SuppressedEvent{Rule: rule.Name, Key: key, Until: until, Value: value})
		s.log.Debug("alert suppressed", logx.String("rule", rule.Name), logx.String("key", key), logx.Time("until", until))
		return
	}

	id, err := s.CreateAlert(ctx, rule.Spec(scope, value, s.now()))
	if err != nil {
		rep.Errors++
		s.release(ctx, key)
		return
	}
	rep.Created = append(rep.Created, id)
}
