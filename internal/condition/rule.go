package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agrialert/internal/alert"
)

// Key identifies one suppression slot.
type Key struct {
	Metric string
	Scope  string
}

func (k Key) String() string { return k.Metric + "@" + k.Scope }

// Template describes the alert created when a rule trips. Title and Message
// may reference {metric} {value} {threshold} {operator} {scope} {country} {crop}.
type Template struct {
	Title    string
	Message  string
	Type     alert.Type
	Severity alert.Severity
	Expiry   time.Duration
}

// Rule binds a condition to the scopes it is checked for and the alert it creates.
type Rule struct {
	Name      string
	Condition Condition
	Scopes    []alert.Scope
	Alert     Template
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is empty")
	}
	if strings.TrimSpace(r.Condition.Metric) == "" {
		return fmt.Errorf("rule %s: metric is empty", r.Name)
	}
	if !r.Condition.Operator.Valid() {
		return fmt.Errorf("rule %s: unknown operator %q", r.Name, r.Condition.Operator)
	}
	if r.Condition.Duration < 0 {
		return fmt.Errorf("rule %s: negative duration", r.Name)
	}
	if strings.TrimSpace(r.Alert.Title) == "" || strings.TrimSpace(r.Alert.Message) == "" {
		return fmt.Errorf("rule %s: alert title and message are required", r.Name)
	}
	if !r.Alert.Severity.Valid() {
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Alert.Severity)
	}
	if r.Alert.Type != "" && !r.Alert.Type.Valid() {
		return fmt.Errorf("rule %s: unknown alert type %q", r.Name, r.Alert.Type)
	}
	return nil
}

// EffectiveScopes returns the scopes to check; a rule without scopes is
// checked once, unscoped.
func (r Rule) EffectiveScopes() []alert.Scope {
	if len(r.Scopes) == 0 {
		return []alert.Scope{{}}
	}
	return r.Scopes
}

func (r Rule) Key(scope alert.Scope) Key {
	return Key{Metric: r.Condition.Metric, Scope: scope.Key()}
}

// Spec renders the alert spec for a trip observed at now.
func (r Rule) Spec(scope alert.Scope, observed float64, now time.Time) alert.Spec {
	rep := strings.NewReplacer(
		"{metric}", r.Condition.Metric,
		"{value}", formatFloat(observed),
		"{threshold}", formatFloat(r.Condition.Threshold),
		"{operator}", string(r.Condition.Operator),
		"{scope}", scope.Key(),
		"{country}", scope.Country,
		"{crop}", scope.Crop,
	)
	spec := alert.Spec{
		Title:    rep.Replace(r.Alert.Title),
		Message:  rep.Replace(r.Alert.Message),
		Type:     r.Alert.Type,
		Severity: r.Alert.Severity,
		Scope:    scope,
		Data: map[string]any{
			"rule":      r.Name,
			"metric":    r.Condition.Metric,
			"operator":  string(r.Condition.Operator),
			"threshold": r.Condition.Threshold,
			"observed":  observed,
		},
	}
	if r.Alert.Expiry > 0 {
		spec.ExpiresAt = now.Add(r.Alert.Expiry)
	}
	return spec
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
