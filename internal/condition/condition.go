// Package condition holds trigger rules and the pure evaluator used by the
// periodic check cycle.
package condition

import (
	"math"
	"time"
)

type Operator string

const (
	GT Operator = ">"
	LT Operator = "<"
	GE Operator = ">="
	LE Operator = "<="
	EQ Operator = "=="
	NE Operator = "!="
)

var operators = map[Operator]func(observed, threshold float64) bool{
	GT: func(v, t float64) bool { return v > t },
	LT: func(v, t float64) bool { return v < t },
	GE: func(v, t float64) bool { return v >= t },
	LE: func(v, t float64) bool { return v <= t },
	EQ: func(v, t float64) bool { return v == t },
	NE: func(v, t float64) bool { return v != t },
}

func (o Operator) Valid() bool {
	_, ok := operators[o]
	return ok
}

// Condition compares one metric against a threshold.
// Duration is the window during which a repeated trip of the same
// (metric, scope) is suppressed; zero defers to the service default.
type Condition struct {
	Metric    string        `json:"metric"`
	Operator  Operator      `json:"operator"`
	Threshold float64       `json:"threshold"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Evaluate applies the operator to (observed, threshold). Unknown operators
// and NaN observations never trip.
func Evaluate(c Condition, observed float64) bool {
	fn, ok := operators[c.Operator]
	if !ok || math.IsNaN(observed) {
		return false
	}
	return fn(observed, c.Threshold)
}
