package alerts

import (
	"time"
)

// sample is one observed metric value.
type sample struct {
	T time.Time `json:"t"`
	V float64   `json:"v"`
}

// runtimeState is the per (rule, scope) sliding-window state. It is
// serialized to storage after every evaluation so a restart resumes where
// the window left off.
type runtimeState struct {
	WindowStart     time.Time  `json:"window_start"`
	Samples         []sample   `json:"samples"`
	BreachCount     int        `json:"breach_count"`
	BreachStartedAt *time.Time `json:"breach_started_at,omitempty"`
	ClearStartedAt  *time.Time `json:"clear_started_at,omitempty"`
	LastEvalAt      time.Time  `json:"last_eval_at"`
}

// observe appends a sample and drops entries older than the rule's window.
func (rt *runtimeState) observe(now time.Time, value float64, window time.Duration) {
	rt.Samples = append(rt.Samples, sample{T: now, V: value})
	if rt.WindowStart.IsZero() {
		rt.WindowStart = now
	}
	cutoff := now.Add(-window)
	trimmed := rt.Samples[:0]
	for _, s := range rt.Samples {
		if !s.T.Before(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	rt.Samples = trimmed
	rt.LastEvalAt = now
}

// recordBreach updates breach bookkeeping for one evaluation.
func (rt *runtimeState) recordBreach(now time.Time, breached bool) {
	if breached {
		if rt.BreachStartedAt == nil {
			t := now
			rt.BreachStartedAt = &t
		}
		rt.BreachCount++
		return
	}
	rt.BreachStartedAt = nil
	rt.BreachCount = 0
}

// breachSatisfied reports whether the breach has both enough occurrences and
// enough sustained duration to open an alert.
func (rt *runtimeState) breachSatisfied(now time.Time, occurrences int, duration time.Duration) bool {
	if rt.BreachStartedAt == nil {
		return false
	}
	return rt.BreachCount >= occurrences && now.Sub(*rt.BreachStartedAt) >= duration
}

// compare applies a rule operator to (value, threshold).
func compare(operator string, value, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// onClearSide reports whether value sits strictly on the clearing side of
// the clear threshold, given the rule's breach operator.
func onClearSide(operator string, value, clearThreshold float64) bool {
	switch operator {
	case "gt", "gte":
		return value < clearThreshold
	case "lt", "lte":
		return value > clearThreshold
	case "eq":
		return value != clearThreshold
	default:
		return false
	}
}
