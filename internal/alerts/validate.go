// Package alerts evaluates metric-window and event-driven alert rules.
package alerts

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	maxOccurrences     = 100
	maxDurationSeconds = 86400
	maxDependsOn       = 5
	maxSelectorBytes   = 10 * 1024
	maxLabelBytes      = 5 * 1024
)

// redosPatterns are regex shapes with catastrophic backtracking. Selectors
// containing any of them are rejected outright.
var redosPatterns = []string{
	".*.*.*",
	".+.+.+",
	"(.*)*",
	"(.+)+",
	"(.*)+",
	"(.+)*",
}

var validOperators = map[string]bool{
	"gt": true, "gte": true, "lt": true, "lte": true, "eq": true,
}

var validScopes = map[string]bool{
	"host": true, "container": true, "group": true,
}

var validSeverities = map[string]bool{
	"info": true, "warning": true, "critical": true,
}

// ValidateRule checks an alert rule's invariants before it is persisted.
func ValidateRule(r *store.AlertRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return derr.Validationf("rule name is required")
	}
	if !validScopes[r.Scope] {
		return derr.Validationf("invalid scope %q", r.Scope)
	}
	if !validSeverities[r.Severity] {
		return derr.Validationf("invalid severity %q", r.Severity)
	}
	if r.Kind == "" {
		return derr.Validationf("rule kind is required")
	}

	if r.Metric != "" {
		if !validOperators[r.Operator] {
			return derr.Validationf("invalid operator %q", r.Operator)
		}
		if r.Threshold == nil {
			return derr.Validationf("metric rule requires a threshold")
		}
		if r.ClearThreshold != nil {
			if err := validateClearThreshold(r.Operator, *r.Threshold, *r.ClearThreshold); err != nil {
				return err
			}
		}
	}

	if r.Occurrences < 1 || r.Occurrences > maxOccurrences {
		return derr.Validationf("occurrences must be in [1,%d], got %d", maxOccurrences, r.Occurrences)
	}
	for name, v := range map[string]int{
		"duration_seconds":       r.DurationSeconds,
		"clear_duration_seconds": r.ClearDurationSecs,
		"grace_seconds":          r.GraceSeconds,
		"cooldown_seconds":       r.CooldownSeconds,
	} {
		if v < 0 || v > maxDurationSeconds {
			return derr.Validationf("%s must be in [0,%d], got %d", name, maxDurationSeconds, v)
		}
	}

	if len(r.DependsOn) > maxDependsOn {
		return derr.Validationf("depends_on lists %d rules, max %d", len(r.DependsOn), maxDependsOn)
	}
	for _, dep := range r.DependsOn {
		if dep == r.ID {
			return derr.Validationf("rule cannot depend on itself")
		}
	}

	if err := validateSelector("host_selector", r.HostSelector); err != nil {
		return err
	}
	if err := validateSelector("container_selector", r.ContainerSelector); err != nil {
		return err
	}

	if len(r.Labels) > 0 {
		raw, err := json.Marshal(r.Labels)
		if err != nil {
			return derr.Validationf("labels not serializable: %v", err)
		}
		if len(raw) > maxLabelBytes {
			return derr.Validationf("labels payload %d bytes exceeds %d byte limit", len(raw), maxLabelBytes)
		}
	}

	return nil
}

// validateClearThreshold enforces that the clear threshold sits on the
// opposite side of the alert threshold relative to the operator.
func validateClearThreshold(operator string, threshold, clear float64) error {
	switch operator {
	case "gt", "gte":
		if clear >= threshold {
			return derr.Validationf("clear_threshold %v must be below threshold %v for operator %s", clear, threshold, operator)
		}
	case "lt", "lte":
		if clear <= threshold {
			return derr.Validationf("clear_threshold %v must be above threshold %v for operator %s", clear, threshold, operator)
		}
	case "eq":
		if clear == threshold {
			return derr.Validationf("clear_threshold must differ from threshold for operator eq")
		}
	}
	return nil
}

func validateSelector(name, pattern string) error {
	if pattern == "" {
		return nil
	}
	if len(pattern) > maxSelectorBytes {
		return derr.Validationf("%s is %d bytes, limit %d", name, len(pattern), maxSelectorBytes)
	}
	for _, bad := range redosPatterns {
		if strings.Contains(pattern, bad) {
			return derr.Validationf("%s contains unsafe pattern %q", name, bad)
		}
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return derr.Validationf("%s does not compile: %v", name, err)
	}
	return nil
}
