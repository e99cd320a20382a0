package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"
)

// Dispatcher delivers a rendered message to a set of notification channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelIDs []int64, msg notify.Message)
}

// compiledRule pairs a rule with its pre-compiled selectors.
type compiledRule struct {
	*store.AlertRule
	hostRe      *regexp.Regexp
	containerRe *regexp.Regexp
}

// Engine evaluates metric samples and events against the enabled rule set.
// Both entry points are synchronous and never return an error to the caller;
// internal failures are logged.
type Engine struct {
	store    *store.Store
	log      *logging.Logger
	clk      clock.Clock
	dispatch Dispatcher

	mu       sync.Mutex
	rules    []*compiledRule
	runtimes map[string]*runtimeState
}

var _ events.Evaluator = (*Engine)(nil)

// New creates an engine. Call ReloadRules before first use and after any
// rule mutation.
func New(st *store.Store, log *logging.Logger, clk clock.Clock, dispatch Dispatcher) *Engine {
	return &Engine{
		store:    st,
		log:      log.With("component", "alerts"),
		clk:      clk,
		dispatch: dispatch,
		runtimes: make(map[string]*runtimeState),
	}
}

// ReloadRules replaces the cached rule set with the enabled rules from
// storage, compiling selectors. Rules whose selectors no longer compile are
// skipped with a warning.
func (e *Engine) ReloadRules(ctx context.Context) error {
	rules, err := e.store.ListAlertRules(ctx, true)
	if err != nil {
		return err
	}

	compiled := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := &compiledRule{AlertRule: r}
		if r.HostSelector != "" {
			re, err := regexp.Compile(r.HostSelector)
			if err != nil {
				e.log.Warn("skipping rule with bad host selector", "rule", r.ID, "error", err)
				continue
			}
			cr.hostRe = re
		}
		if r.ContainerSelector != "" {
			re, err := regexp.Compile(r.ContainerSelector)
			if err != nil {
				e.log.Warn("skipping rule with bad container selector", "rule", r.ID, "error", err)
				continue
			}
			cr.containerRe = re
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// pendingNotice is a notification decided under the engine lock. Dispatch
// happens only after the lock is released: provider I/O and retry sleeps
// must never stall other evaluations or the event bus.
type pendingNotice struct {
	rule  *store.AlertRule
	alert *store.Alert
	scope events.Scope
	at    time.Time
}

// EvaluateMetric runs every matching metric rule against one sample and
// returns the alerts that changed state.
func (e *Engine) EvaluateMetric(metric string, value float64, scope events.Scope) []*store.Alert {
	ctx := context.Background()
	now := e.clk.Now()

	var changed []*store.Alert
	var notices []pendingNotice

	e.mu.Lock()
	for _, rule := range e.snapshotRules() {
		if rule.Metric != metric {
			continue
		}
		if !e.ruleMatches(rule, scope, now) {
			continue
		}
		if a := e.evaluateMetricRule(ctx, rule, value, scope, now, &notices); a != nil {
			changed = append(changed, a)
		}
	}
	e.mu.Unlock()

	e.dispatchNotices(ctx, notices)
	return changed
}

// EvaluateEvent runs every matching event rule against one bus event.
// Implements the event bus evaluator hook.
func (e *Engine) EvaluateEvent(category events.Category, scope events.Scope, data map[string]any) {
	ctx := context.Background()
	now := e.clk.Now()

	var notices []pendingNotice

	e.mu.Lock()
	for _, rule := range e.snapshotRules() {
		if rule.Metric != "" || rule.Kind != string(category) {
			continue
		}
		if !e.ruleMatches(rule, scope, now) {
			continue
		}
		e.evaluateEventRule(ctx, rule, scope, data, now, &notices)
	}
	e.mu.Unlock()

	e.dispatchNotices(ctx, notices)
}

// snapshotRules is called with e.mu held.
func (e *Engine) snapshotRules() []*compiledRule {
	return e.rules
}

// ruleMatches applies grace, scope kind, and selector checks.
func (e *Engine) ruleMatches(rule *compiledRule, scope events.Scope, now time.Time) bool {
	if rule.GraceSeconds > 0 && now.Sub(rule.CreatedAt) < time.Duration(rule.GraceSeconds)*time.Second {
		return false
	}

	kind := scopeKind(scope)
	switch rule.Scope {
	case "host":
		if kind != "host" {
			return false
		}
	case "container", "group":
		// Group rules select containers by label membership.
		if kind != "container" {
			return false
		}
	default:
		return false
	}

	if rule.hostRe != nil && !rule.hostRe.MatchString(scope.HostName) {
		return false
	}
	if rule.containerRe != nil && !rule.containerRe.MatchString(scope.ContainerName) {
		return false
	}
	for k, v := range rule.Labels {
		if scope.Labels[k] != v {
			return false
		}
	}
	return true
}

func scopeKind(scope events.Scope) string {
	if scope.ContainerID != "" {
		return "container"
	}
	return "host"
}

func scopeID(scope events.Scope) string {
	if scope.ContainerID != "" {
		return scope.ContainerID
	}
	return scope.HostID
}

func runtimeKey(ruleID, kind, id string) string {
	return ruleID + "|" + kind + ":" + id
}

func dedupKey(rule *store.AlertRule, kind, id string) string {
	return rule.ID + "|" + rule.Kind + "|" + kind + ":" + id
}

// evaluateMetricRule is called with e.mu held. Returns the alert if its
// state changed, nil otherwise.
func (e *Engine) evaluateMetricRule(ctx context.Context, rule *compiledRule, value float64, scope events.Scope, now time.Time, notices *[]pendingNotice) *store.Alert {
	kind := scopeKind(scope)
	id := scopeID(scope)
	rtKey := runtimeKey(rule.ID, kind, id)
	dedup := dedupKey(rule.AlertRule, kind, id)

	rt := e.runtime(ctx, rtKey)
	window := time.Duration(rule.DurationSeconds) * time.Second
	rt.observe(now, value, window)

	breached := compare(rule.Operator, value, *rule.Threshold)
	rt.recordBreach(now, breached)

	defer func() {
		e.persistEvaluation(ctx, rule.AlertRule, id, value, breached, now)
		e.persistRuntime(ctx, rtKey, rt, now)
	}()

	alert, err := e.activeAlert(ctx, dedup)
	if err != nil {
		e.log.Error("alert lookup failed", "dedup_key", dedup, "error", err)
		return nil
	}

	if alert == nil {
		if !breached || !rt.breachSatisfied(now, rule.Occurrences, window) {
			return nil
		}
		if e.suppressedByDependency(ctx, rule.AlertRule, scope) {
			e.log.Debug("alert suppressed by dependency", "rule", rule.ID, "scope", id)
			return nil
		}
		return e.openAlert(ctx, rule.AlertRule, dedup, kind, id, scope, &value, now, notices)
	}

	if breached {
		// A breach while clearing abandons the clear countdown.
		rt.ClearStartedAt = nil
		if alert.State == store.AlertClearing {
			alert.State = store.AlertOpen
		}
		e.touchAlert(ctx, alert, rule.AlertRule, scope, &value, now, notices)
		return alert
	}

	return e.evaluateClear(ctx, rule.AlertRule, alert, rt, value, now)
}

// evaluateClear advances an existing alert along the clear path for a
// non-breaching sample.
func (e *Engine) evaluateClear(ctx context.Context, rule *store.AlertRule, alert *store.Alert, rt *runtimeState, value float64, now time.Time) *store.Alert {
	if rule.ClearThreshold == nil {
		return e.resolveAlert(ctx, alert, rt, "value recovered", now)
	}

	if !onClearSide(rule.Operator, value, *rule.ClearThreshold) {
		// Between thresholds: neither breaching nor clearing. Abandon any
		// clear countdown in progress.
		if rt.ClearStartedAt != nil || alert.State == store.AlertClearing {
			rt.ClearStartedAt = nil
			alert.State = store.AlertOpen
			alert.LastSeen = now
			e.updateAlert(ctx, alert)
		}
		return alert
	}

	if rt.ClearStartedAt == nil {
		t := now
		rt.ClearStartedAt = &t
	}

	clearWindow := time.Duration(rule.ClearDurationSecs) * time.Second
	if now.Sub(*rt.ClearStartedAt) >= clearWindow {
		return e.resolveAlert(ctx, alert, rt, "held below clear threshold", now)
	}

	alert.State = store.AlertClearing
	alert.LastSeen = now
	alert.CurrentValue = &value
	e.updateAlert(ctx, alert)
	return alert
}

// evaluateEventRule fires or refreshes an alert for a matching event.
func (e *Engine) evaluateEventRule(ctx context.Context, rule *compiledRule, scope events.Scope, data map[string]any, now time.Time, notices *[]pendingNotice) {
	kind := scopeKind(scope)
	id := scopeID(scope)
	dedup := dedupKey(rule.AlertRule, kind, id)

	alert, err := e.activeAlert(ctx, dedup)
	if err != nil {
		e.log.Error("alert lookup failed", "dedup_key", dedup, "error", err)
		return
	}

	if alert == nil {
		if e.suppressedByDependency(ctx, rule.AlertRule, scope) {
			e.log.Debug("alert suppressed by dependency", "rule", rule.ID, "scope", id)
			return
		}
		e.openAlert(ctx, rule.AlertRule, dedup, kind, id, scope, nil, now, notices)
		return
	}
	e.touchAlert(ctx, alert, rule.AlertRule, scope, nil, now, notices)
}

// openAlert creates a new open alert and queues its notification.
func (e *Engine) openAlert(ctx context.Context, rule *store.AlertRule, dedup, kind, id string, scope events.Scope, value *float64, now time.Time, notices *[]pendingNotice) *store.Alert {
	snapshot, _ := json.Marshal(rule)
	alert := &store.Alert{
		ID:           uuid.NewString(),
		DedupKey:     dedup,
		RuleID:       rule.ID,
		RuleVersion:  rule.Version,
		ScopeType:    kind,
		ScopeID:      id,
		HostID:       scope.HostID,
		Kind:         rule.Kind,
		Severity:     rule.Severity,
		State:        store.AlertOpen,
		FirstSeen:    now,
		LastSeen:     now,
		Occurrences:  1,
		CurrentValue: value,
		Threshold:    rule.Threshold,
		RuleSnapshot: snapshot,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		e.log.Error("create alert failed", "rule", rule.ID, "error", err)
		return nil
	}
	metrics.AlertsFired.WithLabelValues(alert.Severity).Inc()

	*notices = append(*notices, pendingNotice{rule: rule, alert: alert, scope: scope, at: now})
	return alert
}

// touchAlert records another occurrence on an existing alert. Notification
// is suppressed while the cooldown window since the previous sighting is
// still open; the row always updates.
func (e *Engine) touchAlert(ctx context.Context, alert *store.Alert, rule *store.AlertRule, scope events.Scope, value *float64, now time.Time, notices *[]pendingNotice) {
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second
	suppress := cooldown > 0 && now.Sub(alert.LastSeen) < cooldown

	alert.LastSeen = now
	alert.Occurrences++
	if value != nil {
		alert.CurrentValue = value
	}
	e.updateAlert(ctx, alert)

	if !suppress {
		*notices = append(*notices, pendingNotice{rule: rule, alert: alert, scope: scope, at: now})
	}
}

// resolveAlert transitions an alert to resolved and drops its runtime.
func (e *Engine) resolveAlert(ctx context.Context, alert *store.Alert, rt *runtimeState, reason string, now time.Time) *store.Alert {
	alert.State = store.AlertResolved
	alert.LastSeen = now
	alert.ResolvedAt = &now
	alert.ResolvedReason = reason
	e.updateAlert(ctx, alert)

	rt.ClearStartedAt = nil
	rt.BreachStartedAt = nil
	rt.BreachCount = 0
	return alert
}

// dispatchNotices delivers queued notifications. Runs without the engine
// lock held; the dispatcher may block on provider I/O and retries.
func (e *Engine) dispatchNotices(ctx context.Context, notices []pendingNotice) {
	if e.dispatch == nil {
		return
	}
	for _, n := range notices {
		data := notify.TemplateData{
			RuleName:      n.rule.Name,
			HostName:      n.scope.HostName,
			ContainerName: n.scope.ContainerName,
			Severity:      n.rule.Severity,
			Occurrences:   n.alert.Occurrences,
			Timestamp:     n.at,
			Title:         n.rule.Name,
		}
		if n.alert.CurrentValue != nil {
			data.Value = *n.alert.CurrentValue
		}
		if n.rule.Threshold != nil {
			data.Threshold = *n.rule.Threshold
		}

		msg := notify.Message{
			Severity:      n.rule.Severity,
			Title:         n.rule.Name,
			Body:          notify.NewTemplateEngine(nil).Render(data),
			HostName:      n.scope.HostName,
			ContainerName: n.scope.ContainerName,
			RuleName:      n.rule.Name,
			Value:         data.Value,
			Timestamp:     n.at,
		}
		e.dispatch.Dispatch(ctx, n.rule.NotifyChannels, msg)

		at := n.at
		n.alert.LastNotifiedAt = &at
		e.updateAlert(ctx, n.alert)
	}
}

// suppressedByDependency reports whether any rule this rule depends on has
// an unresolved alert on the same host.
func (e *Engine) suppressedByDependency(ctx context.Context, rule *store.AlertRule, scope events.Scope) bool {
	if len(rule.DependsOn) == 0 {
		return false
	}
	active, err := e.store.ListAlerts(ctx, true)
	if err != nil {
		e.log.Error("dependency lookup failed", "rule", rule.ID, "error", err)
		return false
	}
	deps := make(map[string]bool, len(rule.DependsOn))
	for _, d := range rule.DependsOn {
		deps[d] = true
	}
	for _, a := range active {
		if deps[a.RuleID] && (a.HostID == scope.HostID || a.HostID == "") {
			return true
		}
	}
	return false
}

// runtime returns the cached runtime for a key, loading persisted state on
// first touch. Called with e.mu held.
func (e *Engine) runtime(ctx context.Context, key string) *runtimeState {
	if rt, ok := e.runtimes[key]; ok {
		return rt
	}
	rt := &runtimeState{}
	raw, err := e.store.LoadRuleRuntime(ctx, key)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, rt); jsonErr != nil {
			e.log.Warn("discarding corrupt rule runtime", "key", key, "error", jsonErr)
			*rt = runtimeState{}
		}
	case errors.Is(err, derr.ErrNotFound):
	default:
		e.log.Error("load rule runtime failed", "key", key, "error", err)
	}
	e.runtimes[key] = rt
	return rt
}

// persistRuntime writes the runtime back. On failure the cached copy is
// dropped so the next evaluation reloads the last persisted snapshot.
func (e *Engine) persistRuntime(ctx context.Context, key string, rt *runtimeState, now time.Time) {
	raw, err := json.Marshal(rt)
	if err != nil {
		e.log.Error("marshal rule runtime failed", "key", key, "error", err)
		return
	}
	if err := e.store.SaveRuleRuntime(ctx, key, raw, now); err != nil {
		e.log.Error("persist rule runtime failed", "key", key, "error", err)
		delete(e.runtimes, key)
	}
}

func (e *Engine) persistEvaluation(ctx context.Context, rule *store.AlertRule, scopeID string, value float64, breached bool, now time.Time) {
	rec := &store.RuleEvaluation{
		RuleID:   rule.ID,
		ScopeID:  scopeID,
		Value:    value,
		Breached: breached,
		At:       now,
	}
	if err := e.store.RecordRuleEvaluation(ctx, rec); err != nil {
		e.log.Error("record evaluation failed", "rule", rule.ID, "error", err)
	}
}

func (e *Engine) activeAlert(ctx context.Context, dedup string) (*store.Alert, error) {
	alert, err := e.store.GetActiveAlertByDedupKey(ctx, dedup)
	if errors.Is(err, derr.ErrNotFound) {
		return nil, nil
	}
	return alert, err
}

func (e *Engine) updateAlert(ctx context.Context, alert *store.Alert) {
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		e.log.Error("update alert failed", "alert", alert.ID, "error", err)
	}
}
