package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
)

const ruleCols = `id, name, scope, kind, severity, enabled, metric, operator, threshold,
	clear_threshold, duration_seconds, clear_duration_seconds, occurrences, grace_seconds,
	cooldown_seconds, host_selector, container_selector, labels, notify_channels, depends_on,
	version, created_at`

func scanRule(row interface{ Scan(...any) error }) (*AlertRule, error) {
	var r AlertRule
	var enabled int
	var labels, channels, dependsOn string
	var threshold, clearThreshold sql.NullFloat64
	var createdAt int64
	err := row.Scan(&r.ID, &r.Name, &r.Scope, &r.Kind, &r.Severity, &enabled, &r.Metric,
		&r.Operator, &threshold, &clearThreshold, &r.DurationSeconds, &r.ClearDurationSecs,
		&r.Occurrences, &r.GraceSeconds, &r.CooldownSeconds, &r.HostSelector,
		&r.ContainerSelector, &labels, &channels, &dependsOn, &r.Version, &createdAt)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled == 1
	if threshold.Valid {
		v := threshold.Float64
		r.Threshold = &v
	}
	if clearThreshold.Valid {
		v := clearThreshold.Float64
		r.ClearThreshold = &v
	}
	if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
		return nil, fmt.Errorf("decode rule labels: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &r.NotifyChannels); err != nil {
		return nil, fmt.Errorf("decode notify channels: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &r.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

func ruleArgs(r *AlertRule) ([]any, error) {
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return nil, err
	}
	channels, err := json.Marshal(r.NotifyChannels)
	if err != nil {
		return nil, err
	}
	dependsOn, err := json.Marshal(r.DependsOn)
	if err != nil {
		return nil, err
	}
	var threshold, clearThreshold any
	if r.Threshold != nil {
		threshold = *r.Threshold
	}
	if r.ClearThreshold != nil {
		clearThreshold = *r.ClearThreshold
	}
	return []any{
		r.ID, r.Name, r.Scope, r.Kind, r.Severity, boolToInt(r.Enabled), r.Metric, r.Operator,
		threshold, clearThreshold, r.DurationSeconds, r.ClearDurationSecs, r.Occurrences,
		r.GraceSeconds, r.CooldownSeconds, r.HostSelector, r.ContainerSelector,
		string(labels), string(channels), string(dependsOn), r.Version, r.CreatedAt.Unix(),
	}, nil
}

// CreateAlertRule inserts a new rule.
func (s *Store) CreateAlertRule(ctx context.Context, r *AlertRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	args, err := ruleArgs(r)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (`+ruleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// UpdateAlertRule replaces a rule, bumping its version.
func (s *Store) UpdateAlertRule(ctx context.Context, r *AlertRule) error {
	r.Version++
	labels, _ := json.Marshal(r.Labels)
	channels, _ := json.Marshal(r.NotifyChannels)
	dependsOn, _ := json.Marshal(r.DependsOn)
	var threshold, clearThreshold any
	if r.Threshold != nil {
		threshold = *r.Threshold
	}
	if r.ClearThreshold != nil {
		clearThreshold = *r.ClearThreshold
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET name = ?, scope = ?, kind = ?, severity = ?, enabled = ?,
		 metric = ?, operator = ?, threshold = ?, clear_threshold = ?, duration_seconds = ?,
		 clear_duration_seconds = ?, occurrences = ?, grace_seconds = ?, cooldown_seconds = ?,
		 host_selector = ?, container_selector = ?, labels = ?, notify_channels = ?,
		 depends_on = ?, version = ? WHERE id = ?`,
		r.Name, r.Scope, r.Kind, r.Severity, boolToInt(r.Enabled), r.Metric, r.Operator,
		threshold, clearThreshold, r.DurationSeconds, r.ClearDurationSecs, r.Occurrences,
		r.GraceSeconds, r.CooldownSeconds, r.HostSelector, r.ContainerSelector,
		string(labels), string(channels), string(dependsOn), r.Version, r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("alert rule %s", r.ID)
	}
	return nil
}

// GetAlertRule fetches a rule by id.
func (s *Store) GetAlertRule(ctx context.Context, id string) (*AlertRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM alert_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("alert rule %s", id)
	}
	return r, err
}

// ListAlertRules returns all rules. If enabledOnly is set, disabled rules are
// filtered out.
func (s *Store) ListAlertRules(ctx context.Context, enabledOnly bool) ([]*AlertRule, error) {
	q := `SELECT ` + ruleCols + ` FROM alert_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// DeleteAlertRule removes a rule.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("alert rule %s", id)
	}
	return nil
}
