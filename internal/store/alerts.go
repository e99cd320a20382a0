package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
)

const alertCols = `id, dedup_key, rule_id, rule_version, scope_type, scope_id, host_id, kind,
	severity, state, first_seen, last_seen, occurrences, current_value, threshold,
	resolved_at, resolved_reason, rule_snapshot, last_notified_at`

func scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	var a Alert
	var firstSeen, lastSeen int64
	var currentValue, threshold sql.NullFloat64
	var resolvedAt, lastNotified sql.NullInt64
	var snapshot string
	err := row.Scan(&a.ID, &a.DedupKey, &a.RuleID, &a.RuleVersion, &a.ScopeType, &a.ScopeID,
		&a.HostID, &a.Kind, &a.Severity, &a.State, &firstSeen, &lastSeen, &a.Occurrences,
		&currentValue, &threshold, &resolvedAt, &a.ResolvedReason, &snapshot, &lastNotified)
	if err != nil {
		return nil, err
	}
	a.FirstSeen = time.Unix(firstSeen, 0).UTC()
	a.LastSeen = time.Unix(lastSeen, 0).UTC()
	if currentValue.Valid {
		v := currentValue.Float64
		a.CurrentValue = &v
	}
	if threshold.Valid {
		v := threshold.Float64
		a.Threshold = &v
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		a.ResolvedAt = &t
	}
	if lastNotified.Valid {
		t := time.Unix(lastNotified.Int64, 0).UTC()
		a.LastNotifiedAt = &t
	}
	a.RuleSnapshot = []byte(snapshot)
	return &a, nil
}

// CreateAlert inserts a new alert row.
func (s *Store) CreateAlert(ctx context.Context, a *Alert) error {
	var currentValue, threshold any
	if a.CurrentValue != nil {
		currentValue = *a.CurrentValue
	}
	if a.Threshold != nil {
		threshold = *a.Threshold
	}
	snapshot := string(a.RuleSnapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DedupKey, a.RuleID, a.RuleVersion, a.ScopeType, a.ScopeID, a.HostID, a.Kind,
		a.Severity, a.State, a.FirstSeen.Unix(), a.LastSeen.Unix(), a.Occurrences,
		currentValue, threshold, unixOrZero(a.ResolvedAt), a.ResolvedReason, snapshot,
		unixOrZero(a.LastNotifiedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetActiveAlertByDedupKey returns the open or clearing alert for a dedup
// key, if any. At most one such row exists.
func (s *Store) GetActiveAlertByDedupKey(ctx context.Context, dedupKey string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertCols+` FROM alerts WHERE dedup_key = ? AND state IN (?, ?) LIMIT 1`,
		dedupKey, AlertOpen, AlertClearing)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("active alert %s", dedupKey)
	}
	return a, err
}

// UpdateAlert rewrites the mutable fields of an alert.
func (s *Store) UpdateAlert(ctx context.Context, a *Alert) error {
	var currentValue any
	if a.CurrentValue != nil {
		currentValue = *a.CurrentValue
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET state = ?, last_seen = ?, occurrences = ?, current_value = ?,
		 resolved_at = ?, resolved_reason = ?, last_notified_at = ? WHERE id = ?`,
		a.State, a.LastSeen.Unix(), a.Occurrences, currentValue,
		unixOrZero(a.ResolvedAt), a.ResolvedReason, unixOrZero(a.LastNotifiedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("alert %s", a.ID)
	}
	return nil
}

// ListAlerts returns alerts, optionally filtered to active states.
func (s *Store) ListAlerts(ctx context.Context, activeOnly bool) ([]*Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts`
	var args []any
	if activeOnly {
		q += ` WHERE state IN (?, ?)`
		args = append(args, AlertOpen, AlertClearing)
	}
	q += ` ORDER BY last_seen DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// PurgeResolvedAlertsBefore removes resolved alerts older than cutoff.
// Returns the number of rows deleted.
func (s *Store) PurgeResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE state = ? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		AlertResolved, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveRuleRuntime persists the serialized runtime state for a (rule, scope).
func (s *Store) SaveRuleRuntime(ctx context.Context, key string, state []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_runtime (runtime_key, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(runtime_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key, string(state), at.Unix())
	if err != nil {
		return fmt.Errorf("save rule runtime: %w", err)
	}
	return nil
}

// LoadRuleRuntime returns the serialized runtime state for a key.
func (s *Store) LoadRuleRuntime(ctx context.Context, key string) ([]byte, error) {
	var state string
	row := s.db.QueryRowContext(ctx, `SELECT state FROM rule_runtime WHERE runtime_key = ?`, key)
	if err := row.Scan(&state); errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("rule runtime %s", key)
	} else if err != nil {
		return nil, fmt.Errorf("load rule runtime: %w", err)
	}
	return []byte(state), nil
}

// DeleteRuleRuntime drops the runtime state for a key. Unknown keys are a no-op.
func (s *Store) DeleteRuleRuntime(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rule_runtime WHERE runtime_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete rule runtime: %w", err)
	}
	return nil
}

// RecordRuleEvaluation appends one evaluation record.
func (s *Store) RecordRuleEvaluation(ctx context.Context, e *RuleEvaluation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_evaluations (rule_id, scope_id, value, breached, at) VALUES (?, ?, ?, ?, ?)`,
		e.RuleID, e.ScopeID, e.Value, boolToInt(e.Breached), e.At.Unix())
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

// PurgeRuleEvaluationsBefore removes evaluation records older than cutoff.
func (s *Store) PurgeRuleEvaluationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rule_evaluations WHERE at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge evaluations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
