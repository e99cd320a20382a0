package store

import (
	"context"
	"fmt"
	"time"
)

// AppendAudit writes one audit record. Failures here are reported to the
// caller but must be treated as warnings only.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.When.IsZero() {
		e.When = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (who, at, action, entity_type, entity_id, details, ip, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Who, e.When.Unix(), e.Action, e.EntityType, e.EntityID, e.Details, e.IP, e.UserAgent)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit returns the most recent audit records, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, who, at, action, entity_type, entity_id, details, ip, user_agent
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.Who, &at, &e.Action, &e.EntityType, &e.EntityID,
			&e.Details, &e.IP, &e.UserAgent); err != nil {
			return nil, err
		}
		e.When = time.Unix(at, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
