package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/events"
)

// RecordEvent persists an event-log row. Implements events.Recorder.
func (s *Store) RecordEvent(ctx context.Context, evt events.Event) error {
	data := "{}"
	if len(evt.Data) > 0 {
		b, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log (type, host_id, container_id, container_name, severity, title, message, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(evt.Type), evt.Scope.HostID, evt.Scope.ContainerID, evt.Scope.ContainerName,
		evt.Severity, evt.Title, evt.Message, data, evt.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent event rows, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]*EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, host_id, container_id, container_name, severity, title, message, data, timestamp
		 FROM event_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*EventRow
	for rows.Next() {
		var e EventRow
		var ts int64
		if err := rows.Scan(&e.ID, &e.Type, &e.HostID, &e.ContainerID, &e.ContainerName,
			&e.Severity, &e.Title, &e.Message, &e.Data, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeEventsBefore removes event rows older than cutoff.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
