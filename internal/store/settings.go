package store

import (
	"context"
	"fmt"
)

// GetSettings reads the singleton settings row.
func (s *Store) GetSettings(ctx context.Context) (*GlobalSettings, error) {
	var gs GlobalSettings
	row := s.db.QueryRowContext(ctx,
		`SELECT app_version, timezone_offset_minutes, default_health_timeout_secs,
		 update_check_time, event_suppression_patterns, alert_retention_days,
		 event_retention_days FROM global_settings WHERE id = 1`)
	err := row.Scan(&gs.AppVersion, &gs.TimezoneOffsetMinutes, &gs.DefaultHealthTimeoutSecs,
		&gs.UpdateCheckTime, &gs.EventSuppressionPatterns, &gs.AlertRetentionDays,
		&gs.EventRetentionDays)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &gs, nil
}

// UpdateSettings rewrites the singleton settings row.
func (s *Store) UpdateSettings(ctx context.Context, gs *GlobalSettings) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE global_settings SET app_version = ?, timezone_offset_minutes = ?,
		 default_health_timeout_secs = ?, update_check_time = ?,
		 event_suppression_patterns = ?, alert_retention_days = ?, event_retention_days = ?
		 WHERE id = 1`,
		gs.AppVersion, gs.TimezoneOffsetMinutes, gs.DefaultHealthTimeoutSecs,
		gs.UpdateCheckTime, gs.EventSuppressionPatterns, gs.AlertRetentionDays,
		gs.EventRetentionDays)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
