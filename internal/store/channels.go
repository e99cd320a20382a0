package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/darthnorse/dockmon/internal/derr"
)

func scanChannel(row interface{ Scan(...any) error }) (*NotificationChannel, error) {
	var c NotificationChannel
	var config string
	var enabled int
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &config, &enabled); err != nil {
		return nil, err
	}
	c.Config = []byte(config)
	c.Enabled = enabled == 1
	return &c, nil
}

// CreateChannel inserts a notification channel and assigns its id.
func (s *Store) CreateChannel(ctx context.Context, c *NotificationChannel) error {
	config := string(c.Config)
	if config == "" {
		config = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_channels (type, name, config, enabled) VALUES (?, ?, ?, ?)`,
		c.Type, c.Name, config, boolToInt(c.Enabled))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return derr.Conflictf("channel %q already exists", c.Name)
		}
		return fmt.Errorf("insert channel: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// GetChannel fetches a channel by id.
func (s *Store) GetChannel(ctx context.Context, id int64) (*NotificationChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, name, config, enabled FROM notification_channels WHERE id = ?`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("channel %d", id)
	}
	return c, err
}

// ListChannels returns channels, optionally only enabled ones.
func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]*NotificationChannel, error) {
	q := `SELECT id, type, name, config, enabled FROM notification_channels`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []*NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// UpdateChannel rewrites a channel.
func (s *Store) UpdateChannel(ctx context.Context, c *NotificationChannel) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_channels SET type = ?, name = ?, config = ?, enabled = ? WHERE id = ?`,
		c.Type, c.Name, string(c.Config), boolToInt(c.Enabled), c.ID)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("channel %d", c.ID)
	}
	return nil
}

// DeleteChannel removes a channel.
func (s *Store) DeleteChannel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("channel %d", id)
	}
	return nil
}
