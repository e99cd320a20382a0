package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
)

const hostCols = "id, name, url, connection_type, engine_id, replaced_by_host_id, tls_material, created_by, created_at"

func scanHost(row interface{ Scan(...any) error }) (*Host, error) {
	var h Host
	var tls string
	var createdAt int64
	err := row.Scan(&h.ID, &h.Name, &h.URL, &h.ConnectionType, &h.EngineID, &h.ReplacedByHostID, &tls, &h.CreatedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	if tls != "" {
		h.TLSMaterial = []byte(tls)
	}
	h.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &h, nil
}

// CreateHost inserts a new host. Name collisions return ErrConflict.
func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO docker_hosts (`+hostCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.URL, h.ConnectionType, h.EngineID, h.ReplacedByHostID,
		string(h.TLSMaterial), h.CreatedBy, h.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return derr.Conflictf("host %q already exists", h.Name)
		}
		return fmt.Errorf("insert host: %w", err)
	}
	return nil
}

// GetHost fetches a host by id.
func (s *Store) GetHost(ctx context.Context, id string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostCols+` FROM docker_hosts WHERE id = ?`, id)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("host %s", id)
	}
	return h, err
}

// GetHostByEngineID fetches the live host with the given engine id. Hosts
// already migrated away (replaced_by_host_id set) are excluded.
func (s *Store) GetHostByEngineID(ctx context.Context, engineID string) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostCols+` FROM docker_hosts WHERE engine_id = ? AND replaced_by_host_id = ''`, engineID)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("host with engine %s", engineID)
	}
	return h, err
}

// ListHosts returns all hosts that have not been migrated away.
func (s *Store) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostCols+` FROM docker_hosts WHERE replaced_by_host_id = '' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// DeleteHost removes a host.
func (s *Store) DeleteHost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM docker_hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("host %s", id)
	}
	return nil
}

// MigrateHost marks oldID as replaced by newID and re-keys container settings
// from the old host to the new one, all in one transaction.
func (s *Store) MigrateHost(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE docker_hosts SET replaced_by_host_id = ? WHERE id = ? AND replaced_by_host_id = ''`, newID, oldID)
	if err != nil {
		return fmt.Errorf("mark host replaced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.Conflictf("host %s already migrated", oldID)
	}

	// Container settings carry composite {host_id}:{short_id} keys.
	rows, err := tx.QueryContext(ctx, `SELECT container_id FROM container_updates WHERE host_id = ?`, oldID)
	if err != nil {
		return fmt.Errorf("load container settings: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		newKey := newID + strings.TrimPrefix(id, oldID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE container_updates SET container_id = ?, host_id = ? WHERE container_id = ?`,
			newKey, newID, id); err != nil {
			return fmt.Errorf("re-key container setting %s: %w", id, err)
		}
	}

	return tx.Commit()
}
