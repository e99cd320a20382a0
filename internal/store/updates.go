package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
)

const updateCols = `container_id, host_id, current_image, current_digest, latest_image,
	latest_digest, update_available, floating_tag_mode, registry_url, platform, last_checked_at`

func scanContainerUpdate(row interface{ Scan(...any) error }) (*ContainerUpdate, error) {
	var u ContainerUpdate
	var available int
	var lastChecked int64
	err := row.Scan(&u.ContainerID, &u.HostID, &u.CurrentImage, &u.CurrentDigest,
		&u.LatestImage, &u.LatestDigest, &available, &u.FloatingTagMode,
		&u.RegistryURL, &u.Platform, &lastChecked)
	if err != nil {
		return nil, err
	}
	u.UpdateAvailable = available == 1
	if lastChecked > 0 {
		u.LastCheckedAt = time.Unix(lastChecked, 0).UTC()
	}
	return &u, nil
}

// UpsertContainerUpdate creates or replaces the single tracking row for a
// composite container id.
func (s *Store) UpsertContainerUpdate(ctx context.Context, u *ContainerUpdate) error {
	if u.FloatingTagMode == "" {
		u.FloatingTagMode = TagExact
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO container_updates (`+updateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(container_id) DO UPDATE SET
		   host_id = excluded.host_id,
		   current_image = excluded.current_image,
		   current_digest = excluded.current_digest,
		   latest_image = excluded.latest_image,
		   latest_digest = excluded.latest_digest,
		   update_available = excluded.update_available,
		   floating_tag_mode = excluded.floating_tag_mode,
		   registry_url = excluded.registry_url,
		   platform = excluded.platform,
		   last_checked_at = excluded.last_checked_at`,
		u.ContainerID, u.HostID, u.CurrentImage, u.CurrentDigest, u.LatestImage,
		u.LatestDigest, boolToInt(u.UpdateAvailable), u.FloatingTagMode,
		u.RegistryURL, u.Platform, u.LastCheckedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert container update: %w", err)
	}
	return nil
}

// GetContainerUpdate fetches the tracking row for a composite container id.
func (s *Store) GetContainerUpdate(ctx context.Context, containerID string) (*ContainerUpdate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+updateCols+` FROM container_updates WHERE container_id = ?`, containerID)
	u, err := scanContainerUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("container update %s", containerID)
	}
	return u, err
}

// ListContainerUpdates returns tracking rows, optionally for one host.
func (s *Store) ListContainerUpdates(ctx context.Context, hostID string) ([]*ContainerUpdate, error) {
	q := `SELECT ` + updateCols + ` FROM container_updates`
	var args []any
	if hostID != "" {
		q += ` WHERE host_id = ?`
		args = append(args, hostID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list container updates: %w", err)
	}
	defer rows.Close()

	var updates []*ContainerUpdate
	for rows.Next() {
		u, err := scanContainerUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// SetCurrentImage records that a container now runs image with digest. The
// update_available flag is cleared when latest matches.
func (s *Store) SetCurrentImage(ctx context.Context, containerID, image, digest string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE container_updates SET current_image = ?, current_digest = ?,
		 update_available = CASE WHEN latest_digest = ? OR latest_digest = '' THEN 0 ELSE update_available END
		 WHERE container_id = ?`,
		image, digest, digest, containerID)
	if err != nil {
		return fmt.Errorf("set current image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("container update %s", containerID)
	}
	return nil
}

// DeleteContainerUpdate removes the tracking row. Unknown ids are a no-op.
func (s *Store) DeleteContainerUpdate(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM container_updates WHERE container_id = ?`, containerID)
	if err != nil {
		return fmt.Errorf("delete container update: %w", err)
	}
	return nil
}
