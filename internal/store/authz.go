package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
)

// CreateUser inserts a local user account.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	groups, err := json.Marshal(u.Groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, groups, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, string(groups), u.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return derr.Conflictf("user %q already exists", u.Username)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var groups string
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &groups, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groups), &u.Groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, groups, created_at FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("user %s", username)
	}
	return u, err
}

// GetUserByID fetches a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, groups, created_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("user %s", id)
	}
	return u, err
}

// CountUsers reports the number of local user accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// UpdateUserGroups replaces a user's group memberships.
func (s *Store) UpdateUserGroups(ctx context.Context, userID string, groups []string) error {
	encoded, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET groups = ? WHERE id = ?`, string(encoded), userID)
	if err != nil {
		return fmt.Errorf("update user groups: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("user %s", userID)
	}
	return nil
}

// CreateAPIKey stores a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	groups, err := json.Marshal(k.Groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, prefix, hash, groups, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.Prefix, k.Hash, string(groups), k.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return derr.Conflictf("api key prefix collision")
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func scanAPIKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var k APIKey
	var groups string
	var createdAt int64
	var revokedAt sql.NullInt64
	if err := row.Scan(&k.ID, &k.Name, &k.Prefix, &k.Hash, &groups, &createdAt, &revokedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groups), &k.Groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0).UTC()
		k.RevokedAt = &t
	}
	return &k, nil
}

// GetAPIKeyByPrefix looks up a key by its stored 20-char prefix.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, prefix, hash, groups, created_at, revoked_at FROM api_keys WHERE prefix = ?`, prefix)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("api key")
	}
	return k, err
}

// ListAPIKeys returns all API key records.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, prefix, hash, groups, created_at, revoked_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revoking an already-revoked key succeeds
// without changing state; the bool result reports whether state changed.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, at.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// Distinguish "already revoked" from "no such key".
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM api_keys WHERE id = ?`, id)
	if err := row.Scan(&exists); errors.Is(err, sql.ErrNoRows) {
		return false, derr.NotFoundf("api key %s", id)
	} else if err != nil {
		return false, err
	}
	return false, nil
}

// CreateGroup inserts a capability group.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO custom_groups (id, name) VALUES (?, ?)`, g.ID, g.Name)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return derr.Conflictf("group %q already exists", g.Name)
		}
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// SetGroupPermission grants or denies one capability for a group.
func (s *Store) SetGroupPermission(ctx context.Context, groupID, capability string, allowed bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_permissions (group_id, capability, allowed) VALUES (?, ?, ?)
		 ON CONFLICT(group_id, capability) DO UPDATE SET allowed = excluded.allowed`,
		groupID, capability, boolToInt(allowed))
	if err != nil {
		return fmt.Errorf("set group permission: %w", err)
	}
	return nil
}

// GroupCapabilities resolves the merged capability set for a list of groups.
// A capability is granted if any group allows it and none denies it.
func (s *Store) GroupCapabilities(ctx context.Context, groupIDs []string) (map[string]bool, error) {
	caps := make(map[string]bool)
	if len(groupIDs) == 0 {
		return caps, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(groupIDs)), ",")
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT capability, allowed FROM group_permissions WHERE group_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load group permissions: %w", err)
	}
	defer rows.Close()

	denied := make(map[string]bool)
	for rows.Next() {
		var capability string
		var allowed int
		if err := rows.Scan(&capability, &allowed); err != nil {
			return nil, err
		}
		if allowed == 1 {
			caps[capability] = true
		} else {
			denied[capability] = true
		}
	}
	for capability := range denied {
		delete(caps, capability)
	}
	return caps, rows.Err()
}
