package store

import (
	"context"
	"fmt"
)

// GetOIDCConfig reads the singleton OIDC provider configuration.
func (s *Store) GetOIDCConfig(ctx context.Context) (*OIDCConfig, error) {
	var c OIDCConfig
	var enabled int
	row := s.db.QueryRowContext(ctx,
		`SELECT issuer, client_id, client_secret, enabled FROM oidc_config WHERE id = 1`)
	if err := row.Scan(&c.Issuer, &c.ClientID, &c.ClientSecret, &enabled); err != nil {
		return nil, fmt.Errorf("load oidc config: %w", err)
	}
	c.Enabled = enabled == 1
	return &c, nil
}

// SetOIDCConfig replaces the singleton OIDC provider configuration. The
// client secret arrives already encrypted by the caller.
func (s *Store) SetOIDCConfig(ctx context.Context, c *OIDCConfig) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oidc_config SET issuer = ?, client_id = ?, client_secret = ?, enabled = ? WHERE id = 1`,
		c.Issuer, c.ClientID, c.ClientSecret, boolToInt(c.Enabled))
	if err != nil {
		return fmt.Errorf("save oidc config: %w", err)
	}
	return nil
}

// SetOIDCGroupMapping binds an identity-provider group claim to a local group.
func (s *Store) SetOIDCGroupMapping(ctx context.Context, claimGroup, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oidc_group_mappings (claim_group, group_id) VALUES (?, ?)
		 ON CONFLICT(claim_group) DO UPDATE SET group_id = excluded.group_id`,
		claimGroup, groupID)
	if err != nil {
		return fmt.Errorf("set oidc group mapping: %w", err)
	}
	return nil
}

// DeleteOIDCGroupMapping removes the mapping for a claim group.
func (s *Store) DeleteOIDCGroupMapping(ctx context.Context, claimGroup string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM oidc_group_mappings WHERE claim_group = ?`, claimGroup)
	if err != nil {
		return fmt.Errorf("delete oidc group mapping: %w", err)
	}
	return nil
}

// MapClaimGroups translates identity-provider group claims into local group
// IDs. Unmapped claims are ignored.
func (s *Store) MapClaimGroups(ctx context.Context, claimGroups []string) ([]string, error) {
	var out []string
	for _, claim := range claimGroups {
		var groupID string
		row := s.db.QueryRowContext(ctx,
			`SELECT group_id FROM oidc_group_mappings WHERE claim_group = ?`, claim)
		if err := row.Scan(&groupID); err != nil {
			continue
		}
		out = append(out, groupID)
	}
	return out, nil
}
