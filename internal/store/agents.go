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

const agentCols = "id, host_id, engine_id, version, proto_version, capabilities, status, last_seen_at, agent_os, agent_arch, created_at"

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var caps string
	var lastSeen, createdAt int64
	err := row.Scan(&a.ID, &a.HostID, &a.EngineID, &a.Version, &a.ProtoVersion, &caps,
		&a.Status, &lastSeen, &a.OS, &a.Arch, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if lastSeen > 0 {
		a.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// UpsertAgent inserts an agent or, if one exists for the same engine id,
// refreshes its registration fields. Returns the stored row.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) (*Agent, error) {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	existing, err := s.GetAgentByEngineID(ctx, a.EngineID)
	switch {
	case err == nil:
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
		_, err = s.db.ExecContext(ctx,
			`UPDATE agents SET host_id = ?, version = ?, proto_version = ?, capabilities = ?,
			 status = ?, last_seen_at = ?, agent_os = ?, agent_arch = ? WHERE id = ?`,
			a.HostID, a.Version, a.ProtoVersion, string(caps), a.Status,
			a.LastSeenAt.Unix(), a.OS, a.Arch, a.ID)
		if err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
	case errors.Is(err, derr.ErrNotFound):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO agents (`+agentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.HostID, a.EngineID, a.Version, a.ProtoVersion, string(caps),
			a.Status, a.LastSeenAt.Unix(), a.OS, a.Arch, a.CreatedAt.Unix())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, derr.Conflictf("agent for host %s already exists", a.HostID)
			}
			return nil, fmt.Errorf("insert agent: %w", err)
		}
	default:
		return nil, err
	}
	return a, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("agent %s", id)
	}
	return a, err
}

// GetAgentByEngineID fetches an agent by its engine id.
func (s *Store) GetAgentByEngineID(ctx context.Context, engineID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE engine_id = ?`, engineID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("agent with engine %s", engineID)
	}
	return a, err
}

// GetAgentByHostID fetches the agent serving a host.
func (s *Store) GetAgentByHostID(ctx context.Context, hostID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE host_id = ?`, hostID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("agent for host %s", hostID)
	}
	return a, err
}

// ListAgents returns all agents.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentStatus updates the lifecycle status of an agent.
func (s *Store) SetAgentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("agent %s", id)
	}
	return nil
}

// TouchAgent refreshes last_seen_at and marks the agent online.
func (s *Store) TouchAgent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ?, status = ? WHERE id = ?`, at.Unix(), AgentOnline, id)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

// CreateRegistrationToken stores a new single-use enrollment token.
func (s *Store) CreateRegistrationToken(ctx context.Context, t *RegistrationToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registration_tokens (token, created_by, created_at, expires_at, used)
		 VALUES (?, ?, ?, ?, 0)`,
		t.Token, t.CreatedBy, t.CreatedAt.Unix(), t.ExpiresAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return derr.Conflictf("registration token already exists")
		}
		return fmt.Errorf("insert registration token: %w", err)
	}
	return nil
}

// ConsumeRegistrationToken atomically marks a token used. Unknown tokens
// return ErrNotFound; used or expired tokens return ErrConflict.
func (s *Store) ConsumeRegistrationToken(ctx context.Context, token string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registration_tokens SET used = 1, used_at = ?
		 WHERE token = ? AND used = 0 AND expires_at > ?`,
		now.Unix(), token, now.Unix())
	if err != nil {
		return fmt.Errorf("consume registration token: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var used int
	var expiresAt int64
	row := s.db.QueryRowContext(ctx, `SELECT used, expires_at FROM registration_tokens WHERE token = ?`, token)
	if err := row.Scan(&used, &expiresAt); errors.Is(err, sql.ErrNoRows) {
		return derr.NotFoundf("registration token")
	} else if err != nil {
		return fmt.Errorf("inspect registration token: %w", err)
	}
	if used == 1 {
		return derr.Conflictf("registration token already used")
	}
	return derr.Conflictf("registration token expired")
}
