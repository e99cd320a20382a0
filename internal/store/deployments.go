package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
)

const deploymentCols = `id, host_id, deployment_type, name, status, definition, progress_percent,
	current_stage, error_message, started_at, completed_at, committed, rollback_on_failure, created_at`

func scanDeployment(row interface{ Scan(...any) error }) (*Deployment, error) {
	var d Deployment
	var definition string
	var committed int
	var rollback int
	var startedAt, completedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&d.ID, &d.HostID, &d.DeploymentType, &d.Name, &d.Status, &definition,
		&d.ProgressPercent, &d.CurrentStage, &d.ErrorMessage, &startedAt, &completedAt,
		&committed, &rollback, &createdAt)
	if err != nil {
		return nil, err
	}
	d.Definition = []byte(definition)
	d.Committed = committed == 1
	d.RollbackOnFailure = rollback == 1
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		d.CompletedAt = &t
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &d, nil
}

// CreateDeployment inserts a new deployment row.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DeployPlanning
	}
	definition := string(d.Definition)
	if definition == "" {
		definition = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.HostID, d.DeploymentType, d.Name, d.Status, definition, d.ProgressPercent,
		d.CurrentStage, d.ErrorMessage, unixOrZero(d.StartedAt), unixOrZero(d.CompletedAt),
		boolToInt(d.Committed), boolToInt(d.RollbackOnFailure), d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// GetDeployment fetches a deployment by composite id.
func (s *Store) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentCols+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derr.NotFoundf("deployment %s", id)
	}
	return d, err
}

// ListDeployments returns deployments, optionally for one host.
func (s *Store) ListDeployments(ctx context.Context, hostID string) ([]*Deployment, error) {
	q := `SELECT ` + deploymentCols + ` FROM deployments`
	var args []any
	if hostID != "" {
		q += ` WHERE host_id = ?`
		args = append(args, hostID)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// SetDeploymentProgress updates status, progress and stage in one write.
func (s *Store) SetDeploymentProgress(ctx context.Context, id, status string, percent int, stage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, progress_percent = ?, current_stage = ? WHERE id = ?`,
		status, percent, stage, id)
	if err != nil {
		return fmt.Errorf("set deployment progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("deployment %s", id)
	}
	return nil
}

// FinishDeployment records the terminal state of a deployment.
func (s *Store) FinishDeployment(ctx context.Context, id, status, errorMessage string, committed bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, error_message = ?, committed = ?, completed_at = ?,
		 progress_percent = CASE WHEN ? = ? THEN 100 ELSE progress_percent END
		 WHERE id = ?`,
		status, errorMessage, boolToInt(committed), at.Unix(), status, DeployCompleted, id)
	if err != nil {
		return fmt.Errorf("finish deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("deployment %s", id)
	}
	return nil
}

// MarkDeploymentStarted stamps started_at and moves the row to pending.
func (s *Store) MarkDeploymentStarted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, started_at = ? WHERE id = ?`,
		DeployPending, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark deployment started: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return derr.NotFoundf("deployment %s", id)
	}
	return nil
}

// DeleteDeployment removes a deployment. Deletion is allowed only in terminal
// states and planning; anything else returns ErrConflict.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	d, err := s.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if !DeletableDeploymentStatus(d.Status) {
		return derr.Conflictf("cannot delete deployment in state %s", d.Status)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	return nil
}
