package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const teamExecutionColumns = `id, workspace_id, team_id, objective, status, results, error, started_at, completed_at`

// CreateTeamExecution records the start of a team run.
func (db *DB) CreateTeamExecution(ctx context.Context, e model.TeamExecution) (model.TeamExecution, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = model.TeamExecutionRunning
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO team_executions (`+teamExecutionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.WorkspaceID, e.TeamID, e.Objective, string(e.Status), e.Results, e.Error,
		e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return model.TeamExecution{}, fmt.Errorf("storage: create team execution: %w", err)
	}
	return e, nil
}

// GetTeamExecution retrieves a team execution by id, scoped to the given workspace.
func (db *DB) GetTeamExecution(ctx context.Context, workspaceID, id uuid.UUID) (model.TeamExecution, error) {
	var e model.TeamExecution
	err := db.pool.QueryRow(ctx,
		`SELECT `+teamExecutionColumns+` FROM team_executions WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	).Scan(&e.ID, &e.WorkspaceID, &e.TeamID, &e.Objective, &e.Status, &e.Results, &e.Error,
		&e.StartedAt, &e.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TeamExecution{}, fmt.Errorf("storage: team execution %s: %w", id, ErrNotFound)
		}
		return model.TeamExecution{}, fmt.Errorf("storage: get team execution: %w", err)
	}
	return e, nil
}

// SaveTeamExecutionResults stores the dispatch results of a team run and seals
// it: no more tasks will be added, so from now on the execution may finish as
// soon as its tasks settle.
func (db *DB) SaveTeamExecutionResults(ctx context.Context, id uuid.UUID, results model.TeamExecutionResults) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE team_executions SET results = $2, sealed_at = COALESCE(sealed_at, now()) WHERE id = $1`, id, results,
	); err != nil {
		return fmt.Errorf("storage: save team execution results: %w", err)
	}
	return nil
}

// FinishTeamExecution moves a running team execution to a terminal status.
// Returns false if it had already finished.
func (db *DB) FinishTeamExecution(ctx context.Context, id uuid.UUID, status model.TeamExecutionStatus, errMsg *string, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE team_executions SET status = $2, error = $3, completed_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), errMsg, at,
	)
	if err != nil {
		return false, fmt.Errorf("storage: finish team execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishTeamExecutionIfSettled completes a sealed, running team execution once
// none of its dispatched tasks are still outstanding. The check and the write happen in
// one statement so concurrent completions finish it exactly once. The final
// status is failed if any task failed.
func (db *DB) FinishTeamExecutionIfSettled(ctx context.Context, id uuid.UUID, at time.Time) (model.TeamExecutionStatus, bool, error) {
	var status model.TeamExecutionStatus
	err := db.pool.QueryRow(ctx,
		`UPDATE team_executions te SET
		     status = CASE WHEN EXISTS (
		         SELECT 1 FROM agent_tasks WHERE team_execution_id = te.id AND status = 'failed'
		     ) THEN 'failed' ELSE 'completed' END,
		     completed_at = $2
		 WHERE te.id = $1 AND te.status = 'running' AND te.sealed_at IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM agent_tasks WHERE team_execution_id = te.id AND status = 'dispatched')
		 RETURNING te.status`, id, at,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: finish settled team execution: %w", err)
	}
	return status, true, nil
}
