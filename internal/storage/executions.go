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

const executionColumns = `id, workspace_id, workflow_id, status, current_step_id, step_results, context,
	total_steps, completed_steps, error, trigger_type, version, started_at, completed_at, updated_at`

// CreateExecution inserts a new workflow execution at version 1.
func (db *DB) CreateExecution(ctx context.Context, e model.WorkflowExecution) (model.WorkflowExecution, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1
	if e.StepResults == nil {
		e.StepResults = map[string]model.StepResult{}
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if e.TriggerType == "" {
		e.TriggerType = model.TriggerManual
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.WorkspaceID, e.WorkflowID, string(e.Status), e.CurrentStepID, e.StepResults, e.Context,
		e.TotalSteps, e.CompletedSteps, e.Error, string(e.TriggerType), e.Version,
		e.StartedAt, e.CompletedAt, e.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return e, nil
}

// GetExecution retrieves an execution by id, scoped to the given workspace.
func (db *DB) GetExecution(ctx context.Context, workspaceID, id uuid.UUID) (model.WorkflowExecution, error) {
	e, err := scanExecution(db.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowExecution{}, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return model.WorkflowExecution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a workflow's executions, newest first. An empty
// status lists all of them.
func (db *DB) ListExecutions(ctx context.Context, workspaceID, workflowID uuid.UUID, status model.ExecutionStatus, limit int) ([]model.WorkflowExecution, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	return db.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE workspace_id = $1 AND workflow_id = $2 AND ($3 = '' OR status = $3)
		 ORDER BY started_at DESC
		 LIMIT $4`, workspaceID, workflowID, string(status), limit,
	)
}

// ListRunningExecutions returns every running execution across workspaces,
// oldest first. Used on startup to resume interrupted chains.
func (db *DB) ListRunningExecutions(ctx context.Context) ([]model.WorkflowExecution, error) {
	return db.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE status = 'running'
		 ORDER BY started_at ASC`,
	)
}

// UpdateExecution writes every mutable field of e, guarded by e.Version.
// On success the returned execution carries the incremented version. If the
// row changed since e was read, ErrConflict is returned and nothing is written.
func (db *DB) UpdateExecution(ctx context.Context, e model.WorkflowExecution) (model.WorkflowExecution, error) {
	err := db.pool.QueryRow(ctx,
		`UPDATE workflow_executions SET
		     status = $3, current_step_id = $4, step_results = $5, context = $6,
		     completed_steps = $7, error = $8, completed_at = $9,
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING version, updated_at`,
		e.ID, e.Version, string(e.Status), e.CurrentStepID, e.StepResults, e.Context,
		e.CompletedSteps, e.Error, e.CompletedAt,
	).Scan(&e.Version, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowExecution{}, fmt.Errorf("storage: update execution %s: %w", e.ID, ErrConflict)
		}
		return model.WorkflowExecution{}, fmt.Errorf("storage: update execution: %w", err)
	}
	return e, nil
}

// TransitionExecution moves an execution to status if its current status is
// one of from. The returned execution is the row after the call; applied is
// false when the guard did not match, in which case the row is unchanged and
// its current status tells the caller why.
func (db *DB) TransitionExecution(ctx context.Context, workspaceID, id uuid.UUID, from []model.ExecutionStatus, to model.ExecutionStatus) (model.WorkflowExecution, bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	var completedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	e, err := scanExecution(db.pool.QueryRow(ctx,
		`UPDATE workflow_executions SET status = $4, completed_at = COALESCE($5, completed_at),
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND workspace_id = $2 AND status = ANY($3)
		 RETURNING `+executionColumns,
		id, workspaceID, fromStrs, string(to), completedAt,
	))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, false, fmt.Errorf("storage: transition execution: %w", err)
	}
	current, err := db.GetExecution(ctx, workspaceID, id)
	if err != nil {
		return model.WorkflowExecution{}, false, err
	}
	return current, false, nil
}

func (db *DB) queryExecutions(ctx context.Context, query string, args ...any) ([]model.WorkflowExecution, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query executions: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var e model.WorkflowExecution
	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.WorkflowID, &e.Status, &e.CurrentStepID, &e.StepResults, &e.Context,
		&e.TotalSteps, &e.CompletedSteps, &e.Error, &e.TriggerType, &e.Version,
		&e.StartedAt, &e.CompletedAt, &e.UpdatedAt,
	)
	return e, err
}
