package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const workflowColumns = `id, workspace_id, name, description, version, steps, trigger, status, created_at, updated_at`

// CreateWorkflow inserts a workflow definition. A zero Version is assigned the
// next version number for (workspace, name).
func (db *DB) CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = model.WorkflowDraft
	}
	if wf.Trigger.Type == "" {
		wf.Trigger.Type = model.TriggerManual
	}
	if wf.Steps == nil {
		wf.Steps = []model.WorkflowStep{}
	}
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: marshal workflow steps: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO workflows (id, workspace_id, name, description, version, steps, trigger, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4,
		         CASE WHEN $5::int > 0 THEN $5::int
		              ELSE (SELECT COALESCE(max(version), 0) + 1 FROM workflows WHERE workspace_id = $2 AND name = $3)
		         END,
		         $6, $7, $8, $9, $10)
		 RETURNING version`,
		wf.ID, wf.WorkspaceID, wf.Name, wf.Description, wf.Version, steps, wf.Trigger,
		string(wf.Status), wf.CreatedAt, wf.UpdatedAt,
	).Scan(&wf.Version)
	if err != nil {
		if IsUniqueViolation(err) {
			return model.Workflow{}, fmt.Errorf("storage: workflow %q version already exists: %w", wf.Name, ErrConflict)
		}
		return model.Workflow{}, fmt.Errorf("storage: create workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by id, scoped to the given workspace.
func (db *DB) GetWorkflow(ctx context.Context, workspaceID, id uuid.UUID) (model.Workflow, error) {
	wf, err := scanWorkflow(db.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND workspace_id = $2`, id, workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflowStatus changes a workflow's lifecycle state.
func (db *DB) UpdateWorkflowStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.WorkflowStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflows SET status = $3, updated_at = now() WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var (
		wf    model.Workflow
		steps []byte
	)
	if err := row.Scan(
		&wf.ID, &wf.WorkspaceID, &wf.Name, &wf.Description, &wf.Version, &steps, &wf.Trigger,
		&wf.Status, &wf.CreatedAt, &wf.UpdatedAt,
	); err != nil {
		return model.Workflow{}, err
	}
	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return model.Workflow{}, fmt.Errorf("decode workflow steps: %w", err)
	}
	return wf, nil
}
