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

const agentTaskColumns = `id, workspace_id, agent_id, team_id, team_execution_id, execution_id, step_id,
	message_id, status, content, output, error, timeout_ms, dispatched_at, completed_at`

// CreateAgentTask records a dispatched unit of agent work.
func (db *DB) CreateAgentTask(ctx context.Context, t model.AgentTask) (model.AgentTask, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.DispatchedAt.IsZero() {
		t.DispatchedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = model.AgentTaskDispatched
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_tasks (`+agentTaskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.WorkspaceID, t.AgentID, t.TeamID, t.TeamExecutionID, t.ExecutionID, t.StepID,
		t.MessageID, string(t.Status), t.Content, t.Output, t.Error, t.TimeoutMs,
		t.DispatchedAt, t.CompletedAt,
	)
	if err != nil {
		return model.AgentTask{}, fmt.Errorf("storage: create agent task: %w", err)
	}
	return t, nil
}

// SetAgentTaskMessage links a dispatched task to the message that carried it.
func (db *DB) SetAgentTaskMessage(ctx context.Context, id, messageID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE agent_tasks SET message_id = $2 WHERE id = $1`, id, messageID,
	); err != nil {
		return fmt.Errorf("storage: set agent task message: %w", err)
	}
	return nil
}

// GetAgentTask retrieves a task by id.
func (db *DB) GetAgentTask(ctx context.Context, id uuid.UUID) (model.AgentTask, error) {
	t, err := scanAgentTask(db.pool.QueryRow(ctx,
		`SELECT `+agentTaskColumns+` FROM agent_tasks WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentTask{}, fmt.Errorf("storage: agent task %s: %w", id, ErrNotFound)
		}
		return model.AgentTask{}, fmt.Errorf("storage: get agent task: %w", err)
	}
	return t, nil
}

// FindStepTask returns the most recently dispatched task for a workflow step.
func (db *DB) FindStepTask(ctx context.Context, executionID uuid.UUID, stepID string) (model.AgentTask, error) {
	t, err := scanAgentTask(db.pool.QueryRow(ctx,
		`SELECT `+agentTaskColumns+` FROM agent_tasks
		 WHERE execution_id = $1 AND step_id = $2
		 ORDER BY dispatched_at DESC LIMIT 1`, executionID, stepID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentTask{}, fmt.Errorf("storage: task for step %s: %w", stepID, ErrNotFound)
		}
		return model.AgentTask{}, fmt.Errorf("storage: find step task: %w", err)
	}
	return t, nil
}

// CompleteAgentTask records the outcome of a dispatched task. Only the first
// completion is applied: completed is false (with a nil error) when the task
// was already completed or failed.
func (db *DB) CompleteAgentTask(ctx context.Context, id uuid.UUID, status model.AgentTaskStatus, output map[string]any, errMsg *string, at time.Time) (model.AgentTask, bool, error) {
	t, err := scanAgentTask(db.pool.QueryRow(ctx,
		`UPDATE agent_tasks SET status = $2, output = $3, error = $4, completed_at = $5
		 WHERE id = $1 AND status = 'dispatched'
		 RETURNING `+agentTaskColumns,
		id, string(status), output, errMsg, at,
	))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.AgentTask{}, false, fmt.Errorf("storage: complete agent task: %w", err)
	}
	existing, err := db.GetAgentTask(ctx, id)
	if err != nil {
		return model.AgentTask{}, false, err
	}
	return existing, false, nil
}

// ListTeamExecutionTasks returns the tasks dispatched by one team execution
// in dispatch order.
func (db *DB) ListTeamExecutionTasks(ctx context.Context, teamExecutionID uuid.UUID) ([]model.AgentTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentTaskColumns+` FROM agent_tasks
		 WHERE team_execution_id = $1
		 ORDER BY dispatched_at ASC, id ASC`, teamExecutionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list team execution tasks: %w", err)
	}
	defer rows.Close()

	var out []model.AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanAgentTask(row pgx.Row) (model.AgentTask, error) {
	var t model.AgentTask
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.AgentID, &t.TeamID, &t.TeamExecutionID, &t.ExecutionID, &t.StepID,
		&t.MessageID, &t.Status, &t.Content, &t.Output, &t.Error, &t.TimeoutMs,
		&t.DispatchedAt, &t.CompletedAt,
	)
	return t, err
}
