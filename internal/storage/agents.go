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

const agentColumns = `id, workspace_id, name, agent_type, status, capabilities, tools,
	execution_count, last_executed_at, metadata, created_at, updated_at`

// CreateAgent inserts a new agent. Agents are normally owned by an external
// admin surface; this exists for provisioning and tests. Malformed
// capabilities are rejected with model.ErrInvalidInput.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if err := model.ValidateCapabilities(agent.Capabilities); err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent %q: %w", agent.Name, err)
	}
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if agent.Tools == nil {
		agent.Tools = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, workspace_id, name, agent_type, status, capabilities, tools,
		     execution_count, last_executed_at, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		agent.ID, agent.WorkspaceID, agent.Name, agent.Type, string(agent.Status),
		agent.Capabilities, agent.Tools, agent.ExecutionCount, agent.LastExecutedAt,
		agent.Metadata, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by id, scoped to the given workspace.
func (db *DB) GetAgent(ctx context.Context, workspaceID, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND workspace_id = $2`, id, workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns every active agent in the workspace, most
// frequently executed first.
func (db *DB) ListActiveAgents(ctx context.Context, workspaceID uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE workspace_id = $1 AND status = 'active'
		 ORDER BY execution_count DESC, created_at ASC`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RecordAgentExecution bumps the agent's execution counter and last-executed
// timestamp in a single statement.
func (db *DB) RecordAgentExecution(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET execution_count = execution_count + 1, last_executed_at = $2, updated_at = $2
		 WHERE id = $1`, id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: record agent execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetAgentStatus activates or retires an agent.
func (db *DB) SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = $3, updated_at = now() WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Name, &a.Type, &a.Status, &a.Capabilities, &a.Tools,
		&a.ExecutionCount, &a.LastExecutedAt, &a.Metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}
