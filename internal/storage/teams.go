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

const teamColumns = `id, workspace_id, name, description, department, autonomy_level, approval_required,
	max_concurrent_tasks, status, total_executions, successful_executions, notify_user_ids,
	created_at, updated_at`

// CreateTeam inserts a new team.
func (db *DB) CreateTeam(ctx context.Context, team model.Team) (model.Team, error) {
	if team.ID == uuid.Nil {
		team.ID = uuid.New()
	}
	now := time.Now().UTC()
	if team.CreatedAt.IsZero() {
		team.CreatedAt = now
	}
	team.UpdatedAt = now
	if team.Department == "" {
		team.Department = model.DepartmentGeneral
	}
	if team.AutonomyLevel == "" {
		team.AutonomyLevel = model.AutonomySupervised
	}
	if team.Status == "" {
		team.Status = model.TeamStatusActive
	}
	if team.MaxConcurrentTasks <= 0 {
		team.MaxConcurrentTasks = 5
	}
	if team.ApprovalRequired == nil {
		team.ApprovalRequired = []string{}
	}
	if team.NotifyUserIDs == nil {
		team.NotifyUserIDs = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO teams (id, workspace_id, name, description, department, autonomy_level, approval_required,
		     max_concurrent_tasks, status, total_executions, successful_executions, notify_user_ids,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		team.ID, team.WorkspaceID, team.Name, team.Description, string(team.Department),
		string(team.AutonomyLevel), team.ApprovalRequired, team.MaxConcurrentTasks, string(team.Status),
		team.TotalExecutions, team.SuccessfulExecutions, team.NotifyUserIDs, team.CreatedAt, team.UpdatedAt,
	)
	if err != nil {
		return model.Team{}, fmt.Errorf("storage: create team: %w", err)
	}
	return team, nil
}

// GetTeam retrieves a team by id, scoped to the given workspace.
func (db *DB) GetTeam(ctx context.Context, workspaceID, id uuid.UUID) (model.Team, error) {
	t, err := scanTeam(db.pool.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE id = $1 AND workspace_id = $2`, id, workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Team{}, fmt.Errorf("storage: team %s: %w", id, ErrNotFound)
		}
		return model.Team{}, fmt.Errorf("storage: get team: %w", err)
	}
	return t, nil
}

// ListTeams returns the workspace's teams, optionally restricted to one
// department. An empty department lists all teams.
func (db *DB) ListTeams(ctx context.Context, workspaceID uuid.UUID, department model.Department) ([]model.Team, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+teamColumns+` FROM teams
		 WHERE workspace_id = $1 AND ($2 = '' OR department = $2)
		 ORDER BY name ASC`, workspaceID, string(department),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list teams: %w", err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// ListWorkspaceIDs returns every workspace that has at least one team.
func (db *DB) ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT DISTINCT workspace_id FROM teams ORDER BY workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list workspaces: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan workspace id: %w", err)
	}
	return ids, nil
}

// SetTeamAutonomyLevel updates a team's autonomy level and returns the level
// it replaced. The previous value is read inside the same statement.
func (db *DB) SetTeamAutonomyLevel(ctx context.Context, workspaceID, id uuid.UUID, level model.AutonomyLevel) (model.AutonomyLevel, error) {
	var previous model.AutonomyLevel
	err := db.pool.QueryRow(ctx,
		`UPDATE teams t SET autonomy_level = $3, updated_at = now()
		 FROM (SELECT id, autonomy_level FROM teams WHERE id = $1 AND workspace_id = $2 FOR UPDATE) old
		 WHERE t.id = old.id
		 RETURNING old.autonomy_level`, id, workspaceID, string(level),
	).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: team %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("storage: set team autonomy level: %w", err)
	}
	return previous, nil
}

// SetTeamStatus changes a team's lifecycle state.
func (db *DB) SetTeamStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.TeamStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE teams SET status = $3, updated_at = now() WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set team status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: team %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordTeamExecution increments the team's total execution counter and,
// when succeeded is true, its successful execution counter.
func (db *DB) RecordTeamExecution(ctx context.Context, id uuid.UUID, succeeded bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE teams SET total_executions = total_executions + 1,
		     successful_executions = successful_executions + CASE WHEN $2 THEN 1 ELSE 0 END,
		     updated_at = now()
		 WHERE id = $1`, id, succeeded,
	)
	if err != nil {
		return fmt.Errorf("storage: record team execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: team %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddTeamMember associates an agent with a team.
func (db *DB) AddTeamMember(ctx context.Context, m model.TeamMember) (model.TeamMember, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO team_members (id, team_id, agent_id, role, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TeamID, m.AgentID, string(m.Role), m.Priority, m.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return model.TeamMember{}, fmt.Errorf("storage: agent %s already on team %s: %w", m.AgentID, m.TeamID, ErrConflict)
		}
		return model.TeamMember{}, fmt.Errorf("storage: add team member: %w", err)
	}
	return m, nil
}

// ListTeamMembers returns a team's members joined with their agents, ordered
// by ascending priority and then by join time.
func (db *DB) ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]model.TeamMember, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.team_id, m.agent_id, m.role, m.priority, m.created_at,
		        a.id, a.workspace_id, a.name, a.agent_type, a.status, a.capabilities, a.tools,
		        a.execution_count, a.last_executed_at, a.metadata, a.created_at, a.updated_at
		 FROM team_members m
		 JOIN agents a ON a.id = m.agent_id
		 WHERE m.team_id = $1
		 ORDER BY m.priority ASC, m.created_at ASC`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list team members: %w", err)
	}
	defer rows.Close()

	var members []model.TeamMember
	for rows.Next() {
		var m model.TeamMember
		a := &m.Agent
		if err := rows.Scan(
			&m.ID, &m.TeamID, &m.AgentID, &m.Role, &m.Priority, &m.CreatedAt,
			&a.ID, &a.WorkspaceID, &a.Name, &a.Type, &a.Status, &a.Capabilities, &a.Tools,
			&a.ExecutionCount, &a.LastExecutedAt, &a.Metadata, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan team member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanTeam(row pgx.Row) (model.Team, error) {
	var t model.Team
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.Name, &t.Description, &t.Department, &t.AutonomyLevel,
		&t.ApprovalRequired, &t.MaxConcurrentTasks, &t.Status, &t.TotalExecutions,
		&t.SuccessfulExecutions, &t.NotifyUserIDs, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
