package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const auditColumns = `id, workspace_id, team_id, agent_id, action_type, action_data, was_automatic,
	pending_action_id, risk_level, success, error, result, duration_ms, created_at`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertActionAudit appends an entry to the action audit log. The target
// table is immutable: a trigger rejects any UPDATE or DELETE.
func (db *DB) InsertActionAudit(ctx context.Context, e model.ActionAuditEntry) (model.ActionAuditEntry, error) {
	e, err := insertActionAudit(ctx, db.pool, e)
	if err != nil {
		return model.ActionAuditEntry{}, fmt.Errorf("storage: insert action audit: %w", err)
	}
	return e, nil
}

func insertActionAudit(ctx context.Context, x execer, e model.ActionAuditEntry) (model.ActionAuditEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ActionData == nil {
		e.ActionData = map[string]any{}
	}
	_, err := x.Exec(ctx,
		`INSERT INTO action_audit_log (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.WorkspaceID, e.TeamID, e.AgentID, e.ActionType, e.ActionData, e.WasAutomatic,
		e.PendingActionID, string(e.RiskLevel), e.Success, e.Error, e.Result, e.DurationMs, e.CreatedAt,
	)
	return e, err
}

// ListActionAudit returns audit entries matching f, newest first.
func (db *DB) ListActionAudit(ctx context.Context, f model.AuditFilter) ([]model.ActionAuditEntry, error) {
	where := []string{"workspace_id = $1"}
	args := []any{f.WorkspaceID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TeamID != nil {
		add("team_id = $%d", *f.TeamID)
	}
	if f.AgentID != nil {
		add("agent_id = $%d", *f.AgentID)
	}
	if f.ActionType != nil {
		add("action_type = $%d", *f.ActionType)
	}
	if f.WasAutomatic != nil {
		add("was_automatic = $%d", *f.WasAutomatic)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM action_audit_log WHERE `+strings.Join(where, " AND ")+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list action audit: %w", err)
	}
	defer rows.Close()

	var out []model.ActionAuditEntry
	for rows.Next() {
		var e model.ActionAuditEntry
		if err := rows.Scan(
			&e.ID, &e.WorkspaceID, &e.TeamID, &e.AgentID, &e.ActionType, &e.ActionData, &e.WasAutomatic,
			&e.PendingActionID, &e.RiskLevel, &e.Success, &e.Error, &e.Result, &e.DurationMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan action audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AutonomyStats aggregates the audit log and pending actions for the given
// teams. dayStart bounds the "today" review counts.
func (db *DB) AutonomyStats(ctx context.Context, workspaceID uuid.UUID, teamIDs []uuid.UUID, dayStart time.Time) (model.AutonomyStats, error) {
	var s model.AutonomyStats
	err := db.pool.QueryRow(ctx,
		`SELECT
		     count(*),
		     count(*) FILTER (WHERE was_automatic),
		     count(*) FILTER (WHERE NOT was_automatic),
		     count(*) FILTER (WHERE success),
		     COALESCE(avg(duration_ms) FILTER (WHERE duration_ms IS NOT NULL), 0)::float8
		 FROM action_audit_log
		 WHERE workspace_id = $1 AND team_id = ANY($2)`,
		workspaceID, teamIDs,
	).Scan(&s.TotalActions, &s.AutomaticActions, &s.ManualActions, &s.SuccessfulCount, &s.AvgDurationMs)
	if err != nil {
		return model.AutonomyStats{}, fmt.Errorf("storage: aggregate action audit: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`SELECT
		     count(*) FILTER (WHERE status = 'pending'),
		     count(*) FILTER (WHERE status = 'approved' AND reviewed_at >= $3),
		     count(*) FILTER (WHERE status = 'rejected' AND reviewed_at >= $3)
		 FROM pending_actions
		 WHERE workspace_id = $1 AND team_id = ANY($2)`,
		workspaceID, teamIDs, dayStart,
	).Scan(&s.PendingCount, &s.ApprovedToday, &s.RejectedToday)
	if err != nil {
		return model.AutonomyStats{}, fmt.Errorf("storage: aggregate pending actions: %w", err)
	}

	if s.TotalActions > 0 {
		s.SuccessRate = float64(s.SuccessfulCount) / float64(s.TotalActions)
	}
	s.ComputedAt = time.Now().UTC()
	return s, nil
}
