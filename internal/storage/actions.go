package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const pendingActionColumns = `id, workspace_id, team_id, agent_id, action_type, action_data, description,
	risk_level, risk_reasons, status, reviewed_by, reviewed_at, review_notes, expires_at, created_at`

// ReviewOutcome describes what ReviewPendingAction did.
type ReviewOutcome int

const (
	// ReviewApplied means the action was approved or rejected and audited.
	ReviewApplied ReviewOutcome = iota
	// ReviewNotPending means the action had already left the pending state.
	ReviewNotPending
	// ReviewExpired means the action was past its expiry and has been marked expired.
	ReviewExpired
)

// Review is a reviewer's decision on a pending action.
type Review struct {
	WorkspaceID uuid.UUID
	ActionID    uuid.UUID
	Approved    bool
	ReviewedBy  string
	Notes       *string
	At          time.Time
}

// InsertPendingAction queues an action for approval.
func (db *DB) InsertPendingAction(ctx context.Context, a model.PendingAction) (model.PendingAction, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.ActionPending
	}
	if a.ActionData == nil {
		a.ActionData = map[string]any{}
	}
	if a.RiskReasons == nil {
		a.RiskReasons = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pending_actions (`+pendingActionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.WorkspaceID, a.TeamID, a.AgentID, a.ActionType, a.ActionData, a.Description,
		string(a.RiskLevel), a.RiskReasons, string(a.Status), a.ReviewedBy, a.ReviewedAt, a.ReviewNotes,
		a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return model.PendingAction{}, fmt.Errorf("storage: insert pending action: %w", err)
	}
	return a, nil
}

// GetPendingAction retrieves a pending action by id, scoped to the given workspace.
func (db *DB) GetPendingAction(ctx context.Context, workspaceID, id uuid.UUID) (model.PendingAction, error) {
	a, err := scanPendingAction(db.pool.QueryRow(ctx,
		`SELECT `+pendingActionColumns+` FROM pending_actions WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingAction{}, fmt.Errorf("storage: pending action %s: %w", id, ErrNotFound)
		}
		return model.PendingAction{}, fmt.Errorf("storage: get pending action: %w", err)
	}
	return a, nil
}

// ListPendingActions returns actions matching f, newest first.
func (db *DB) ListPendingActions(ctx context.Context, f model.PendingActionFilter) ([]model.PendingAction, error) {
	where := []string{"workspace_id = $1"}
	args := []any{f.WorkspaceID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TeamID != nil {
		add("team_id = $%d", *f.TeamID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.RiskLevel != "" {
		add("risk_level = $%d", string(f.RiskLevel))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	args = append(args, limit)

	rows, err := db.pool.Query(ctx,
		`SELECT `+pendingActionColumns+` FROM pending_actions WHERE `+strings.Join(where, " AND ")+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending actions: %w", err)
	}
	return collectPendingActions(rows)
}

// CountPendingActions counts still-pending actions in the workspace,
// optionally restricted to one team.
func (db *DB) CountPendingActions(ctx context.Context, workspaceID uuid.UUID, teamID *uuid.UUID) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM pending_actions
		 WHERE workspace_id = $1 AND status = 'pending' AND ($2::uuid IS NULL OR team_id = $2)`,
		workspaceID, teamID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending actions: %w", err)
	}
	return n, nil
}

// ReviewPendingAction applies a reviewer's decision and the matching audit
// entry atomically. The action row is locked for the duration, so two
// reviewers racing on one action produce exactly one decision. An action past
// its expiry is flipped to expired instead and ReviewExpired is returned.
func (db *DB) ReviewPendingAction(ctx context.Context, r Review) (model.PendingAction, ReviewOutcome, error) {
	var (
		a       model.PendingAction
		outcome ReviewOutcome
	)
	err := WithRetry(ctx, DefaultMaxRetries, DefaultRetryDelay, func() error {
		var err error
		a, outcome, err = db.reviewPendingAction(ctx, r)
		return err
	})
	return a, outcome, err
}

func (db *DB) reviewPendingAction(ctx context.Context, r Review) (model.PendingAction, ReviewOutcome, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.PendingAction{}, 0, fmt.Errorf("storage: begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := scanPendingAction(tx.QueryRow(ctx,
		`SELECT `+pendingActionColumns+` FROM pending_actions
		 WHERE id = $1 AND workspace_id = $2 FOR UPDATE`, r.ActionID, r.WorkspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingAction{}, 0, fmt.Errorf("storage: pending action %s: %w", r.ActionID, ErrNotFound)
		}
		return model.PendingAction{}, 0, fmt.Errorf("storage: lock pending action: %w", err)
	}
	if a.Status != model.ActionPending {
		return a, ReviewNotPending, nil
	}

	if !a.ExpiresAt.After(r.At) {
		if _, err := tx.Exec(ctx,
			`UPDATE pending_actions SET status = 'expired' WHERE id = $1`, a.ID,
		); err != nil {
			return model.PendingAction{}, 0, fmt.Errorf("storage: expire pending action: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return model.PendingAction{}, 0, fmt.Errorf("storage: commit expire tx: %w", err)
		}
		a.Status = model.ActionExpired
		return a, ReviewExpired, nil
	}

	a.Status = model.ActionRejected
	if r.Approved {
		a.Status = model.ActionApproved
	}
	a.ReviewedBy = &r.ReviewedBy
	a.ReviewedAt = &r.At
	a.ReviewNotes = r.Notes
	if _, err := tx.Exec(ctx,
		`UPDATE pending_actions SET status = $2, reviewed_by = $3, reviewed_at = $4, review_notes = $5
		 WHERE id = $1`,
		a.ID, string(a.Status), a.ReviewedBy, a.ReviewedAt, a.ReviewNotes,
	); err != nil {
		return model.PendingAction{}, 0, fmt.Errorf("storage: review pending action: %w", err)
	}

	actionID := a.ID
	audit := model.ActionAuditEntry{
		WorkspaceID:     a.WorkspaceID,
		TeamID:          a.TeamID,
		AgentID:         a.AgentID,
		ActionType:      a.ActionType,
		ActionData:      a.ActionData,
		WasAutomatic:    false,
		PendingActionID: &actionID,
		RiskLevel:       a.RiskLevel,
		Success:         r.Approved,
		CreatedAt:       r.At,
	}
	if !r.Approved {
		msg := "rejected by reviewer"
		audit.Error = &msg
	}
	if _, err := insertActionAudit(ctx, tx, audit); err != nil {
		return model.PendingAction{}, 0, fmt.Errorf("storage: audit in review tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.PendingAction{}, 0, fmt.Errorf("storage: commit review tx: %w", err)
	}
	return a, ReviewApplied, nil
}

// ExpirePendingActions marks every pending action whose expiry is at or before
// now as expired and returns them. A nil workspaceID sweeps all workspaces.
func (db *DB) ExpirePendingActions(ctx context.Context, workspaceID *uuid.UUID, now time.Time) ([]model.PendingAction, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE pending_actions SET status = 'expired'
		 WHERE status = 'pending' AND expires_at <= $1 AND ($2::uuid IS NULL OR workspace_id = $2)
		 RETURNING `+pendingActionColumns, now, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expire pending actions: %w", err)
	}
	return collectPendingActions(rows)
}

func collectPendingActions(rows pgx.Rows) ([]model.PendingAction, error) {
	defer rows.Close()
	var out []model.PendingAction
	for rows.Next() {
		a, err := scanPendingAction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pending action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPendingAction(row pgx.Row) (model.PendingAction, error) {
	var a model.PendingAction
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.TeamID, &a.AgentID, &a.ActionType, &a.ActionData, &a.Description,
		&a.RiskLevel, &a.RiskReasons, &a.Status, &a.ReviewedBy, &a.ReviewedAt, &a.ReviewNotes,
		&a.ExpiresAt, &a.CreatedAt,
	)
	return a, err
}
