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

const messageColumns = `id, workspace_id, from_agent_id, to_agent_id, team_id, message_type,
	subject, body, data, priority, thread_id, parent_message_id, status,
	delivered_at, read_at, processed_at, created_at`

var messageCopyColumns = []string{
	"id", "workspace_id", "from_agent_id", "to_agent_id", "team_id", "message_type",
	"subject", "body", "data", "priority", "thread_id", "parent_message_id", "status",
	"delivered_at", "read_at", "processed_at", "created_at",
}

const defaultMessageLimit = 50

// InsertMessage persists a single message.
func (db *DB) InsertMessage(ctx context.Context, m model.AgentMessage) (model.AgentMessage, error) {
	normalizeMessage(&m)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		messageRow(m)...,
	)
	if err != nil {
		return model.AgentMessage{}, fmt.Errorf("storage: insert message: %w", err)
	}
	return m, nil
}

// InsertMessages persists a batch of messages with COPY. Used for broadcast
// fan-out, where every copy is independent but shares a thread.
func (db *DB) InsertMessages(ctx context.Context, msgs []model.AgentMessage) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(msgs))
	for i := range msgs {
		normalizeMessage(&msgs[i])
		rows[i] = messageRow(msgs[i])
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"agent_messages"}, messageCopyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy messages: %w", err)
	}
	return n, nil
}

// GetMessage retrieves a message by id, scoped to the given workspace.
func (db *DB) GetMessage(ctx context.Context, workspaceID, id uuid.UUID) (model.AgentMessage, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM agent_messages WHERE id = $1 AND workspace_id = $2`, id, workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentMessage{}, fmt.Errorf("storage: message %s: %w", id, ErrNotFound)
		}
		return model.AgentMessage{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// ListInbox returns messages addressed to agentID, newest first.
func (db *DB) ListInbox(ctx context.Context, workspaceID, agentID uuid.UUID, f model.MessageFilter) ([]model.AgentMessage, error) {
	where := []string{"workspace_id = $1", "to_agent_id = $2"}
	args := []any{workspaceID, agentID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("message_type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.TeamID != nil {
		add("team_id = $%d", *f.TeamID)
	}
	if f.FromAgentID != nil {
		add("from_agent_id = $%d", *f.FromAgentID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	args = append(args, limit)

	query := `SELECT ` + messageColumns + ` FROM agent_messages WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return db.queryMessages(ctx, query, args...)
}

// CountUnread counts messages addressed to agentID that are pending or delivered.
func (db *DB) CountUnread(ctx context.Context, workspaceID, agentID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_messages
		 WHERE workspace_id = $1 AND to_agent_id = $2 AND status IN ('pending', 'delivered')`,
		workspaceID, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count unread: %w", err)
	}
	return n, nil
}

// ListThread returns every message in a thread in chronological order.
func (db *DB) ListThread(ctx context.Context, workspaceID, threadID uuid.UUID) ([]model.AgentMessage, error) {
	return db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM agent_messages
		 WHERE workspace_id = $1 AND thread_id = $2
		 ORDER BY created_at ASC, id ASC`, workspaceID, threadID,
	)
}

// AdvanceMessageStatus moves the given messages forward to status. Messages
// already at or past status are left untouched, so the call is idempotent.
// The guard and the write are one statement, so concurrent callers cannot
// move a message backwards. Returns the number of messages changed.
func (db *DB) AdvanceMessageStatus(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID, status model.MessageStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if status.Rank() == 0 {
		return 0, fmt.Errorf("storage: unknown message status %q", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_messages SET
		     status = $3,
		     delivered_at = COALESCE(delivered_at, now()),
		     read_at = CASE WHEN $3 IN ('read', 'processed') THEN COALESCE(read_at, now()) ELSE read_at END,
		     processed_at = CASE WHEN $3 = 'processed' THEN COALESCE(processed_at, now()) ELSE processed_at END
		 WHERE workspace_id = $1 AND id = ANY($2)
		   AND array_position(ARRAY['pending', 'delivered', 'read', 'processed'], status)
		     < array_position(ARRAY['pending', 'delivered', 'read', 'processed'], $3::text)`,
		workspaceID, ids, string(status),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: advance message status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]model.AgentMessage, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func normalizeMessage(m *model.AgentMessage) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = model.MessagePending
	}
	if m.Content.Priority == "" {
		m.Content.Priority = model.PriorityNormal
	}
	if m.Content.Data == nil {
		m.Content.Data = map[string]any{}
	}
}

func messageRow(m model.AgentMessage) []any {
	return []any{
		m.ID, m.WorkspaceID, m.FromAgentID, m.ToAgentID, m.TeamID, string(m.Type),
		m.Content.Subject, m.Content.Body, m.Content.Data, string(m.Content.Priority),
		m.ThreadID, m.ParentMessageID, string(m.Status),
		m.DeliveredAt, m.ReadAt, m.ProcessedAt, m.CreatedAt,
	}
}

func scanMessage(row pgx.Row) (model.AgentMessage, error) {
	var m model.AgentMessage
	err := row.Scan(
		&m.ID, &m.WorkspaceID, &m.FromAgentID, &m.ToAgentID, &m.TeamID, &m.Type,
		&m.Content.Subject, &m.Content.Body, &m.Content.Data, &m.Content.Priority,
		&m.ThreadID, &m.ParentMessageID, &m.Status,
		&m.DeliveredAt, &m.ReadAt, &m.ProcessedAt, &m.CreatedAt,
	)
	return m, err
}
