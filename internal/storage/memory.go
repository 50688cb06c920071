package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const memoryColumns = `id, workspace_id, team_id, agent_id, key, tier, category, value, metadata,
	importance, access_count, last_accessed_at, expires_at, created_at, updated_at`

// UpsertMemory writes m keyed by (scope, key) in one atomic statement. A new
// key is inserted with importance (or the default when nil); an existing key
// has its value, tier, category and expiry replaced, its metadata merged, its
// access count incremented, and its importance replaced only when importance
// is non-nil. Returns the entry's id and whether it was newly inserted.
func (db *DB) UpsertMemory(ctx context.Context, m model.SharedMemory, importance *int) (uuid.UUID, bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	// Marshal explicitly: pgx treats a bare string as raw JSON text.
	value, err := json.Marshal(m.Value)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: marshal memory value: %w", err)
	}

	var (
		id       uuid.UUID
		inserted bool
	)
	err = db.pool.QueryRow(ctx,
		`INSERT INTO shared_memory (id, workspace_id, team_id, agent_id, key, tier, category, value,
		     metadata, importance, access_count, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::int, $11::int), 0, $12, $13, $13)
		 ON CONFLICT ON CONSTRAINT shared_memory_scope_key DO UPDATE SET
		     tier = EXCLUDED.tier,
		     category = EXCLUDED.category,
		     value = EXCLUDED.value,
		     metadata = shared_memory.metadata || EXCLUDED.metadata,
		     importance = COALESCE($10::int, shared_memory.importance),
		     access_count = shared_memory.access_count + 1,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, (xmax = 0)`,
		m.ID, m.Scope.WorkspaceID, m.Scope.TeamID, m.Scope.AgentID, m.Key,
		string(m.Tier), string(m.Category), value, m.Metadata,
		importance, model.DefaultImportance, m.ExpiresAt, now,
	).Scan(&id, &inserted)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: upsert memory: %w", err)
	}
	return id, inserted, nil
}

// QueryMemories returns unexpired entries matching q, ordered by importance
// descending then recency descending. Every returned entry has its access
// count incremented and last-accessed time set in the same statement.
func (db *DB) QueryMemories(ctx context.Context, q model.MemoryQuery, now time.Time) ([]model.SharedMemory, error) {
	where := []string{"workspace_id = $1", "(expires_at IS NULL OR expires_at > $2)"}
	args := []any{q.WorkspaceID, now}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.TeamID != nil {
		add("team_id = $%d", *q.TeamID)
	}
	if q.AgentID != nil {
		add("agent_id = $%d", *q.AgentID)
	}
	if q.Tier != "" {
		add("tier = $%d", string(q.Tier))
	}
	if q.Category != "" {
		add("category = $%d", string(q.Category))
	}
	if q.KeyContains != "" {
		add("strpos(key, $%d) > 0", q.KeyContains)
	}
	if q.MinImportance > 0 {
		add("importance >= $%d", q.MinImportance)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`WITH hit AS (
		     SELECT id FROM shared_memory WHERE %s
		     ORDER BY importance DESC, updated_at DESC
		     LIMIT $%d
		 )
		 UPDATE shared_memory m SET access_count = m.access_count + 1, last_accessed_at = $2
		 FROM hit WHERE m.id = hit.id
		 RETURNING `+prefixColumns("m", memoryColumns),
		strings.Join(where, " AND "), len(args),
	)
	memories, err := db.queryMemories(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sortMemories(memories)
	return memories, nil
}

// GetMemory returns the unexpired entry for (scope, key) and records the
// access. Scope matching is exact: a nil team or agent only matches entries
// stored without one.
func (db *DB) GetMemory(ctx context.Context, scope model.MemoryScope, key string, now time.Time) (model.SharedMemory, error) {
	m, err := scanMemory(db.pool.QueryRow(ctx,
		`UPDATE shared_memory SET access_count = access_count + 1, last_accessed_at = $5
		 WHERE workspace_id = $1
		   AND team_id IS NOT DISTINCT FROM $2
		   AND agent_id IS NOT DISTINCT FROM $3
		   AND key = $4
		   AND (expires_at IS NULL OR expires_at > $5)
		 RETURNING `+memoryColumns,
		scope.WorkspaceID, scope.TeamID, scope.AgentID, key, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SharedMemory{}, fmt.Errorf("storage: memory %q: %w", key, ErrNotFound)
		}
		return model.SharedMemory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// GetMemoryByID returns an entry without touching its access metadata.
func (db *DB) GetMemoryByID(ctx context.Context, id uuid.UUID) (model.SharedMemory, error) {
	m, err := scanMemory(db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM shared_memory WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SharedMemory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.SharedMemory{}, fmt.Errorf("storage: get memory by id: %w", err)
	}
	return m, nil
}

// PromoteMemory moves an entry from one tier to the next, provided it is still
// in from and still meets the importance and access thresholds. Returns false
// if the guard did not match (already promoted, or thresholds no longer met).
func (db *DB) PromoteMemory(ctx context.Context, id uuid.UUID, from, to model.MemoryTier, minImportance, minAccesses int, expiresAt *time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE shared_memory SET tier = $3, expires_at = $6, updated_at = now()
		 WHERE id = $1 AND tier = $2 AND importance >= $4 AND access_count >= $5`,
		id, string(from), string(to), minImportance, minAccesses, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: promote memory: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPromotionCandidates returns unexpired entries, across all workspaces,
// that meet both the importance and access thresholds of their current tier.
// Results are ordered by id and start after the given id, so callers page
// through every candidate by passing the last id of the previous page
// (uuid.Nil for the first).
func (db *DB) ListPromotionCandidates(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]model.SharedMemory, error) {
	if limit <= 0 {
		limit = 1000
	}
	return db.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM shared_memory
		 WHERE (expires_at IS NULL OR expires_at > $1)
		   AND ((tier = 'short_term' AND importance >= $2 AND access_count >= $3)
		     OR (tier = 'medium_term' AND importance >= $4 AND access_count >= $5))
		   AND id > $6
		 ORDER BY id ASC
		 LIMIT $7`,
		now, model.PromoteToMediumImportance, model.PromoteToMediumAccesses,
		model.PromoteToLongImportance, model.PromoteToLongAccesses, after, limit,
	)
}

// DeleteExpiredMemories removes every entry whose expiry has passed and
// returns how many rows were deleted. Safe to run concurrently.
func (db *DB) DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM shared_memory WHERE expires_at IS NOT NULL AND expires_at <= $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired memories: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) queryMemories(ctx context.Context, query string, args ...any) ([]model.SharedMemory, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query memories: %w", err)
	}
	defer rows.Close()

	var out []model.SharedMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// sortMemories restores importance-then-recency order; UPDATE ... RETURNING
// does not preserve the CTE's ordering.
func sortMemories(ms []model.SharedMemory) {
	slices.SortStableFunc(ms, func(a, b model.SharedMemory) int {
		if a.Importance != b.Importance {
			return b.Importance - a.Importance
		}
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanMemory(row pgx.Row) (model.SharedMemory, error) {
	var m model.SharedMemory
	err := row.Scan(
		&m.ID, &m.Scope.WorkspaceID, &m.Scope.TeamID, &m.Scope.AgentID, &m.Key, &m.Tier, &m.Category,
		&m.Value, &m.Metadata, &m.Importance, &m.AccessCount, &m.LastAccessedAt, &m.ExpiresAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}
