// Package memory implements the tiered shared-memory store agents use to pass
// context to one another.
//
// Entries are keyed by (scope, key) and live in one of three tiers with
// different default lifetimes. Reads bump access counts, and entries that are
// both important and frequently read are promoted to longer-lived tiers by
// CheckPromotions. Cleanup removes entries whose expiry has passed.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

const (
	defaultRetrieveLimit = 50
	sharedContextLimit   = 20
	sharedContextWeight  = 60
	promotionPageSize    = 500
)

// Store is the persistence the memory service needs. *storage.DB implements it.
type Store interface {
	UpsertMemory(ctx context.Context, m model.SharedMemory, importance *int) (uuid.UUID, bool, error)
	QueryMemories(ctx context.Context, q model.MemoryQuery, now time.Time) ([]model.SharedMemory, error)
	GetMemory(ctx context.Context, scope model.MemoryScope, key string, now time.Time) (model.SharedMemory, error)
	GetMemoryByID(ctx context.Context, id uuid.UUID) (model.SharedMemory, error)
	PromoteMemory(ctx context.Context, id uuid.UUID, from, to model.MemoryTier, minImportance, minAccesses int, expiresAt *time.Time) (bool, error)
	ListPromotionCandidates(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]model.SharedMemory, error)
	DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error)
}

// Service is the memory service.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	writes     metric.Int64Counter
	promotions metric.Int64Counter
	expired    metric.Int64Counter
}

// New creates a memory Service backed by store.
func New(store Store, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tsumugi/memory")
	writes, _ := meter.Int64Counter("tsumugi.memory.writes",
		metric.WithDescription("Shared memory upserts, by tier and whether the key was new"),
	)
	promotions, _ := meter.Int64Counter("tsumugi.memory.promotions",
		metric.WithDescription("Shared memory tier promotions, by target tier"),
	)
	expired, _ := meter.Int64Counter("tsumugi.memory.expired",
		metric.WithDescription("Expired shared memory entries deleted by cleanup"),
	)
	return &Service{
		store:      store,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		writes:     writes,
		promotions: promotions,
		expired:    expired,
	}
}

// StoreInput is one write into shared memory.
type StoreInput struct {
	Scope    model.MemoryScope
	Tier     model.MemoryTier
	Category model.MemoryCategory
	Key      string
	Value    any
	Metadata map[string]any
	// Importance replaces the stored importance when set. New entries without
	// one get model.DefaultImportance.
	Importance *int
	// ExpiresAt overrides the tier default. Ignored for long-term entries.
	ExpiresAt *time.Time
}

// Store upserts an entry by (scope, key) and returns its id. Writing an
// existing key merges metadata and counts as an access.
func (s *Service) Store(ctx context.Context, in StoreInput) (uuid.UUID, error) {
	if err := validateInput(in); err != nil {
		return uuid.Nil, err
	}
	if in.Category == "" {
		in.Category = model.CategoryContext
	}

	expiresAt := in.ExpiresAt
	switch {
	case in.Tier == model.TierLongTerm:
		expiresAt = nil
	case expiresAt == nil:
		expiresAt = model.DefaultExpiry(in.Tier, s.now())
	}

	id, inserted, err := s.store.UpsertMemory(ctx, model.SharedMemory{
		Scope:     in.Scope,
		Tier:      in.Tier,
		Category:  in.Category,
		Key:       in.Key,
		Value:     in.Value,
		Metadata:  in.Metadata,
		ExpiresAt: expiresAt,
	}, in.Importance)
	if err != nil {
		return uuid.Nil, fmt.Errorf("memory: store %q: %w", in.Key, err)
	}
	s.writes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(in.Tier)),
		attribute.Bool("inserted", inserted),
	))
	return id, nil
}

func validateInput(in StoreInput) error {
	if in.Scope.WorkspaceID == uuid.Nil {
		return fmt.Errorf("memory: workspace id is required: %w", model.ErrInvalidInput)
	}
	if in.Key == "" {
		return fmt.Errorf("memory: key is required: %w", model.ErrInvalidInput)
	}
	if !in.Tier.Valid() {
		return fmt.Errorf("memory: unknown tier %q: %w", in.Tier, model.ErrInvalidInput)
	}
	if in.Importance != nil && (*in.Importance < 0 || *in.Importance > 100) {
		return fmt.Errorf("memory: importance %d outside 0..100: %w", *in.Importance, model.ErrInvalidInput)
	}
	return nil
}

// Retrieve returns unexpired entries matching q, most important first, and
// records an access on each. Limit defaults to 50.
func (s *Service) Retrieve(ctx context.Context, q model.MemoryQuery) ([]model.SharedMemory, error) {
	if q.Limit <= 0 {
		q.Limit = defaultRetrieveLimit
	}
	memories, err := s.store.QueryMemories(ctx, q, s.now())
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}
	return memories, nil
}

// Get returns the unexpired entry for (scope, key) and records the access.
// found is false when no such entry exists.
func (s *Service) Get(ctx context.Context, scope model.MemoryScope, key string) (m model.SharedMemory, found bool, err error) {
	m, err = s.store.GetMemory(ctx, scope, key, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return model.SharedMemory{}, false, nil
	}
	if err != nil {
		return model.SharedMemory{}, false, fmt.Errorf("memory: get %q: %w", key, err)
	}
	return m, true, nil
}

// Promote moves the entry to the next tier if it meets that tier's importance
// and access thresholds, resetting its expiry to the new tier's default.
// Returns false when the entry is missing, expired, already long-term, or
// below threshold.
func (s *Service) Promote(ctx context.Context, id uuid.UUID) (bool, error) {
	m, err := s.store.GetMemoryByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory: promote: %w", err)
	}
	return s.promote(ctx, m)
}

func (s *Service) promote(ctx context.Context, m model.SharedMemory) (bool, error) {
	now := s.now()
	if m.Expired(now) {
		return false, nil
	}
	target, ok := model.PromotionTarget(m)
	if !ok {
		return false, nil
	}
	minImportance, minAccesses := thresholds(m.Tier)

	promoted, err := s.store.PromoteMemory(ctx, m.ID, m.Tier, target,
		minImportance, minAccesses, model.DefaultExpiry(target, now))
	if err != nil {
		return false, fmt.Errorf("memory: promote %s: %w", m.ID, err)
	}
	if promoted {
		s.promotions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(target))))
		s.logger.Debug("memory: promoted", "memory_id", m.ID, "key", m.Key, "from", m.Tier, "to", target)
	}
	return promoted, nil
}

// thresholds returns the guard values for promoting out of tier.
func thresholds(tier model.MemoryTier) (importance, accesses int) {
	switch tier {
	case model.TierShortTerm:
		return model.PromoteToMediumImportance, model.PromoteToMediumAccesses
	case model.TierMediumTerm:
		return model.PromoteToLongImportance, model.PromoteToLongAccesses
	}
	return 101, 0
}

// CheckPromotions pages through every entry that meets its tier's importance
// and access thresholds and promotes it. A failure on one entry is logged and
// does not stop the scan. Returns how many were promoted.
func (s *Service) CheckPromotions(ctx context.Context) (int, error) {
	now := s.now()
	n := 0
	after := uuid.Nil
	for {
		page, err := s.store.ListPromotionCandidates(ctx, now, after, promotionPageSize)
		if err != nil {
			return n, fmt.Errorf("memory: list promotion candidates: %w", err)
		}
		for _, m := range page {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			ok, err := s.promote(ctx, m)
			if err != nil {
				s.logger.Warn("memory: promotion failed", "memory_id", m.ID, "error", err)
				continue
			}
			if ok {
				n++
			}
		}
		if len(page) < promotionPageSize {
			return n, nil
		}
		after = page[len(page)-1].ID
	}
}

// Cleanup deletes every expired entry and returns how many were removed.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredMemories(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("memory: cleanup: %w", err)
	}
	if n > 0 {
		s.expired.Add(ctx, n)
		s.logger.Info("memory: expired entries removed", "count", n)
	}
	return n, nil
}

// ShareContext stores a short-term context entry for toAgent recording what
// fromAgent passed along. Each call writes a new key.
func (s *Service) ShareContext(ctx context.Context, workspaceID, fromAgent, toAgent uuid.UUID, payload map[string]any) (uuid.UUID, error) {
	importance := sharedContextWeight
	return s.Store(ctx, StoreInput{
		Scope:      model.MemoryScope{WorkspaceID: workspaceID, AgentID: &toAgent},
		Tier:       model.TierShortTerm,
		Category:   model.CategoryContext,
		Key:        "shared_context:" + fromAgent.String() + ":" + uuid.NewString(),
		Value:      payload,
		Metadata:   map[string]any{"from_agent_id": fromAgent.String()},
		Importance: &importance,
	})
}

// SharedContext merges up to 20 of the agent's most relevant short-term
// context entries into one object. Entries are applied in importance order,
// so later ones overwrite keys set by earlier ones. A value that is not an
// object is placed under its entry's key.
func (s *Service) SharedContext(ctx context.Context, workspaceID, agentID uuid.UUID) (map[string]any, error) {
	entries, err := s.Retrieve(ctx, model.MemoryQuery{
		WorkspaceID: workspaceID,
		AgentID:     &agentID,
		Tier:        model.TierShortTerm,
		Category:    model.CategoryContext,
		Limit:       sharedContextLimit,
	})
	if err != nil {
		return map[string]any{}, err
	}
	merged := make(map[string]any)
	for _, e := range entries {
		if obj, ok := e.Value.(map[string]any); ok {
			for k, v := range obj {
				merged[k] = v
			}
			continue
		}
		merged[e.Key] = e.Value
	}
	return merged, nil
}
