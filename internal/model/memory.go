package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryTier classifies how long a shared memory persists.
type MemoryTier string

const (
	TierShortTerm  MemoryTier = "short_term"
	TierMediumTerm MemoryTier = "medium_term"
	TierLongTerm   MemoryTier = "long_term"
)

// Valid reports whether t is a known tier.
func (t MemoryTier) Valid() bool {
	switch t {
	case TierShortTerm, TierMediumTerm, TierLongTerm:
		return true
	}
	return false
}

// MemoryCategory classifies what a shared memory describes.
type MemoryCategory string

const (
	CategoryContext      MemoryCategory = "context"
	CategoryPattern      MemoryCategory = "pattern"
	CategoryPreference   MemoryCategory = "preference"
	CategoryKnowledge    MemoryCategory = "knowledge"
	CategoryRelationship MemoryCategory = "relationship"
)

// Default lifetimes per tier. Long-term memories never expire.
const (
	ShortTermTTL  = 24 * time.Hour
	MediumTermTTL = 30 * 24 * time.Hour
)

// Promotion thresholds.
const (
	PromoteToMediumImportance = 70
	PromoteToMediumAccesses   = 3
	PromoteToLongImportance   = 85
	PromoteToLongAccesses     = 10
)

// DefaultImportance is applied when a new memory is stored without one.
const DefaultImportance = 50

// DefaultExpiry returns the default expiry for tier relative to now.
// Returns nil for long-term memories.
func DefaultExpiry(tier MemoryTier, now time.Time) *time.Time {
	var exp time.Time
	switch tier {
	case TierShortTerm:
		exp = now.Add(ShortTermTTL)
	case TierMediumTerm:
		exp = now.Add(MediumTermTTL)
	default:
		return nil
	}
	return &exp
}

// MemoryScope identifies who a memory belongs to. WorkspaceID is always set;
// TeamID and AgentID narrow the scope when present.
type MemoryScope struct {
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	TeamID      *uuid.UUID `json:"team_id,omitempty"`
	AgentID     *uuid.UUID `json:"agent_id,omitempty"`
}

// SharedMemory is one keyed record in the tiered memory store. There is exactly
// one entry per (scope, key).
type SharedMemory struct {
	ID             uuid.UUID      `json:"id"`
	Scope          MemoryScope    `json:"scope"`
	Tier           MemoryTier     `json:"tier"`
	Category       MemoryCategory `json:"category"`
	Key            string         `json:"key"`
	Value          any            `json:"value"`
	Metadata       map[string]any `json:"metadata"`
	Importance     int            `json:"importance"`
	AccessCount    int            `json:"access_count"`
	LastAccessedAt *time.Time     `json:"last_accessed_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Expired reports whether the memory is past its expiry at now.
func (m SharedMemory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// PromotionImportance returns the minimum importance for tier to be considered
// for promotion. ok is false for long-term memories.
func PromotionImportance(tier MemoryTier) (min int, ok bool) {
	switch tier {
	case TierShortTerm:
		return PromoteToMediumImportance, true
	case TierMediumTerm:
		return PromoteToLongImportance, true
	}
	return 0, false
}

// PromotionTarget returns the tier m should be promoted to. ok is false when
// the importance or access-count thresholds for the current tier are unmet.
func PromotionTarget(m SharedMemory) (MemoryTier, bool) {
	switch m.Tier {
	case TierShortTerm:
		if m.Importance >= PromoteToMediumImportance && m.AccessCount >= PromoteToMediumAccesses {
			return TierMediumTerm, true
		}
	case TierMediumTerm:
		if m.Importance >= PromoteToLongImportance && m.AccessCount >= PromoteToLongAccesses {
			return TierLongTerm, true
		}
	}
	return "", false
}

// MemoryQuery filters a retrieval. Zero-valued fields do not filter.
type MemoryQuery struct {
	WorkspaceID   uuid.UUID
	TeamID        *uuid.UUID
	AgentID       *uuid.UUID
	Tier          MemoryTier
	Category      MemoryCategory
	KeyContains   string
	MinImportance int
	Limit         int
}
