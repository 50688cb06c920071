package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the classified risk of an action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels (higher = riskier). Unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Escalate returns the next tier up. Critical stays critical.
func (r RiskLevel) Escalate() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// AtLeast returns the riskier of r and floor. It never lowers r.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor.Rank() > r.Rank() {
		return floor
	}
	return r
}

// RiskClassification is the result of classifying an action and, when a team
// policy was applied, whether it needs human approval.
type RiskClassification struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	Reasons          []string  `json:"reasons"`
	RequiresApproval bool      `json:"requires_approval"`
	PolicyReason     string    `json:"policy_reason,omitempty"`
}

// ActionStatus is the review state of a pending action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExpired  ActionStatus = "expired"
)

// PendingAction is a proposed action awaiting human approval.
type PendingAction struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	TeamID      *uuid.UUID     `json:"team_id,omitempty"`
	AgentID     *uuid.UUID     `json:"agent_id,omitempty"`
	ActionType  string         `json:"action_type"`
	ActionData  map[string]any `json:"action_data"`
	Description string         `json:"description,omitempty"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	RiskReasons []string       `json:"risk_reasons"`
	Status      ActionStatus   `json:"status"`
	ReviewedBy  *string        `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
	ReviewNotes *string        `json:"review_notes,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ActionAuditEntry is an immutable record of an executed action.
type ActionAuditEntry struct {
	ID              uuid.UUID      `json:"id"`
	WorkspaceID     uuid.UUID      `json:"workspace_id"`
	TeamID          *uuid.UUID     `json:"team_id,omitempty"`
	AgentID         *uuid.UUID     `json:"agent_id,omitempty"`
	ActionType      string         `json:"action_type"`
	ActionData      map[string]any `json:"action_data"`
	WasAutomatic    bool           `json:"was_automatic"`
	PendingActionID *uuid.UUID     `json:"pending_action_id,omitempty"`
	RiskLevel       RiskLevel      `json:"risk_level"`
	Success         bool           `json:"success"`
	Error           *string        `json:"error,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	DurationMs      *int64         `json:"duration_ms,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit log query. Nil fields do not filter.
type AuditFilter struct {
	WorkspaceID  uuid.UUID
	TeamID       *uuid.UUID
	AgentID      *uuid.UUID
	ActionType   *string
	WasAutomatic *bool
	Success      *bool
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// PendingActionFilter narrows a pending-action listing.
type PendingActionFilter struct {
	WorkspaceID uuid.UUID
	TeamID      *uuid.UUID
	Status      ActionStatus
	RiskLevel   RiskLevel
	Limit       int
}

// AutonomyStats aggregates the audit log and pending actions for one team
// or department.
type AutonomyStats struct {
	TotalActions     int64     `json:"total_actions"`
	AutomaticActions int64     `json:"automatic_actions"`
	ManualActions    int64     `json:"manual_actions"`
	SuccessfulCount  int64     `json:"successful_count"`
	SuccessRate      float64   `json:"success_rate"`
	AvgDurationMs    float64   `json:"avg_duration_ms"`
	PendingCount     int64     `json:"pending_count"`
	ApprovedToday    int64     `json:"approved_today"`
	RejectedToday    int64     `json:"rejected_today"`
	ComputedAt       time.Time `json:"computed_at"`
}

// DepartmentMetrics is AutonomyStats for a department plus its team count.
type DepartmentMetrics struct {
	Department Department    `json:"department"`
	TeamCount  int           `json:"team_count"`
	Stats      AutonomyStats `json:"stats"`
}

// TeamAutonomyStats is AutonomyStats for a single team plus its policy.
type TeamAutonomyStats struct {
	TeamID        uuid.UUID     `json:"team_id"`
	AutonomyLevel AutonomyLevel `json:"autonomy_level"`
	Stats         AutonomyStats `json:"stats"`
}
