package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Department scopes a team to one area of the business.
type Department string

const (
	DepartmentSales      Department = "sales"
	DepartmentMarketing  Department = "marketing"
	DepartmentSupport    Department = "support"
	DepartmentOperations Department = "operations"
	DepartmentFinance    Department = "finance"
	DepartmentProduct    Department = "product"
	DepartmentGeneral    Department = "general"
)

// AutonomyLevel controls which classified actions a team may run without review.
type AutonomyLevel string

const (
	AutonomySupervised     AutonomyLevel = "supervised"
	AutonomySemiAutonomous AutonomyLevel = "semi_autonomous"
	AutonomyAutonomous     AutonomyLevel = "autonomous"
)

// Valid reports whether l is one of the known autonomy levels.
func (l AutonomyLevel) Valid() bool {
	switch l {
	case AutonomySupervised, AutonomySemiAutonomous, AutonomyAutonomous:
		return true
	}
	return false
}

// TeamStatus is the lifecycle state of a team.
type TeamStatus string

const (
	TeamStatusActive   TeamStatus = "active"
	TeamStatusPaused   TeamStatus = "paused"
	TeamStatusArchived TeamStatus = "archived"
)

// Team is a department-scoped group of agents sharing one autonomy policy.
// AutonomyLevel and ApprovalRequired fully determine whether a classified
// action auto-executes.
type Team struct {
	ID                   uuid.UUID     `json:"id"`
	WorkspaceID          uuid.UUID     `json:"workspace_id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description,omitempty"`
	Department           Department    `json:"department"`
	AutonomyLevel        AutonomyLevel `json:"autonomy_level"`
	ApprovalRequired     []string      `json:"approval_required"`
	MaxConcurrentTasks   int           `json:"max_concurrent_tasks"`
	Status               TeamStatus    `json:"status"`
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	NotifyUserIDs        []string      `json:"notify_user_ids"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// IsActive reports whether the team accepts new work.
func (t Team) IsActive() bool {
	return t.Status == TeamStatusActive
}

// RequiresApprovalFor reports whether actionType is on the team's explicit
// always-approve list.
func (t Team) RequiresApprovalFor(actionType string) bool {
	return slices.Contains(t.ApprovalRequired, actionType)
}

// MemberRole is an agent's role within a team.
type MemberRole string

const (
	RoleCoordinator MemberRole = "coordinator"
	RoleSpecialist  MemberRole = "specialist"
	RoleSupport     MemberRole = "support"
)

// TeamMember associates one agent with one team. Lower Priority runs first
// within a role tier. Agent is populated by queries that join the agents table.
type TeamMember struct {
	ID        uuid.UUID  `json:"id"`
	TeamID    uuid.UUID  `json:"team_id"`
	AgentID   uuid.UUID  `json:"agent_id"`
	Role      MemberRole `json:"role"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	Agent     Agent      `json:"agent"`
}
