package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskAssignment is the outcome of routing a task to an agent. A zero
// Confidence with a nil AgentID means nothing matched; Reason explains why.
type TaskAssignment struct {
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	AgentName  string     `json:"agent_name,omitempty"`
	Score      int        `json:"score"`
	Confidence int        `json:"confidence"`
	Reason     string     `json:"reason"`
}

// Matched reports whether an agent was selected.
func (a TaskAssignment) Matched() bool {
	return a.AgentID != nil
}

// RoutableTask describes work to be routed.
type RoutableTask struct {
	WorkspaceID          uuid.UUID
	Type                 string
	Description          string
	RequiredCapabilities []string
	PreferredAgentID     *uuid.UUID
	PreferredTeamID      *uuid.UUID
	Priority             Priority
	Data                 map[string]any
}

// DelegationResult is the outcome of delegating a task between agents.
type DelegationResult struct {
	Success   bool       `json:"success"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	MemoryID  *uuid.UUID `json:"memory_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TeamTask is a high-level objective handed to a team.
type TeamTask struct {
	Objective            string         `json:"objective"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Priority             Priority       `json:"priority,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
}

// AgentExecutionResult records one agent's part in a team execution. Success
// means the task was dispatched, not that the agent finished its work.
type AgentExecutionResult struct {
	AgentID    uuid.UUID      `json:"agent_id"`
	AgentName  string         `json:"agent_name"`
	Role       MemberRole     `json:"role"`
	Success    bool           `json:"success"`
	Dispatched bool           `json:"dispatched"`
	TaskID     *uuid.UUID     `json:"task_id,omitempty"`
	MessageID  *uuid.UUID     `json:"message_id,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// TeamExecutionResults groups the per-agent results of a team execution.
type TeamExecutionResults struct {
	AgentResults  []AgentExecutionResult `json:"agent_results"`
	SharedContext map[string]any         `json:"shared_context,omitempty"`
	Handoffs      int                    `json:"handoffs"`
}

// TeamExecutionResult is returned by every team run entry point.
type TeamExecutionResult struct {
	Success        bool                 `json:"success"`
	TeamID         uuid.UUID            `json:"team_id"`
	ExecutionID    *uuid.UUID           `json:"execution_id,omitempty"`
	Objective      string               `json:"objective"`
	AgentsInvolved []uuid.UUID          `json:"agents_involved"`
	Results        TeamExecutionResults `json:"results"`
	MessageIDs     []uuid.UUID          `json:"message_ids,omitempty"`
	Error          string               `json:"error,omitempty"`
	DurationMs     int64                `json:"duration_ms"`
}

// TeamExecutionStatus is the state of a persisted team execution.
type TeamExecutionStatus string

const (
	TeamExecutionRunning   TeamExecutionStatus = "running"
	TeamExecutionCompleted TeamExecutionStatus = "completed"
	TeamExecutionFailed    TeamExecutionStatus = "failed"
)

// TeamExecution is the persisted record of one team run.
type TeamExecution struct {
	ID          uuid.UUID            `json:"id"`
	WorkspaceID uuid.UUID            `json:"workspace_id"`
	TeamID      uuid.UUID            `json:"team_id"`
	Objective   string               `json:"objective"`
	Status      TeamExecutionStatus  `json:"status"`
	Results     TeamExecutionResults `json:"results"`
	Error       *string              `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// AgentTaskStatus is the state of a dispatched unit of agent work.
type AgentTaskStatus string

const (
	AgentTaskDispatched AgentTaskStatus = "dispatched"
	AgentTaskCompleted  AgentTaskStatus = "completed"
	AgentTaskFailed     AgentTaskStatus = "failed"
)

// AgentTask tracks one dispatch from handoff to completion callback. Exactly
// one of TeamExecutionID or ExecutionID is set for tasks that originate from
// the team executor or the workflow engine; ad-hoc dispatches set neither.
type AgentTask struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     uuid.UUID       `json:"workspace_id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	TeamID          *uuid.UUID      `json:"team_id,omitempty"`
	TeamExecutionID *uuid.UUID      `json:"team_execution_id,omitempty"`
	ExecutionID     *uuid.UUID      `json:"execution_id,omitempty"`
	StepID          string          `json:"step_id,omitempty"`
	MessageID       *uuid.UUID      `json:"message_id,omitempty"`
	Status          AgentTaskStatus `json:"status"`
	Content         MessageContent  `json:"content"`
	Output          map[string]any  `json:"output,omitempty"`
	Error           *string         `json:"error,omitempty"`
	TimeoutMs       int             `json:"timeout_ms,omitempty"`
	DispatchedAt    time.Time       `json:"dispatched_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
