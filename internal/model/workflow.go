package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowArchived WorkflowStatus = "archived"
)

// TriggerType describes what starts a workflow.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// Trigger is the trigger descriptor stored with a workflow.
type Trigger struct {
	Type   TriggerType    `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ConditionOperator is a comparison applied to a context value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpExists      ConditionOperator = "exists"
)

// Valid reports whether op is a supported operator.
func (op ConditionOperator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpExists:
		return true
	}
	return false
}

// Condition gates a step on a dotted-path lookup into the execution context.
type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    any               `json:"value,omitempty" yaml:"value,omitempty"`
}

// RetryConfig bounds retries of a failed step. Backoff is linear: BackoffMs
// multiplied by the attempt number.
type RetryConfig struct {
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffMs   int `json:"backoffMs" yaml:"backoffMs"`
}

// WorkflowStep is one node in a workflow's step graph. The JSON shape is the
// stored definition format and must stay stable.
type WorkflowStep struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	AgentID     uuid.UUID      `json:"agentId" yaml:"agentId"`
	Action      string         `json:"action" yaml:"action"`
	Inputs      map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Conditions  []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	OnSuccess   string         `json:"onSuccess,omitempty" yaml:"onSuccess,omitempty"`
	OnFailure   string         `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	Timeout     int            `json:"timeout,omitempty" yaml:"timeout,omitempty"` // milliseconds
	RetryConfig *RetryConfig   `json:"retryConfig,omitempty" yaml:"retryConfig,omitempty"`
}

// MaxAttempts returns the number of attempts the step is allowed.
// A step without a retry policy gets exactly one.
func (s WorkflowStep) MaxAttempts() int {
	if s.RetryConfig == nil || s.RetryConfig.MaxAttempts < 1 {
		return 1
	}
	return s.RetryConfig.MaxAttempts
}

// Backoff returns the delay before the given (1-based) attempt number.
func (s WorkflowStep) Backoff(attempt int) time.Duration {
	if s.RetryConfig == nil || s.RetryConfig.BackoffMs <= 0 || attempt <= 0 {
		return 0
	}
	return time.Duration(s.RetryConfig.BackoffMs*attempt) * time.Millisecond
}

// Workflow is a named, versioned step graph.
type Workflow struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     int            `json:"version"`
	Steps       []WorkflowStep `json:"steps"`
	Trigger     Trigger        `json:"trigger"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StepIndex returns the declaration index of stepID, or -1.
func (w Workflow) StepIndex(stepID string) int {
	for i, s := range w.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Step returns the step with the given id.
func (w Workflow) Step(stepID string) (WorkflowStep, bool) {
	if i := w.StepIndex(stepID); i >= 0 {
		return w.Steps[i], true
	}
	return WorkflowStep{}, false
}

// ExecutionStatus is the state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an execution may move from one state to another.
//
//	running -> paused | completed | failed | cancelled
//	paused  -> running | failed | cancelled
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionRunning:
		return to == ExecutionPaused || to == ExecutionCompleted || to == ExecutionFailed || to == ExecutionCancelled
	case ExecutionPaused:
		return to == ExecutionRunning || to == ExecutionFailed || to == ExecutionCancelled
	}
	return false
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Succeeded reports whether s routes along the success edge.
// Skipped steps count as successes for routing and completion purposes.
func (s StepStatus) Succeeded() bool {
	return s == StepCompleted || s == StepSkipped
}

// Final reports whether the step has a definitive outcome.
func (s StepStatus) Final() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepResult records the outcome of one step. A dispatched step stays
// StepRunning until its completion callback arrives.
type StepResult struct {
	StepID      string         `json:"stepId"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Attempts    int            `json:"attempts"`
	TaskID      *uuid.UUID     `json:"taskId,omitempty"`
	MessageID   *uuid.UUID     `json:"messageId,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// ExecutionError is the structured failure stored on a failed execution.
type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"stepId,omitempty"`
}

// Execution error codes.
const (
	ErrCodeStepFailed     = "step_failed"
	ErrCodeRetryExhausted = "retry_exhausted"
	ErrCodeEngine         = "engine_error"
	ErrCodeDispatch       = "dispatch_failed"
)

// WorkflowExecution is one run of a workflow. Version increments on every
// persisted mutation and guards concurrent writers.
type WorkflowExecution struct {
	ID             uuid.UUID             `json:"id"`
	WorkspaceID    uuid.UUID             `json:"workspace_id"`
	WorkflowID     uuid.UUID             `json:"workflow_id"`
	Status         ExecutionStatus       `json:"status"`
	CurrentStepID  string                `json:"current_step_id"`
	StepResults    map[string]StepResult `json:"step_results"`
	Context        map[string]any        `json:"context"`
	TotalSteps     int                   `json:"total_steps"`
	CompletedSteps int                   `json:"completed_steps"`
	Error          *ExecutionError       `json:"error,omitempty"`
	TriggerType    TriggerType           `json:"trigger_type"`
	Version        int64                 `json:"version"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// CountCompleted returns the number of step results that completed or were
// skipped. Failed steps never count.
func (e WorkflowExecution) CountCompleted() int {
	n := 0
	for _, r := range e.StepResults {
		if r.Status.Succeeded() {
			n++
		}
	}
	return n
}
