// Package dispatch is the seam between the orchestration core and whatever
// actually runs agents.
//
// Dispatch returns as soon as a task has been handed off. It never waits for
// the agent to finish. Completion arrives later through Router.Complete,
// which may be fed by Postgres notifications, NATS, or a direct call, and is
// applied at most once per task.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Task is one unit of agent work to hand off. TeamExecutionID and
// ExecutionID/StepID tell the completion router where to deliver the result.
type Task struct {
	WorkspaceID     uuid.UUID
	AgentID         uuid.UUID
	FromAgentID     *uuid.UUID
	TeamID          *uuid.UUID
	TeamExecutionID *uuid.UUID
	ExecutionID     *uuid.UUID
	StepID          string
	Content         model.MessageContent
	// TimeoutMs is carried to the executor; it is not enforced here.
	TimeoutMs int
}

// Handle identifies a dispatched task.
type Handle struct {
	TaskID       uuid.UUID `json:"task_id"`
	MessageID    uuid.UUID `json:"message_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Executor hands tasks to agents.
type Executor interface {
	Dispatch(ctx context.Context, t Task) (Handle, error)
}

// TaskStore tracks dispatched tasks. *storage.DB implements it.
type TaskStore interface {
	CreateAgentTask(ctx context.Context, t model.AgentTask) (model.AgentTask, error)
	SetAgentTaskMessage(ctx context.Context, id, messageID uuid.UUID) error
	GetAgentTask(ctx context.Context, id uuid.UUID) (model.AgentTask, error)
	FindStepTask(ctx context.Context, executionID uuid.UUID, stepID string) (model.AgentTask, error)
	CompleteAgentTask(ctx context.Context, id uuid.UUID, status model.AgentTaskStatus, output map[string]any, errMsg *string, at time.Time) (model.AgentTask, bool, error)
}

// Sender delivers the task message. *messaging.Service implements it.
type Sender interface {
	Send(ctx context.Context, in messaging.SendInput) (model.AgentMessage, error)
}

// Publisher forwards a dispatched task to an out-of-process executor.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Envelope is the payload external executors receive for each task.
type Envelope struct {
	TaskID          uuid.UUID            `json:"task_id"`
	MessageID       uuid.UUID            `json:"message_id"`
	WorkspaceID     uuid.UUID            `json:"workspace_id"`
	AgentID         uuid.UUID            `json:"agent_id"`
	TeamID          *uuid.UUID           `json:"team_id,omitempty"`
	TeamExecutionID *uuid.UUID           `json:"team_execution_id,omitempty"`
	ExecutionID     *uuid.UUID           `json:"execution_id,omitempty"`
	StepID          string               `json:"step_id,omitempty"`
	Content         model.MessageContent `json:"content"`
	TimeoutMs       int                  `json:"timeout_ms,omitempty"`
	DispatchedAt    time.Time            `json:"dispatched_at"`
}

// BusExecutor records each task in the agent_tasks table and delivers it as a
// task message on the message bus. An optional Publisher also forwards it to
// an external transport.
type BusExecutor struct {
	tasks     TaskStore
	bus       Sender
	publisher Publisher
	logger    *slog.Logger

	dispatched metric.Int64Counter
}

// NewBusExecutor creates a BusExecutor. publisher may be nil.
func NewBusExecutor(tasks TaskStore, bus Sender, publisher Publisher, logger *slog.Logger) *BusExecutor {
	dispatched, _ := telemetry.Meter("tsumugi/dispatch").Int64Counter("tsumugi.dispatch.tasks",
		metric.WithDescription("Agent task dispatches, by outcome"),
	)
	return &BusExecutor{tasks: tasks, bus: bus, publisher: publisher, logger: logger, dispatched: dispatched}
}

// Dispatch records the task, sends its message, and publishes it if a
// publisher is configured. Any failure marks the task failed and returns an
// error wrapping model.ErrDispatch.
func (e *BusExecutor) Dispatch(ctx context.Context, t Task) (Handle, error) {
	task, err := e.tasks.CreateAgentTask(ctx, model.AgentTask{
		WorkspaceID:     t.WorkspaceID,
		AgentID:         t.AgentID,
		TeamID:          t.TeamID,
		TeamExecutionID: t.TeamExecutionID,
		ExecutionID:     t.ExecutionID,
		StepID:          t.StepID,
		Content:         t.Content,
		TimeoutMs:       t.TimeoutMs,
	})
	if err != nil {
		return e.fail(ctx, Handle{}, fmt.Errorf("dispatch: record task: %w: %w", model.ErrDispatch, err))
	}
	h := Handle{TaskID: task.ID, DispatchedAt: task.DispatchedAt}

	content := t.Content
	content.Data = taskData(t, task.ID)
	msg, err := e.bus.Send(ctx, messaging.SendInput{
		WorkspaceID: t.WorkspaceID,
		FromAgentID: t.FromAgentID,
		ToAgentID:   &t.AgentID,
		TeamID:      t.TeamID,
		Type:        model.MessageTypeTask,
		Content:     content,
	})
	if err != nil {
		return e.fail(ctx, h, fmt.Errorf("dispatch: send task message: %w: %w", model.ErrDispatch, err))
	}
	h.MessageID = msg.ID
	if err := e.tasks.SetAgentTaskMessage(ctx, task.ID, msg.ID); err != nil {
		e.logger.Warn("dispatch: link task message", "task_id", task.ID, "error", err)
	}

	if e.publisher != nil {
		env := Envelope{
			TaskID:          task.ID,
			MessageID:       msg.ID,
			WorkspaceID:     t.WorkspaceID,
			AgentID:         t.AgentID,
			TeamID:          t.TeamID,
			TeamExecutionID: t.TeamExecutionID,
			ExecutionID:     t.ExecutionID,
			StepID:          t.StepID,
			Content:         content,
			TimeoutMs:       t.TimeoutMs,
			DispatchedAt:    task.DispatchedAt,
		}
		if err := e.publisher.Publish(ctx, env); err != nil {
			return e.fail(ctx, h, fmt.Errorf("dispatch: publish task: %w: %w", model.ErrDispatch, err))
		}
	}

	e.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "dispatched")))
	e.logger.Debug("dispatch: task dispatched", "task_id", task.ID, "agent_id", t.AgentID, "message_id", msg.ID)
	return h, nil
}

// fail marks a recorded task failed so it never waits for a completion that
// cannot come.
func (e *BusExecutor) fail(ctx context.Context, h Handle, err error) (Handle, error) {
	e.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	if h.TaskID != uuid.Nil {
		msg := err.Error()
		if _, _, cerr := e.tasks.CompleteAgentTask(ctx, h.TaskID, model.AgentTaskFailed, nil, &msg, time.Now().UTC()); cerr != nil {
			e.logger.Warn("dispatch: mark task failed", "task_id", h.TaskID, "error", cerr)
		}
	}
	return h, err
}

// taskData returns the message data with the routing keys an executor needs
// to report completion.
func taskData(t Task, taskID uuid.UUID) map[string]any {
	data := make(map[string]any, len(t.Content.Data)+3)
	maps.Copy(data, t.Content.Data)
	data["task_id"] = taskID.String()
	if t.ExecutionID != nil {
		data["execution_id"] = t.ExecutionID.String()
		data["step_id"] = t.StepID
	}
	if t.TeamExecutionID != nil {
		data["team_execution_id"] = t.TeamExecutionID.String()
	}
	if t.TimeoutMs > 0 {
		data["timeout_ms"] = t.TimeoutMs
	}
	return data
}
