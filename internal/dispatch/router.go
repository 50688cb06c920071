package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Completion reports the outcome of a dispatched task. TaskID identifies the
// task; a workflow step may instead be identified by ExecutionID and StepID.
type Completion struct {
	TaskID      uuid.UUID      `json:"task_id,omitempty"`
	ExecutionID *uuid.UUID     `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// TaskCompleter consumes a task whose outcome has just been recorded.
type TaskCompleter interface {
	CompleteTask(ctx context.Context, task model.AgentTask) error
}

// Router applies completions. The first completion for a task is recorded
// and forwarded to the workflow engine or the team executor; later ones are
// ignored.
type Router struct {
	tasks     TaskStore
	workflows TaskCompleter
	teams     TaskCompleter
	logger    *slog.Logger
}

// NewRouter creates a Router. Either completer may be nil, in which case
// tasks from that source are only recorded.
func NewRouter(tasks TaskStore, workflows, teams TaskCompleter, logger *slog.Logger) *Router {
	return &Router{tasks: tasks, workflows: workflows, teams: teams, logger: logger}
}

// Complete records c against its task. Returns applied=false for a duplicate.
func (r *Router) Complete(ctx context.Context, c Completion) (applied bool, err error) {
	taskID, err := r.resolve(ctx, c)
	if err != nil {
		return false, err
	}

	status := model.AgentTaskCompleted
	var errMsg *string
	if !c.Success {
		status = model.AgentTaskFailed
		msg := c.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		errMsg = &msg
	}

	task, applied, err := r.tasks.CompleteAgentTask(ctx, taskID, status, c.Output, errMsg, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("dispatch: complete task %s: %w", taskID, err)
	}
	if !applied {
		r.logger.Debug("dispatch: duplicate completion ignored", "task_id", taskID, "status", task.Status)
		return false, nil
	}

	var target TaskCompleter
	switch {
	case task.ExecutionID != nil:
		target = r.workflows
	case task.TeamExecutionID != nil:
		target = r.teams
	}
	if target != nil {
		if err := target.CompleteTask(ctx, task); err != nil {
			return true, fmt.Errorf("dispatch: deliver completion for task %s: %w", taskID, err)
		}
	}
	return true, nil
}

func (r *Router) resolve(ctx context.Context, c Completion) (uuid.UUID, error) {
	if c.TaskID != uuid.Nil {
		return c.TaskID, nil
	}
	if c.ExecutionID == nil || c.StepID == "" {
		return uuid.Nil, fmt.Errorf("dispatch: completion needs a task id or execution and step ids: %w", model.ErrInvalidInput)
	}
	task, err := r.tasks.FindStepTask(ctx, *c.ExecutionID, c.StepID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: resolve step task: %w", err)
	}
	return task.ID, nil
}

// NotificationHandler returns a handler for JSON completions arriving on the
// completions notification channel.
func NotificationHandler(r *Router, logger *slog.Logger) func(ctx context.Context, payload string) {
	return func(ctx context.Context, payload string) {
		var c Completion
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			logger.Warn("dispatch: malformed completion notification", "error", err)
			return
		}
		if _, err := r.Complete(ctx, c); err != nil {
			level := slog.LevelError
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, model.ErrInvalidInput) {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "dispatch: apply completion", "task_id", c.TaskID, "error", err)
		}
	}
}
