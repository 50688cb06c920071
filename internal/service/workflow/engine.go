// Package workflow executes declarative step graphs.
//
// An execution moves through its steps one at a time. Each step is a job on
// the engine's scheduler: it evaluates the step's conditions, checks the bound
// agent, and dispatches a task. The step then stays running until its
// completion arrives through CompleteStep or the dispatch router, at which
// point the result is recorded, merged into the execution context, and the
// next step is chosen by the step's success or failure routing. All state
// lives in the execution row, guarded by its version, so a restarted engine
// resumes from the stored current step.
package workflow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsumugi/internal/dispatch"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

const (
	maxMutateAttempts   = 5
	conditionsNotMet    = "Conditions not met"
	maxAttemptsExceeded = "max attempts exceeded"

	// releaseTimeout bounds the write that hands a cancelled claim back.
	releaseTimeout = 5 * time.Second
)

// errStale marks a job or completion that no longer applies to the execution
// (it moved on, was cancelled, or another writer got there first).
var errStale = errors.New("workflow: stale")

// Store is the persistence the engine needs. *storage.DB implements it.
type Store interface {
	CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error)
	GetWorkflow(ctx context.Context, workspaceID, id uuid.UUID) (model.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.WorkflowStatus) error
	GetAgent(ctx context.Context, workspaceID, id uuid.UUID) (model.Agent, error)
	RecordAgentExecution(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateExecution(ctx context.Context, e model.WorkflowExecution) (model.WorkflowExecution, error)
	GetExecution(ctx context.Context, workspaceID, id uuid.UUID) (model.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workspaceID, workflowID uuid.UUID, status model.ExecutionStatus, limit int) ([]model.WorkflowExecution, error)
	ListRunningExecutions(ctx context.Context) ([]model.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, e model.WorkflowExecution) (model.WorkflowExecution, error)
	TransitionExecution(ctx context.Context, workspaceID, id uuid.UUID, from []model.ExecutionStatus, to model.ExecutionStatus) (model.WorkflowExecution, bool, error)
	FindStepTask(ctx context.Context, executionID uuid.UUID, stepID string) (model.AgentTask, error)
	CompleteAgentTask(ctx context.Context, id uuid.UUID, status model.AgentTaskStatus, output map[string]any, errMsg *string, at time.Time) (model.AgentTask, bool, error)
}

// Config sizes the step scheduler.
type Config struct {
	Workers   int
	QueueSize int
}

// Engine is the workflow engine.
type Engine struct {
	store    Store
	executor dispatch.Executor
	sched    *Scheduler
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// inflight holds the stepJobs this process is running right now.
	inflight sync.Map

	stepsFinished      metric.Int64Counter
	executionsFinished metric.Int64Counter
}

// New creates an engine that dispatches steps through executor. Call Start
// before executing workflows.
func New(store Store, executor dispatch.Executor, cfg Config, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("tsumugi/workflow")
	steps, _ := meter.Int64Counter("tsumugi.workflow.steps",
		metric.WithDescription("Workflow step outcomes, by status"),
	)
	executions, _ := meter.Int64Counter("tsumugi.workflow.executions",
		metric.WithDescription("Workflow executions reaching a terminal state, by status"),
	)

	e := &Engine{
		store:              store,
		executor:           executor,
		logger:             logger,
		tracer:             telemetry.Tracer("tsumugi/workflow"),
		now:                func() time.Time { return time.Now().UTC() },
		stepsFinished:      steps,
		executionsFinished: executions,
	}
	e.sched = newScheduler(cfg.Workers, cfg.QueueSize, logger)
	e.sched.handle = e.runStep

	_, _ = meter.Int64ObservableGauge("tsumugi.workflow.queue_depth",
		metric.WithDescription("Step jobs waiting for a scheduler worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(e.sched.jobs)))
			return nil
		}),
	)
	return e
}

// Start launches the step scheduler.
func (e *Engine) Start(ctx context.Context) { e.sched.Start(ctx) }

// Drain stops the scheduler and waits for in-flight steps. Steps still running
// when ctx expires are cancelled and hand their claims back.
func (e *Engine) Drain(ctx context.Context) { e.sched.Drain(ctx) }

// Define validates def and stores it as a new version of the named workflow.
func (e *Engine) Define(ctx context.Context, workspaceID uuid.UUID, def Definition, activate bool) (model.Workflow, error) {
	if err := Validate(def); err != nil {
		return model.Workflow{}, err
	}
	status := model.WorkflowDraft
	if activate {
		status = model.WorkflowActive
	}
	wf, err := e.store.CreateWorkflow(ctx, def.Workflow(workspaceID, status))
	if err != nil {
		return model.Workflow{}, fmt.Errorf("workflow: define %q: %w", def.Name, err)
	}
	return wf, nil
}

// SetStatus changes a workflow definition's lifecycle status.
func (e *Engine) SetStatus(ctx context.Context, workspaceID, workflowID uuid.UUID, status model.WorkflowStatus) error {
	if err := e.store.UpdateWorkflowStatus(ctx, workspaceID, workflowID, status); err != nil {
		return fmt.Errorf("workflow: set status: %w", err)
	}
	return nil
}

// ExecuteInput starts one execution.
type ExecuteInput struct {
	WorkspaceID uuid.UUID
	WorkflowID  uuid.UUID
	Trigger     model.TriggerType
	TriggerData map[string]any
	Context     map[string]any
}

// ExecuteResult reports whether an execution was started.
type ExecuteResult struct {
	Success     bool                  `json:"success"`
	ExecutionID *uuid.UUID            `json:"execution_id,omitempty"`
	Status      model.ExecutionStatus `json:"status,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Execute creates an execution positioned at the first step and schedules
// that step. The trigger payload is available to conditions as triggerData.
func (e *Engine) Execute(ctx context.Context, in ExecuteInput) ExecuteResult {
	ctx, span := e.tracer.Start(ctx, "workflow.Execute", trace.WithAttributes(
		attribute.String("tsumugi.workflow_id", in.WorkflowID.String()),
	))
	defer span.End()

	fail := func(err error) ExecuteResult {
		telemetry.RecordError(span, err)
		return ExecuteResult{Error: err.Error()}
	}

	wf, err := e.store.GetWorkflow(ctx, in.WorkspaceID, in.WorkflowID)
	if err != nil {
		return fail(fmt.Errorf("workflow: load %s: %w", in.WorkflowID, err))
	}
	if wf.Status != model.WorkflowActive {
		return fail(fmt.Errorf("workflow: %q is %s, not active: %w", wf.Name, wf.Status, model.ErrInvalidState))
	}
	if len(wf.Steps) == 0 {
		return fail(fmt.Errorf("workflow: %q has no steps: %w", wf.Name, model.ErrInvalidState))
	}

	execCtx := make(map[string]any, len(in.Context)+1)
	maps.Copy(execCtx, in.Context)
	triggerData := in.TriggerData
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	execCtx["triggerData"] = triggerData

	ex, err := e.store.CreateExecution(ctx, model.WorkflowExecution{
		WorkspaceID:   in.WorkspaceID,
		WorkflowID:    wf.ID,
		Status:        model.ExecutionRunning,
		CurrentStepID: wf.Steps[0].ID,
		Context:       execCtx,
		TotalSteps:    len(wf.Steps),
		TriggerType:   cmp.Or(in.Trigger, wf.Trigger.Type),
	})
	if err != nil {
		return fail(fmt.Errorf("workflow: create execution: %w", err))
	}
	span.SetAttributes(attribute.String("tsumugi.execution_id", ex.ID.String()))
	e.logger.Info("workflow: execution started", "execution_id", ex.ID, "workflow", wf.Name, "version", wf.Version)

	e.sched.Enqueue(stepJob{WorkspaceID: ex.WorkspaceID, ExecutionID: ex.ID, StepID: ex.CurrentStepID})
	return ExecuteResult{Success: true, ExecutionID: &ex.ID, Status: ex.Status}
}

// runStep is the scheduler's job handler.
func (e *Engine) runStep(ctx context.Context, job stepJob) {
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("tsumugi.execution_id", job.ExecutionID.String()),
		attribute.String("tsumugi.step_id", job.StepID),
	))
	defer span.End()

	e.inflight.Store(job, struct{}{})
	defer e.inflight.Delete(job)

	// Claim the step. Only a running execution whose current step is still
	// waiting to run can be claimed; anything else is a stale job.
	var attempts int
	ex, err := e.mutate(ctx, job.WorkspaceID, job.ExecutionID, func(ex *model.WorkflowExecution) error {
		if ex.Status != model.ExecutionRunning || ex.CurrentStepID != job.StepID {
			return errStale
		}
		cur, ok := ex.StepResults[job.StepID]
		if ok && cur.Status != model.StepPending {
			return errStale
		}
		attempts = cur.Attempts + 1
		ex.StepResults[job.StepID] = model.StepResult{
			StepID:    job.StepID,
			Status:    model.StepRunning,
			Attempts:  attempts,
			Error:     cur.Error,
			StartedAt: e.now(),
		}
		return nil
	})
	if errors.Is(err, errStale) {
		e.logger.Debug("workflow: stale step job dropped", "execution_id", job.ExecutionID, "step_id", job.StepID)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			e.release(ctx, job, attempts)
			return
		}
		e.logger.Error("workflow: claim step", "execution_id", job.ExecutionID, "step_id", job.StepID, "error", err)
		e.forceFail(ctx, job.WorkspaceID, job.ExecutionID, job.StepID, err)
		return
	}

	wf, step, err := e.loadStep(ctx, ex.WorkspaceID, ex.WorkflowID, job.StepID)
	if err != nil {
		if ctx.Err() != nil {
			e.release(ctx, job, attempts)
			return
		}
		e.forceFail(ctx, ex.WorkspaceID, ex.ID, job.StepID, err)
		return
	}

	result := e.executeStep(ctx, ex, wf, step, attempts)
	if result.Status != model.StepRunning && ctx.Err() != nil {
		// Shutdown interrupted the step before its task was handed off.
		e.release(ctx, job, attempts)
		return
	}
	if result.Status == model.StepRunning {
		_, err := e.mutate(ctx, ex.WorkspaceID, ex.ID, func(ex *model.WorkflowExecution) error {
			cur, ok := ex.StepResults[step.ID]
			if ex.CurrentStepID != step.ID || !ok || cur.Status != model.StepRunning || cur.Attempts != attempts || cur.TaskID != nil {
				return errStale
			}
			cur.TaskID, cur.MessageID = result.TaskID, result.MessageID
			ex.StepResults[step.ID] = cur
			return nil
		})
		if err != nil && !errors.Is(err, errStale) {
			e.logger.Warn("workflow: record step task", "execution_id", ex.ID, "step_id", step.ID, "error", err)
		}
		e.logger.Debug("workflow: step dispatched", "execution_id", ex.ID, "step_id", step.ID, "task_id", result.TaskID)
		return
	}

	e.finishStep(ctx, ex.WorkspaceID, ex.ID, wf, step, func(cur model.StepResult) (model.StepResult, bool) {
		if cur.Status != model.StepRunning || cur.Attempts != attempts {
			return model.StepResult{}, false
		}
		return result, true
	})
}

// release returns a step claimed with the given attempt to pending so the
// next process can claim it again. It runs detached from ctx, which is
// already cancelled when it is called.
func (e *Engine) release(ctx context.Context, job stepJob, attempt int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_, err := e.mutate(ctx, job.WorkspaceID, job.ExecutionID, func(ex *model.WorkflowExecution) error {
		cur, ok := ex.StepResults[job.StepID]
		if ex.CurrentStepID != job.StepID || !ok || cur.Status != model.StepRunning || cur.Attempts != attempt || cur.TaskID != nil {
			return errStale
		}
		cur.Status = model.StepPending
		cur.Attempts = attempt - 1
		ex.StepResults[job.StepID] = cur
		return nil
	})
	switch {
	case err == nil:
		e.logger.Info("workflow: step claim released", "execution_id", job.ExecutionID, "step_id", job.StepID)
	case !errors.Is(err, errStale):
		e.logger.Error("workflow: release step claim", "execution_id", job.ExecutionID, "step_id", job.StepID, "error", err)
	}
}

// reclaim makes the current step of ex runnable again when it was claimed
// but never handed off: it is running, has no recorded task, and no task of
// the current attempt is still in flight. Such a step is left behind by a
// process that stopped between claim and dispatch. It reports whether the
// step should be scheduled.
func (e *Engine) reclaim(ctx context.Context, ex model.WorkflowExecution) (bool, error) {
	stepID := ex.CurrentStepID
	cur, ok := ex.StepResults[stepID]
	if !ok || cur.Status == model.StepPending {
		return true, nil
	}
	if cur.Status != model.StepRunning || cur.TaskID != nil {
		return false, nil
	}
	job := stepJob{WorkspaceID: ex.WorkspaceID, ExecutionID: ex.ID, StepID: stepID}
	if _, running := e.inflight.Load(job); running {
		return false, nil
	}

	task, err := e.store.FindStepTask(ctx, ex.ID, stepID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("workflow: reclaim step %q: %w", stepID, err)
	case task.Status == model.AgentTaskDispatched && !task.DispatchedAt.Before(cur.StartedAt.Truncate(time.Millisecond)):
		// Handed off; its completion resolves the step through CompleteTask.
		return false, nil
	}

	_, err = e.mutate(ctx, ex.WorkspaceID, ex.ID, func(ex *model.WorkflowExecution) error {
		r, ok := ex.StepResults[stepID]
		if ex.Status != model.ExecutionRunning || ex.CurrentStepID != stepID || !ok ||
			r.Status != model.StepRunning || r.TaskID != nil || r.Attempts != cur.Attempts {
			return errStale
		}
		r.Status = model.StepPending
		ex.StepResults[stepID] = r
		return nil
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("workflow: reclaim step %q: %w", stepID, err)
	}
	e.logger.Info("workflow: orphaned step reclaimed", "execution_id", ex.ID, "step_id", stepID, "attempts", cur.Attempts)
	return true, nil
}

func (e *Engine) loadStep(ctx context.Context, workspaceID, workflowID uuid.UUID, stepID string) (model.Workflow, model.WorkflowStep, error) {
	wf, err := e.store.GetWorkflow(ctx, workspaceID, workflowID)
	if err != nil {
		return model.Workflow{}, model.WorkflowStep{}, fmt.Errorf("workflow: load definition: %w", err)
	}
	step, ok := wf.Step(stepID)
	if !ok {
		return model.Workflow{}, model.WorkflowStep{}, fmt.Errorf("workflow: step %q not in workflow %q", stepID, wf.Name)
	}
	return wf, step, nil
}

// executeStep evaluates conditions, checks the agent and dispatches. It
// returns a running result when a task was handed off, or a final skipped or
// failed result otherwise.
func (e *Engine) executeStep(ctx context.Context, ex model.WorkflowExecution, wf model.Workflow, step model.WorkflowStep, attempts int) model.StepResult {
	now := e.now()
	res := model.StepResult{StepID: step.ID, Attempts: attempts, StartedAt: now}
	final := func(status model.StepStatus) model.StepResult {
		res.Status = status
		res.CompletedAt = &now
		return res
	}

	if len(step.Conditions) > 0 && !conditionsMet(step.Conditions, ex.Context) {
		res.Reason = conditionsNotMet
		return final(model.StepSkipped)
	}

	agent, err := e.store.GetAgent(ctx, ex.WorkspaceID, step.AgentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		res.Error = fmt.Sprintf("agent %s not found", step.AgentID)
		return final(model.StepFailed)
	case err != nil:
		res.Error = fmt.Sprintf("load agent %s: %v", step.AgentID, err)
		return final(model.StepFailed)
	case !agent.IsActive():
		res.Error = fmt.Sprintf("agent %s (%s) is not active", agent.Name, agent.ID)
		return final(model.StepFailed)
	}

	h, err := e.executor.Dispatch(ctx, dispatch.Task{
		WorkspaceID: ex.WorkspaceID,
		AgentID:     agent.ID,
		ExecutionID: &ex.ID,
		StepID:      step.ID,
		TimeoutMs:   step.Timeout,
		Content: model.MessageContent{
			Subject: cmp.Or(step.Name, step.ID),
			Body:    step.Action,
			Data: map[string]any{
				"action":      step.Action,
				"inputs":      step.Inputs,
				"context":     ex.Context,
				"workflow_id": wf.ID.String(),
				"attempt":     attempts,
			},
			Priority: model.PriorityNormal,
		},
	})
	if err != nil {
		res.Error = err.Error()
		res.Reason = model.ErrCodeDispatch
		return final(model.StepFailed)
	}
	if err := e.store.RecordAgentExecution(ctx, agent.ID, now); err != nil {
		e.logger.Warn("workflow: record agent execution", "agent_id", agent.ID, "error", err)
	}

	res.Status = model.StepRunning
	res.TaskID = &h.TaskID
	res.MessageID = &h.MessageID
	return res
}

// finishStep applies a final step result. build receives the step's current
// stored result and returns the result to apply, or false if the outcome no
// longer applies.
func (e *Engine) finishStep(ctx context.Context, workspaceID, executionID uuid.UUID, wf model.Workflow, step model.WorkflowStep, build func(cur model.StepResult) (model.StepResult, bool)) {
	var (
		tr     transition
		status model.StepStatus
	)
	ex, err := e.mutate(ctx, workspaceID, executionID, func(ex *model.WorkflowExecution) error {
		if ex.Status.Terminal() || ex.CurrentStepID != step.ID {
			return errStale
		}
		r, ok := build(ex.StepResults[step.ID])
		if !ok {
			return errStale
		}
		status = r.Status
		var err error
		tr, err = advance(ex, wf, step, r, e.now())
		return err
	})
	if errors.Is(err, errStale) {
		e.logger.Debug("workflow: stale step result ignored", "execution_id", executionID, "step_id", step.ID)
		return
	}
	if err != nil {
		e.logger.Error("workflow: apply step result", "execution_id", executionID, "step_id", step.ID, "error", err)
		e.forceFail(ctx, workspaceID, executionID, step.ID, err)
		return
	}

	e.stepsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	e.follow(ctx, ex, tr)
}

// follow schedules whatever the last transition calls for.
func (e *Engine) follow(ctx context.Context, ex model.WorkflowExecution, tr transition) {
	switch {
	case tr.retry:
		e.logger.Info("workflow: step retry scheduled", "execution_id", ex.ID, "step_id", ex.CurrentStepID, "delay", tr.delay)
		e.sched.EnqueueAfter(tr.delay, stepJob{WorkspaceID: ex.WorkspaceID, ExecutionID: ex.ID, StepID: ex.CurrentStepID})
	case tr.next != "" && ex.Status == model.ExecutionRunning:
		e.sched.Enqueue(stepJob{WorkspaceID: ex.WorkspaceID, ExecutionID: ex.ID, StepID: tr.next})
	case ex.Status.Terminal():
		e.executionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(ex.Status))))
		e.logger.Info("workflow: execution finished", "execution_id", ex.ID, "status", ex.Status,
			"completed_steps", ex.CompletedSteps, "total_steps", ex.TotalSteps)
	}
}

// mutate loads the execution, applies fn, and writes it back under the
// version guard, reloading and reapplying fn when another writer won.
func (e *Engine) mutate(ctx context.Context, workspaceID, id uuid.UUID, fn func(*model.WorkflowExecution) error) (model.WorkflowExecution, error) {
	for attempt := 1; ; attempt++ {
		ex, err := e.store.GetExecution(ctx, workspaceID, id)
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		if ex.StepResults == nil {
			ex.StepResults = map[string]model.StepResult{}
		}
		if ex.Context == nil {
			ex.Context = map[string]any{}
		}
		if err := fn(&ex); err != nil {
			return ex, err
		}
		updated, err := e.store.UpdateExecution(ctx, ex)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxMutateAttempts {
			return model.WorkflowExecution{}, err
		}
	}
}

// forceFail moves an execution to failed after an engine error so it never
// sits in running indefinitely.
func (e *Engine) forceFail(ctx context.Context, workspaceID, id uuid.UUID, stepID string, cause error) {
	_, err := e.mutate(ctx, workspaceID, id, func(ex *model.WorkflowExecution) error {
		if ex.Status.Terminal() {
			return errStale
		}
		now := e.now()
		ex.Status = model.ExecutionFailed
		ex.Error = &model.ExecutionError{Code: model.ErrCodeEngine, Message: cause.Error(), StepID: stepID}
		ex.CompletedAt = &now
		ex.CompletedSteps = ex.CountCompleted()
		return nil
	})
	if err == nil {
		e.executionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.ExecutionFailed))))
		return
	}
	if errors.Is(err, errStale) {
		return
	}
	e.logger.Error("workflow: force fail", "execution_id", id, "step_id", stepID, "error", err)
	if _, _, terr := e.store.TransitionExecution(ctx, workspaceID, id,
		[]model.ExecutionStatus{model.ExecutionRunning, model.ExecutionPaused}, model.ExecutionFailed); terr != nil {
		e.logger.Error("workflow: force fail fallback", "execution_id", id, "error", terr)
	}
}

// StepOutcome is an agent's report for one workflow step.
type StepOutcome struct {
	Success bool
	Output  map[string]any
	Error   string
}

// CompleteStep records the outcome of the step's most recent task and
// advances the execution. It returns false when the task was already
// completed, making repeated calls harmless.
func (e *Engine) CompleteStep(ctx context.Context, workspaceID, executionID uuid.UUID, stepID string, out StepOutcome) (bool, error) {
	task, err := e.store.FindStepTask(ctx, executionID, stepID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("workflow: step %q has no dispatched task: %w", stepID, model.ErrInvalidState)
		}
		return false, fmt.Errorf("workflow: complete step: %w", err)
	}
	if task.WorkspaceID != workspaceID {
		return false, fmt.Errorf("workflow: execution %s: %w", executionID, storage.ErrNotFound)
	}

	status := model.AgentTaskCompleted
	var errMsg *string
	if !out.Success {
		status = model.AgentTaskFailed
		msg := cmp.Or(out.Error, "step failed")
		errMsg = &msg
	}
	done, applied, err := e.store.CompleteAgentTask(ctx, task.ID, status, out.Output, errMsg, e.now())
	if err != nil {
		return false, fmt.Errorf("workflow: complete step task: %w", err)
	}
	if !applied {
		return false, nil
	}
	return true, e.CompleteTask(ctx, done)
}

// CompleteTask applies a task whose outcome is already recorded. It is the
// dispatch router's entry point.
func (e *Engine) CompleteTask(ctx context.Context, task model.AgentTask) error {
	if task.ExecutionID == nil {
		return nil
	}
	ex, err := e.store.GetExecution(ctx, task.WorkspaceID, *task.ExecutionID)
	if err != nil {
		return fmt.Errorf("workflow: complete task: %w", err)
	}
	if ex.Status.Terminal() {
		e.logger.Debug("workflow: completion after execution finished", "execution_id", ex.ID, "task_id", task.ID)
		return nil
	}
	wf, step, err := e.loadStep(ctx, ex.WorkspaceID, ex.WorkflowID, task.StepID)
	if err != nil {
		e.forceFail(ctx, ex.WorkspaceID, ex.ID, task.StepID, err)
		return err
	}

	e.finishStep(ctx, ex.WorkspaceID, ex.ID, wf, step, func(cur model.StepResult) (model.StepResult, bool) {
		if cur.Status != model.StepRunning {
			return model.StepResult{}, false
		}
		if cur.TaskID != nil && *cur.TaskID != task.ID {
			return model.StepResult{}, false
		}
		if task.DispatchedAt.Before(cur.StartedAt.Truncate(time.Millisecond)) {
			return model.StepResult{}, false // a superseded attempt
		}
		r := cur
		r.TaskID = &task.ID
		r.MessageID = task.MessageID
		r.Output = task.Output
		r.CompletedAt = task.CompletedAt
		if task.Status == model.AgentTaskCompleted {
			r.Status = model.StepCompleted
			r.Error = ""
		} else {
			r.Status = model.StepFailed
			if task.Error != nil {
				r.Error = *task.Error
			}
		}
		return r, true
	})
	return nil
}

// Pause stops an execution between steps. A step already dispatched still
// records its result when it completes, but the next step waits for Resume.
func (e *Engine) Pause(ctx context.Context, workspaceID, executionID uuid.UUID) (model.WorkflowExecution, error) {
	return e.transition(ctx, workspaceID, executionID, "pause", []model.ExecutionStatus{model.ExecutionRunning}, model.ExecutionPaused)
}

// Resume restarts a paused execution at its current step.
func (e *Engine) Resume(ctx context.Context, workspaceID, executionID uuid.UUID) (model.WorkflowExecution, error) {
	ex, err := e.transition(ctx, workspaceID, executionID, "resume", []model.ExecutionStatus{model.ExecutionPaused}, model.ExecutionRunning)
	if err != nil {
		return ex, err
	}
	if ex.CurrentStepID != "" {
		schedule, err := e.reclaim(ctx, ex)
		if err != nil {
			e.logger.Warn("workflow: resume reclaim", "execution_id", ex.ID, "error", err)
		}
		if schedule {
			e.sched.Enqueue(stepJob{WorkspaceID: ex.WorkspaceID, ExecutionID: ex.ID, StepID: ex.CurrentStepID})
		}
		return ex, nil
	}

	// The last step finished while paused.
	done, err := e.mutate(ctx, workspaceID, executionID, func(ex *model.WorkflowExecution) error {
		if ex.Status != model.ExecutionRunning || ex.CurrentStepID != "" {
			return errStale
		}
		now := e.now()
		ex.Status = model.ExecutionCompleted
		ex.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errStale) {
		return e.store.GetExecution(ctx, workspaceID, executionID)
	}
	if err != nil {
		return ex, fmt.Errorf("workflow: finish resumed execution: %w", err)
	}
	e.follow(ctx, done, transition{})
	return done, nil
}

// Cancel stops a running or paused execution for good.
func (e *Engine) Cancel(ctx context.Context, workspaceID, executionID uuid.UUID) (model.WorkflowExecution, error) {
	ex, err := e.transition(ctx, workspaceID, executionID, "cancel",
		[]model.ExecutionStatus{model.ExecutionRunning, model.ExecutionPaused}, model.ExecutionCancelled)
	if err == nil {
		e.follow(ctx, ex, transition{})
	}
	return ex, err
}

func (e *Engine) transition(ctx context.Context, workspaceID, executionID uuid.UUID, verb string, from []model.ExecutionStatus, to model.ExecutionStatus) (model.WorkflowExecution, error) {
	ex, applied, err := e.store.TransitionExecution(ctx, workspaceID, executionID, from, to)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("workflow: %s: %w", verb, err)
	}
	if !applied {
		return ex, fmt.Errorf("workflow: cannot %s execution in status %s: %w", verb, ex.Status, model.ErrInvalidState)
	}
	e.logger.Info("workflow: execution "+string(to), "execution_id", executionID)
	return ex, nil
}

// RetryStep re-runs the execution's current step after its retry backoff,
// superseding the task in flight. Once the step has used all its attempts
// it fails for good, is routed along its failure edge, and
// model.ErrRetryExhausted is returned.
func (e *Engine) RetryStep(ctx context.Context, workspaceID, executionID uuid.UUID, stepID string) error {
	ex, err := e.store.GetExecution(ctx, workspaceID, executionID)
	if err != nil {
		return fmt.Errorf("workflow: retry step: %w", err)
	}
	wf, step, err := e.loadStep(ctx, workspaceID, ex.WorkflowID, stepID)
	if err != nil {
		return err
	}

	var (
		tr         transition
		exhausted  bool
		superseded *uuid.UUID
	)
	ex, err = e.mutate(ctx, workspaceID, executionID, func(ex *model.WorkflowExecution) error {
		exhausted, superseded = false, nil
		if ex.Status.Terminal() {
			return fmt.Errorf("workflow: cannot retry step of %s execution: %w", ex.Status, model.ErrInvalidState)
		}
		if ex.CurrentStepID != stepID {
			return fmt.Errorf("workflow: step %q is not the current step: %w", stepID, model.ErrInvalidState)
		}
		cur, ok := ex.StepResults[stepID]
		if !ok || cur.Status == model.StepPending {
			return fmt.Errorf("workflow: step %q is already scheduled: %w", stepID, model.ErrInvalidState)
		}
		superseded = cur.TaskID

		if cur.Attempts >= step.MaxAttempts() {
			exhausted = true
			now := e.now()
			r := cur
			r.Status = model.StepFailed
			r.Error = maxAttemptsExceeded
			r.CompletedAt = &now
			var err error
			tr, err = advance(ex, wf, step, r, now)
			if ex.Error != nil {
				ex.Error.Code = model.ErrCodeRetryExhausted
			}
			return err
		}

		cur.Status = model.StepPending
		cur.TaskID, cur.MessageID = nil, nil
		ex.StepResults[stepID] = cur
		tr = transition{retry: true, delay: step.Backoff(cur.Attempts)}
		return nil
	})
	if err != nil {
		return err
	}

	if superseded != nil {
		msg := "superseded by retry"
		if exhausted {
			msg = maxAttemptsExceeded
		}
		if _, _, err := e.store.CompleteAgentTask(ctx, *superseded, model.AgentTaskFailed, nil, &msg, e.now()); err != nil {
			e.logger.Warn("workflow: supersede step task", "task_id", *superseded, "error", err)
		}
	}
	e.follow(ctx, ex, tr)
	if exhausted {
		return fmt.Errorf("workflow: step %q: %w", stepID, model.ErrRetryExhausted)
	}
	return nil
}

// Recover re-schedules running executions whose current step was waiting to
// run when the process stopped, or was claimed but never handed off. Returns
// how many were re-scheduled.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	running, err := e.store.ListRunningExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("workflow: recover: %w", err)
	}
	n := 0
	for _, ex := range running {
		if ex.CurrentStepID == "" {
			continue
		}
		schedule, err := e.reclaim(ctx, ex)
		if err != nil {
			e.logger.Warn("workflow: recover execution", "execution_id", ex.ID, "error", err)
			continue
		}
		if !schedule {
			continue
		}
		e.sched.Enqueue(stepJob{WorkspaceID: ex.WorkspaceID, ExecutionID: ex.ID, StepID: ex.CurrentStepID})
		n++
	}
	if n > 0 {
		e.logger.Info("workflow: recovered executions", "count", n)
	}
	return n, nil
}

// GetExecution returns one execution.
func (e *Engine) GetExecution(ctx context.Context, workspaceID, executionID uuid.UUID) (model.WorkflowExecution, error) {
	ex, err := e.store.GetExecution(ctx, workspaceID, executionID)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("workflow: get execution: %w", err)
	}
	return ex, nil
}

// ListExecutions returns a workflow's executions, newest first, optionally
// filtered by status.
func (e *Engine) ListExecutions(ctx context.Context, workspaceID, workflowID uuid.UUID, status model.ExecutionStatus, limit int) ([]model.WorkflowExecution, error) {
	out, err := e.store.ListExecutions(ctx, workspaceID, workflowID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("workflow: list executions: %w", err)
	}
	return out, nil
}
