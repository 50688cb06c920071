// Package team runs multi-agent team executions.
//
// A run walks a fixed sequence of phases: validate the team, record the
// execution context, brief the coordinator, broadcast the objective, then
// dispatch work to the coordinator, the specialists in priority order (with a
// context relay between consecutive specialists) and finally the support
// members. Dispatching hands a task to an agent and returns at once; the agent
// reports back later through CompleteAgentTask or the dispatch router, and
// the persisted team execution finishes when all of its tasks have settled.
package team

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsumugi/internal/dispatch"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/memory"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Store is the persistence the team executor needs. *storage.DB implements it.
type Store interface {
	GetTeam(ctx context.Context, workspaceID, id uuid.UUID) (model.Team, error)
	ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]model.TeamMember, error)
	RecordTeamExecution(ctx context.Context, id uuid.UUID, succeeded bool) error
	RecordAgentExecution(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateTeamExecution(ctx context.Context, e model.TeamExecution) (model.TeamExecution, error)
	GetTeamExecution(ctx context.Context, workspaceID, id uuid.UUID) (model.TeamExecution, error)
	SaveTeamExecutionResults(ctx context.Context, id uuid.UUID, results model.TeamExecutionResults) error
	FinishTeamExecution(ctx context.Context, id uuid.UUID, status model.TeamExecutionStatus, errMsg *string, at time.Time) (bool, error)
	FinishTeamExecutionIfSettled(ctx context.Context, id uuid.UUID, at time.Time) (model.TeamExecutionStatus, bool, error)
	GetAgentTask(ctx context.Context, id uuid.UUID) (model.AgentTask, error)
	CompleteAgentTask(ctx context.Context, id uuid.UUID, status model.AgentTaskStatus, output map[string]any, errMsg *string, at time.Time) (model.AgentTask, bool, error)
	ListTeamExecutionTasks(ctx context.Context, teamExecutionID uuid.UUID) ([]model.AgentTask, error)
}

// Executor is the team executor.
type Executor struct {
	store    Store
	bus      *messaging.Service
	memory   *memory.Service
	executor dispatch.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	runs       metric.Int64Counter
	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a team executor that hands agent work to executor.
func New(store Store, bus *messaging.Service, mem *memory.Service, executor dispatch.Executor, logger *slog.Logger) *Executor {
	meter := telemetry.Meter("tsumugi/team")
	runs, _ := meter.Int64Counter("tsumugi.team.runs",
		metric.WithDescription("Team runs, by outcome"),
	)
	dispatches, _ := meter.Int64Counter("tsumugi.team.dispatches",
		metric.WithDescription("Agent dispatches made by team runs, by role and outcome"),
	)
	duration, _ := meter.Float64Histogram("tsumugi.team.run.duration",
		metric.WithDescription("Time to walk all phases of a team run"),
		metric.WithUnit("ms"),
	)
	return &Executor{
		store:      store,
		bus:        bus,
		memory:     mem,
		executor:   executor,
		logger:     logger,
		tracer:     telemetry.Tracer("tsumugi/team"),
		now:        func() time.Time { return time.Now().UTC() },
		runs:       runs,
		dispatches: dispatches,
		duration:   duration,
	}
}

// Run executes task with the team. Problems are reported in the result,
// never as an error or a panic.
func (x *Executor) Run(ctx context.Context, workspaceID, teamID uuid.UUID, task model.TeamTask) model.TeamExecutionResult {
	ctx, span := x.tracer.Start(ctx, "team.Run", trace.WithAttributes(
		attribute.String("tsumugi.team_id", teamID.String()),
	))
	defer span.End()
	start := time.Now()

	ex := &execution{
		workspaceID: workspaceID,
		team:        model.Team{ID: teamID},
		task:        task,
		shared:      map[string]any{},
	}
	var failed error
	for _, p := range pipeline {
		if err := x.runPhase(ctx, p, ex); err != nil {
			failed = err
			x.logger.Warn("team: run aborted", "team_id", teamID, "phase", p.name(), "error", err)
			break
		}
	}
	if failed != nil {
		x.abort(ctx, ex, failed)
		telemetry.RecordError(span, failed)
	}

	res := model.TeamExecutionResult{
		TeamID:         teamID,
		Objective:      task.Objective,
		AgentsInvolved: []uuid.UUID{},
		Results:        ex.teamResults(),
		MessageIDs:     ex.messageIDs,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if ex.id != uuid.Nil {
		res.ExecutionID = &ex.id
	}
	for _, m := range ex.plan.involved() {
		res.AgentsInvolved = append(res.AgentsInvolved, m.AgentID)
	}
	switch {
	case failed != nil:
		res.Error = failed.Error()
	case ex.failures > 0:
		res.Error = fmt.Sprintf("%d of %d agent dispatches failed", ex.failures, len(ex.results))
	default:
		res.Success = true
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	x.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	x.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	x.logger.Info("team: run finished", "team_id", teamID, "team_execution_id", ex.id,
		"success", res.Success, "agents", len(res.AgentsInvolved), "handoffs", ex.handoffs)
	return res
}

// runPhase runs one phase, turning a panic into an error.
func (x *Executor) runPhase(ctx context.Context, p phase, ex *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("team: phase %s panicked: %v", p.name(), r)
		}
	}()
	return p.run(ctx, x, ex)
}

// abort records a run that stopped partway. A run rejected by validation
// leaves no trace.
func (x *Executor) abort(ctx context.Context, ex *execution, cause error) {
	if !ex.validated {
		return
	}
	if err := x.store.RecordTeamExecution(ctx, ex.team.ID, false); err != nil {
		x.logger.Warn("team: record team execution", "team_id", ex.team.ID, "error", err)
	}
	if ex.id == uuid.Nil {
		return
	}
	if err := x.store.SaveTeamExecutionResults(ctx, ex.id, ex.teamResults()); err != nil {
		x.logger.Warn("team: save results", "team_execution_id", ex.id, "error", err)
	}
	msg := cause.Error()
	if _, err := x.store.FinishTeamExecution(ctx, ex.id, model.TeamExecutionFailed, &msg, x.now()); err != nil {
		x.logger.Warn("team: finish execution", "team_execution_id", ex.id, "error", err)
	}
}

// executeAgent dispatches the run's objective to one member along with the
// shared context accumulated so far. The result reports the dispatch, not the
// agent's eventual work.
func (x *Executor) executeAgent(ctx context.Context, ex *execution, m model.TeamMember, subject string) model.AgentExecutionResult {
	start := time.Now()
	res := model.AgentExecutionResult{AgentID: m.AgentID, AgentName: m.Agent.Name, Role: m.Role}

	var execID *uuid.UUID
	if ex.id != uuid.Nil {
		execID = &ex.id
	}
	h, err := x.executor.Dispatch(ctx, dispatch.Task{
		WorkspaceID:     ex.workspaceID,
		AgentID:         m.AgentID,
		TeamID:          &ex.team.ID,
		TeamExecutionID: execID,
		Content: model.MessageContent{
			Subject: subject,
			Body:    ex.task.Objective,
			Data: map[string]any{
				"role":          string(m.Role),
				"sharedContext": ex.snapshot(),
			},
			Priority: ex.priority(),
		},
	})
	res.DurationMs = time.Since(start).Milliseconds()

	outcome := "dispatched"
	defer func() {
		x.dispatches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", string(m.Role)),
			attribute.String("outcome", outcome),
		))
	}()
	if err != nil {
		outcome = "failed"
		res.Error = err.Error()
		x.logger.Warn("team: dispatch failed", "agent_id", m.AgentID, "role", m.Role, "error", err)
		return res
	}
	if err := x.store.RecordAgentExecution(ctx, m.AgentID, x.now()); err != nil {
		x.logger.Warn("team: record agent execution", "agent_id", m.AgentID, "error", err)
	}

	res.Success = true
	res.Dispatched = true
	res.TaskID = &h.TaskID
	res.MessageID = &h.MessageID
	res.Output = map[string]any{
		"agent":        m.Agent.Name,
		"status":       "dispatched",
		"taskId":       h.TaskID.String(),
		"messageId":    h.MessageID.String(),
		"dispatchedAt": h.DispatchedAt,
	}
	return res
}

// HandoffInput passes accumulated context from one agent to another.
type HandoffInput struct {
	WorkspaceID uuid.UUID
	TeamID      *uuid.UUID
	FromAgentID uuid.UUID
	ToAgentID   uuid.UUID
	Reason      string
	Context     map[string]any
}

// Handoff sends a handoff message, shares the context into the target's
// memory and follows up with a task message. It reports whether all three
// succeeded and never returns an error.
func (x *Executor) Handoff(ctx context.Context, in HandoffInput) bool {
	handoff, err := x.bus.Send(ctx, messaging.SendInput{
		WorkspaceID: in.WorkspaceID,
		FromAgentID: &in.FromAgentID,
		ToAgentID:   &in.ToAgentID,
		TeamID:      in.TeamID,
		Type:        model.MessageTypeHandoff,
		Content: model.MessageContent{
			Subject: "Handoff",
			Body:    in.Reason,
			Data:    map[string]any{"context": in.Context},
		},
	})
	if err != nil {
		x.logger.Warn("team: handoff message", "from", in.FromAgentID, "to", in.ToAgentID, "error", err)
		return false
	}
	if _, err := x.memory.ShareContext(ctx, in.WorkspaceID, in.FromAgentID, in.ToAgentID, in.Context); err != nil {
		x.logger.Warn("team: handoff context", "from", in.FromAgentID, "to", in.ToAgentID, "error", err)
		return false
	}
	if _, err := x.bus.Send(ctx, messaging.SendInput{
		WorkspaceID:     in.WorkspaceID,
		FromAgentID:     &in.FromAgentID,
		ToAgentID:       &in.ToAgentID,
		TeamID:          in.TeamID,
		Type:            model.MessageTypeTask,
		ParentMessageID: &handoff.ID,
		Content: model.MessageContent{
			Subject:  "Continue from handoff",
			Body:     in.Reason,
			Data:     map[string]any{"handoffMessageId": handoff.ID.String()},
			Priority: model.PriorityNormal,
		},
	}); err != nil {
		x.logger.Warn("team: handoff task", "from", in.FromAgentID, "to", in.ToAgentID, "error", err)
		return false
	}
	return true
}

// Coordinate dispatches task to the given members, or to every member when
// agentIDs is empty, strictly in priority order without role phasing. Each
// agent receives the context accumulated from the agents before it.
func (x *Executor) Coordinate(ctx context.Context, workspaceID, teamID uuid.UUID, task model.TeamTask, agentIDs []uuid.UUID) ([]model.AgentExecutionResult, error) {
	team, err := x.store.GetTeam(ctx, workspaceID, teamID)
	if err != nil {
		return nil, fmt.Errorf("team: coordinate: %w", err)
	}
	if !team.IsActive() {
		return nil, fmt.Errorf("team: team %s is %s: %w", team.Name, team.Status, model.ErrInvalidState)
	}
	members, err := x.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("team: list members: %w", err)
	}

	selected := members
	if len(agentIDs) > 0 {
		selected = selected[:0:0]
		for _, id := range agentIDs {
			i := slices.IndexFunc(members, func(m model.TeamMember) bool { return m.AgentID == id })
			if i < 0 {
				return nil, fmt.Errorf("team: agent %s is not a member of team %s: %w", id, team.Name, model.ErrInvalidInput)
			}
			selected = append(selected, members[i])
		}
	}
	slices.SortStableFunc(selected, func(a, b model.TeamMember) int { return a.Priority - b.Priority })

	te, err := x.store.CreateTeamExecution(ctx, model.TeamExecution{
		WorkspaceID: workspaceID, TeamID: teamID, Objective: task.Objective, Status: model.TeamExecutionRunning,
	})
	if err != nil {
		return nil, fmt.Errorf("team: create execution: %w", err)
	}
	ex := &execution{
		workspaceID: workspaceID,
		team:        team,
		task:        task,
		id:          te.ID,
		shared:      map[string]any{"objective": task.Objective, "teamExecutionId": te.ID.String()},
	}

	for _, m := range selected {
		if !m.Agent.IsActive() {
			ex.record(model.AgentExecutionResult{
				AgentID: m.AgentID, AgentName: m.Agent.Name, Role: m.Role,
				Error: fmt.Sprintf("agent %s is not active", m.Agent.Name),
			})
			continue
		}
		r := x.executeAgent(ctx, ex, m, "Coordinated task")
		ex.record(r)
		if r.Success {
			ex.shared[model.SanitizeKey(m.Agent.Name)] = r.Output
		}
	}

	if err := x.store.SaveTeamExecutionResults(ctx, te.ID, ex.teamResults()); err != nil {
		return ex.results, err
	}
	if status, finished, err := x.store.FinishTeamExecutionIfSettled(ctx, te.ID, x.now()); err != nil {
		return ex.results, err
	} else if finished {
		x.settled(ctx, te.ID, status)
	}
	return ex.results, nil
}

// Outcome is an agent's report for a team task.
type Outcome struct {
	Success bool
	Output  map[string]any
	Error   string
}

// CompleteAgentTask records an agent's report for a task dispatched by a team
// run. It returns false when the task was already completed.
func (x *Executor) CompleteAgentTask(ctx context.Context, workspaceID, taskID uuid.UUID, out Outcome) (bool, error) {
	task, err := x.store.GetAgentTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("team: complete task: %w", err)
	}
	if task.WorkspaceID != workspaceID || task.TeamExecutionID == nil {
		return false, fmt.Errorf("team: task %s: %w", taskID, storage.ErrNotFound)
	}

	status := model.AgentTaskCompleted
	var errMsg *string
	if !out.Success {
		status = model.AgentTaskFailed
		msg := cmp.Or(out.Error, "agent reported failure")
		errMsg = &msg
	}
	done, applied, err := x.store.CompleteAgentTask(ctx, taskID, status, out.Output, errMsg, x.now())
	if err != nil {
		return false, fmt.Errorf("team: complete task: %w", err)
	}
	if !applied {
		return false, nil
	}
	return true, x.CompleteTask(ctx, done)
}

// CompleteTask applies a task whose outcome is already recorded: the output
// goes into team memory, a result message goes to the coordinator (or to the
// whole team when the coordinator is the reporter or there is none), and the
// team execution finishes once nothing is outstanding. It is the dispatch
// router's entry point.
func (x *Executor) CompleteTask(ctx context.Context, task model.AgentTask) error {
	if task.TeamExecutionID == nil {
		return nil
	}
	te, err := x.store.GetTeamExecution(ctx, task.WorkspaceID, *task.TeamExecutionID)
	if err != nil {
		return fmt.Errorf("team: complete task: %w", err)
	}

	report := map[string]any{
		"agentId":         task.AgentID.String(),
		"taskId":          task.ID.String(),
		"teamExecutionId": te.ID.String(),
		"status":          string(task.Status),
		"output":          task.Output,
	}
	if task.Error != nil {
		report["error"] = *task.Error
	}

	if _, err := x.memory.Store(ctx, memory.StoreInput{
		Scope:    model.MemoryScope{WorkspaceID: te.WorkspaceID, TeamID: &te.TeamID},
		Tier:     model.TierShortTerm,
		Category: model.CategoryContext,
		Key:      "agent_output:" + task.ID.String(),
		Value:    report,
	}); err != nil {
		x.logger.Warn("team: store agent output", "task_id", task.ID, "error", err)
	}

	to, err := x.coordinatorOf(ctx, te.TeamID)
	if err != nil {
		x.logger.Warn("team: find coordinator", "team_id", te.TeamID, "error", err)
	}
	if to != nil && *to == task.AgentID {
		to = nil
	}
	subject := "Task completed"
	if task.Status == model.AgentTaskFailed {
		subject = "Task failed"
	}
	if _, err := x.bus.Send(ctx, messaging.SendInput{
		WorkspaceID:     te.WorkspaceID,
		FromAgentID:     &task.AgentID,
		ToAgentID:       to,
		TeamID:          &te.TeamID,
		Type:            model.MessageTypeResult,
		ParentMessageID: task.MessageID,
		Content: model.MessageContent{
			Subject: subject,
			Body:    te.Objective,
			Data:    report,
		},
	}); err != nil {
		x.logger.Warn("team: send result", "task_id", task.ID, "error", err)
	}

	status, finished, err := x.store.FinishTeamExecutionIfSettled(ctx, te.ID, x.now())
	if err != nil {
		return fmt.Errorf("team: settle execution: %w", err)
	}
	if finished {
		x.settled(ctx, te.ID, status)
	}
	return nil
}

func (x *Executor) coordinatorOf(ctx context.Context, teamID uuid.UUID) (*uuid.UUID, error) {
	members, err := x.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	p := planExecution(members, nil)
	if p.coordinator == nil {
		return nil, nil
	}
	return &p.coordinator.AgentID, nil
}

func (x *Executor) settled(ctx context.Context, id uuid.UUID, status model.TeamExecutionStatus) {
	x.logger.Info("team: execution settled", "team_execution_id", id, "status", status)
	x.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "settled_"+string(status))))
}

// GetExecution returns a persisted team execution.
func (x *Executor) GetExecution(ctx context.Context, workspaceID, id uuid.UUID) (model.TeamExecution, error) {
	te, err := x.store.GetTeamExecution(ctx, workspaceID, id)
	if err != nil {
		return model.TeamExecution{}, fmt.Errorf("team: get execution: %w", err)
	}
	return te, nil
}

// Tasks lists the agent tasks a team execution dispatched.
func (x *Executor) Tasks(ctx context.Context, workspaceID, id uuid.UUID) ([]model.AgentTask, error) {
	if _, err := x.GetExecution(ctx, workspaceID, id); err != nil {
		return nil, err
	}
	tasks, err := x.store.ListTeamExecutionTasks(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []model.AgentTask{}, nil
		}
		return nil, fmt.Errorf("team: list tasks: %w", err)
	}
	return tasks, nil
}
