// Package orchestrator routes work to agents: it scores candidates for a task,
// delegates between agents, and provides lightweight team and workflow
// kickoff.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/memory"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/service/workflow"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Scoring weights.
const (
	baseScore       = 50
	typeMatchBonus  = 30
	capabilityBonus = 20
	toolingBonus    = 10
	recentBonus     = 10
	recentWindow    = 24 * time.Hour
	preferredScore  = 100
)

const (
	delegationTTL   = 24 * time.Hour
	objectiveWeight = 70
)

// Store is the persistence the orchestrator reads and updates.
type Store interface {
	GetAgent(ctx context.Context, workspaceID, id uuid.UUID) (model.Agent, error)
	ListActiveAgents(ctx context.Context, workspaceID uuid.UUID) ([]model.Agent, error)
	GetTeam(ctx context.Context, workspaceID, id uuid.UUID) (model.Team, error)
	ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]model.TeamMember, error)
	RecordTeamExecution(ctx context.Context, id uuid.UUID, succeeded bool) error
}

// WorkflowStarter starts workflow executions. *workflow.Engine implements it.
type WorkflowStarter interface {
	Execute(ctx context.Context, in workflow.ExecuteInput) workflow.ExecuteResult
}

// Service is the orchestrator.
type Service struct {
	store     Store
	bus       *messaging.Service
	memory    *memory.Service
	workflows WorkflowStarter
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates an orchestrator. workflows may be nil if workflow kickoff is
// not needed.
func New(store Store, bus *messaging.Service, mem *memory.Service, workflows WorkflowStarter, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		bus:       bus,
		memory:    mem,
		workflows: workflows,
		logger:    logger,
		tracer:    telemetry.Tracer("tsumugi/orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Score rates how well agent fits a task of taskType needing required.
func Score(agent model.Agent, taskType string, required []string, now time.Time) (int, []string) {
	score := baseScore
	var reasons []string
	if taskType != "" && agent.Type == taskType {
		score += typeMatchBonus
		reasons = append(reasons, "type match")
	}
	if len(required) > 0 {
		matched := agent.MatchedCapabilities(required)
		score += capabilityBonus * matched / len(required)
		if matched > 0 {
			reasons = append(reasons, fmt.Sprintf("%d/%d capabilities", matched, len(required)))
		}
	}
	if agent.HasTooling() {
		score += toolingBonus
		reasons = append(reasons, "declares tooling")
	}
	if agent.LastExecutedAt != nil && now.Sub(*agent.LastExecutedAt) <= recentWindow {
		score += recentBonus
		reasons = append(reasons, "recently active")
	}
	return score, reasons
}

// confidence maps a score onto 0..100.
func confidence(score int) int {
	return min(score, 100)
}

// SelectAgent scores every active candidate and returns the best one. When
// teamID is set only that team's members are considered. Ties go to the agent
// with the most executions. The assignment is unmatched when there are no
// active candidates.
func (s *Service) SelectAgent(ctx context.Context, workspaceID uuid.UUID, taskType string, required []string, teamID *uuid.UUID) (model.TaskAssignment, error) {
	if err := model.ValidateCapabilities(required); err != nil {
		return model.TaskAssignment{}, fmt.Errorf("orchestrator: select agent: %w", err)
	}
	candidates, err := s.candidates(ctx, workspaceID, teamID)
	if err != nil {
		return model.TaskAssignment{}, err
	}
	if len(candidates) == 0 {
		return model.TaskAssignment{Reason: "no active agents available"}, nil
	}

	now := s.now()
	var (
		best        model.Agent
		bestScore   = -1
		bestReasons []string
	)
	for _, a := range candidates {
		score, reasons := Score(a, taskType, required, now)
		if score > bestScore {
			best, bestScore, bestReasons = a, score, reasons
		}
	}

	reason := "base score"
	if len(bestReasons) > 0 {
		reason = strings.Join(bestReasons, ", ")
	}
	id := best.ID
	return model.TaskAssignment{
		AgentID:    &id,
		AgentName:  best.Name,
		Score:      bestScore,
		Confidence: confidence(bestScore),
		Reason:     reason,
	}, nil
}

// candidates returns active agents ordered by execution count descending.
func (s *Service) candidates(ctx context.Context, workspaceID uuid.UUID, teamID *uuid.UUID) ([]model.Agent, error) {
	if teamID == nil {
		agents, err := s.store.ListActiveAgents(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: list agents: %w", err)
		}
		return agents, nil
	}

	members, err := s.store.ListTeamMembers(ctx, *teamID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list team members: %w", err)
	}
	agents := make([]model.Agent, 0, len(members))
	for _, m := range members {
		if m.Agent.IsActive() && m.Agent.WorkspaceID == workspaceID {
			agents = append(agents, m.Agent)
		}
	}
	slices.SortStableFunc(agents, func(a, b model.Agent) int {
		switch {
		case a.ExecutionCount > b.ExecutionCount:
			return -1
		case a.ExecutionCount < b.ExecutionCount:
			return 1
		}
		return 0
	})
	return agents, nil
}

// RouteTask picks an agent for task. An active preferred agent wins outright;
// otherwise the preferred team, or failing that the whole workspace, is
// scored. Finding nobody is reported in the assignment, not as an error.
func (s *Service) RouteTask(ctx context.Context, task model.RoutableTask) (model.TaskAssignment, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.RouteTask", trace.WithAttributes(
		attribute.String("tsumugi.task_type", task.Type),
	))
	defer span.End()

	if err := model.ValidateCapabilities(task.RequiredCapabilities); err != nil {
		return model.TaskAssignment{}, fmt.Errorf("orchestrator: route task: %w", err)
	}
	if task.PreferredAgentID != nil {
		agent, err := s.store.GetAgent(ctx, task.WorkspaceID, *task.PreferredAgentID)
		switch {
		case err == nil && agent.IsActive():
			id := agent.ID
			return model.TaskAssignment{
				AgentID: &id, AgentName: agent.Name,
				Score: preferredScore, Confidence: preferredScore,
				Reason: "preferred agent",
			}, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return model.TaskAssignment{}, fmt.Errorf("orchestrator: load preferred agent: %w", err)
		}
	}

	a, err := s.SelectAgent(ctx, task.WorkspaceID, task.Type, task.RequiredCapabilities, task.PreferredTeamID)
	if err != nil {
		return model.TaskAssignment{}, err
	}
	if !a.Matched() {
		a.Reason = "no suitable agent found for task type " + task.Type
		if task.PreferredTeamID != nil {
			a.Reason += " in team " + task.PreferredTeamID.String()
		}
	}
	span.SetAttributes(attribute.Int("tsumugi.assignment.confidence", a.Confidence))
	return a, nil
}

// DelegateTask sends a task message from one agent to another and leaves a
// short-term memory for the recipient recording the delegation.
func (s *Service) DelegateTask(ctx context.Context, workspaceID, from, to uuid.UUID, description string, data map[string]any) model.DelegationResult {
	msg, err := s.bus.Send(ctx, messaging.SendInput{
		WorkspaceID: workspaceID,
		FromAgentID: &from,
		ToAgentID:   &to,
		Type:        model.MessageTypeTask,
		Content: model.MessageContent{
			Subject:  "Delegated task",
			Body:     description,
			Data:     data,
			Priority: model.PriorityNormal,
		},
	})
	if err != nil {
		s.logger.Warn("orchestrator: delegate send failed", "from", from, "to", to, "error", err)
		return model.DelegationResult{Error: err.Error()}
	}

	expires := s.now().Add(delegationTTL)
	memID, err := s.memory.Store(ctx, memory.StoreInput{
		Scope:    model.MemoryScope{WorkspaceID: workspaceID, AgentID: &to},
		Tier:     model.TierShortTerm,
		Category: model.CategoryContext,
		Key:      "delegation:" + msg.ID.String(),
		Value: map[string]any{
			"delegated_by": from.String(),
			"description":  description,
			"data":         data,
			"message_id":   msg.ID.String(),
		},
		ExpiresAt: &expires,
	})
	if err != nil {
		s.logger.Warn("orchestrator: delegation memory failed", "message_id", msg.ID, "error", err)
		return model.DelegationResult{Success: true, MessageID: &msg.ID, Error: err.Error()}
	}
	return model.DelegationResult{Success: true, MessageID: &msg.ID, MemoryID: &memID}
}

// RunTeam is the lightweight team kickoff: it records the objective in team
// memory, broadcasts it to the team and bumps the team's execution counter.
// Multi-phase coordination is the team executor's job.
func (s *Service) RunTeam(ctx context.Context, workspaceID, teamID uuid.UUID, objective string) model.TeamExecutionResult {
	start := time.Now()
	res := model.TeamExecutionResult{TeamID: teamID, Objective: objective, AgentsInvolved: []uuid.UUID{}}
	finish := func(err error) model.TeamExecutionResult {
		if err != nil {
			res.Error = err.Error()
		}
		res.Success = err == nil
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	team, err := s.store.GetTeam(ctx, workspaceID, teamID)
	if err != nil {
		return finish(fmt.Errorf("orchestrator: team %s: %w", teamID, err))
	}
	if !team.IsActive() {
		return finish(fmt.Errorf("orchestrator: team %s is %s: %w", team.Name, team.Status, model.ErrInvalidState))
	}
	members, err := s.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return finish(fmt.Errorf("orchestrator: list members: %w", err))
	}
	if len(members) == 0 {
		return finish(fmt.Errorf("orchestrator: team %s has no members: %w", team.Name, model.ErrInvalidState))
	}
	for _, m := range members {
		res.AgentsInvolved = append(res.AgentsInvolved, m.AgentID)
	}

	importance := objectiveWeight
	if _, err := s.memory.Store(ctx, memory.StoreInput{
		Scope:      model.MemoryScope{WorkspaceID: workspaceID, TeamID: &teamID},
		Tier:       model.TierShortTerm,
		Category:   model.CategoryContext,
		Key:        "team_objective:" + uuid.NewString(),
		Value:      map[string]any{"objective": objective, "started_at": s.now()},
		Importance: &importance,
	}); err != nil {
		return finish(fmt.Errorf("orchestrator: record objective: %w", err))
	}

	ids, err := s.bus.Broadcast(ctx, messaging.BroadcastInput{
		WorkspaceID: workspaceID,
		TeamID:      teamID,
		Type:        model.MessageTypeTask,
		Content: model.MessageContent{
			Subject:  "Team objective",
			Body:     objective,
			Priority: model.PriorityHigh,
		},
	})
	if err != nil {
		return finish(fmt.Errorf("orchestrator: broadcast objective: %w", err))
	}
	res.MessageIDs = ids

	if err := s.store.RecordTeamExecution(ctx, teamID, true); err != nil {
		s.logger.Warn("orchestrator: record team execution", "team_id", teamID, "error", err)
	}
	return finish(nil)
}

// StartWorkflow kicks off a workflow execution.
func (s *Service) StartWorkflow(ctx context.Context, in workflow.ExecuteInput) workflow.ExecuteResult {
	if s.workflows == nil {
		return workflow.ExecuteResult{Error: "orchestrator: workflow engine not configured"}
	}
	return s.workflows.Execute(ctx, in)
}
