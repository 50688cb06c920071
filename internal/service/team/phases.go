package team

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/memory"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

const (
	contextTTL         = 24 * time.Hour
	contextImportance  = 90
	summaryImportance  = 60
	coordinatorContext = "coordinatorAnalysis"
)

// execution is the state threaded through the phases of one team run.
type execution struct {
	workspaceID uuid.UUID
	team        model.Team
	task        model.TeamTask
	plan        plan
	id          uuid.UUID // zero until the run is persisted
	validated   bool
	shared      map[string]any
	results     []model.AgentExecutionResult
	failures    int
	handoffs    int
	messageIDs  []uuid.UUID
}

func (ex *execution) record(r model.AgentExecutionResult) {
	ex.results = append(ex.results, r)
	if !r.Success {
		ex.failures++
	}
}

func (ex *execution) snapshot() map[string]any {
	return maps.Clone(ex.shared)
}

// phase is one step of a team run. Phases run in a fixed order; the first
// error aborts the run.
type phase interface {
	name() string
	run(ctx context.Context, x *Executor, ex *execution) error
}

var pipeline = []phase{
	validatePhase{},
	initializePhase{},
	coordinatePhase{},
	broadcastPhase{},
	coordinatorPhase{},
	specialistsPhase{},
	supportPhase{},
	finalizePhase{},
}

type validatePhase struct{}

func (validatePhase) name() string { return "validate" }

func (validatePhase) run(ctx context.Context, x *Executor, ex *execution) error {
	if strings.TrimSpace(ex.task.Objective) == "" {
		return fmt.Errorf("team: objective is required: %w", model.ErrInvalidInput)
	}
	if err := model.ValidateCapabilities(ex.task.RequiredCapabilities); err != nil {
		return fmt.Errorf("team: required capabilities: %w", err)
	}
	team, err := x.store.GetTeam(ctx, ex.workspaceID, ex.team.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("team: team %s not found: %w", ex.team.ID, err)
		}
		return fmt.Errorf("team: load team: %w", err)
	}
	if !team.IsActive() {
		return fmt.Errorf("team: team %s is %s: %w", team.Name, team.Status, model.ErrInvalidState)
	}
	members, err := x.store.ListTeamMembers(ctx, team.ID)
	if err != nil {
		return fmt.Errorf("team: list members: %w", err)
	}
	if len(members) == 0 {
		return fmt.Errorf("team: team %s has no members: %w", team.Name, model.ErrInvalidState)
	}
	ex.team = team
	ex.plan = planExecution(members, ex.task.RequiredCapabilities)
	ex.validated = true
	return nil
}

type initializePhase struct{}

func (initializePhase) name() string { return "initialize" }

func (initializePhase) run(ctx context.Context, x *Executor, ex *execution) error {
	te, err := x.store.CreateTeamExecution(ctx, model.TeamExecution{
		WorkspaceID: ex.workspaceID,
		TeamID:      ex.team.ID,
		Objective:   ex.task.Objective,
		Status:      model.TeamExecutionRunning,
	})
	if err != nil {
		return fmt.Errorf("team: create execution: %w", err)
	}
	ex.id = te.ID
	ex.shared["objective"] = ex.task.Objective
	ex.shared["teamExecutionId"] = te.ID.String()
	maps.Copy(ex.shared, ex.task.Data)

	members := make([]map[string]any, 0, len(ex.plan.involved()))
	for _, m := range ex.plan.involved() {
		members = append(members, map[string]any{
			"agentId": m.AgentID.String(), "name": m.Agent.Name, "role": string(m.Role),
		})
	}
	importance := contextImportance
	expires := x.now().Add(contextTTL)
	if _, err := x.memory.Store(ctx, memory.StoreInput{
		Scope:    model.MemoryScope{WorkspaceID: ex.workspaceID, TeamID: &ex.team.ID},
		Tier:     model.TierShortTerm,
		Category: model.CategoryContext,
		Key:      "team_execution_context:" + te.ID.String(),
		Value: map[string]any{
			"objective":            ex.task.Objective,
			"members":              members,
			"requiredCapabilities": ex.task.RequiredCapabilities,
			"executionId":          te.ID.String(),
		},
		Importance: &importance,
		ExpiresAt:  &expires,
	}); err != nil {
		return fmt.Errorf("team: record execution context: %w", err)
	}
	return nil
}

type coordinatePhase struct{}

func (coordinatePhase) name() string { return "coordinate" }

func (coordinatePhase) run(ctx context.Context, x *Executor, ex *execution) error {
	c := ex.plan.coordinator
	if c == nil {
		return nil
	}
	roster := make([]map[string]any, 0, len(ex.plan.involved()))
	for _, m := range ex.plan.involved() {
		roster = append(roster, map[string]any{
			"agentId":      m.AgentID.String(),
			"name":         m.Agent.Name,
			"type":         m.Agent.Type,
			"role":         string(m.Role),
			"priority":     m.Priority,
			"capabilities": m.Agent.Capabilities,
		})
	}
	msg, err := x.bus.Send(ctx, messaging.SendInput{
		WorkspaceID: ex.workspaceID,
		ToAgentID:   &c.AgentID,
		TeamID:      &ex.team.ID,
		Type:        model.MessageTypeTask,
		Content: model.MessageContent{
			Subject: "Coordinate team objective",
			Body:    ex.task.Objective,
			Data: map[string]any{
				"teamExecutionId":      ex.id.String(),
				"roster":               roster,
				"requiredCapabilities": ex.task.RequiredCapabilities,
			},
			Priority: model.PriorityHigh,
		},
	})
	if err != nil {
		return fmt.Errorf("team: brief coordinator: %w", err)
	}
	ex.messageIDs = append(ex.messageIDs, msg.ID)
	return nil
}

type broadcastPhase struct{}

func (broadcastPhase) name() string { return "broadcast" }

func (broadcastPhase) run(ctx context.Context, x *Executor, ex *execution) error {
	ids, err := x.bus.Broadcast(ctx, messaging.BroadcastInput{
		WorkspaceID: ex.workspaceID,
		TeamID:      ex.team.ID,
		Type:        model.MessageTypeContext,
		Content: model.MessageContent{
			Subject:  "Team objective",
			Body:     ex.task.Objective,
			Data:     map[string]any{"teamExecutionId": ex.id.String()},
			Priority: ex.priority(),
		},
	})
	if err != nil {
		return fmt.Errorf("team: broadcast objective: %w", err)
	}
	ex.messageIDs = append(ex.messageIDs, ids...)
	return nil
}

// coordinatorPhase runs the coordinator ahead of everyone else.
type coordinatorPhase struct{}

func (coordinatorPhase) name() string { return "coordinator" }

func (coordinatorPhase) run(ctx context.Context, x *Executor, ex *execution) error {
	c := ex.plan.coordinator
	if c == nil {
		return nil
	}
	r := x.executeAgent(ctx, ex, *c, "Analyze and plan")
	ex.record(r)
	if r.Success {
		ex.shared[coordinatorContext] = r.Output
	}
	return nil
}

// specialistsPhase runs specialists in priority order, relaying the
// accumulated context from each one to the next.
type specialistsPhase struct{}

func (specialistsPhase) name() string { return "specialists" }

func (specialistsPhase) run(ctx context.Context, x *Executor, ex *execution) error {
	for _, m := range ex.plan.skipped {
		x.logger.Debug("team: specialist skipped, no required capability",
			"team_execution_id", ex.id, "agent_id", m.AgentID)
	}
	specialists := ex.plan.specialists
	for i, m := range specialists {
		r := x.executeAgent(ctx, ex, m, "Specialist task")
		ex.record(r)
		if !r.Success {
			continue
		}
		ex.shared[model.SanitizeKey(m.Agent.Name)] = r.Output
		if i+1 == len(specialists) {
			continue
		}
		next := specialists[i+1]
		if x.Handoff(ctx, HandoffInput{
			WorkspaceID: ex.workspaceID,
			TeamID:      &ex.team.ID,
			FromAgentID: m.AgentID,
			ToAgentID:   next.AgentID,
			Reason:      fmt.Sprintf("%s finished; continue with %q", m.Agent.Name, ex.task.Objective),
			Context:     ex.snapshot(),
		}) {
			ex.handoffs++
		}
	}
	return nil
}

type supportPhase struct{}

func (supportPhase) name() string { return "support" }

func (supportPhase) run(ctx context.Context, x *Executor, ex *execution) error {
	for _, m := range ex.plan.support {
		ex.record(x.executeAgent(ctx, ex, m, "Support task"))
	}
	return nil
}

// finalizePhase stores the run summary and updates the team's counters. A run
// with failed dispatches finishes as failed right away; otherwise the
// execution stays running until every dispatched task reports back.
type finalizePhase struct{}

func (finalizePhase) name() string { return "finalize" }

func (finalizePhase) run(ctx context.Context, x *Executor, ex *execution) error {
	if err := x.store.SaveTeamExecutionResults(ctx, ex.id, ex.teamResults()); err != nil {
		return err
	}

	importance := summaryImportance
	if _, err := x.memory.Store(ctx, memory.StoreInput{
		Scope:    model.MemoryScope{WorkspaceID: ex.workspaceID, TeamID: &ex.team.ID},
		Tier:     model.TierMediumTerm,
		Category: model.CategoryKnowledge,
		Key:      "team_execution:" + ex.id.String(),
		Value: map[string]any{
			"objective":  ex.task.Objective,
			"agents":     len(ex.results),
			"dispatched": len(ex.results) - ex.failures,
			"failed":     ex.failures,
			"handoffs":   ex.handoffs,
		},
		Importance: &importance,
	}); err != nil {
		return fmt.Errorf("team: record execution summary: %w", err)
	}

	succeeded := ex.failures == 0
	if err := x.store.RecordTeamExecution(ctx, ex.team.ID, succeeded); err != nil {
		x.logger.Warn("team: record team execution", "team_id", ex.team.ID, "error", err)
	}

	now := x.now()
	if !succeeded {
		msg := fmt.Sprintf("%d of %d agent dispatches failed", ex.failures, len(ex.results))
		if _, err := x.store.FinishTeamExecution(ctx, ex.id, model.TeamExecutionFailed, &msg, now); err != nil {
			return err
		}
		return nil
	}
	// Completions may already have arrived, or nothing was dispatched at all.
	if status, finished, err := x.store.FinishTeamExecutionIfSettled(ctx, ex.id, now); err != nil {
		return err
	} else if finished {
		x.settled(ctx, ex.id, status)
	}
	return nil
}

func (ex *execution) priority() model.Priority {
	if ex.task.Priority != "" {
		return ex.task.Priority
	}
	return model.PriorityNormal
}

func (ex *execution) teamResults() model.TeamExecutionResults {
	results := ex.results
	if results == nil {
		results = []model.AgentExecutionResult{}
	}
	return model.TeamExecutionResults{AgentResults: results, SharedContext: ex.shared, Handoffs: ex.handoffs}
}
