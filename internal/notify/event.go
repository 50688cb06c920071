// Package notify turns autonomy events into notification payloads and hands
// them to delivery sinks. The core has no opinion on the delivery channel: a
// sink may publish on Postgres NOTIFY, fan out in-process, or both.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// EventType names a notification event.
type EventType string

const (
	EventPendingApproval      EventType = "pending_approval"
	EventActionApproved       EventType = "action_approved"
	EventActionRejected       EventType = "action_rejected"
	EventActionExpired        EventType = "action_expired"
	EventAutonomyLevelChanged EventType = "autonomy_level_changed"
	EventDailyDigest          EventType = "daily_digest"
	EventHighPendingCount     EventType = "high_pending_count"
	EventCriticalAction       EventType = "critical_action"
	EventActionFailed         EventType = "action_failed"
)

// Event is one notification for the external delivery system.
type Event struct {
	Type          EventType      `json:"type"`
	WorkspaceID   uuid.UUID      `json:"workspace_id"`
	TeamID        *uuid.UUID     `json:"team_id,omitempty"`
	TargetUserIDs []string       `json:"target_user_ids"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	ActionURL     string         `json:"action_url,omitempty"`
	ActionLabel   string         `json:"action_label,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Digest is the content of a daily digest.
type Digest struct {
	TeamCount int
	Stats     model.AutonomyStats
}

// Builder constructs events. BaseURL prefixes action links; an empty BaseURL
// yields events without links.
type Builder struct {
	BaseURL string
	Now     func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now().UTC()
}

func (b Builder) link(parts ...string) string {
	if b.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(b.BaseURL, "/") + "/" + strings.Join(parts, "/")
}

func (b Builder) event(typ EventType, workspaceID uuid.UUID, team *model.Team) Event {
	ev := Event{
		Type:          typ,
		WorkspaceID:   workspaceID,
		TargetUserIDs: []string{},
		Metadata:      map[string]any{},
		CreatedAt:     b.now(),
	}
	if team != nil {
		id := team.ID
		ev.TeamID = &id
		ev.TargetUserIDs = append(ev.TargetUserIDs, team.NotifyUserIDs...)
		ev.Metadata["teamName"] = team.Name
	}
	return ev
}

func actionMetadata(ev *Event, a model.PendingAction) {
	ev.Metadata["actionId"] = a.ID.String()
	ev.Metadata["actionType"] = a.ActionType
	ev.Metadata["riskLevel"] = string(a.RiskLevel)
	if a.AgentID != nil {
		ev.Metadata["agentId"] = a.AgentID.String()
	}
}

func describe(a model.PendingAction) string {
	if a.Description != "" {
		return a.Description
	}
	return a.ActionType
}

// PendingApproval announces an action waiting for review. team may be nil for
// actions not bound to a team.
func (b Builder) PendingApproval(team *model.Team, a model.PendingAction) Event {
	ev := b.event(EventPendingApproval, a.WorkspaceID, team)
	ev.Title = fmt.Sprintf("Approval needed: %s", a.ActionType)
	ev.Message = fmt.Sprintf("%s (%s risk) is waiting for review until %s.",
		describe(a), a.RiskLevel, a.ExpiresAt.UTC().Format(time.RFC3339))
	ev.ActionURL = b.link(a.ID.String())
	ev.ActionLabel = "Review"
	actionMetadata(&ev, a)
	ev.Metadata["reasons"] = a.RiskReasons
	ev.Metadata["expiresAt"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	return ev
}

// ActionReviewed announces an approval or rejection, chosen by a.Status.
func (b Builder) ActionReviewed(team *model.Team, a model.PendingAction) Event {
	typ, verb := EventActionRejected, "rejected"
	if a.Status == model.ActionApproved {
		typ, verb = EventActionApproved, "approved"
	}
	ev := b.event(typ, a.WorkspaceID, team)
	ev.Title = fmt.Sprintf("Action %s: %s", verb, a.ActionType)
	ev.Message = fmt.Sprintf("%s was %s", describe(a), verb)
	if a.ReviewedBy != nil {
		ev.Message += " by " + *a.ReviewedBy
		ev.Metadata["reviewedBy"] = *a.ReviewedBy
	}
	ev.Message += "."
	if a.ReviewNotes != nil {
		ev.Metadata["notes"] = *a.ReviewNotes
	}
	ev.ActionURL = b.link(a.ID.String())
	ev.ActionLabel = "View"
	actionMetadata(&ev, a)
	return ev
}

// ActionExpired announces an action that passed its review deadline.
func (b Builder) ActionExpired(team *model.Team, a model.PendingAction) Event {
	ev := b.event(EventActionExpired, a.WorkspaceID, team)
	ev.Title = fmt.Sprintf("Approval expired: %s", a.ActionType)
	ev.Message = fmt.Sprintf("%s expired without a review and will not run.", describe(a))
	ev.ActionURL = b.link(a.ID.String())
	ev.ActionLabel = "View"
	actionMetadata(&ev, a)
	return ev
}

// AutonomyLevelChanged announces a policy change on a team.
func (b Builder) AutonomyLevelChanged(team model.Team, previous model.AutonomyLevel, changedBy string) Event {
	ev := b.event(EventAutonomyLevelChanged, team.WorkspaceID, &team)
	ev.Title = fmt.Sprintf("%s autonomy changed", team.Name)
	ev.Message = fmt.Sprintf("Autonomy level changed from %s to %s", previous, team.AutonomyLevel)
	if changedBy != "" {
		ev.Message += " by " + changedBy
	}
	ev.Message += "."
	ev.ActionURL = b.link("teams", team.ID.String())
	ev.ActionLabel = "View team"
	ev.Metadata["previousLevel"] = string(previous)
	ev.Metadata["newLevel"] = string(team.AutonomyLevel)
	ev.Metadata["changedBy"] = changedBy
	return ev
}

// DailyDigest summarizes a workspace's autonomy activity for targets.
func (b Builder) DailyDigest(workspaceID uuid.UUID, targets []string, d Digest) Event {
	ev := b.event(EventDailyDigest, workspaceID, nil)
	ev.TargetUserIDs = append(ev.TargetUserIDs, targets...)
	ev.Title = "Daily autonomy digest"
	ev.Message = fmt.Sprintf("%d actions across %d teams (%.0f%% successful). %d pending, %d approved and %d rejected today.",
		d.Stats.TotalActions, d.TeamCount, d.Stats.SuccessRate*100,
		d.Stats.PendingCount, d.Stats.ApprovedToday, d.Stats.RejectedToday)
	ev.ActionURL = b.link()
	ev.ActionLabel = "Open queue"
	ev.Metadata["teamCount"] = d.TeamCount
	ev.Metadata["totalActions"] = d.Stats.TotalActions
	ev.Metadata["automaticActions"] = d.Stats.AutomaticActions
	ev.Metadata["manualActions"] = d.Stats.ManualActions
	ev.Metadata["successRate"] = d.Stats.SuccessRate
	ev.Metadata["pendingCount"] = d.Stats.PendingCount
	ev.Metadata["approvedToday"] = d.Stats.ApprovedToday
	ev.Metadata["rejectedToday"] = d.Stats.RejectedToday
	return ev
}

// HighPendingCount alerts that a team's review queue has grown past threshold.
func (b Builder) HighPendingCount(team model.Team, count int64, threshold int) Event {
	ev := b.event(EventHighPendingCount, team.WorkspaceID, &team)
	ev.Title = fmt.Sprintf("%s has %d actions awaiting review", team.Name, count)
	ev.Message = fmt.Sprintf("The review queue reached %d pending actions (alert threshold %d).", count, threshold)
	ev.ActionURL = b.link()
	ev.ActionLabel = "Open queue"
	ev.Metadata["pendingCount"] = count
	ev.Metadata["threshold"] = threshold
	return ev
}

// CriticalAction alerts that a critical-risk action was queued.
func (b Builder) CriticalAction(team *model.Team, a model.PendingAction) Event {
	ev := b.event(EventCriticalAction, a.WorkspaceID, team)
	ev.Title = fmt.Sprintf("Critical action queued: %s", a.ActionType)
	ev.Message = fmt.Sprintf("%s was classified critical: %s.", describe(a), strings.Join(a.RiskReasons, "; "))
	ev.ActionURL = b.link(a.ID.String())
	ev.ActionLabel = "Review now"
	actionMetadata(&ev, a)
	ev.Metadata["reasons"] = a.RiskReasons
	return ev
}

// ActionFailed alerts that an executed action reported failure.
func (b Builder) ActionFailed(team *model.Team, e model.ActionAuditEntry) Event {
	ev := b.event(EventActionFailed, e.WorkspaceID, team)
	ev.Title = fmt.Sprintf("Action failed: %s", e.ActionType)
	ev.Message = fmt.Sprintf("%s failed", e.ActionType)
	if e.Error != nil {
		ev.Message += ": " + *e.Error
		ev.Metadata["error"] = *e.Error
	}
	ev.Message += "."
	ev.ActionURL = b.link("audit", e.ID.String())
	ev.ActionLabel = "View audit"
	ev.Metadata["auditId"] = e.ID.String()
	ev.Metadata["actionType"] = e.ActionType
	ev.Metadata["riskLevel"] = string(e.RiskLevel)
	ev.Metadata["wasAutomatic"] = e.WasAutomatic
	if e.AgentID != nil {
		ev.Metadata["agentId"] = e.AgentID.String()
	}
	return ev
}
