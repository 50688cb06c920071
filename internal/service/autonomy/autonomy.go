// Package autonomy decides whether agent actions may run unattended.
//
// Every proposed action is classified into a risk level, and the owning
// team's autonomy level and always-approve list decide whether it runs
// directly or waits in the approval queue. Queued actions are reviewed,
// expire, and leave an audit trail; each of those transitions is announced
// through a notify.Notifier.
package autonomy

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

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Store is the persistence the autonomy service needs. *storage.DB implements it.
type Store interface {
	GetTeam(ctx context.Context, workspaceID, id uuid.UUID) (model.Team, error)
	ListTeams(ctx context.Context, workspaceID uuid.UUID, department model.Department) ([]model.Team, error)
	SetTeamAutonomyLevel(ctx context.Context, workspaceID, id uuid.UUID, level model.AutonomyLevel) (model.AutonomyLevel, error)
	InsertPendingAction(ctx context.Context, a model.PendingAction) (model.PendingAction, error)
	GetPendingAction(ctx context.Context, workspaceID, id uuid.UUID) (model.PendingAction, error)
	ListPendingActions(ctx context.Context, f model.PendingActionFilter) ([]model.PendingAction, error)
	CountPendingActions(ctx context.Context, workspaceID uuid.UUID, teamID *uuid.UUID) (int64, error)
	ReviewPendingAction(ctx context.Context, r storage.Review) (model.PendingAction, storage.ReviewOutcome, error)
	ExpirePendingActions(ctx context.Context, workspaceID *uuid.UUID, now time.Time) ([]model.PendingAction, error)
	InsertActionAudit(ctx context.Context, e model.ActionAuditEntry) (model.ActionAuditEntry, error)
	ListActionAudit(ctx context.Context, f model.AuditFilter) ([]model.ActionAuditEntry, error)
	AutonomyStats(ctx context.Context, workspaceID uuid.UUID, teamIDs []uuid.UUID, dayStart time.Time) (model.AutonomyStats, error)
}

// Config tunes the service.
type Config struct {
	DefaultTTL           time.Duration // Lifetime of a queued action when the caller gives none.
	HighPendingThreshold int           // Pending count per team that raises an alert.
	PolicyCacheTTL       time.Duration
	ActionBaseURL        string
}

// Service is the autonomy service.
type Service struct {
	store    Store
	notifier notify.Notifier
	events   notify.Builder
	cache    *PolicyCache
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	classified metric.Int64Counter
	reviews    metric.Int64Counter
	audits     metric.Int64Counter
}

// New creates an autonomy service. A nil notifier discards events.
func New(store Store, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	cfg.DefaultTTL = cmp.Or(cfg.DefaultTTL, 24*time.Hour)
	cfg.HighPendingThreshold = cmp.Or(cfg.HighPendingThreshold, 10)

	meter := telemetry.Meter("tsumugi/autonomy")
	classified, _ := meter.Int64Counter("tsumugi.autonomy.decisions",
		metric.WithDescription("Approval decisions, by risk level and whether approval was required"),
	)
	reviews, _ := meter.Int64Counter("tsumugi.autonomy.reviews",
		metric.WithDescription("Pending-action reviews, by outcome"),
	)
	audits, _ := meter.Int64Counter("tsumugi.autonomy.audits",
		metric.WithDescription("Audit entries recorded, by mode and success"),
	)

	s := &Service{
		store:      store,
		notifier:   notifier,
		cache:      NewPolicyCache(cfg.PolicyCacheTTL),
		cfg:        cfg,
		logger:     logger,
		tracer:     telemetry.Tracer("tsumugi/autonomy"),
		now:        func() time.Time { return time.Now().UTC() },
		classified: classified,
		reviews:    reviews,
		audits:     audits,
	}
	s.events = notify.Builder{BaseURL: cfg.ActionBaseURL, Now: func() time.Time { return s.now() }}
	return s
}

// Close releases the policy cache.
func (s *Service) Close() {
	s.cache.Close()
}

// ClassifyRisk classifies an action without applying any team policy.
func (s *Service) ClassifyRisk(actionType string, data map[string]any) model.RiskClassification {
	return Classify(actionType, data)
}

// RequiresApproval classifies an action and applies the policy of the team
// it belongs to. A nil teamID means the action is not bound to a team. The
// policy is read from the store on every call, so a change made by any
// writer applies to the next decision. Any failure to load the team's policy
// requires approval.
func (s *Service) RequiresApproval(ctx context.Context, workspaceID uuid.UUID, teamID *uuid.UUID, actionType string, data map[string]any) model.RiskClassification {
	c := Classify(actionType, data)
	if teamID == nil {
		c.RequiresApproval, c.PolicyReason = decide(nil, actionType, c.RiskLevel)
	} else if team, err := s.currentPolicy(ctx, workspaceID, *teamID); err != nil {
		c.RequiresApproval = true
		c.PolicyReason = "team policy unavailable; approval required"
		if errors.Is(err, storage.ErrNotFound) {
			c.PolicyReason = "team not found; approval required"
		} else {
			s.logger.Error("autonomy: load team policy", "team_id", teamID, "error", err)
		}
	} else {
		c.RequiresApproval, c.PolicyReason = decide(&team, actionType, c.RiskLevel)
	}

	s.classified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("risk_level", string(c.RiskLevel)),
		attribute.Bool("requires_approval", c.RequiresApproval),
	))
	return c
}

// AutoExecuteDecision is the gate result callers check before acting.
type AutoExecuteDecision struct {
	CanExecute     bool                     `json:"can_execute"`
	Classification model.RiskClassification `json:"classification"`
}

// CanAutoExecute reports whether an action may run without review.
func (s *Service) CanAutoExecute(ctx context.Context, workspaceID uuid.UUID, teamID *uuid.UUID, actionType string, data map[string]any) AutoExecuteDecision {
	c := s.RequiresApproval(ctx, workspaceID, teamID, actionType, data)
	return AutoExecuteDecision{CanExecute: !c.RequiresApproval, Classification: c}
}

// QueueInput describes an action to hold for approval.
type QueueInput struct {
	WorkspaceID uuid.UUID
	TeamID      *uuid.UUID
	AgentID     *uuid.UUID
	ActionType  string
	ActionData  map[string]any
	Description string
	ExpiresIn   time.Duration // Zero uses the configured default.
}

// QueueForApproval classifies and queues an action, returning its id. The
// pending-approval event and any alerts are best effort.
func (s *Service) QueueForApproval(ctx context.Context, in QueueInput) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "autonomy.QueueForApproval", trace.WithAttributes(
		attribute.String("tsumugi.action_type", in.ActionType),
	))
	defer span.End()

	if in.ActionType == "" {
		err := fmt.Errorf("autonomy: action type is required: %w", model.ErrInvalidInput)
		telemetry.RecordError(span, err)
		return uuid.Nil, err
	}
	c := Classify(in.ActionType, in.ActionData)
	now := s.now()
	data := in.ActionData
	if data == nil {
		data = map[string]any{}
	}

	a, err := s.store.InsertPendingAction(ctx, model.PendingAction{
		WorkspaceID: in.WorkspaceID,
		TeamID:      in.TeamID,
		AgentID:     in.AgentID,
		ActionType:  in.ActionType,
		ActionData:  data,
		Description: in.Description,
		RiskLevel:   c.RiskLevel,
		RiskReasons: c.Reasons,
		Status:      model.ActionPending,
		ExpiresAt:   now.Add(cmp.Or(in.ExpiresIn, s.cfg.DefaultTTL)),
		CreatedAt:   now,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return uuid.Nil, fmt.Errorf("autonomy: queue %s: %w", in.ActionType, err)
	}
	span.SetAttributes(
		attribute.String("tsumugi.action_id", a.ID.String()),
		attribute.String("tsumugi.risk_level", string(a.RiskLevel)),
	)
	s.logger.Info("autonomy: action queued for approval",
		"action_id", a.ID, "action_type", a.ActionType, "risk_level", a.RiskLevel)

	team := s.teamFor(ctx, a.WorkspaceID, a.TeamID)
	s.emit(ctx, s.events.PendingApproval(team, a))
	if a.RiskLevel == model.RiskCritical {
		s.emit(ctx, s.events.CriticalAction(team, a))
	}
	if team != nil {
		s.checkPendingCount(ctx, *team)
	}
	return a.ID, nil
}

// checkPendingCount alerts when a team's queue reaches the threshold. It
// fires on the crossing, not on every action queued beyond it.
func (s *Service) checkPendingCount(ctx context.Context, team model.Team) {
	teamID := team.ID
	n, err := s.store.CountPendingActions(ctx, team.WorkspaceID, &teamID)
	if err != nil {
		s.logger.Warn("autonomy: count pending actions", "team_id", team.ID, "error", err)
		return
	}
	if n == int64(s.cfg.HighPendingThreshold) {
		s.emit(ctx, s.events.HighPendingCount(team, n, s.cfg.HighPendingThreshold))
	}
}

// ReviewInput is a reviewer's decision on one queued action.
type ReviewInput struct {
	WorkspaceID uuid.UUID
	ActionID    uuid.UUID
	Approved    bool
	ReviewedBy  string
	Notes       *string
}

// ProcessApproval applies a review. It returns false without an error when
// the action is missing, no longer pending, or past its expiry (in which case
// it is marked expired). The decision and its audit entry are written together.
func (s *Service) ProcessApproval(ctx context.Context, in ReviewInput) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "autonomy.ProcessApproval", trace.WithAttributes(
		attribute.String("tsumugi.action_id", in.ActionID.String()),
		attribute.Bool("tsumugi.approved", in.Approved),
	))
	defer span.End()

	a, outcome, err := s.store.ReviewPendingAction(ctx, storage.Review{
		WorkspaceID: in.WorkspaceID,
		ActionID:    in.ActionID,
		Approved:    in.Approved,
		ReviewedBy:  in.ReviewedBy,
		Notes:       in.Notes,
		At:          s.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.countReview(ctx, "not_found")
			return false, nil
		}
		telemetry.RecordError(span, err)
		return false, fmt.Errorf("autonomy: review %s: %w", in.ActionID, err)
	}

	switch outcome {
	case storage.ReviewNotPending:
		s.countReview(ctx, "not_pending")
		s.logger.Info("autonomy: review ignored, action not pending",
			"action_id", a.ID, "status", a.Status)
		return false, nil
	case storage.ReviewExpired:
		s.countReview(ctx, "expired")
		s.logger.Info("autonomy: review rejected, action expired", "action_id", a.ID)
		s.emit(ctx, s.events.ActionExpired(s.teamFor(ctx, a.WorkspaceID, a.TeamID), a))
		return false, nil
	}

	s.countReview(ctx, string(a.Status))
	s.logger.Info("autonomy: action reviewed",
		"action_id", a.ID, "status", a.Status, "reviewed_by", in.ReviewedBy)
	s.emit(ctx, s.events.ActionReviewed(s.teamFor(ctx, a.WorkspaceID, a.TeamID), a))
	return true, nil
}

func (s *Service) countReview(ctx context.Context, outcome string) {
	s.reviews.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// BulkResult tallies a bulk review.
type BulkResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ProcessBulkApproval reviews each action independently. An action that
// cannot be reviewed counts as failed and never stops the batch.
func (s *Service) ProcessBulkApproval(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID, approved bool, reviewer string, notes *string) BulkResult {
	var res BulkResult
	for _, id := range ids {
		ok, err := s.ProcessApproval(ctx, ReviewInput{
			WorkspaceID: workspaceID,
			ActionID:    id,
			Approved:    approved,
			ReviewedBy:  reviewer,
			Notes:       notes,
		})
		if err != nil {
			s.logger.Warn("autonomy: bulk review item failed", "action_id", id, "error", err)
		}
		if ok {
			res.Processed++
		} else {
			res.Failed++
		}
	}
	return res
}

// ExpirePendingActions marks every overdue pending action as expired and
// returns how many were. A nil workspaceID sweeps all workspaces.
func (s *Service) ExpirePendingActions(ctx context.Context, workspaceID *uuid.UUID) (int, error) {
	expired, err := s.store.ExpirePendingActions(ctx, workspaceID, s.now())
	if err != nil {
		return 0, fmt.Errorf("autonomy: expire pending actions: %w", err)
	}
	for _, a := range expired {
		s.emit(ctx, s.events.ActionExpired(s.teamFor(ctx, a.WorkspaceID, a.TeamID), a))
	}
	if len(expired) > 0 {
		s.logger.Info("autonomy: expired pending actions", "count", len(expired))
	}
	return len(expired), nil
}

// ListPendingActions returns queued actions matching f, newest first.
func (s *Service) ListPendingActions(ctx context.Context, f model.PendingActionFilter) ([]model.PendingAction, error) {
	return s.store.ListPendingActions(ctx, f)
}

// GetPendingAction returns one queued action.
func (s *Service) GetPendingAction(ctx context.Context, workspaceID, id uuid.UUID) (model.PendingAction, error) {
	return s.store.GetPendingAction(ctx, workspaceID, id)
}

// RecordAudit appends an entry to the audit log. A failed action raises an
// alert.
func (s *Service) RecordAudit(ctx context.Context, e model.ActionAuditEntry) (model.ActionAuditEntry, error) {
	if e.ActionType == "" {
		return model.ActionAuditEntry{}, fmt.Errorf("autonomy: action type is required: %w", model.ErrInvalidInput)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.RiskLevel == "" {
		e.RiskLevel = Classify(e.ActionType, e.ActionData).RiskLevel
	}
	saved, err := s.store.InsertActionAudit(ctx, e)
	if err != nil {
		return model.ActionAuditEntry{}, fmt.Errorf("autonomy: record audit: %w", err)
	}
	s.audits.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("automatic", saved.WasAutomatic),
		attribute.Bool("success", saved.Success),
	))
	if !saved.Success {
		s.emit(ctx, s.events.ActionFailed(s.teamFor(ctx, saved.WorkspaceID, saved.TeamID), saved))
	}
	return saved, nil
}

// GetAuditLog returns audit entries matching f, newest first.
func (s *Service) GetAuditLog(ctx context.Context, f model.AuditFilter) ([]model.ActionAuditEntry, error) {
	return s.store.ListActionAudit(ctx, f)
}

// GetDepartmentMetrics aggregates autonomy activity for every team in dept.
func (s *Service) GetDepartmentMetrics(ctx context.Context, workspaceID uuid.UUID, dept model.Department) (model.DepartmentMetrics, error) {
	teams, err := s.store.ListTeams(ctx, workspaceID, dept)
	if err != nil {
		return model.DepartmentMetrics{}, fmt.Errorf("autonomy: list %s teams: %w", dept, err)
	}
	stats, err := s.store.AutonomyStats(ctx, workspaceID, teamIDs(teams), s.dayStart())
	if err != nil {
		return model.DepartmentMetrics{}, fmt.Errorf("autonomy: %s metrics: %w", dept, err)
	}
	return model.DepartmentMetrics{Department: dept, TeamCount: len(teams), Stats: stats}, nil
}

// GetTeamAutonomyStats aggregates autonomy activity for one team.
func (s *Service) GetTeamAutonomyStats(ctx context.Context, workspaceID, teamID uuid.UUID) (model.TeamAutonomyStats, error) {
	team, err := s.store.GetTeam(ctx, workspaceID, teamID)
	if err != nil {
		return model.TeamAutonomyStats{}, fmt.Errorf("autonomy: load team %s: %w", teamID, err)
	}
	stats, err := s.store.AutonomyStats(ctx, workspaceID, []uuid.UUID{team.ID}, s.dayStart())
	if err != nil {
		return model.TeamAutonomyStats{}, fmt.Errorf("autonomy: team stats: %w", err)
	}
	return model.TeamAutonomyStats{TeamID: team.ID, AutonomyLevel: team.AutonomyLevel, Stats: stats}, nil
}

// SetAutonomyLevel changes a team's autonomy level and announces it.
func (s *Service) SetAutonomyLevel(ctx context.Context, workspaceID, teamID uuid.UUID, level model.AutonomyLevel, changedBy string) error {
	if !level.Valid() {
		return fmt.Errorf("autonomy: unknown autonomy level %q: %w", level, model.ErrInvalidInput)
	}
	previous, err := s.store.SetTeamAutonomyLevel(ctx, workspaceID, teamID, level)
	if err != nil {
		return fmt.Errorf("autonomy: set autonomy level: %w", err)
	}
	s.cache.Invalidate(teamID)
	s.logger.Info("autonomy: autonomy level changed",
		"team_id", teamID, "from", previous, "to", level, "changed_by", changedBy)

	team, err := s.policy(ctx, workspaceID, teamID)
	if err != nil {
		s.logger.Warn("autonomy: reload team after level change", "team_id", teamID, "error", err)
		return nil
	}
	s.emit(ctx, s.events.AutonomyLevelChanged(team, previous, changedBy))
	return nil
}

// EmitDailyDigest summarizes the workspace's autonomy activity and sends it
// to every user any team notifies.
func (s *Service) EmitDailyDigest(ctx context.Context, workspaceID uuid.UUID) error {
	teams, err := s.store.ListTeams(ctx, workspaceID, "")
	if err != nil {
		return fmt.Errorf("autonomy: list teams for digest: %w", err)
	}
	if len(teams) == 0 {
		return nil
	}
	stats, err := s.store.AutonomyStats(ctx, workspaceID, teamIDs(teams), s.dayStart())
	if err != nil {
		return fmt.Errorf("autonomy: digest stats: %w", err)
	}

	var targets []string
	for _, t := range teams {
		targets = append(targets, t.NotifyUserIDs...)
	}
	slices.Sort(targets)
	targets = slices.Compact(targets)

	ev := s.events.DailyDigest(workspaceID, targets, notify.Digest{TeamCount: len(teams), Stats: stats})
	if err := s.notifier.Notify(ctx, ev); err != nil {
		return fmt.Errorf("autonomy: emit digest: %w", err)
	}
	return nil
}

// currentPolicy loads the team's stored policy and refreshes the cache with it.
func (s *Service) currentPolicy(ctx context.Context, workspaceID, teamID uuid.UUID) (model.Team, error) {
	team, err := s.store.GetTeam(ctx, workspaceID, teamID)
	if err != nil {
		return model.Team{}, err
	}
	s.cache.Set(team)
	return team, nil
}

// policy returns the team as last read, from the cache when fresh. Only event
// targeting uses it; approval decisions go through currentPolicy.
func (s *Service) policy(ctx context.Context, workspaceID, teamID uuid.UUID) (model.Team, error) {
	if team, ok := s.cache.Get(teamID); ok && team.WorkspaceID == workspaceID {
		return team, nil
	}
	team, err := s.store.GetTeam(ctx, workspaceID, teamID)
	if err != nil {
		return model.Team{}, err
	}
	s.cache.Set(team)
	return team, nil
}

// teamFor resolves the team an event should target. Nil when the action has
// no team or the team cannot be loaded.
func (s *Service) teamFor(ctx context.Context, workspaceID uuid.UUID, teamID *uuid.UUID) *model.Team {
	if teamID == nil {
		return nil
	}
	team, err := s.policy(ctx, workspaceID, *teamID)
	if err != nil {
		s.logger.Warn("autonomy: load team for notification", "team_id", teamID, "error", err)
		return nil
	}
	return &team
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("autonomy: notification failed", "type", ev.Type, "error", err)
	}
}

func (s *Service) dayStart() time.Time {
	y, m, d := s.now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func teamIDs(teams []model.Team) []uuid.UUID {
	ids := make([]uuid.UUID, len(teams))
	for i, t := range teams {
		ids[i] = t.ID
	}
	return ids
}
