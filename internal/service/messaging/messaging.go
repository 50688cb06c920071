// Package messaging implements the message bus agents and teams talk over:
// direct messages, team broadcasts, threads, and delivery status.
//
// No external transport is modelled here. A direct message is "delivered"
// once it is accepted into the recipient's inbox; team-level messages without
// a recipient stay pending.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Store is the persistence the message bus needs. *storage.DB implements it.
type Store interface {
	InsertMessage(ctx context.Context, m model.AgentMessage) (model.AgentMessage, error)
	InsertMessages(ctx context.Context, msgs []model.AgentMessage) (int64, error)
	GetMessage(ctx context.Context, workspaceID, id uuid.UUID) (model.AgentMessage, error)
	ListInbox(ctx context.Context, workspaceID, agentID uuid.UUID, f model.MessageFilter) ([]model.AgentMessage, error)
	CountUnread(ctx context.Context, workspaceID, agentID uuid.UUID) (int, error)
	ListThread(ctx context.Context, workspaceID, threadID uuid.UUID) ([]model.AgentMessage, error)
	AdvanceMessageStatus(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID, status model.MessageStatus) (int64, error)
	ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]model.TeamMember, error)
}

// Service is the message bus.
type Service struct {
	store  Store
	logger *slog.Logger

	sent metric.Int64Counter
}

// New creates a message bus backed by store.
func New(store Store, logger *slog.Logger) *Service {
	sent, _ := telemetry.Meter("tsumugi/messaging").Int64Counter("tsumugi.messages.sent",
		metric.WithDescription("Agent messages persisted, by message type"),
	)
	return &Service{store: store, logger: logger, sent: sent}
}

// SendInput is one message to persist.
type SendInput struct {
	WorkspaceID     uuid.UUID
	FromAgentID     *uuid.UUID
	ToAgentID       *uuid.UUID
	TeamID          *uuid.UUID
	Type            model.MessageType
	Content         model.MessageContent
	ParentMessageID *uuid.UUID
}

// Send persists a message and returns it. A message with a recipient is
// delivered immediately. A reply joins its parent's thread; anything else
// starts a new one.
func (s *Service) Send(ctx context.Context, in SendInput) (model.AgentMessage, error) {
	if in.Type == "" {
		return model.AgentMessage{}, fmt.Errorf("messaging: message type is required: %w", model.ErrInvalidInput)
	}

	msg := model.AgentMessage{
		ID:              uuid.New(),
		WorkspaceID:     in.WorkspaceID,
		FromAgentID:     in.FromAgentID,
		ToAgentID:       in.ToAgentID,
		TeamID:          in.TeamID,
		Type:            in.Type,
		Content:         in.Content,
		ParentMessageID: in.ParentMessageID,
		Status:          model.MessagePending,
		CreatedAt:       time.Now().UTC(),
	}

	msg.ThreadID = msg.ID
	if in.ParentMessageID != nil {
		parent, err := s.store.GetMessage(ctx, in.WorkspaceID, *in.ParentMessageID)
		if err != nil {
			return model.AgentMessage{}, fmt.Errorf("messaging: load parent message: %w", err)
		}
		msg.ThreadID = threadOf(parent)
	}

	if in.ToAgentID != nil {
		msg.Status = model.MessageDelivered
		msg.DeliveredAt = &msg.CreatedAt
	}

	saved, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return model.AgentMessage{}, fmt.Errorf("messaging: send: %w", err)
	}
	s.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(in.Type))))
	return saved, nil
}

// threadOf returns the thread a reply to m belongs to.
func threadOf(m model.AgentMessage) uuid.UUID {
	if m.ThreadID == uuid.Nil {
		return m.ID
	}
	return m.ThreadID
}

// BroadcastInput is a message fanned out to every member of a team.
type BroadcastInput struct {
	WorkspaceID uuid.UUID
	TeamID      uuid.UUID
	FromAgentID *uuid.UUID
	Type        model.MessageType
	Content     model.MessageContent
}

// Broadcast delivers one copy of the message to each team member other than
// the sender. All copies share a new thread. Returns the message ids, empty
// when the team has no other members.
func (s *Service) Broadcast(ctx context.Context, in BroadcastInput) ([]uuid.UUID, error) {
	members, err := s.store.ListTeamMembers(ctx, in.TeamID)
	if err != nil {
		return nil, fmt.Errorf("messaging: broadcast: list members: %w", err)
	}
	if in.Type == "" {
		in.Type = model.MessageTypeContext
	}

	now := time.Now().UTC()
	thread := uuid.New()
	msgs := make([]model.AgentMessage, 0, len(members))
	for _, m := range members {
		if in.FromAgentID != nil && m.AgentID == *in.FromAgentID {
			continue
		}
		to := m.AgentID
		msgs = append(msgs, model.AgentMessage{
			ID:          uuid.New(),
			WorkspaceID: in.WorkspaceID,
			FromAgentID: in.FromAgentID,
			ToAgentID:   &to,
			TeamID:      &in.TeamID,
			Type:        in.Type,
			Content:     in.Content,
			ThreadID:    thread,
			Status:      model.MessageDelivered,
			DeliveredAt: &now,
			CreatedAt:   now,
		})
	}
	if len(msgs) == 0 {
		return []uuid.UUID{}, nil
	}

	if _, err := s.store.InsertMessages(ctx, msgs); err != nil {
		return nil, fmt.Errorf("messaging: broadcast: %w", err)
	}
	s.sent.Add(ctx, int64(len(msgs)), metric.WithAttributes(attribute.String("type", string(in.Type))))

	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids, nil
}

// Messages returns the agent's inbox, newest first.
func (s *Service) Messages(ctx context.Context, workspaceID, agentID uuid.UUID, f model.MessageFilter) ([]model.AgentMessage, error) {
	msgs, err := s.store.ListInbox(ctx, workspaceID, agentID, f)
	if err != nil {
		return nil, fmt.Errorf("messaging: inbox: %w", err)
	}
	return msgs, nil
}

// UnreadCount returns how many messages addressed to the agent are still
// pending or delivered.
func (s *Service) UnreadCount(ctx context.Context, workspaceID, agentID uuid.UUID) (int, error) {
	n, err := s.store.CountUnread(ctx, workspaceID, agentID)
	if err != nil {
		return 0, fmt.Errorf("messaging: unread count: %w", err)
	}
	return n, nil
}

// Thread returns every message in the thread, oldest first.
func (s *Service) Thread(ctx context.Context, workspaceID, threadID uuid.UUID) ([]model.AgentMessage, error) {
	msgs, err := s.store.ListThread(ctx, workspaceID, threadID)
	if err != nil {
		return nil, fmt.Errorf("messaging: thread: %w", err)
	}
	return msgs, nil
}

// MarkAsRead moves a message to read. Messages already read or processed are
// left alone.
func (s *Service) MarkAsRead(ctx context.Context, workspaceID, messageID uuid.UUID) error {
	_, err := s.advance(ctx, workspaceID, []uuid.UUID{messageID}, model.MessageRead)
	return err
}

// Acknowledge moves a message to processed.
func (s *Service) Acknowledge(ctx context.Context, workspaceID, messageID uuid.UUID) error {
	_, err := s.advance(ctx, workspaceID, []uuid.UUID{messageID}, model.MessageProcessed)
	return err
}

// MarkMultipleAsRead moves every listed message to read and returns how many
// changed.
func (s *Service) MarkMultipleAsRead(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) (int64, error) {
	return s.advance(ctx, workspaceID, ids, model.MessageRead)
}

func (s *Service) advance(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID, status model.MessageStatus) (int64, error) {
	n, err := s.store.AdvanceMessageStatus(ctx, workspaceID, ids, status)
	if err != nil {
		return 0, fmt.Errorf("messaging: mark %s: %w", status, err)
	}
	return n, nil
}

// Reply sends a result message back to the other party on messageID, in the
// same thread.
func (s *Service) Reply(ctx context.Context, workspaceID, messageID, fromAgentID uuid.UUID, content model.MessageContent) (model.AgentMessage, error) {
	orig, err := s.store.GetMessage(ctx, workspaceID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.AgentMessage{}, fmt.Errorf("messaging: reply to %s: %w", messageID, err)
		}
		return model.AgentMessage{}, fmt.Errorf("messaging: reply: %w", err)
	}

	return s.Send(ctx, SendInput{
		WorkspaceID:     workspaceID,
		FromAgentID:     &fromAgentID,
		ToAgentID:       counterpart(orig, fromAgentID),
		TeamID:          orig.TeamID,
		Type:            model.MessageTypeResult,
		Content:         content,
		ParentMessageID: &messageID,
	})
}

// counterpart returns the party on m that is not from. A third party replying
// to a message answers its sender.
func counterpart(m model.AgentMessage, from uuid.UUID) *uuid.UUID {
	if m.FromAgentID != nil && *m.FromAgentID == from {
		return m.ToAgentID
	}
	return m.FromAgentID
}
