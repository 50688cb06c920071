package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies an agent message.
type MessageType string

const (
	MessageTypeTask    MessageType = "task"
	MessageTypeResult  MessageType = "result"
	MessageTypeContext MessageType = "context"
	MessageTypeHandoff MessageType = "handoff"
	MessageTypeStatus  MessageType = "status"
	MessageTypeQuery   MessageType = "query"
)

// MessageStatus is the delivery state of a message. States only move forward:
// pending -> delivered -> read -> processed.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageProcessed MessageStatus = "processed"
)

// Rank orders delivery states so transitions can be checked for monotonicity.
func (s MessageStatus) Rank() int {
	switch s {
	case MessagePending:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	case MessageProcessed:
		return 4
	default:
		return 0
	}
}

// Priority is the urgency carried in a message envelope.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MessageContent is the envelope delivered to agents and external executors.
type MessageContent struct {
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
}

// AgentMessage is one unit of communication. Every message belongs to exactly
// one thread.
type AgentMessage struct {
	ID              uuid.UUID      `json:"id"`
	WorkspaceID     uuid.UUID      `json:"workspace_id"`
	FromAgentID     *uuid.UUID     `json:"from_agent_id,omitempty"`
	ToAgentID       *uuid.UUID     `json:"to_agent_id,omitempty"`
	TeamID          *uuid.UUID     `json:"team_id,omitempty"`
	Type            MessageType    `json:"message_type"`
	Content         MessageContent `json:"content"`
	ThreadID        uuid.UUID      `json:"thread_id"`
	ParentMessageID *uuid.UUID     `json:"parent_message_id,omitempty"`
	Status          MessageStatus  `json:"status"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
	ReadAt          *time.Time     `json:"read_at,omitempty"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// MessageFilter narrows an inbox query.
type MessageFilter struct {
	Type        MessageType
	Status      MessageStatus
	TeamID      *uuid.UUID
	FromAgentID *uuid.UUID
	Since       *time.Time
	Limit       int
}
