// Package model defines the core domain types for Tsumugi.
//
// Types correspond directly to database tables and to the payloads exchanged
// with external dispatchers. Enum-like string types carry the persisted values;
// pure policy helpers (tier defaults, promotion thresholds, state transitions)
// live next to the types they govern so services and storage agree on them.
package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// Agent is a named unit of capability. Agents are created and retired by an
// external admin surface; the core only reads them and updates execution
// bookkeeping.
type Agent struct {
	ID             uuid.UUID      `json:"id"`
	WorkspaceID    uuid.UUID      `json:"workspace_id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Status         AgentStatus    `json:"status"`
	Capabilities   []string       `json:"capabilities"`
	Tools          []string       `json:"tools"`
	ExecutionCount int64          `json:"execution_count"`
	LastExecutedAt *time.Time     `json:"last_executed_at,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsActive reports whether the agent may receive work.
func (a Agent) IsActive() bool {
	return a.Status == AgentStatusActive
}

// HasTooling reports whether the agent declares any tools or capabilities.
func (a Agent) HasTooling() bool {
	return len(a.Tools) > 0 || len(a.Capabilities) > 0
}

// HasAnyCapability reports whether the agent declares at least one of required.
// An empty required set matches every agent.
func (a Agent) HasAnyCapability(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, c := range required {
		if slices.Contains(a.Capabilities, c) {
			return true
		}
	}
	return false
}

// MatchedCapabilities returns how many of required the agent declares.
func (a Agent) MatchedCapabilities(required []string) int {
	n := 0
	for _, c := range required {
		if slices.Contains(a.Capabilities, c) {
			n++
		}
	}
	return n
}

// maxCapabilityLen bounds one capability name in bytes.
const maxCapabilityLen = 64

// ValidateCapabilities checks the capabilities an agent declares or a task
// requires. Agents are matched to tasks by exact comparison, so every name is
// a lowercase identifier starting with a letter, made of letters, digits, '-'
// and '_', and a list names each capability once.
func ValidateCapabilities(caps []string) error {
	for i, c := range caps {
		if problem := capabilityProblem(c); problem != "" {
			return fmt.Errorf("capability %q %s: %w", c, problem, ErrInvalidInput)
		}
		if slices.Contains(caps[:i], c) {
			return fmt.Errorf("capability %q listed twice: %w", c, ErrInvalidInput)
		}
	}
	return nil
}

func capabilityProblem(c string) string {
	switch {
	case c == "":
		return "is empty"
	case len(c) > maxCapabilityLen:
		return fmt.Sprintf("is longer than %d bytes", maxCapabilityLen)
	case c[0] < 'a' || c[0] > 'z':
		return "must start with a lowercase letter"
	}
	for i, r := range c {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Sprintf("has invalid character %q at byte %d", r, i)
		}
	}
	return ""
}
