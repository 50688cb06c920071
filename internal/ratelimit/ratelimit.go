// Package ratelimit throttles per-agent dispatch.
//
// The Limiter interface is the contract; MemoryLimiter is a single-process
// token bucket keyed by agent. Deployments running several dispatchers can
// substitute a shared implementation behind the same interface.
package ratelimit

import (
	"context"

	"github.com/google/uuid"
)

// Limiter decides whether a dispatch identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the dispatch should proceed.
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open (permit the dispatch) rather than stalling agents.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// AgentKey builds the bucket key for one agent within a workspace.
func AgentKey(workspaceID, agentID uuid.UUID) string {
	return "ws:" + workspaceID.String() + ":agent:" + agentID.String()
}

// NoopLimiter permits every dispatch. Used when throttling is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
