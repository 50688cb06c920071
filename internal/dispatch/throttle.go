package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/ratelimit"
)

// Throttled limits how fast tasks reach any single agent. A throttled
// dispatch fails with model.ErrDispatch; limiter errors let the dispatch
// through.
type Throttled struct {
	next    Executor
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

// NewThrottled wraps next with a per-agent limiter.
func NewThrottled(next Executor, limiter ratelimit.Limiter, logger *slog.Logger) *Throttled {
	return &Throttled{next: next, limiter: limiter, logger: logger}
}

// Dispatch forwards t to the wrapped executor if the agent has budget left.
func (th *Throttled) Dispatch(ctx context.Context, t Task) (Handle, error) {
	ok, err := th.limiter.Allow(ctx, ratelimit.AgentKey(t.WorkspaceID, t.AgentID))
	if err != nil {
		th.logger.Warn("dispatch: rate limiter error, allowing", "agent_id", t.AgentID, "error", err)
		ok = true
	}
	if !ok {
		return Handle{}, fmt.Errorf("dispatch: agent %s throttled: %w", t.AgentID, model.ErrDispatch)
	}
	return th.next.Dispatch(ctx, t)
}
