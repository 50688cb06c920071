package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/ratelimit"
)

type countingExecutor struct{ calls int }

func (c *countingExecutor) Dispatch(context.Context, Task) (Handle, error) {
	c.calls++
	return Handle{TaskID: uuid.New()}, nil
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

func TestThrottledPerAgent(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(0.001, 2)
	defer func() { _ = lim.Close() }()
	inner := &countingExecutor{}
	th := NewThrottled(inner, lim, slog.Default())

	ws, a, b := uuid.New(), uuid.New(), uuid.New()
	for range 2 {
		_, err := th.Dispatch(context.Background(), Task{WorkspaceID: ws, AgentID: a})
		require.NoError(t, err)
	}
	_, err := th.Dispatch(context.Background(), Task{WorkspaceID: ws, AgentID: a})
	assert.ErrorIs(t, err, model.ErrDispatch)

	_, err = th.Dispatch(context.Background(), Task{WorkspaceID: ws, AgentID: b})
	assert.NoError(t, err, "other agents keep their own budget")
	assert.Equal(t, 3, inner.calls)
}

func TestThrottledFailsOpen(t *testing.T) {
	inner := &countingExecutor{}
	th := NewThrottled(inner, brokenLimiter{}, slog.Default())
	_, err := th.Dispatch(context.Background(), Task{AgentID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestTaskDataCarriesRoutingKeys(t *testing.T) {
	exec, task := uuid.New(), uuid.New()
	data := taskData(Task{
		ExecutionID: &exec, StepID: "review",
		Content: model.MessageContent{Data: map[string]any{"task_id": "spoofed", "kept": true}},
	}, task)
	assert.Equal(t, task.String(), data["task_id"])
	assert.Equal(t, exec.String(), data["execution_id"])
	assert.Equal(t, "review", data["step_id"])
	assert.Equal(t, true, data["kept"])
	assert.NotContains(t, data, "team_execution_id")
}
