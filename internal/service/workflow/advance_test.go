package workflow

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func testWorkflow(steps ...model.WorkflowStep) model.Workflow {
	return model.Workflow{ID: uuid.New(), Name: "wf", Steps: steps, Status: model.WorkflowActive}
}

func runningExecution(wf model.Workflow, current string) *model.WorkflowExecution {
	return &model.WorkflowExecution{
		ID:            uuid.New(),
		WorkflowID:    wf.ID,
		Status:        model.ExecutionRunning,
		CurrentStepID: current,
		StepResults: map[string]model.StepResult{
			current: {StepID: current, Status: model.StepRunning, Attempts: 1},
		},
		Context:    map[string]any{},
		TotalSteps: len(wf.Steps),
	}
}

func TestAdvanceFollowsOnSuccessAndMergesOutput(t *testing.T) {
	wf := testWorkflow(
		model.WorkflowStep{ID: "a", Name: "Research Lead", OnSuccess: "c"},
		model.WorkflowStep{ID: "b", Name: "B"},
		model.WorkflowStep{ID: "c", Name: "C"},
	)
	ex := runningExecution(wf, "a")
	now := time.Now().UTC()

	tr, err := advance(ex, wf, wf.Steps[0], model.StepResult{
		StepID: "a", Status: model.StepCompleted, Attempts: 1, Output: map[string]any{"employees": float64(120)},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "c", tr.next)
	assert.Equal(t, "c", ex.CurrentStepID)
	assert.Equal(t, map[string]any{"employees": float64(120)}, ex.Context["research_lead"])
	assert.Equal(t, "a", ex.Context["lastStepId"])
	assert.Equal(t, "completed", ex.Context["lastStepStatus"])
	assert.Equal(t, model.StepPending, ex.StepResults["c"].Status)
	assert.Equal(t, 1, ex.CompletedSteps)
	_, ranB := ex.StepResults["b"]
	assert.False(t, ranB)

	tr, err = advance(ex, wf, wf.Steps[2], model.StepResult{StepID: "c", Status: model.StepCompleted, Attempts: 1}, now)
	require.NoError(t, err)
	assert.Empty(t, tr.next)
	assert.Equal(t, model.ExecutionCompleted, ex.Status)
	assert.Equal(t, 2, ex.CompletedSteps)
	require.NotNil(t, ex.CompletedAt)
}

func TestAdvanceFallsThroughInOrder(t *testing.T) {
	wf := testWorkflow(model.WorkflowStep{ID: "a"}, model.WorkflowStep{ID: "b"})
	ex := runningExecution(wf, "a")

	tr, err := advance(ex, wf, wf.Steps[0], model.StepResult{StepID: "a", Status: model.StepSkipped, Reason: conditionsNotMet}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "b", tr.next)
	assert.Equal(t, 1, ex.CompletedSteps, "skipped steps count as completed")
}

func TestAdvanceFailureWithoutRouteFailsExecution(t *testing.T) {
	wf := testWorkflow(model.WorkflowStep{ID: "a"}, model.WorkflowStep{ID: "b"})
	ex := runningExecution(wf, "a")

	tr, err := advance(ex, wf, wf.Steps[0], model.StepResult{StepID: "a", Status: model.StepFailed, Attempts: 1, Error: "boom"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, transition{}, tr)
	assert.Equal(t, model.ExecutionFailed, ex.Status)
	assert.Equal(t, 0, ex.CompletedSteps)
	require.NotNil(t, ex.Error)
	assert.Equal(t, model.ErrCodeStepFailed, ex.Error.Code)
	assert.Equal(t, "boom", ex.Error.Message)
	assert.Equal(t, "a", ex.Error.StepID)
}

func TestAdvanceFailureFollowsOnFailure(t *testing.T) {
	wf := testWorkflow(
		model.WorkflowStep{ID: "a", OnFailure: "cleanup"},
		model.WorkflowStep{ID: "b"},
		model.WorkflowStep{ID: "cleanup"},
	)
	ex := runningExecution(wf, "a")

	tr, err := advance(ex, wf, wf.Steps[0], model.StepResult{StepID: "a", Status: model.StepFailed, Attempts: 1}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "cleanup", tr.next)
	assert.Equal(t, model.ExecutionRunning, ex.Status)
	assert.Equal(t, "failed", ex.Context["lastStepStatus"])
}

func TestAdvanceRetriesWhileAttemptsRemain(t *testing.T) {
	step := model.WorkflowStep{ID: "a", RetryConfig: &model.RetryConfig{MaxAttempts: 3, BackoffMs: 200}}
	wf := testWorkflow(step)
	ex := runningExecution(wf, "a")
	task := uuid.New()

	tr, err := advance(ex, wf, step, model.StepResult{StepID: "a", Status: model.StepFailed, Attempts: 2, TaskID: &task}, time.Now())
	require.NoError(t, err)
	assert.True(t, tr.retry)
	assert.Equal(t, 400*time.Millisecond, tr.delay)
	assert.Equal(t, model.StepPending, ex.StepResults["a"].Status)
	assert.Nil(t, ex.StepResults["a"].TaskID)
	assert.Equal(t, model.ExecutionRunning, ex.Status)

	tr, err = advance(ex, wf, step, model.StepResult{StepID: "a", Status: model.StepFailed, Attempts: 3}, time.Now())
	require.NoError(t, err)
	assert.False(t, tr.retry)
	assert.Equal(t, model.ExecutionFailed, ex.Status)
	assert.Equal(t, model.ErrCodeRetryExhausted, ex.Error.Code)
}

func TestAdvancePausedLastStepStaysPaused(t *testing.T) {
	wf := testWorkflow(model.WorkflowStep{ID: "a"})
	ex := runningExecution(wf, "a")
	ex.Status = model.ExecutionPaused

	tr, err := advance(ex, wf, wf.Steps[0], model.StepResult{StepID: "a", Status: model.StepCompleted, Attempts: 1}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, tr.next)
	assert.Equal(t, model.ExecutionPaused, ex.Status)
	assert.Empty(t, ex.CurrentStepID)
	assert.Nil(t, ex.CompletedAt)
}

func TestAdvanceUnknownTargetIsAnError(t *testing.T) {
	wf := testWorkflow(model.WorkflowStep{ID: "a", OnSuccess: "gone"})
	ex := runningExecution(wf, "a")
	_, err := advance(ex, wf, wf.Steps[0], model.StepResult{StepID: "a", Status: model.StepCompleted, Attempts: 1}, time.Now())
	require.Error(t, err)
}
