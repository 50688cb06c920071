package workflow_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/dispatch"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/service/workflow"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx := context.Background()
	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

type harness struct {
	engine *workflow.Engine
	ws     uuid.UUID
	agent  model.Agent
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	ws := uuid.New()
	agent, err := testDB.CreateAgent(ctx, model.Agent{WorkspaceID: ws, Name: "worker", Type: "research"})
	require.NoError(t, err)

	executor := dispatch.NewBusExecutor(testDB, messaging.New(testDB, logger), nil, logger)
	eng := workflow.New(testDB, executor, workflow.Config{Workers: 2, QueueSize: 16}, logger)
	eng.Start(ctx)
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Drain(drainCtx)
	})
	return harness{engine: eng, ws: ws, agent: agent}
}

func (h harness) define(t *testing.T, steps ...model.WorkflowStep) model.Workflow {
	t.Helper()
	for i := range steps {
		if steps[i].AgentID == uuid.Nil {
			steps[i].AgentID = h.agent.ID
		}
		if steps[i].Action == "" {
			steps[i].Action = "do_" + steps[i].ID
		}
	}
	wf, err := h.engine.Define(context.Background(), h.ws, workflow.Definition{Name: "wf-" + uuid.NewString()[:8], Steps: steps}, true)
	require.NoError(t, err)
	return wf
}

func (h harness) execute(t *testing.T, wf model.Workflow, triggerData map[string]any) uuid.UUID {
	t.Helper()
	res := h.engine.Execute(context.Background(), workflow.ExecuteInput{
		WorkspaceID: h.ws, WorkflowID: wf.ID, Trigger: model.TriggerManual, TriggerData: triggerData,
	})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.ExecutionID)
	return *res.ExecutionID
}

// waitDispatched blocks until stepID is running with a recorded task for the
// given attempt.
func (h harness) waitDispatched(t *testing.T, execID uuid.UUID, stepID string, attempt int) model.StepResult {
	t.Helper()
	var r model.StepResult
	require.Eventually(t, func() bool {
		ex, err := h.engine.GetExecution(context.Background(), h.ws, execID)
		if err != nil {
			return false
		}
		r = ex.StepResults[stepID]
		return ex.CurrentStepID == stepID && r.Status == model.StepRunning && r.Attempts == attempt && r.TaskID != nil
	}, 10*time.Second, 20*time.Millisecond, "step %s attempt %d never dispatched", stepID, attempt)
	return r
}

func (h harness) waitStatus(t *testing.T, execID uuid.UUID, status model.ExecutionStatus) model.WorkflowExecution {
	t.Helper()
	var ex model.WorkflowExecution
	require.Eventually(t, func() bool {
		var err error
		ex, err = h.engine.GetExecution(context.Background(), h.ws, execID)
		return err == nil && ex.Status == status
	}, 10*time.Second, 20*time.Millisecond, "execution never reached %s", status)
	return ex
}

func (h harness) complete(t *testing.T, execID uuid.UUID, stepID string, out workflow.StepOutcome) {
	t.Helper()
	applied, err := h.engine.CompleteStep(context.Background(), h.ws, execID, stepID, out)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestExecuteFollowsOnSuccessRouting(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t,
		model.WorkflowStep{ID: "a", Name: "Gather Facts", OnSuccess: "c"},
		model.WorkflowStep{ID: "b", Name: "Never Runs"},
		model.WorkflowStep{ID: "c", Name: "Summarize"},
	)
	execID := h.execute(t, wf, map[string]any{"lead": "acme"})

	h.waitDispatched(t, execID, "a", 1)
	h.complete(t, execID, "a", workflow.StepOutcome{Success: true, Output: map[string]any{"facts": float64(3)}})

	h.waitDispatched(t, execID, "c", 1)
	task, err := testDB.FindStepTask(context.Background(), execID, "c")
	require.NoError(t, err)
	stepCtx, ok := task.Content.Data["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"facts": float64(3)}, stepCtx["gather_facts"])

	h.complete(t, execID, "c", workflow.StepOutcome{Success: true})
	ex := h.waitStatus(t, execID, model.ExecutionCompleted)

	assert.Equal(t, 2, ex.CompletedSteps)
	assert.Equal(t, 3, ex.TotalSteps)
	assert.Contains(t, ex.StepResults, "a")
	assert.Contains(t, ex.StepResults, "c")
	assert.NotContains(t, ex.StepResults, "b")
	assert.Equal(t, map[string]any{"lead": "acme"}, ex.Context["triggerData"])
	assert.Equal(t, "c", ex.Context["lastStepId"])
	require.NotNil(t, ex.CompletedAt)
}

func TestFailedStepWithoutRouteFailsExecution(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t, model.WorkflowStep{ID: "a"}, model.WorkflowStep{ID: "b"})
	execID := h.execute(t, wf, nil)

	h.waitDispatched(t, execID, "a", 1)
	h.complete(t, execID, "a", workflow.StepOutcome{Error: "crm unavailable"})

	ex := h.waitStatus(t, execID, model.ExecutionFailed)
	assert.Equal(t, 0, ex.CompletedSteps)
	require.NotNil(t, ex.Error)
	assert.Equal(t, model.ErrCodeStepFailed, ex.Error.Code)
	assert.Equal(t, "crm unavailable", ex.Error.Message)
	assert.Equal(t, "a", ex.Error.StepID)
}

func TestUnmetConditionsSkipStep(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t,
		model.WorkflowStep{ID: "big", Conditions: []model.Condition{
			{Field: "triggerData.amount", Operator: model.OpGreaterThan, Value: float64(100)},
		}},
		model.WorkflowStep{ID: "always"},
	)
	execID := h.execute(t, wf, map[string]any{"amount": float64(40)})

	h.waitDispatched(t, execID, "always", 1)
	ex, err := h.engine.GetExecution(context.Background(), h.ws, execID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSkipped, ex.StepResults["big"].Status)
	assert.Equal(t, "Conditions not met", ex.StepResults["big"].Reason)
	assert.Nil(t, ex.StepResults["big"].TaskID)

	_, err = testDB.FindStepTask(context.Background(), execID, "big")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInactiveAgentFailsStep(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t, model.WorkflowStep{ID: "a"})
	require.NoError(t, testDB.SetAgentStatus(context.Background(), h.ws, h.agent.ID, model.AgentStatusInactive))

	execID := h.execute(t, wf, nil)
	ex := h.waitStatus(t, execID, model.ExecutionFailed)
	assert.Equal(t, model.StepFailed, ex.StepResults["a"].Status)
	assert.Contains(t, ex.StepResults["a"].Error, "not active")
}

func TestAutomaticRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t, model.WorkflowStep{ID: "a", RetryConfig: &model.RetryConfig{MaxAttempts: 2, BackoffMs: 10}})
	execID := h.execute(t, wf, nil)

	first := h.waitDispatched(t, execID, "a", 1)
	h.complete(t, execID, "a", workflow.StepOutcome{Error: "transient"})

	second := h.waitDispatched(t, execID, "a", 2)
	assert.NotEqual(t, *first.TaskID, *second.TaskID)
	h.complete(t, execID, "a", workflow.StepOutcome{Success: true})

	ex := h.waitStatus(t, execID, model.ExecutionCompleted)
	assert.Equal(t, 2, ex.StepResults["a"].Attempts)
	assert.Equal(t, 1, ex.CompletedSteps)
}

func TestCompleteStepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t, model.WorkflowStep{ID: "a"})
	execID := h.execute(t, wf, nil)
	h.waitDispatched(t, execID, "a", 1)

	h.complete(t, execID, "a", workflow.StepOutcome{Success: true})
	applied, err := h.engine.CompleteStep(context.Background(), h.ws, execID, "a", workflow.StepOutcome{Error: "late"})
	require.NoError(t, err)
	assert.False(t, applied)

	ex := h.waitStatus(t, execID, model.ExecutionCompleted)
	assert.Equal(t, model.StepCompleted, ex.StepResults["a"].Status)
}

func TestPauseResumeCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"}, model.WorkflowStep{ID: "b"})
	execID := h.execute(t, wf, nil)
	h.waitDispatched(t, execID, "a", 1)

	ex, err := h.engine.Pause(ctx, h.ws, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionPaused, ex.Status)

	_, err = h.engine.Pause(ctx, h.ws, execID)
	require.ErrorIs(t, err, model.ErrInvalidState)

	// The in-flight step still records its result, but b waits.
	h.complete(t, execID, "a", workflow.StepOutcome{Success: true})
	require.Eventually(t, func() bool {
		ex, err = h.engine.GetExecution(ctx, h.ws, execID)
		return err == nil && ex.StepResults["a"].Status == model.StepCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, model.ExecutionPaused, ex.Status)
	assert.Equal(t, "b", ex.CurrentStepID)
	assert.Equal(t, model.StepPending, ex.StepResults["b"].Status)

	_, err = h.engine.Resume(ctx, h.ws, execID)
	require.NoError(t, err)
	h.waitDispatched(t, execID, "b", 1)

	ex, err = h.engine.Cancel(ctx, h.ws, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, ex.Status)
	require.NotNil(t, ex.CompletedAt)

	_, err = h.engine.Resume(ctx, h.ws, execID)
	require.ErrorIs(t, err, model.ErrInvalidState)

	// A completion arriving after cancellation changes nothing.
	_, err = h.engine.CompleteStep(ctx, h.ws, execID, "b", workflow.StepOutcome{Success: true})
	require.NoError(t, err)
	ex, err = h.engine.GetExecution(ctx, h.ws, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, ex.Status)
	assert.Equal(t, model.StepRunning, ex.StepResults["b"].Status)
}

func TestResumeAfterLastStepFinishedWhilePaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "only"})
	execID := h.execute(t, wf, nil)
	h.waitDispatched(t, execID, "only", 1)

	_, err := h.engine.Pause(ctx, h.ws, execID)
	require.NoError(t, err)
	h.complete(t, execID, "only", workflow.StepOutcome{Success: true})

	require.Eventually(t, func() bool {
		ex, err := h.engine.GetExecution(ctx, h.ws, execID)
		return err == nil && ex.CurrentStepID == "" && ex.Status == model.ExecutionPaused
	}, 5*time.Second, 20*time.Millisecond)

	ex, err := h.engine.Resume(ctx, h.ws, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, ex.Status)
}

func TestRetryStepUntilExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a", RetryConfig: &model.RetryConfig{MaxAttempts: 2, BackoffMs: 10}})
	execID := h.execute(t, wf, nil)
	first := h.waitDispatched(t, execID, "a", 1)

	require.NoError(t, h.engine.RetryStep(ctx, h.ws, execID, "a"))
	h.waitDispatched(t, execID, "a", 2)

	old, err := testDB.GetAgentTask(ctx, *first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentTaskFailed, old.Status)

	err = h.engine.RetryStep(ctx, h.ws, execID, "a")
	require.ErrorIs(t, err, model.ErrRetryExhausted)

	ex := h.waitStatus(t, execID, model.ExecutionFailed)
	assert.Equal(t, model.ErrCodeRetryExhausted, ex.Error.Code)
	assert.Equal(t, "max attempts exceeded", ex.StepResults["a"].Error)

	err = h.engine.RetryStep(ctx, h.ws, execID, "a")
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRetryStepRejectsNonCurrentStep(t *testing.T) {
	h := newHarness(t)
	wf := h.define(t, model.WorkflowStep{ID: "a"}, model.WorkflowStep{ID: "b"})
	execID := h.execute(t, wf, nil)
	h.waitDispatched(t, execID, "a", 1)

	err := h.engine.RetryStep(context.Background(), h.ws, execID, "b")
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestExecuteRequiresActiveWorkflow(t *testing.T) {
	h := newHarness(t)
	wf, err := h.engine.Define(context.Background(), h.ws, workflow.Definition{
		Name:  "draft",
		Steps: []model.WorkflowStep{{ID: "a", AgentID: h.agent.ID, Action: "x"}},
	}, false)
	require.NoError(t, err)

	res := h.engine.Execute(context.Background(), workflow.ExecuteInput{WorkspaceID: h.ws, WorkflowID: wf.ID})
	assert.False(t, res.Success)
	assert.Nil(t, res.ExecutionID)
	assert.Contains(t, res.Error, "not active")

	res = h.engine.Execute(context.Background(), workflow.ExecuteInput{WorkspaceID: h.ws, WorkflowID: uuid.New()})
	assert.False(t, res.Success)
}

func TestDefineRejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Define(context.Background(), h.ws, workflow.Definition{Name: "empty"}, true)
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestRecoverSchedulesPendingExecutions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})

	// An execution whose first step was queued when the process stopped.
	ex, err := testDB.CreateExecution(ctx, model.WorkflowExecution{
		WorkspaceID:   h.ws,
		WorkflowID:    wf.ID,
		Status:        model.ExecutionRunning,
		CurrentStepID: "a",
		TotalSteps:    1,
	})
	require.NoError(t, err)

	n, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	h.waitDispatched(t, ex.ID, "a", 1)
}

// gatedExecutor holds each dispatch until its gate opens or the step's
// context is cancelled.
type gatedExecutor struct {
	next    dispatch.Executor
	started chan struct{}
	gate    chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	logger := testutil.TestLogger()
	return &gatedExecutor{
		next:    dispatch.NewBusExecutor(testDB, messaging.New(testDB, logger), nil, logger),
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
}

func (g *gatedExecutor) Dispatch(ctx context.Context, t dispatch.Task) (dispatch.Handle, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
		return g.next.Dispatch(ctx, t)
	case <-ctx.Done():
		return dispatch.Handle{}, fmt.Errorf("gated: %w: %w", model.ErrDispatch, ctx.Err())
	}
}

func (g *gatedExecutor) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch never started")
	}
}

func startGatedEngine(t *testing.T, g *gatedExecutor) *workflow.Engine {
	t.Helper()
	eng := workflow.New(testDB, g, workflow.Config{Workers: 1, QueueSize: 4}, testutil.TestLogger())
	eng.Start(context.Background())
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Drain(drainCtx)
	})
	return eng
}

func TestDrainWaitsForInFlightDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})

	g := newGatedExecutor()
	eng := startGatedEngine(t, g)
	res := eng.Execute(ctx, workflow.ExecuteInput{WorkspaceID: h.ws, WorkflowID: wf.ID})
	require.True(t, res.Success, res.Error)
	g.waitStarted(t)

	drained := make(chan struct{})
	go func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.Drain(drainCtx)
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned while a dispatch was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(g.gate)
	<-drained

	ex, err := h.engine.GetExecution(ctx, h.ws, *res.ExecutionID)
	require.NoError(t, err)
	r := ex.StepResults["a"]
	assert.Equal(t, model.StepRunning, r.Status)
	assert.NotNil(t, r.TaskID, "the dispatched task is recorded before drain returns")
}

func TestDrainTimeoutReleasesClaimForRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})

	g := newGatedExecutor()
	eng := startGatedEngine(t, g)
	res := eng.Execute(ctx, workflow.ExecuteInput{WorkspaceID: h.ws, WorkflowID: wf.ID})
	require.True(t, res.Success, res.Error)
	execID := *res.ExecutionID
	g.waitStarted(t)

	drainCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	eng.Drain(drainCtx)

	require.Eventually(t, func() bool {
		ex, err := h.engine.GetExecution(ctx, h.ws, execID)
		return err == nil && ex.StepResults["a"].Status == model.StepPending
	}, 5*time.Second, 20*time.Millisecond, "interrupted step was not handed back")

	ex, err := h.engine.GetExecution(ctx, h.ws, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, ex.Status)
	assert.Equal(t, 0, ex.StepResults["a"].Attempts)

	// A restarted process picks the step up where it stopped.
	n, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	h.waitDispatched(t, execID, "a", 1)
}

// orphanedExecution stores an execution whose current step was claimed by a
// process that stopped before handing it off.
func orphanedExecution(t *testing.T, h harness, wf model.Workflow, status model.ExecutionStatus) model.WorkflowExecution {
	t.Helper()
	ex, err := testDB.CreateExecution(context.Background(), model.WorkflowExecution{
		WorkspaceID:   h.ws,
		WorkflowID:    wf.ID,
		Status:        status,
		CurrentStepID: "a",
		TotalSteps:    1,
		StepResults: map[string]model.StepResult{
			"a": {StepID: "a", Status: model.StepRunning, Attempts: 1, StartedAt: time.Now().UTC().Add(-time.Minute)},
		},
	})
	require.NoError(t, err)
	return ex
}

func TestRecoverReclaimsOrphanedRunningStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})
	ex := orphanedExecution(t, h, wf, model.ExecutionRunning)

	n, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	h.waitDispatched(t, ex.ID, "a", 2)
}

func TestRecoverReclaimsStepWhoseOnlyTaskIsFromAnEarlierAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})
	ex := orphanedExecution(t, h, wf, model.ExecutionRunning)

	msg := "attempt failed"
	done := time.Now().UTC().Add(-2 * time.Minute)
	_, err := testDB.CreateAgentTask(ctx, model.AgentTask{
		WorkspaceID:  h.ws,
		AgentID:      h.agent.ID,
		ExecutionID:  &ex.ID,
		StepID:       "a",
		Status:       model.AgentTaskFailed,
		Error:        &msg,
		DispatchedAt: done.Add(-time.Second),
		CompletedAt:  &done,
	})
	require.NoError(t, err)

	_, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	h.waitDispatched(t, ex.ID, "a", 2)
}

func TestRecoverLeavesHandedOffStepAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})
	ex := orphanedExecution(t, h, wf, model.ExecutionRunning)

	// The task went out but the process stopped before recording it.
	task, err := testDB.CreateAgentTask(ctx, model.AgentTask{
		WorkspaceID: h.ws,
		AgentID:     h.agent.ID,
		ExecutionID: &ex.ID,
		StepID:      "a",
	})
	require.NoError(t, err)

	_, err = h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Never(t, func() bool {
		got, err := h.engine.GetExecution(ctx, h.ws, ex.ID)
		return err != nil || got.StepResults["a"].Attempts != 1 || got.StepResults["a"].Status != model.StepRunning
	}, 300*time.Millisecond, 20*time.Millisecond)

	latest, err := testDB.FindStepTask(ctx, ex.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, task.ID, latest.ID)

	// Its completion still lands.
	h.complete(t, ex.ID, "a", workflow.StepOutcome{Success: true})
	h.waitStatus(t, ex.ID, model.ExecutionCompleted)
}

func TestResumeReclaimsOrphanedRunningStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.define(t, model.WorkflowStep{ID: "a"})
	ex := orphanedExecution(t, h, wf, model.ExecutionPaused)

	_, err := h.engine.Resume(ctx, h.ws, ex.ID)
	require.NoError(t, err)
	h.waitDispatched(t, ex.ID, "a", 2)
}
