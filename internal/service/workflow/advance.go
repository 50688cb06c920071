package workflow

import (
	"cmp"
	"fmt"
	"time"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// transition says what the scheduler should do after a step result lands.
type transition struct {
	next  string        // step to run now; empty when the execution stopped or finished
	retry bool          // the current step is re-queued after delay
	delay time.Duration // backoff before the retry
}

// advance applies r, the result of step, to ex and picks what runs next.
//
// A failure with attempts left puts the step back to pending for a retry.
// Otherwise the result is recorded, a successful output is merged into the
// context under the step's sanitized name, and the execution follows the
// step's success or failure edge (success falls through to the next
// declared step). A success with nowhere to go completes the execution; a
// failure with nowhere to go fails it. A paused execution whose last step
// just finished stays paused with no current step until it is resumed.
func advance(ex *model.WorkflowExecution, wf model.Workflow, step model.WorkflowStep, r model.StepResult, now time.Time) (transition, error) {
	if r.Status == model.StepFailed && r.Attempts < step.MaxAttempts() {
		r.Status = model.StepPending
		r.TaskID, r.MessageID, r.CompletedAt = nil, nil, nil
		ex.StepResults[step.ID] = r
		return transition{retry: true, delay: step.Backoff(r.Attempts)}, nil
	}

	if r.CompletedAt == nil {
		r.CompletedAt = &now
	}
	ex.StepResults[step.ID] = r
	if r.Status.Succeeded() && r.Output != nil {
		ex.Context[model.SanitizeKey(cmp.Or(step.Name, step.ID))] = r.Output
	}
	ex.Context["lastStepId"] = step.ID
	ex.Context["lastStepStatus"] = string(r.Status)

	next, err := nextStep(wf, step, r.Status)
	if err != nil {
		return transition{}, err
	}

	if next == "" {
		ex.CompletedSteps = ex.CountCompleted()
		switch {
		case !r.Status.Succeeded():
			code := model.ErrCodeStepFailed
			if step.MaxAttempts() > 1 {
				code = model.ErrCodeRetryExhausted
			}
			ex.Status = model.ExecutionFailed
			ex.Error = &model.ExecutionError{Code: code, Message: cmp.Or(r.Error, "step failed"), StepID: step.ID}
			ex.CompletedAt = &now
		case ex.Status == model.ExecutionPaused:
			ex.CurrentStepID = ""
		default:
			ex.Status = model.ExecutionCompleted
			ex.CompletedAt = &now
		}
		return transition{}, nil
	}

	ex.CurrentStepID = next
	ex.StepResults[next] = model.StepResult{StepID: next, Status: model.StepPending}
	ex.CompletedSteps = ex.CountCompleted()
	return transition{next: next}, nil
}

// nextStep resolves the edge out of step for the given outcome.
func nextStep(wf model.Workflow, step model.WorkflowStep, status model.StepStatus) (string, error) {
	target := step.OnFailure
	if status.Succeeded() {
		target = step.OnSuccess
	}
	if target != "" {
		if wf.StepIndex(target) < 0 {
			return "", fmt.Errorf("workflow: step %q routes to unknown step %q", step.ID, target)
		}
		return target, nil
	}
	if !status.Succeeded() {
		return "", nil
	}
	if i := wf.StepIndex(step.ID); i >= 0 && i+1 < len(wf.Steps) {
		return wf.Steps[i+1].ID, nil
	}
	return "", nil
}
