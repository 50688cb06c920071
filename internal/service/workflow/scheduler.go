package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// abortWait bounds how long Drain waits for cancelled jobs to unwind.
const abortWait = 2 * time.Second

// stepJob asks the engine to run one step of one execution.
type stepJob struct {
	WorkspaceID uuid.UUID
	ExecutionID uuid.UUID
	StepID      string
}

// Scheduler runs step jobs on a fixed pool of workers. Each job is an
// independent unit of work, so a long chain never grows a call stack and one
// execution cannot starve another.
//
// Jobs are not persisted. Anything still queued at shutdown is picked up
// again by Engine.Recover from the execution's stored current step.
type Scheduler struct {
	handle  func(ctx context.Context, job stepJob)
	logger  *slog.Logger
	workers int

	jobs    chan stepJob
	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// newScheduler creates a scheduler with the given worker count and queue
// capacity. Call Start to begin processing.
func newScheduler(workers, queueSize int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		workers: max(workers, 1),
		jobs:    make(chan stepJob, max(queueSize, 1)),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. It is safe to call only once; subsequent calls
// are no-ops and log a warning.
//
// Jobs inherit ctx's values but not its cancellation: workers stop when Drain
// is called, so a cancelled caller context never interrupts a step between
// its claim and its dispatch.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("workflow scheduler: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for range s.workers {
		s.wg.Add(1)
		go s.work(loopCtx)
	}
}

// Drain stops accepting jobs and waits for in-flight jobs to finish. Queued
// jobs are left for Engine.Recover. If ctx expires first, in-flight jobs are
// cancelled and given abortWait to hand back their claims.
func (s *Scheduler) Drain(ctx context.Context) {
	s.stopped.Store(true)
	s.once.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if s.cancel != nil {
			s.cancel()
		}
		return
	case <-ctx.Done():
	}

	s.logger.Warn("workflow scheduler: drain timed out, cancelling in-flight jobs")
	if s.cancel != nil {
		s.cancel()
	}
	timer := time.NewTimer(abortWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Error("workflow scheduler: jobs still running after cancel")
	}
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			if s.stopped.Load() {
				return
			}
			s.run(ctx, job)
		}
	}
}

// run executes one job, containing any panic so a faulty step cannot take
// the worker down with it.
func (s *Scheduler) run(ctx context.Context, job stepJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("workflow scheduler: job panicked",
				"execution_id", job.ExecutionID, "step_id", job.StepID, "panic", r)
		}
	}()
	s.handle(ctx, job)
}

// Enqueue schedules job. A full queue does not block the caller: the job is
// handed to a goroutine that waits for room, so workers that enqueue the next
// step of a chain can never deadlock on their own queue.
func (s *Scheduler) Enqueue(job stepJob) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.jobs <- job:
		return
	default:
	}
	s.logger.Warn("workflow scheduler: queue full, deferring job",
		"execution_id", job.ExecutionID, "step_id", job.StepID)
	go func() {
		select {
		case s.jobs <- job:
		case <-s.stop:
		}
	}()
}

// EnqueueAfter schedules job once d has elapsed.
func (s *Scheduler) EnqueueAfter(d time.Duration, job stepJob) {
	if d <= 0 {
		s.Enqueue(job)
		return
	}
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			s.Enqueue(job)
		case <-s.stop:
		}
	}()
}
