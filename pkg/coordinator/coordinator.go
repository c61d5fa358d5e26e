// Package coordinator implements the Task Coordinator: a bounded worker
// pool multiplexing many concurrent requests over a fixed number of
// reasoning-loop workers, with a global semaphore capping whole-tree
// in-flight tasks and cooperative cancellation. Grounded in the teacher's
// goroutine+WaitGroup fan-out in pkg/providers/anthropic.go's QueryBatched,
// generalized from a fixed-size batch into a long-lived worker pool pulling
// off a FIFO queue.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/recursion"
)

// DefaultWorkers and DefaultPermits match the design's P=3, C=5 defaults.
const (
	DefaultWorkers = 3
	DefaultPermits = 5
)

// Task is one unit of work submitted to the Coordinator.
type Task struct {
	Query       string
	ContextText string
	MaxDepth    int    // 0 => use the Controller's configured default.
	Model       string // "" => use the Controller's configured root model.
	OwnerTag    string
}

// Result is the Task Coordinator's output record.
type Result struct {
	Answer        string
	UsageTotal    core.UsageRecord
	PerLevelUsage []core.UsageRecord
	WallclockMs   int64
	RecursionID   string
}

type outcome struct {
	result Result
	err    error
}

// Future is a running or completed task. Wait blocks until the task
// resolves or ctx is cancelled; Cancel requests cooperative cancellation
// of the whole tree.
type Future struct {
	outcome chan outcome
	cancel  context.CancelFunc
}

// Wait blocks until the task completes or ctx is done, whichever first.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case o := <-f.outcome:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. The worker's loop observes it
// before its next Model Client or Transport call; an in-flight sandbox
// execution still runs to its own wall_timeout_ms.
func (f *Future) Cancel() {
	f.cancel()
}

type job struct {
	ctx     context.Context
	cancel  context.CancelFunc
	task    Task
	outcome chan outcome
}

// Coordinator multiplexes Tasks over a bounded worker pool, a FIFO queue,
// and a global semaphore of permits shared by an entire task tree
// (sub-invocations do not acquire additional permits).
type Coordinator struct {
	controller *recursion.Controller
	sem        chan struct{}
	jobs       chan *job
	stop       chan struct{}
}

// New starts `workers` goroutines and a semaphore of `permits`. Call Close
// to stop the workers from taking further jobs off the queue; jobs already
// running finish.
func New(controller *recursion.Controller, workers, permits int) *Coordinator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if permits <= 0 {
		permits = DefaultPermits
	}
	c := &Coordinator{
		controller: controller,
		sem:        make(chan struct{}, permits),
		jobs:       make(chan *job, 4096),
		stop:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go c.workerLoop()
	}
	return c
}

// Submit acquires one permit (blocking until available or ctx is done),
// enqueues the task, and returns a running Future. The permit covers the
// entire resulting recursion tree, not just the root invocation.
func (c *Coordinator) Submit(ctx context.Context, task Task) (*Future, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	observability.TasksInFlight.Inc()

	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{ctx: jobCtx, cancel: cancel, task: task, outcome: make(chan outcome, 1)}

	select {
	case c.jobs <- j:
		observability.TasksQueued.Inc()
	default:
		<-c.sem
		observability.TasksInFlight.Dec()
		cancel()
		return nil, fmt.Errorf("coordinator: queue full")
	}

	return &Future{outcome: j.outcome, cancel: cancel}, nil
}

// SubmitBatch submits every task and returns their Futures in order. If any
// individual Submit fails (e.g. ctx cancelled mid-batch), the error is
// returned immediately and no further tasks in the batch are submitted.
func (c *Coordinator) SubmitBatch(ctx context.Context, tasks []Task) ([]*Future, error) {
	futures := make([]*Future, 0, len(tasks))
	for _, t := range tasks {
		f, err := c.Submit(ctx, t)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// Close stops dispatching new jobs to workers. Already-queued jobs are
// abandoned; callers should Cancel their own Futures first if they want a
// clean shutdown.
func (c *Coordinator) Close() {
	close(c.stop)
}

func (c *Coordinator) workerLoop() {
	for {
		select {
		case <-c.stop:
			return
		case j := <-c.jobs:
			observability.TasksQueued.Dec()
			c.runJob(j)
		}
	}
}

func (c *Coordinator) runJob(j *job) {
	defer func() {
		<-c.sem
		observability.TasksInFlight.Dec()
	}()

	start := time.Now()
	result, err := c.execute(j)
	result.WallclockMs = time.Since(start).Milliseconds()

	select {
	case j.outcome <- outcome{result: result, err: err}:
	default:
	}
}

func (c *Coordinator) execute(j *job) (Result, error) {
	loop, lc, err := c.controller.NewRootWithOptions(j.ctx, j.task.OwnerTag, j.task.MaxDepth, j.task.Model)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: build root invocation: %w", err)
	}
	defer loop.Close(context.Background())

	select {
	case <-j.ctx.Done():
		return Result{RecursionID: lc.RecursionID}, fmt.Errorf("task cancelled before start: %w", core.ErrCancelled)
	default:
	}

	query := j.task.Query
	if j.task.ContextText != "" {
		query = j.task.ContextText + "\n\n" + query
	}

	runResult, err := loop.Run(j.ctx, query)
	if err != nil {
		if j.ctx.Err() != nil {
			return Result{UsageTotal: runResult.Usage, PerLevelUsage: runResult.PerLevelUsage, RecursionID: lc.RecursionID}, fmt.Errorf("%w: %w", core.ErrCancelled, err)
		}
		return Result{UsageTotal: runResult.Usage, PerLevelUsage: runResult.PerLevelUsage, RecursionID: lc.RecursionID}, err
	}

	return Result{
		Answer:        runResult.FinalAnswer,
		UsageTotal:    runResult.Usage,
		PerLevelUsage: runResult.PerLevelUsage,
		RecursionID:   lc.RecursionID,
	}, nil
}
