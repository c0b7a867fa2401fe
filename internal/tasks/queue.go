package tasks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the queue cannot accept more jobs.
var ErrQueueFull = errors.New("task queue full")

// ErrQueueClosed is returned when jobs are submitted after shutdown.
var ErrQueueClosed = errors.New("task queue closed")

// Job is a unit of background work. Jobs receive the queue's base context
// and must respect its cancellation.
type Job func(ctx context.Context)

// Queue runs jobs on a fixed pool of workers with a bounded backlog. Request
// handlers enqueue rule evaluation and receipt delivery here so commits never
// wait on them.
type Queue struct {
	logger  *zap.Logger
	jobs    chan Job
	wg      sync.WaitGroup
	mutex   sync.Mutex
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewQueue starts workers and returns the queue.
func NewQueue(workers int, backlog int, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	queue := &Queue{
		logger:  logger,
		jobs:    make(chan Job, backlog),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	for index := 0; index < workers; index++ {
		queue.wg.Add(1)
		go queue.worker()
	}
	return queue
}

// Submit enqueues a job without blocking. A full backlog is reported to the
// caller instead of stalling the request path.
func (queue *Queue) Submit(job Job) error {
	if job == nil {
		return nil
	}
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if queue.closed {
		return ErrQueueClosed
	}
	select {
	case queue.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs, waits for queued jobs to finish, then
// cancels the base context. The given ctx bounds the wait.
func (queue *Queue) Shutdown(ctx context.Context) error {
	queue.mutex.Lock()
	if queue.closed {
		queue.mutex.Unlock()
		return nil
	}
	queue.closed = true
	close(queue.jobs)
	queue.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		queue.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		queue.cancel()
		return nil
	case <-ctx.Done():
		queue.cancel()
		return ctx.Err()
	}
}

func (queue *Queue) worker() {
	defer queue.wg.Done()
	for job := range queue.jobs {
		queue.run(job)
	}
}

func (queue *Queue) run(job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			queue.logger.Error("background job panicked", zap.Any("panic", recovered))
		}
	}()
	job(queue.baseCtx)
}
