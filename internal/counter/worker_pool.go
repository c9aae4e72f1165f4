package counter

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kohantikanath/visit-counter/internal/monitoring"
)

// Task is a unit of flush work executed by a pool worker.
type Task func()

// WorkerPool runs per-key flush tasks on a fixed set of goroutines.
//
// The flush tick fans out one task per buffered key; without a pool a tick
// over a large buffer would spawn one goroutine per key. A fixed worker set
// with a bounded queue keeps backend concurrency and memory flat no matter
// how many pages are hot.
//
// If the queue is full, Submit drops the task and counts it. A dropped
// flush is harmless here: the key keeps its pending delta and the next tick
// resubmits it.
//
// Thread safety: all methods are safe for concurrent use.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount goroutines and a queue of
// queueSize pending tasks. Workers do not run until Start.
func NewWorkerPool(workerCount int, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the worker goroutines. Call once, before Submit.
// Cancelling ctx makes workers finish their current task and exit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker pulls tasks until the queue is closed or the context is cancelled.
// Panics inside a task are recovered with a stack trace; the worker
// continues with the next task.
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			if task != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							stack := string(debug.Stack())
							wp.logger.Error().
								Interface("panic_value", r).
								Str("stack_trace", stack).
								Msg("Worker panic recovered, task failed but worker continues")

							monitoring.RecordError(monitoring.ErrorTypeFlush, monitoring.ErrorSeverityCritical)
						}
					}()

					task()
				}()
			}
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

// Submit enqueues a task. If the queue is full the task is dropped and the
// dropped counter incremented; the caller's next tick retries the key.
//
// Submitting after Stop panics (send on closed channel), so the engine
// always stops its flush loop before stopping the pool.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
	}
}

// Stop closes the queue, lets workers drain the remaining tasks and blocks
// until they exit.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// GetDroppedTasks returns the cumulative count of tasks dropped because the
// queue was full. Sustained growth means the flush interval outpaces what
// the workers push to the backend.
func (wp *WorkerPool) GetDroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// GetQueueDepth returns the current number of queued tasks.
func (wp *WorkerPool) GetQueueDepth() int {
	return len(wp.taskQueue)
}

// GetQueueCapacity returns the queue buffer size.
func (wp *WorkerPool) GetQueueCapacity() int {
	return cap(wp.taskQueue)
}
