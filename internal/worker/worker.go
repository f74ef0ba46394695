// ============================================================================
// Beaver-MR Worker - Agent Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and drives assignments
// through the configured Executor
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Skip execution when the pool context is already cancelled
//   3. Execute with a per-task timeout derived from the pool context
//   4. Send result to resultCh
//   5. Repeat until taskCh is closed
//
// Error Handling:
//   - Timeout and cancellation are classified by the Executor
//   - A panicking Executor is reported as a failed agent, the worker survives
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	exec     Executor      // Runs one assignment
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker. ctx is the pool context: once it is done,
// remaining tasks are reported cancelled without being executed.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()

		var res types.AgentResult
		if err := ctx.Err(); err != nil {
			res = agent.CancelledResult(task.Assignment, err)
		} else {
			res = w.execute(ctx, task)
		}

		// resultCh is sized for every submitted task, so this never blocks for long
		w.resultCh <- Result{
			Assignment: task.Assignment,
			Agent:      res,
			WorkerID:   w.id,
			Duration:   time.Since(start),
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (res types.AgentResult) {
	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Agent panicked", "worker", w.id, "itemID", task.Assignment.Item.ID, "panic", r)
			res = types.AgentResult{
				AgentID:      agent.AgentID(task.Assignment),
				ItemID:       task.Assignment.Item.ID,
				AssignmentID: task.Assignment.ID,
				Error:        fmt.Sprintf("agent panicked: %v", r),
				ErrorKind:    types.ErrorUnknown,
			}
		}
	}()

	return w.exec.Execute(taskCtx, task.Assignment)
}
