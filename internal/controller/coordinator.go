package controller

// ============================================================================
// 職責說明：
// 1. 以 worker pool 並發執行 assignment，同時最多 maxParallel 個 agent
// 2. 依完成順序回傳結果，每個 assignment 恰好一個結果
// 3. ctx 取消後給執行中的 agent GracePeriod，逾時者強制回報為取消
// 4. 每個結果產生時呼叫 OnResult，由 Engine 路由到 aggregator / DLQ / checkpoint
// ============================================================================

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
	"github.com/ChuLiYu/beaver-mr/internal/metrics"
	"github.com/ChuLiYu/beaver-mr/internal/worker"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// DefaultGracePeriod 未設定 GracePeriod 時使用
const DefaultGracePeriod = 30 * time.Second

// CoordinatorOptions 設定 Coordinator
type CoordinatorOptions struct {
	// AgentTimeout 單一 agent 的執行上限，0 表示不限
	AgentTimeout time.Duration
	// GracePeriod 取消後等待執行中 agent 的時間
	GracePeriod time.Duration
	// OnResult 每個結果產生時呼叫，呼叫來自同一個 goroutine
	OnResult func(types.AgentResult)
	Metrics  *metrics.Collector
}

// Coordinator 以有界並發執行 assignment
type Coordinator struct {
	exec worker.Executor
	opts CoordinatorOptions
}

// NewCoordinator 建立 Coordinator
func NewCoordinator(exec worker.Executor, opts CoordinatorOptions) *Coordinator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Coordinator{exec: exec, opts: opts}
}

// WithResultHook 回傳共用執行器、但使用另一個 OnResult 的 Coordinator
func (c *Coordinator) WithResultHook(hook func(types.AgentResult)) *Coordinator {
	opts := c.opts
	opts.OnResult = hook
	return &Coordinator{exec: c.exec, opts: opts}
}

// Run 執行所有 assignment 並依完成順序回傳結果
//
// 行為：
//   - 單一 agent 失敗不影響其他 assignment
//   - ctx 取消後尚未開始的 assignment 直接回報 Failed{cancelled}
//   - GracePeriod 結束仍未完成的 agent 強制回報 Failed{cancelled}，
//     其 goroutine 仍會自行完成清理
func (c *Coordinator) Run(ctx context.Context, assignments []types.WorkAssignment, maxParallel int) []types.AgentResult {
	if len(assignments) == 0 {
		return nil
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if maxParallel > len(assignments) {
		maxParallel = len(assignments)
	}

	pool := worker.NewPool(c.exec, len(assignments))
	if err := pool.Start(ctx, maxParallel); err != nil {
		log.Error("Failed to start worker pool", "error", err)
		return c.cancelAll(assignments, err)
	}

	pending := make(map[int]types.WorkAssignment, len(assignments))
	for _, a := range assignments {
		if err := pool.Submit(worker.Task{Assignment: a, Timeout: c.opts.AgentTimeout}); err != nil {
			log.Error("Failed to submit assignment", "itemID", a.Item.ID, "error", err)
			continue
		}
		pending[a.ID] = a
	}
	c.opts.Metrics.RecordDispatch(len(pending))
	// 已提交的任務會被完整處理；Stop 在背景等待 worker 結束
	go pool.Stop()

	results := make([]types.AgentResult, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := pending[a.ID]; !ok {
			results = append(results, c.emit(agent.CancelledResult(a, worker.ErrPoolClosed)))
		}
	}

	done := ctx.Done()
	var grace <-chan time.Time
	resultCh := pool.Results()
	for len(pending) > 0 {
		select {
		case r, ok := <-resultCh:
			if !ok {
				resultCh = nil
				continue
			}
			if _, waiting := pending[r.Assignment.ID]; !waiting {
				continue
			}
			delete(pending, r.Assignment.ID)
			if r.Agent.Duration == 0 {
				r.Agent.Duration = r.Duration
			}
			results = append(results, c.emit(r.Agent))

		case <-done:
			done = nil
			log.Warn("Run cancelled, waiting for running agents",
				"pending", len(pending),
				"gracePeriod", c.opts.GracePeriod)
			timer := time.NewTimer(c.opts.GracePeriod)
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			log.Warn("Grace period expired, abandoning agents", "count", len(pending))
			for _, a := range assignments {
				if _, waiting := pending[a.ID]; waiting {
					delete(pending, a.ID)
					results = append(results, c.emit(agent.CancelledResult(a, context.Cause(ctx))))
				}
			}
		}
	}
	return results
}

func (c *Coordinator) emit(r types.AgentResult) types.AgentResult {
	c.opts.Metrics.RecordResult(r)
	if c.opts.OnResult != nil {
		c.opts.OnResult(r)
	}
	return r
}

func (c *Coordinator) cancelAll(assignments []types.WorkAssignment, cause error) []types.AgentResult {
	results := make([]types.AgentResult, 0, len(assignments))
	for _, a := range assignments {
		results = append(results, c.emit(agent.CancelledResult(a, cause)))
	}
	return results
}
