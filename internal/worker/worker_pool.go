// ============================================================================
// Beaver-MR Worker Pool - 有界並發的 agent 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 max_parallel 個 Worker goroutine 的生命週期和 assignment 分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(exec, n) - 建立 Pool，channel 容量為 n
//   2. Start(ctx, workers) - 啟動 Worker，ctx 取消後排隊中的任務直接回報取消
//   3. Submit(task) - 提交任務
//   4. Results() - 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成後關閉 resultCh
//
// 並發控制:
//   - Submit 持有 mu 直到送出完成，因此不會與 Stop 的 close(taskCh) 競爭
//   - taskCh / resultCh 容量等於預期任務數，送出不會長時間阻塞
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務數超過 channel 容量
	ErrPoolFull = errors.New("worker pool is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	exec     Executor       // 所有 Worker 共用的執行器
	workers  []*Worker      // 已啟動的 Worker
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool           // Pool 是否已啟動
	stopped  bool           // Pool 是否已停止
	mu       sync.Mutex     // 保護 started / stopped 與 taskCh 的關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - exec: 執行 assignment 的 Executor
//   - capacity: 任務和結果通道的緩衝大小（通常為 assignment 總數）
func NewPool(exec Executor, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		exec:     exec,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, capacity),
		resultCh: make(chan Result, capacity),
	}
}

// Start 啟動指定數量的 Worker
//
// 參數：
//   - ctx: Worker 執行 agent 時使用的父 context
//   - workerCount: 要啟動的 Worker 數量（至少 1）
//
// 返回值：
//   - error: 如果 Pool 已啟動則返回錯誤
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount, "capacity", cap(p.taskCh))
	return nil
}

// Submit 提交任務到 Worker Pool，不會阻塞
//
// 返回值：
//   - error: ErrPoolNotStarted / ErrPoolClosed / ErrPoolFull
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Results 回傳結果通道；Stop 後所有結果送出完畢即關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 taskCh，不再接受新任務
//  2. Worker 處理完已排隊的任務後退出
//  3. 等待所有 Worker 完成後關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
