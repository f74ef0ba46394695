// ============================================================================
// Beaver-MR 引擎 - 對外操作入口
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 提交 job、恢復 job、查詢與重新處理 DLQ、讀取 checkpoint
//
// 架構設計:
//   Engine 把以下組件串在一起：
//   - planner: 原始 item -> 有序 WorkAssignment
//   - Coordinator: 以 worker pool 並發執行 agent（最多 MaxParallel 個）
//   - jobmanager.Tracker: item 進度（pending/in_flight/completed/dead）
//   - checkpoint.Store: 依 (job, phase) 原子保存可恢復狀態
//   - dlq.Queue / dlq.Reprocessor: 永久失敗的 item
//   - aggregate: 驗證後再合併的結果彙總
//
// Job 執行流程:
//   1. 規劃並保存初始 map checkpoint
//   2. Coordinator 執行所有 pending assignment，每個結果即時路由：
//      成功 -> 彙總值 + completed；失敗 -> DLQ + dead；取消 -> 回到 pending
//   3. 執行期間依時間間隔與完成數量定期保存 checkpoint
//   4. 結束時保存 map checkpoint；未被中斷時另存 reduce checkpoint
//
// 恢復流程（見 resume.go）:
//   最新 checkpoint + DLQ -> 環境比對 -> 重建變數 -> 只重新提交未完成的 item
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/checkpoint"
	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/internal/jobmanager"
	"github.com/ChuLiYu/beaver-mr/internal/metrics"
	"github.com/ChuLiYu/beaver-mr/internal/planner"
	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrResumeInProgress = errors.New("resume already in progress")
	ErrNoCheckpoint     = errors.New("no checkpoint found")
	ErrJobRunning       = errors.New("job is already running")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrInvalidConfig    = errors.New("invalid job config")
	ErrMissingExecutor  = errors.New("engine needs a version control and a command runner")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 設定 Engine
type Options struct {
	Storage storage.Storage
	VCS     agent.VersionControl
	Runner  agent.CommandRunner
	// Metrics 可為 nil
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Clock   func() time.Time
	// Environment 擷取目前環境（預設 variables.Capture）
	Environment func(critical []string) variables.EnvironmentSnapshot
	Checkpoint  checkpoint.Options
}

// jobLockScope 是 job 執行鎖的名稱前綴
const jobLockScope = "resume"

// Engine 對外提供 job 操作
type Engine struct {
	backend storage.Storage
	store   *checkpoint.Store
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	running map[types.JobID]*JobHandle
}

// JobHandle 代表一個執行中的 job
type JobHandle struct {
	jobID  types.JobID
	cancel context.CancelCauseFunc
	done   chan struct{}
	report *JobReport
	err    error
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Engine
//
// 參數：
//   - opts: Storage、VCS 與 Runner 必填
//
// 返回值：
//   - *Engine: Engine 實例
//   - error: 缺少必要元件
func New(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("engine needs a storage backend")
	}
	if opts.VCS == nil || opts.Runner == nil {
		return nil, ErrMissingExecutor
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Environment == nil {
		opts.Environment = variables.Capture
	}
	if opts.Checkpoint.Clock == nil {
		opts.Checkpoint.Clock = opts.Clock
	}
	return &Engine{
		backend: opts.Storage,
		store:   checkpoint.NewStore(opts.Storage, opts.Checkpoint),
		opts:    opts,
		log:     opts.Logger,
		running: make(map[types.JobID]*JobHandle),
	}, nil
}

// SubmitJob 規劃並在背景執行一個 job
//
// 流程：
//  1. 驗證設定、規劃 assignment
//  2. 擷取環境快照並保存初始 map checkpoint
//  3. 啟動背景執行，回傳 JobHandle
//
// job 會在 ctx 取消或呼叫 JobHandle.Cancel 時中斷
func (e *Engine) SubmitJob(ctx context.Context, items []any, cfg JobConfig) (*JobHandle, error) {
	cfg = cfg.withDefaults()
	pred, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if cfg.JobID == "" {
		cfg.JobID = types.JobID(uuid.NewString())
	}

	assignments := planner.Plan(items, cfg.planner(pred))
	planned := make([]types.WorkItem, 0, len(assignments))
	for _, a := range assignments {
		planned = append(planned, a.Item)
	}

	vars := variables.NewSnapshot()
	for k, v := range cfg.Variables {
		vars.SetGlobal(k, v)
	}

	tracker := jobmanager.NewTracker()
	for _, item := range planned {
		if err := tracker.Enqueue(item); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	run, err := e.newRun(cfg, planned, tracker, vars, e.opts.Environment(cfg.CriticalEnv))
	if err != nil {
		return nil, err
	}
	if err := e.register(cfg.JobID); err != nil {
		return nil, err
	}
	release, err := e.lockJob(ctx, cfg.JobID)
	if errors.Is(err, storage.ErrLocked) {
		err = fmt.Errorf("%w: %s", ErrJobRunning, cfg.JobID)
	}
	if err != nil {
		e.unregister(cfg.JobID)
		return nil, err
	}
	if err := run.save(ctx); err != nil {
		release()
		e.unregister(cfg.JobID)
		return nil, fmt.Errorf("save initial checkpoint: %w", err)
	}

	e.log.Info("Job submitted",
		"jobID", cfg.JobID,
		"items", len(planned),
		"maxParallel", cfg.MaxParallel)
	return e.start(ctx, run, release), nil
}

// QueryDLQ 查詢 job 的 DLQ，最新失敗在前
func (e *Engine) QueryDLQ(ctx context.Context, jobID types.JobID, filter dlq.Filter) ([]types.DLQItem, error) {
	return e.DLQ(jobID, 0).Query(ctx, filter)
}

// DLQ 回傳 job 的 DLQ；maxRetries 為 0 時使用預設值
func (e *Engine) DLQ(jobID types.JobID, maxRetries int) *dlq.Queue {
	return dlq.New(e.backend, jobID, dlq.Options{MaxRetries: maxRetries, Clock: e.opts.Clock})
}

// ReprocessDLQ 經由同一條 Coordinator 路徑重新執行 DLQ item
//
// 行為：
//   - 與 submit、resume 共用 job 執行鎖；job 在任何行程執行中時拒絕（ErrJobRunning）
//   - 沿用 checkpoint 中的 job 設定執行 agent
//   - 成功的 item 移出 DLQ 並寫回最新 checkpoint 的 completed 集合
func (e *Engine) ReprocessDLQ(ctx context.Context, jobID types.JobID, opts dlq.ReprocessOptions) (*dlq.ReprocessResult, error) {
	if err := e.register(jobID); err != nil {
		return nil, err
	}
	defer e.unregister(jobID)

	release, err := e.lockJob(ctx, jobID)
	if errors.Is(err, storage.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := e.store.LoadLatest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: job %s", ErrNoCheckpoint, jobID)
	}
	cfg, err := decodeConfig(cp.Config)
	if err != nil {
		return nil, err
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = cfg.MaxParallel
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = cfg.MaxRetries
	}

	vars := cp.Variables
	if vars == nil {
		vars = variables.NewSnapshot()
	}
	exec := e.executor(cfg, vars, e.opts.Environment(cfg.CriticalEnv))
	coord := NewCoordinator(exec, CoordinatorOptions{
		AgentTimeout: cfg.AgentTimeout,
		GracePeriod:  cfg.GracePeriod,
		Metrics:      e.opts.Metrics,
	})

	res, runErr := dlq.NewReprocessor(e.backend, coord).Reprocess(ctx, jobID, opts)
	if res == nil {
		return nil, runErr
	}
	e.opts.Metrics.RecordReprocess(res.Successful, res.Failed)

	if res.Successful > 0 {
		if err := e.applyReprocessed(context.WithoutCancel(ctx), jobID, cfg, res.Results); err != nil {
			e.log.Error("Failed to record reprocessed items in checkpoint", "jobID", jobID, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	return res, runErr
}

// GetCheckpoint 讀取 checkpoint；phase 為空時回傳最新階段。不存在時回傳 nil, nil。
func (e *Engine) GetCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase) (*checkpoint.Checkpoint, error) {
	if phase == "" {
		return e.store.LoadLatest(ctx, jobID)
	}
	return e.store.Load(ctx, jobID, phase)
}

// ListJobs 列出有 checkpoint 或 DLQ 記錄的 job
func (e *Engine) ListJobs(ctx context.Context) ([]types.JobID, error) {
	return e.backend.ListJobs(ctx)
}

// Running 回傳本 Engine 中執行中 job 的 handle
func (e *Engine) Running(jobID types.JobID) (*JobHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[jobID]
	return h, ok && h != nil
}

// JobID 回傳 job id
func (h *JobHandle) JobID() types.JobID {
	return h.jobID
}

// Cancel 中斷 job；執行中的 agent 仍有 GracePeriod 完成
func (h *JobHandle) Cancel() {
	h.cancel(ErrJobCancelled)
}

// Done 在 job 結束後關閉
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait 等待 job 結束並回傳報告。ctx 只限制等待本身，不會中斷 job。
func (h *JobHandle) Wait(ctx context.Context) (*JobReport, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (e *Engine) executor(cfg JobConfig, vars *variables.Snapshot, env variables.EnvironmentSnapshot) *agent.Executor {
	return agent.NewExecutor(e.opts.VCS, e.opts.Runner, agent.ExecutorConfig{
		Phase:            types.PhaseMap,
		Commands:         cfg.Commands,
		TransientRetries: cfg.TransientRetries,
		RetryDelay:       cfg.RetryDelay,
		Variables:        vars,
		Environment:      env,
	}, agent.Clock(e.opts.Clock))
}

// start 在背景執行 run；release 在 run 結束後呼叫
func (e *Engine) start(ctx context.Context, run *jobRun, release func()) *JobHandle {
	runCtx, cancel := context.WithCancelCause(ctx)
	h := &JobHandle{
		jobID:  run.jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.running[run.jobID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel(nil)
		defer e.unregister(run.jobID)
		if release != nil {
			defer release()
		}
		h.report, h.err = run.execute(runCtx)
	}()
	return h
}

// lockJob 取得 job 的執行鎖。submit、resume 與 DLQ 重新處理共用同一把鎖，
// 跨行程保證同一時間只有一次執行；鎖被占用時回傳 storage.ErrLocked。
func (e *Engine) lockJob(ctx context.Context, jobID types.JobID) (func(), error) {
	unlock, err := e.backend.TryLock(ctx, storage.LockName(jobLockScope, jobID))
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unlock(); err != nil {
			e.log.Warn("Failed to release job lock", "jobID", jobID, "error", err)
		}
	}, nil
}

// register 預約 job id，避免同一個 job 在本 Engine 中並行
func (e *Engine) register(jobID types.JobID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	}
	e.running[jobID] = nil
	return nil
}

func (e *Engine) unregister(jobID types.JobID) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

// applyReprocessed 重新讀取最新 checkpoint，把重新處理成功的 item 寫回
func (e *Engine) applyReprocessed(ctx context.Context, jobID types.JobID, cfg JobConfig, results []types.AgentResult) error {
	cp, err := e.store.LoadLatest(ctx, jobID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w: job %s", ErrNoCheckpoint, jobID)
	}

	items := make(map[types.ItemID]types.WorkItem, len(cp.Items))
	for _, item := range cp.Items {
		items[item.ID] = item
	}
	completed := cp.CompletedSet()
	failed := cp.FailedSet()
	if cp.ItemValues == nil {
		cp.ItemValues = make(map[types.ItemID]map[string]aggregate.Encoded)
	}

	for _, r := range results {
		item, ok := items[r.ItemID]
		if !ok || !r.Success {
			continue
		}
		completed[r.ItemID] = true
		delete(failed, r.ItemID)
		values, errs := contributions(cfg.Aggregates, item, r)
		for _, err := range errs {
			e.log.Warn("Skipping aggregate contribution", "itemID", r.ItemID, "error", err)
		}
		cp.ItemValues[r.ItemID] = values
	}

	cp.CompletedItemIDs = sortedIDs(completed)
	cp.FailedItemIDs = sortedIDs(failed)
	if cp.Variables == nil {
		cp.Variables = variables.NewSnapshot()
	}
	if _, err := summarize(cp, cfg.Aggregates); err != nil {
		return err
	}
	err = e.store.Save(ctx, cp.JobID, cp.Phase, cp)
	e.opts.Metrics.RecordCheckpoint(err)
	return err
}
