package controller

// ============================================================================
// 職責說明：
// 1. 以 per-job resume 鎖拒絕並發恢復（鎖持有到恢復後的執行結束）
// 2. 載入最新 checkpoint 與 DLQ，計算未完成的 item
// 3. 比對環境快照：critical 變數缺少或改變時失敗（Force 除外）
// 4. 重建變數並依 checkpoint 的 id 集合重新計算 map.* 變數
// 5. 還原 Tracker，只把未完成的 item 交給 Coordinator
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/checkpoint"
	"github.com/ChuLiYu/beaver-mr/internal/jobmanager"
	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// ResumeOptions 控制恢復行為
type ResumeOptions struct {
	// IncludeDLQ 為 nil 時視為 true：可重新處理的 DLQ item 一併執行
	IncludeDLQ *bool
	// Force 忽略 critical 環境變數不一致
	Force bool
	// MaxParallel 為 0 時沿用原設定
	MaxParallel int
}

// ResumeResult 描述恢復了什麼；Handle 在預覽時為 nil
type ResumeResult struct {
	JobID       types.JobID
	Phase       types.Phase
	Outstanding []types.ItemID
	// Skipped 是被排除的 DLQ item
	Skipped     []types.ItemID
	FromDLQ     []types.ItemID
	Completed   int
	Environment variables.EnvironmentDiff
	Warnings    []string
	Variables   variables.Scope
	Handle      *JobHandle
}

// resumePlan 是由 checkpoint 與 DLQ 推導出的恢復狀態
type resumePlan struct {
	cp      *checkpoint.Checkpoint
	cfg     JobConfig
	vars    *variables.Snapshot
	env     variables.EnvironmentSnapshot
	tracker *jobmanager.Tracker
	fromDLQ map[types.ItemID]bool
	result  *ResumeResult
}

// ResumeJob 從最新 checkpoint 恢復 job
//
// 流程：
//  1. 取得 job 執行鎖，已被持有時回傳 ErrResumeInProgress
//  2. 推導未完成 item（計畫 - completed - 不可重新處理的 DLQ item）
//  3. 驗證環境並重建變數
//  4. 在背景執行未完成 item，結束後釋放鎖
//
// 返回值：
//   - ErrNoCheckpoint、checkpoint.ErrCheckpointCorrupted、
//     variables.ErrEnvironmentMismatch、ErrResumeInProgress
func (e *Engine) ResumeJob(ctx context.Context, jobID types.JobID, opts ResumeOptions) (*ResumeResult, error) {
	start := e.opts.Clock()

	release, err := e.lockJob(ctx, jobID)
	if errors.Is(err, storage.ErrLocked) {
		return nil, fmt.Errorf("%w: job %s", ErrResumeInProgress, jobID)
	}
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	if err := e.register(jobID); err != nil {
		return nil, err
	}
	defer func() {
		if !started {
			e.unregister(jobID)
		}
	}()

	plan, err := e.planResume(ctx, jobID, opts)
	if err != nil {
		return nil, err
	}
	run, err := e.newRun(plan.cfg, plan.cp.Items, plan.tracker, plan.vars, plan.env)
	if err != nil {
		return nil, err
	}
	run.fromDLQ = plan.fromDLQ
	for id, values := range plan.cp.ItemValues {
		if plan.tracker.IsCompleted(id) {
			run.values[id] = values
		}
	}

	for _, w := range plan.result.Warnings {
		e.log.Warn("Environment changed since checkpoint", "jobID", jobID, "detail", w)
	}
	e.log.Info("Resuming job",
		"jobID", jobID,
		"phase", plan.cp.Phase,
		"completed", plan.result.Completed,
		"outstanding", len(plan.result.Outstanding),
		"fromDLQ", len(plan.result.FromDLQ),
		"skipped", len(plan.result.Skipped))

	e.opts.Metrics.SetResumeTime(e.opts.Clock().Sub(start).Seconds())
	plan.result.Handle = e.start(ctx, run, release)
	started = true
	return plan.result, nil
}

// PreviewResume 計算 ResumeJob 會做什麼，但不取得鎖也不執行。
// 對同一個 checkpoint 與 DLQ 重複呼叫得到相同結果。
func (e *Engine) PreviewResume(ctx context.Context, jobID types.JobID, opts ResumeOptions) (*ResumeResult, error) {
	plan, err := e.planResume(ctx, jobID, opts)
	if err != nil {
		return nil, err
	}
	return plan.result, nil
}

func (e *Engine) planResume(ctx context.Context, jobID types.JobID, opts ResumeOptions) (*resumePlan, error) {
	cp, err := e.store.LoadLatest(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: job %s", ErrNoCheckpoint, jobID)
	}
	cfg, err := decodeConfig(cp.Config)
	if err != nil {
		return nil, err
	}
	cfg.JobID = jobID
	if opts.MaxParallel > 0 {
		cfg.MaxParallel = opts.MaxParallel
	}
	includeDLQ := opts.IncludeDLQ == nil || *opts.IncludeDLQ

	dead, err := e.DLQ(jobID, cfg.MaxRetries).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dlq: %w", err)
	}

	current := e.opts.Environment(cp.Environment.Critical)
	diff, err := variables.Validate(cp.Environment, current, opts.Force)
	if err != nil {
		return nil, err
	}

	dlqItems := make(map[types.ItemID]types.DLQItem, len(dead))
	exclude := make(map[types.ItemID]bool)
	for _, d := range dead {
		dlqItems[d.ItemID] = d
		if !includeDLQ || !d.ReprocessEligible {
			exclude[d.ItemID] = true
		}
	}
	outstanding := cp.Outstanding(exclude)

	// 變數依 global < phase < item 還原，map.* 以實際的 id 集合重算
	vars := cp.Variables.Clone()
	summary := variables.MapSummary(len(cp.Items), len(cp.CompletedItemIDs), len(cp.FailedItemIDs))
	for k, v := range summary {
		vars.SetPhase(types.PhaseReduce, k, v)
	}

	tracker, fromDLQ, err := restoreTracker(cp, outstanding, dlqItems, e.opts.Clock)
	if err != nil {
		return nil, err
	}

	result := &ResumeResult{
		JobID:       jobID,
		Phase:       cp.Phase,
		Completed:   len(cp.CompletedItemIDs),
		Environment: diff,
		Warnings:    diff.Warnings(),
		Variables:   summary,
	}
	for _, item := range outstanding {
		result.Outstanding = append(result.Outstanding, item.ID)
		if fromDLQ[item.ID] {
			result.FromDLQ = append(result.FromDLQ, item.ID)
		}
	}
	result.Skipped = sortedIDs(exclude)

	return &resumePlan{
		cp:      cp,
		cfg:     cfg,
		vars:    vars,
		env:     current,
		tracker: tracker,
		fromDLQ: fromDLQ,
		result:  result,
	}, nil
}

// restoreTracker 由 checkpoint 重建進度：completed 保持完成，未完成者 pending，
// 其餘（被排除的 DLQ item）為 dead
func restoreTracker(cp *checkpoint.Checkpoint, outstanding []types.WorkItem, dlqItems map[types.ItemID]types.DLQItem, clock func() time.Time) (*jobmanager.Tracker, map[types.ItemID]bool, error) {
	now := clock()
	completed := cp.CompletedSet()
	pending := make(map[types.ItemID]bool, len(outstanding))
	for _, item := range outstanding {
		pending[item.ID] = true
	}

	fromDLQ := make(map[types.ItemID]bool)
	entries := make([]jobmanager.Entry, 0, len(cp.Items))
	for _, item := range cp.Items {
		entry := jobmanager.Entry{Item: item, UpdatedAt: now}
		d, inDLQ := dlqItems[item.ID]
		switch {
		case completed[item.ID]:
			entry.Status = types.StatusCompleted
		case pending[item.ID]:
			entry.Status = types.StatusPending
			if inDLQ {
				entry.Attempt = d.RetryCount + 1
				fromDLQ[item.ID] = true
			}
		default:
			entry.Status = types.StatusDead
			entry.LastError = d.LastError().Error
		}
		entries = append(entries, entry)
	}

	tracker := jobmanager.NewTracker()
	if err := tracker.Restore(jobmanager.SnapshotData{Items: entries, SchemaVer: jobmanager.SchemaVersion}); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", checkpoint.ErrCheckpointCorrupted, err)
	}
	return tracker, fromDLQ, nil
}

// RecomputeAggregates 重新計算 checkpoint 的彙總值，不寫回儲存層
func RecomputeAggregates(cp *checkpoint.Checkpoint) (map[string]any, map[string][]*aggregate.TypeMismatch, error) {
	cfg, err := decodeConfig(cp.Config)
	if err != nil {
		return nil, nil, err
	}
	clone := *cp
	mismatches, err := summarize(&clone, cfg.Aggregates)
	if err != nil {
		return nil, nil, err
	}
	return clone.Aggregates, mismatches, nil
}
