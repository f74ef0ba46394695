package controller

// ============================================================================
// 職責說明：
// 1. 從 Tracker 取出 pending item 交給 Coordinator 執行
// 2. 依每個結果更新 Tracker、彙總值與 DLQ
// 3. 依時間間隔與完成數量定期保存 map checkpoint
// 4. 結束時保存最終 checkpoint 並產生 JobReport
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/checkpoint"
	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/internal/jobmanager"
	"github.com/ChuLiYu/beaver-mr/internal/planner"
	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/internal/worker"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobReport 是 job 結束時的摘要
type JobReport struct {
	JobID types.JobID `json:"job_id"`
	// Total 是規劃的 item 數；Succeeded/Failed 包含先前執行的結果
	Total       int  `json:"total"`
	Succeeded   int  `json:"succeeded"`
	Failed      int  `json:"failed"`
	Pending     int  `json:"pending"`
	DLQCount    int  `json:"dlq_count"`
	Interrupted bool `json:"interrupted"`

	// Summary 與 ErrorGroups 只涵蓋本次執行的結果
	Summary     aggregate.Summary      `json:"summary"`
	ErrorGroups []aggregate.ErrorGroup `json:"error_groups,omitempty"`

	Aggregates        map[string]any                       `json:"aggregates,omitempty"`
	AggregationErrors map[string][]*aggregate.TypeMismatch `json:"aggregation_errors,omitempty"`
	Variables         variables.Scope                      `json:"variables,omitempty"`

	Duration time.Duration       `json:"duration"`
	Results  []types.AgentResult `json:"results,omitempty"`
}

// jobRun 是一次執行（首次提交或恢復）的狀態
type jobRun struct {
	engine   *Engine
	jobID    types.JobID
	cfg      JobConfig
	rawCfg   json.RawMessage
	items    []types.WorkItem
	position map[types.ItemID]int
	tracker  *jobmanager.Tracker
	queue    *dlq.Queue
	vars     *variables.Snapshot
	env      variables.EnvironmentSnapshot
	exec     worker.Executor
	// fromDLQ 成功後需移出 DLQ 的 item
	fromDLQ map[types.ItemID]bool
	// bg 用於取消後仍需完成的寫入
	bg context.Context

	mu        sync.Mutex
	values    map[types.ItemID]map[string]aggregate.Encoded
	results   []types.AgentResult
	sinceSave int

	saveMu sync.Mutex
}

// trackedExecutor 在 agent 真正開始時把 item 標為 in_flight
type trackedExecutor struct {
	inner   worker.Executor
	tracker *jobmanager.Tracker
	timeout time.Duration
	clock   func() time.Time
}

func (t trackedExecutor) Execute(ctx context.Context, a types.WorkAssignment) types.AgentResult {
	var deadline time.Time
	if t.timeout > 0 {
		deadline = t.clock().Add(t.timeout)
	}
	if err := t.tracker.MarkInFlight(a.Item.ID, deadline); err != nil {
		log.Warn("Failed to mark item in flight", "itemID", a.Item.ID, "error", err)
	}
	return t.inner.Execute(ctx, a)
}

// ============================================================================
// 核心方法實作
// ============================================================================

func (e *Engine) newRun(cfg JobConfig, items []types.WorkItem, tracker *jobmanager.Tracker, vars *variables.Snapshot, env variables.EnvironmentSnapshot) (*jobRun, error) {
	raw, err := cfg.encode()
	if err != nil {
		return nil, err
	}
	position := make(map[types.ItemID]int, len(items))
	for i, item := range items {
		position[item.ID] = i
	}
	return &jobRun{
		engine:   e,
		jobID:    cfg.JobID,
		cfg:      cfg,
		rawCfg:   raw,
		items:    items,
		position: position,
		tracker:  tracker,
		queue:    e.DLQ(cfg.JobID, cfg.MaxRetries),
		vars:     vars,
		env:      env,
		exec: trackedExecutor{
			inner:   e.executor(cfg, vars, env),
			tracker: tracker,
			timeout: cfg.AgentTimeout,
			clock:   e.opts.Clock,
		},
		fromDLQ: make(map[types.ItemID]bool),
		bg:      context.Background(),
		values:  make(map[types.ItemID]map[string]aggregate.Encoded),
	}, nil
}

// execute 執行所有 pending item 直到完成或 ctx 取消
//
// 返回值：
//   - *JobReport: 即使最終 checkpoint 保存失敗也會回傳
//   - error: 最終 checkpoint 保存錯誤
func (r *jobRun) execute(ctx context.Context) (*JobReport, error) {
	start := r.engine.opts.Clock()
	r.bg = context.WithoutCancel(ctx)

	assignments := r.dispatchable()
	r.progress()

	loopCtx, stopLoop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.checkpointLoop(loopCtx)
	}()

	coord := NewCoordinator(r.exec, CoordinatorOptions{
		AgentTimeout: r.cfg.AgentTimeout,
		GracePeriod:  r.cfg.GracePeriod,
		OnResult:     r.handleResult,
		Metrics:      r.engine.opts.Metrics,
	})
	results := coord.Run(ctx, assignments, r.cfg.MaxParallel)

	stopLoop()
	wg.Wait()

	stats := r.tracker.Stats()
	interrupted := ctx.Err() != nil || stats["pending"] > 0 || stats["in_flight"] > 0

	cp, mismatches, err := r.persist(r.bg, types.PhaseMap)
	if err != nil {
		r.engine.log.Error("Failed to save final checkpoint", "jobID", r.jobID, "error", err)
		cp = r.snapshot()
		mismatches, _ = summarize(cp, r.cfg.Aggregates)
	} else if !interrupted {
		err = r.engine.store.Save(r.bg, r.jobID, types.PhaseReduce, cp)
		r.engine.opts.Metrics.RecordCheckpoint(err)
	}

	report := r.report(cp, mismatches, results, interrupted)
	report.Duration = r.engine.opts.Clock().Sub(start)

	r.engine.log.Info("Job finished",
		"jobID", r.jobID,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"pending", report.Pending,
		"dlq", report.DLQCount,
		"interrupted", interrupted,
		"duration", report.Duration)

	if err != nil {
		return report, fmt.Errorf("save checkpoint: %w", err)
	}
	return report, nil
}

// handleResult 路由單一結果，由 Coordinator 的收集 goroutine 依序呼叫
func (r *jobRun) handleResult(res types.AgentResult) {
	entry := r.tracker.Get(res.ItemID)
	if entry == nil {
		r.engine.log.Warn("Result for unknown item", "jobID", r.jobID, "itemID", res.ItemID)
		return
	}

	switch {
	case res.Success:
		values, errs := contributions(r.cfg.Aggregates, entry.Item, res)
		for _, err := range errs {
			r.engine.log.Warn("Skipping aggregate contribution", "itemID", res.ItemID, "error", err)
		}
		// 彙總值必須先於 completed 狀態可見
		r.mu.Lock()
		r.values[res.ItemID] = values
		r.mu.Unlock()
		if err := r.tracker.MarkCompleted(res.ItemID); err != nil {
			r.engine.log.Error("Failed to mark completed", "itemID", res.ItemID, "error", err)
		}
		if r.fromDLQ[res.ItemID] {
			if err := r.queue.Remove(r.bg, res.ItemID); err != nil {
				r.engine.log.Error("Failed to remove item from DLQ", "itemID", res.ItemID, "error", err)
			}
		}

	case res.ErrorKind == types.ErrorCancelled:
		// 尚未開始的 item 仍是 pending
		if entry.Status == types.StatusInFlight {
			if err := r.tracker.Requeue(res.ItemID); err != nil {
				r.engine.log.Error("Failed to requeue", "itemID", res.ItemID, "error", err)
			}
		}

	default:
		if err := r.tracker.MarkDead(res.ItemID, res.Error); err != nil {
			r.engine.log.Error("Failed to mark dead", "itemID", res.ItemID, "error", err)
		}
		failure := types.FailureDetail{
			Error:              res.Error,
			Kind:               res.ErrorKind,
			OccurredAt:         r.engine.opts.Clock(),
			AgentID:            res.AgentID,
			DiagnosticLocation: res.DiagnosticLocation,
		}
		if _, err := r.queue.Add(r.bg, entry.Item, failure); err != nil {
			r.engine.log.Error("Failed to add item to DLQ", "itemID", res.ItemID, "error", err)
		}
		r.engine.opts.Metrics.RecordDead()
		r.engine.log.Warn("Item moved to DLQ",
			"jobID", r.jobID,
			"itemID", res.ItemID,
			"kind", res.ErrorKind)
	}

	r.mu.Lock()
	r.results = append(r.results, res)
	r.sinceSave++
	due := r.cfg.CheckpointEvery > 0 && r.sinceSave >= r.cfg.CheckpointEvery
	if due {
		r.sinceSave = 0
	}
	r.mu.Unlock()

	r.progress()
	if due {
		if err := r.save(r.bg); err != nil {
			r.engine.log.Warn("Periodic checkpoint failed", "jobID", r.jobID, "error", err)
		}
	}
}

// checkpointLoop 定期保存 map checkpoint 並回報超時的 agent
func (r *jobRun) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if overdue := r.tracker.Expired(r.engine.opts.Clock()); len(overdue) > 0 {
				r.engine.log.Warn("Agents past their deadline", "jobID", r.jobID, "items", overdue)
			}
			if err := r.save(ctx); err != nil {
				r.engine.log.Warn("Periodic checkpoint failed", "jobID", r.jobID, "error", err)
			}
		}
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// dispatchable 依計畫順序取出所有 pending item
func (r *jobRun) dispatchable() []types.WorkAssignment {
	var out []types.WorkAssignment
	for entry := r.tracker.PopPending(); entry != nil; entry = r.tracker.PopPending() {
		pos, ok := r.position[entry.Item.ID]
		if !ok {
			r.engine.log.Warn("Tracked item is not part of the plan", "itemID", entry.Item.ID)
			continue
		}
		out = append(out, types.WorkAssignment{
			ID:            pos,
			Item:          entry.Item,
			WorkspaceName: planner.WorkspaceName(pos),
			Attempt:       entry.Attempt,
		})
	}
	return out
}

func (r *jobRun) progress() {
	stats := r.tracker.Stats()
	r.engine.opts.Metrics.UpdateProgress(stats["pending"], stats["in_flight"])
}

// save 保存目前進度為 map checkpoint
func (r *jobRun) save(ctx context.Context) error {
	_, _, err := r.persist(ctx, types.PhaseMap)
	return err
}

func (r *jobRun) persist(ctx context.Context, phase types.Phase) (*checkpoint.Checkpoint, map[string][]*aggregate.TypeMismatch, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	cp := r.snapshot()
	mismatches, err := summarize(cp, r.cfg.Aggregates)
	if err != nil {
		return nil, nil, err
	}
	err = r.engine.store.Save(ctx, r.jobID, phase, cp)
	r.engine.opts.Metrics.RecordCheckpoint(err)
	if err != nil {
		return nil, nil, err
	}
	return cp, mismatches, nil
}

// snapshot 擷取目前進度；completed id 必須先於彙總值讀取
func (r *jobRun) snapshot() *checkpoint.Checkpoint {
	completed := r.tracker.CompletedIDs()
	failed := r.tracker.DeadIDs()

	r.mu.Lock()
	values := make(map[types.ItemID]map[string]aggregate.Encoded, len(r.values))
	for id, v := range r.values {
		values[id] = v
	}
	r.mu.Unlock()

	return &checkpoint.Checkpoint{
		Items:            r.items,
		CompletedItemIDs: completed,
		FailedItemIDs:    failed,
		Variables:        r.vars,
		Environment:      r.env,
		Config:           r.rawCfg,
		ItemValues:       values,
	}
}

func (r *jobRun) report(cp *checkpoint.Checkpoint, mismatches map[string][]*aggregate.TypeMismatch, results []types.AgentResult, interrupted bool) *JobReport {
	stats := r.tracker.Stats()
	report := &JobReport{
		JobID:       r.jobID,
		Total:       len(r.items),
		Succeeded:   stats["completed"],
		Failed:      stats["dead"],
		Pending:     stats["pending"] + stats["in_flight"],
		Interrupted: interrupted,
		Summary:     aggregate.Stats(results),
		ErrorGroups: aggregate.GroupErrors(results),
		Aggregates:  cp.Aggregates,
		Results:     results,
	}
	if len(mismatches) > 0 {
		report.AggregationErrors = mismatches
	}
	if cp.Variables != nil {
		report.Variables = cp.Variables.Resolve(types.PhaseReduce, "")
	}
	if items, err := r.queue.List(r.bg); err != nil {
		r.engine.log.Warn("Failed to count DLQ items", "jobID", r.jobID, "error", err)
	} else {
		report.DLQCount = len(items)
	}
	return report
}

// summarize 由 completed item 的貢獻重新計算彙總值與 map.* 變數
//
// 行為：
//   - 每個彙總先驗證型別，不一致時記錄全部錯誤、不合併
//   - cp.Variables 換成加上 reduce 階段變數的副本
func summarize(cp *checkpoint.Checkpoint, specs map[string]aggregate.Spec) (map[string][]*aggregate.TypeMismatch, error) {
	mismatches := make(map[string][]*aggregate.TypeMismatch)
	cp.Aggregates = make(map[string]any, len(specs))
	for name := range specs {
		values, err := cp.Values(name)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", name, err)
		}
		v := aggregate.Aggregate(values)
		if !v.OK() {
			mismatches[name] = v.Errors
			continue
		}
		cp.Aggregates[name] = aggregate.Finalize(v.Value)
	}

	vars := variables.NewSnapshot()
	if cp.Variables != nil {
		vars = cp.Variables.Clone()
	}
	summary := variables.MapSummary(len(cp.Items), len(cp.CompletedItemIDs), len(cp.FailedItemIDs))
	for k, v := range summary {
		vars.SetPhase(types.PhaseReduce, k, v)
	}
	for name, v := range cp.Aggregates {
		vars.SetPhase(types.PhaseReduce, name, v)
	}
	cp.Variables = vars
	return mismatches, nil
}

// contributions 把一個成功結果轉成每個彙總的單元素值
//
// 欄位路徑相對於：
//
//	{"item": <item data>, "item_id": ..., "output": <JSON 解碼後的 stdout>,
//	 "duration_seconds": ..., "artifacts": [...]}
func contributions(specs map[string]aggregate.Spec, item types.WorkItem, res types.AgentResult) (map[string]aggregate.Encoded, []error) {
	if len(specs) == 0 {
		return nil, nil
	}
	record := sampleRecord(item, res)

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]aggregate.Encoded, len(specs))
	var errs []error
	for _, name := range names {
		spec := specs[name]
		var sample any
		if spec.Field != "" {
			v, ok := planner.Lookup(record, spec.Field)
			if !ok {
				errs = append(errs, fmt.Errorf("aggregate %s: field %s not found", name, spec.Field))
				continue
			}
			sample = v
		}
		var key string
		if spec.KeyField != "" {
			if k, ok := planner.Lookup(record, spec.KeyField); ok {
				key = variables.Stringify(k)
			}
		}

		v, err := aggregate.Lift(spec, sample, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("aggregate %s: %w", name, err))
			continue
		}
		enc, err := aggregate.Encode(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = enc
	}
	return out, errs
}

func sampleRecord(item types.WorkItem, res types.AgentResult) map[string]any {
	var output any = res.Output
	var decoded any
	if trimmed := strings.TrimSpace(res.Output); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			output = decoded
		}
	}
	artifacts := make([]any, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		artifacts = append(artifacts, a)
	}
	return map[string]any{
		"item":             item.Data,
		"item_id":          string(item.ID),
		"output":           output,
		"duration_seconds": res.Duration.Seconds(),
		"artifacts":        artifacts,
	}
}

func sortedIDs(set map[types.ItemID]bool) []types.ItemID {
	ids := make([]types.ItemID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
