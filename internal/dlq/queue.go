// Package dlq is the durable dead-letter queue of permanently failed work
// items and the reprocessor that feeds them back through the coordinator.
package dlq

// ============================================================================
// 職責說明：
// 1. 記錄每個失敗 item 的完整失敗歷史（同一 item 再次失敗時 retry_count + 1）
// 2. 超過 MaxRetries 的 item 標記為不可重新處理
// 3. 依錯誤類型、時間窗、失敗次數、資格、錯誤簽章查詢
// 4. 依錯誤簽章分析失敗模式
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrReprocessInProgress = errors.New("dlq: reprocessing already in progress")
	ErrCorruptedEntry      = errors.New("dlq: entry is corrupted")
)

// DefaultMaxRetries 未設定 MaxRetries 時使用
const DefaultMaxRetries = 3

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 設定 Queue
type Options struct {
	// MaxRetries retry_count 超過此值的 item 不再自動重新處理
	MaxRetries int
	// Clock 用於缺少時間戳的失敗記錄（預設 time.Now）
	Clock func() time.Time
}

// Queue 單一 job 的 DLQ
type Queue struct {
	backend storage.Storage
	jobID   types.JobID
	opts    Options
	mu      sync.Mutex // 序列化 Add 的讀-改-寫
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 job 的 DLQ
func New(backend storage.Storage, jobID types.JobID, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{backend: backend, jobID: jobID, opts: opts}
}

// JobID 回傳所屬 job
func (q *Queue) JobID() types.JobID {
	return q.jobID
}

// MaxRetries 回傳生效的重試上限
func (q *Queue) MaxRetries() int {
	return q.opts.MaxRetries
}

// Add 追加一筆失敗記錄
//
// 行為：
//   - 新 item：retry_count = 0，first/last failure = 本次時間
//   - 既有 item：追加歷史、retry_count + 1、更新 last failure 與簽章
//   - retry_count > MaxRetries 時 reprocess_eligible = false
//
// 返回值：
//   - types.DLQItem: 更新後的記錄
func (q *Queue) Add(ctx context.Context, item types.WorkItem, failure types.FailureDetail) (types.DLQItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if failure.OccurredAt.IsZero() {
		failure.OccurredAt = q.opts.Clock()
	}
	if failure.Kind == "" {
		failure.Kind = types.ErrorUnknown
	}

	existing, err := q.get(ctx, item.ID)
	if err != nil {
		return types.DLQItem{}, err
	}

	var entry types.DLQItem
	if existing == nil {
		entry = types.DLQItem{
			ItemID:       item.ID,
			ItemIndex:    item.Index,
			ItemData:     item.Data,
			FirstFailure: failure.OccurredAt,
		}
	} else {
		entry = *existing
		entry.RetryCount++
	}
	entry.FailureHistory = append(entry.FailureHistory, failure)
	entry.LastFailure = failure.OccurredAt
	entry.ErrorSignature = Signature(failure.Kind, failure.Error)
	entry.ReprocessEligible = entry.RetryCount <= q.opts.MaxRetries

	data, err := json.Marshal(entry)
	if err != nil {
		return types.DLQItem{}, fmt.Errorf("dlq: marshal %s: %w", item.ID, err)
	}
	if err := q.backend.AppendDLQEntry(ctx, q.jobID, item.ID, data); err != nil {
		return types.DLQItem{}, err
	}

	if !entry.ReprocessEligible {
		log.Warn("DLQ item exceeded max retries",
			"jobID", q.jobID,
			"itemID", item.ID,
			"retryCount", entry.RetryCount,
			"maxRetries", q.opts.MaxRetries)
	}
	return entry, nil
}

// Get 取得單一 item，不存在時回傳 nil
func (q *Queue) Get(ctx context.Context, itemID types.ItemID) (*types.DLQItem, error) {
	return q.get(ctx, itemID)
}

// List 回傳全部 item，最近失敗的在前
func (q *Queue) List(ctx context.Context) ([]types.DLQItem, error) {
	return q.Query(ctx, Filter{})
}

// Query 依條件查詢，最近失敗的在前
func (q *Queue) Query(ctx context.Context, f Filter) ([]types.DLQItem, error) {
	match, err := f.compile()
	if err != nil {
		return nil, err
	}
	all, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.DLQItem, 0, len(all))
	for _, item := range all {
		if match(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastFailure.Equal(out[j].LastFailure) {
			return out[i].LastFailure.After(out[j].LastFailure)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

// Remove 移除 item；不存在時不報錯
func (q *Queue) Remove(ctx context.Context, itemID types.ItemID) error {
	return q.backend.RemoveDLQEntry(ctx, q.jobID, itemID)
}

// Purge 移除 last failure 早於 olderThan 的 item
//
// 返回值：
//   - int: 移除數量
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range all {
		if !item.LastFailure.Before(olderThan) {
			continue
		}
		if err := q.Remove(ctx, item.ItemID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Info("Purged DLQ items", "jobID", q.jobID, "count", n, "olderThan", olderThan)
	}
	return n, nil
}

// IneligibleIDs 回傳不可重新處理的 item id，供恢復時排除
func (q *Queue) IneligibleIDs(ctx context.Context) (map[types.ItemID]bool, error) {
	all, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ItemID]bool)
	for _, item := range all {
		if !item.ReprocessEligible {
			out[item.ItemID] = true
		}
	}
	return out, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (q *Queue) load(ctx context.Context) ([]types.DLQItem, error) {
	raw, err := q.backend.QueryDLQ(ctx, q.jobID)
	if err != nil {
		return nil, err
	}
	items := make([]types.DLQItem, 0, len(raw))
	for id, data := range raw {
		var item types.DLQItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedEntry, id, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Queue) get(ctx context.Context, itemID types.ItemID) (*types.DLQItem, error) {
	raw, err := q.backend.QueryDLQ(ctx, q.jobID)
	if err != nil {
		return nil, err
	}
	data, ok := raw[itemID]
	if !ok {
		return nil, nil
	}
	var item types.DLQItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedEntry, itemID, err)
	}
	return &item, nil
}
