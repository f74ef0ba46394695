// ============================================================================
// Beaver-MR 進度追蹤器 - 單一 job 內 work item 的狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤一個 job 中每個 work item 的執行進度，作為 checkpoint 的資料來源
//
// 設計理念:
//   1. items map - 所有 item 的單一真實來源
//   2. 狀態索引 - pending queue、inFlight/completed/dead maps 提供快速查詢
//   3. 兩者通過指針同步
//
// Item 狀態轉換:
//   Pending (待處理)
//      ↓ PopPending() + MarkInFlight()
//   InFlight (執行中)
//      ↓ MarkCompleted() / Requeue() / MarkDead()
//   Completed (已完成) / Dead (進入 DLQ)
//
// 狀態轉換規則:
//   - Pending → InFlight: 通過 PopPending() + MarkInFlight()
//   - InFlight → Completed: 通過 MarkCompleted()
//   - InFlight → Pending: 通過 Requeue()（取消後重新排隊）
//   - Pending/InFlight → Dead: 通過 MarkDead()（送入 DLQ）
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//
// 快照支持:
//   - Snapshot() / Restore() 用於由 checkpoint 重建進度
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// item ID 重複
	ErrDuplicateItem = errors.New("item already tracked")
	// item 不在執行中狀態
	ErrNotInFlight = errors.New("item not in flight")
	// item 不在待處理狀態
	ErrNotPending = errors.New("item not pending")
	// item 不存在
	ErrItemNotFound = errors.New("item not found")
)

// SchemaVersion 快照格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Entry 單一 item 的進度
type Entry struct {
	Item      types.WorkItem   `json:"item"`
	Status    types.ItemStatus `json:"status"`
	Attempt   int              `json:"attempt"`
	Deadline  *time.Time       `json:"deadline,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Tracker 追蹤一個 job 的所有 item
type Tracker struct {
	mu        sync.RWMutex
	items     map[types.ItemID]*Entry // 所有 item，透過 Status 區分狀態
	queue     []types.ItemID          // 待處理佇列（規劃順序）
	inFlight  map[types.ItemID]*Entry
	completed map[types.ItemID]*Entry
	dead      map[types.ItemID]*Entry
	clock     func() time.Time
}

// SnapshotData 快照資料
type SnapshotData struct {
	Items     []Entry `json:"items"`
	SchemaVer int     `json:"schema_version"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewTracker 建立空的進度追蹤器
//
// 併發安全：返回的實例是執行緒安全的
func NewTracker() *Tracker {
	t := &Tracker{clock: time.Now}
	t.reset()
	return t
}

// Enqueue 加入一個規劃好的 item，設定為待處理
//
// 錯誤處理：
//   - ErrDuplicateItem: 相同 ID 已被追蹤
func (t *Tracker) Enqueue(item types.WorkItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.items[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}

	entry := &Entry{Item: item, Status: types.StatusPending, UpdatedAt: t.clock()}
	t.items[item.ID] = entry
	t.queue = append(t.queue, item.ID)
	return nil
}

// PopPending 依規劃順序取出下一個待處理 item，不改變其狀態
//
// 返回值：
//   - *Entry: item 進度的拷貝，沒有待處理 item 時回傳 nil
//
// 使用範例：
//
//	entry := tr.PopPending()
//	if entry != nil {
//	    tr.MarkInFlight(entry.Item.ID, time.Now().Add(timeout))
//	}
func (t *Tracker) PopPending() *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) > 0 {
		id := t.queue[0]
		t.queue = t.queue[1:]
		// MarkDead 可能已把排隊中的 item 移走
		if entry := t.items[id]; entry != nil && entry.Status == types.StatusPending {
			cp := *entry
			return &cp
		}
	}
	return nil
}

// MarkInFlight 將待處理 item 標記為執行中
//
// 參數說明：
//   - deadline: 零值表示沒有截止時間
//
// 錯誤處理：
//   - ErrItemNotFound / ErrNotPending
func (t *Tracker) MarkInFlight(id types.ItemID, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.items[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if entry.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, entry.Status)
	}

	entry.Status = types.StatusInFlight
	entry.Deadline = nil
	if !deadline.IsZero() {
		entry.Deadline = &deadline
	}
	entry.UpdatedAt = t.clock()
	t.removeQueued(id)
	t.inFlight[id] = entry
	return nil
}

// MarkCompleted 將執行中 item 標記為已完成
func (t *Tracker) MarkCompleted(id types.ItemID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, err := t.inFlightEntry(id)
	if err != nil {
		return err
	}
	entry.Status = types.StatusCompleted
	entry.Deadline = nil
	entry.LastError = ""
	entry.UpdatedAt = t.clock()

	delete(t.inFlight, id)
	t.completed[id] = entry
	return nil
}

// Requeue 將執行中 item 放回佇列尾端，attempt + 1
func (t *Tracker) Requeue(id types.ItemID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, err := t.inFlightEntry(id)
	if err != nil {
		return err
	}
	entry.Attempt++
	entry.Status = types.StatusPending
	entry.Deadline = nil
	entry.UpdatedAt = t.clock()

	delete(t.inFlight, id)
	t.queue = append(t.queue, id)
	return nil
}

// MarkDead 將 item 標記為永久失敗（已送入 DLQ）
//
// 行為：
//   - 待處理或執行中的 item 皆可標記
//   - 已完成的 item 不會被覆寫，回傳錯誤
func (t *Tracker) MarkDead(id types.ItemID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.items[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if entry.Status == types.StatusCompleted {
		return fmt.Errorf("jobmanager: %s already completed", id)
	}

	if entry.Status == types.StatusPending {
		t.removeQueued(id)
	}
	entry.Status = types.StatusDead
	entry.Deadline = nil
	entry.LastError = reason
	entry.UpdatedAt = t.clock()

	delete(t.inFlight, id)
	t.dead[id] = entry
	return nil
}

// Expired 回傳截止時間早於 now 的執行中 item，依 ID 排序
func (t *Tracker) Expired(now time.Time) []types.ItemID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var expired []types.ItemID
	for id, entry := range t.inFlight {
		if entry.Deadline != nil && entry.Deadline.Before(now) {
			expired = append(expired, id)
		}
	}
	sortIDs(expired)
	return expired
}

// InFlight 回傳所有執行中 item 的 ID，依 ID 排序
func (t *Tracker) InFlight() []types.ItemID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return keys(t.inFlight)
}

// CompletedIDs 回傳已完成 item 的 ID，依 ID 排序
func (t *Tracker) CompletedIDs() []types.ItemID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return keys(t.completed)
}

// DeadIDs 回傳已進入 DLQ 的 item ID，依 ID 排序
func (t *Tracker) DeadIDs() []types.ItemID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return keys(t.dead)
}

// Stats 各狀態的 item 數量
//
// 使用範例：
//
//	stats := tr.Stats()
//	log.Info("progress", "pending", stats["pending"], "completed", stats["completed"])
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pending := 0
	for _, entry := range t.items {
		if entry.Status == types.StatusPending {
			pending++
		}
	}
	return map[string]int{
		"total":     len(t.items),
		"pending":   pending,
		"in_flight": len(t.inFlight),
		"completed": len(t.completed),
		"dead":      len(t.dead),
	}
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 產生深拷貝快照，item 依規劃位置排序
func (t *Tracker) Snapshot() SnapshotData {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(t.items))
	for _, entry := range t.items {
		cp := *entry
		if entry.Deadline != nil {
			d := *entry.Deadline
			cp.Deadline = &d
		}
		entries = append(entries, cp)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Item.Index < entries[j].Item.Index })
	return SnapshotData{Items: entries, SchemaVer: SchemaVersion}
}

// Restore 以快照取代目前狀態
//
// 行為：
//   - 執行中的 item 視為中斷，恢復為待處理（attempt + 1）
//   - 待處理佇列依規劃位置排序
//
// 錯誤處理：
//   - 版本不符或 ID 重複時回傳錯誤，原狀態不變
func (t *Tracker) Restore(data SnapshotData) error {
	if data.SchemaVer != SchemaVersion {
		return fmt.Errorf("jobmanager: unsupported snapshot schema %d", data.SchemaVer)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	items := make(map[types.ItemID]*Entry, len(data.Items))
	for i := range data.Items {
		entry := data.Items[i]
		if _, dup := items[entry.Item.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateItem, entry.Item.ID)
		}
		items[entry.Item.ID] = &entry
	}

	t.reset()
	t.items = items
	pending := make([]*Entry, 0)
	for id, entry := range items {
		switch entry.Status {
		case types.StatusInFlight:
			entry.Status = types.StatusPending
			entry.Attempt++
			entry.Deadline = nil
			pending = append(pending, entry)
		case types.StatusPending:
			pending = append(pending, entry)
		case types.StatusCompleted:
			t.completed[id] = entry
		case types.StatusDead:
			t.dead[id] = entry
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Item.Index < pending[j].Item.Index })
	for _, entry := range pending {
		t.queue = append(t.queue, entry.Item.ID)
	}
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得 item 進度的拷貝，不存在時回傳 nil
func (t *Tracker) Get(id types.ItemID) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.items[id]
	if !ok {
		return nil
	}
	cp := *entry
	return &cp
}

// IsCompleted 檢查 item 是否已完成
func (t *Tracker) IsCompleted(id types.ItemID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.completed[id]
	return exists
}

// IsDead 檢查 item 是否已進入 DLQ
func (t *Tracker) IsDead(id types.ItemID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.dead[id]
	return exists
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (t *Tracker) reset() {
	t.items = make(map[types.ItemID]*Entry)
	t.queue = make([]types.ItemID, 0)
	t.inFlight = make(map[types.ItemID]*Entry)
	t.completed = make(map[types.ItemID]*Entry)
	t.dead = make(map[types.ItemID]*Entry)
}

func (t *Tracker) inFlightEntry(id types.ItemID) (*Entry, error) {
	entry, exists := t.items[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if entry.Status != types.StatusInFlight {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInFlight, id, entry.Status)
	}
	return entry, nil
}

// removeQueued 從待處理佇列移除 id（可能已被 PopPending 取出）
func (t *Tracker) removeQueued(id types.ItemID) {
	for i, queued := range t.queue {
		if queued == id {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

func keys(m map[types.ItemID]*Entry) []types.ItemID {
	out := make([]types.ItemID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []types.ItemID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
