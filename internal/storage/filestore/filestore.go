// Package filestore is the directory backed storage.Storage.
//
// Layout under the root directory:
//
//	jobs/<job>/checkpoints/<phase>.json   one file per (job, phase), replaced atomically
//	jobs/<job>/dlq.wal                    checksummed event log keyed by item id
//	locks/<name>.lock                     advisory lock files
package filestore

// ============================================================================
// 職責說明：
// 1. 以 temp file + rename 原子性寫入 checkpoint，寫入失敗時舊檔仍有效
// 2. DLQ 寫入每個 job 自己的 WAL，開啟時重放、刪除過多時壓縮
// 3. 以 O_EXCL 鎖檔提供跨行程的 advisory lock
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/internal/storage/wal"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 調整 Store 行為
type Options struct {
	// SyncOnAppend 讓每筆 DLQ 事件立即 fsync（預設 true）
	SyncOnAppend *bool
	// LockStaleAfter 超過此時間的鎖檔視為崩潰遺留，可被取代（預設 2 分鐘）
	LockStaleAfter time.Duration
	// CompactThreshold 死事件數超過此值時壓縮 DLQ 日誌（預設 256）
	CompactThreshold int
}

// Store 目錄式儲存
type Store struct {
	root string
	opts Options

	// mu 保護 logs 與 closed；logs 為每個 job 的 DLQ 日誌，延遲開啟
	mu     sync.Mutex
	logs   map[types.JobID]*wal.WAL
	closed bool
	// done 在 Close 時關閉，停止所有鎖的心跳
	done chan struct{}

	ckMu sync.Mutex // 序列化同一行程內的 checkpoint 檔案操作
}

var _ storage.Storage = (*Store)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立目錄式儲存
//
// 參數：
//   - root: 根目錄，不存在時建立
//   - opts: 可選設定，零值使用預設
func New(root string, opts Options) (*Store, error) {
	if opts.SyncOnAppend == nil {
		yes := true
		opts.SyncOnAppend = &yes
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = 2 * time.Minute
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = 256
	}
	for _, dir := range []string{filepath.Join(root, "jobs"), filepath.Join(root, "locks")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
		}
	}
	return &Store{
		root: root,
		opts: opts,
		logs: make(map[types.JobID]*wal.WAL),
		done: make(chan struct{}),
	}, nil
}

// Root 回傳根目錄（用於測試與除錯）
func (s *Store) Root() string {
	return s.root
}

func (s *Store) jobDir(jobID types.JobID) string {
	return filepath.Join(s.root, "jobs", safeName(string(jobID)))
}

func (s *Store) checkpointPath(jobID types.JobID, phase types.Phase) string {
	return filepath.Join(s.jobDir(jobID), "checkpoints", safeName(string(phase))+".json")
}

// SaveCheckpoint 原子性寫入 checkpoint
//
// 流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *Store) SaveCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.ckMu.Lock()
	defer s.ckMu.Unlock()

	path := s.checkpointPath(jobID, phase)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("filestore: create checkpoint dir: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("filestore: save checkpoint %s/%s: %w", jobID, phase, err)
	}
	return nil
}

// LoadCheckpoint 載入 checkpoint，不存在時回傳 storage.ErrNotFound
func (s *Store) LoadCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.ckMu.Lock()
	defer s.ckMu.Unlock()

	data, err := os.ReadFile(s.checkpointPath(jobID, phase))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("filestore: read checkpoint %s/%s: %w", jobID, phase, err)
	}
	return data, nil
}

// ListCheckpointPhases 列出 job 已保存的 phase
func (s *Store) ListCheckpointPhases(ctx context.Context, jobID types.JobID) ([]types.Phase, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.jobDir(jobID), "checkpoints"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var phases []types.Phase
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		phases = append(phases, types.Phase(strings.TrimSuffix(name, ".json")))
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases, nil
}

// ListJobs 列出有資料的 job
func (s *Store) ListJobs(ctx context.Context) ([]types.JobID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "jobs"))
	if err != nil {
		return nil, err
	}
	var jobs []types.JobID
	for _, e := range entries {
		if e.IsDir() {
			jobs = append(jobs, types.JobID(e.Name()))
		}
	}
	return jobs, nil
}

// AppendDLQEntry 追加一筆 PUT 事件
func (s *Store) AppendDLQEntry(ctx context.Context, jobID types.JobID, itemID types.ItemID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := s.dlqLog(jobID)
	if err != nil {
		return err
	}
	if err := w.Append(wal.EventPut, string(itemID), data, true); err != nil {
		return fmt.Errorf("filestore: append dlq %s/%s: %w", jobID, itemID, err)
	}
	return nil
}

// QueryDLQ 重放日誌，回傳每個 item 的最新記錄
func (s *Store) QueryDLQ(ctx context.Context, jobID types.JobID) (map[types.ItemID][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, err := s.dlqLog(jobID)
	if err != nil {
		return nil, err
	}
	live, err := w.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("filestore: replay dlq %s: %w", jobID, err)
	}
	out := make(map[types.ItemID][]byte, len(live))
	for k, v := range live {
		out[types.ItemID(k)] = []byte(v)
	}
	return out, nil
}

// RemoveDLQEntry 追加一筆 DELETE 事件，必要時壓縮日誌
func (s *Store) RemoveDLQEntry(ctx context.Context, jobID types.JobID, itemID types.ItemID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := s.dlqLog(jobID)
	if err != nil {
		return err
	}
	if err := w.Append(wal.EventDelete, string(itemID), nil, true); err != nil {
		return fmt.Errorf("filestore: remove dlq %s/%s: %w", jobID, itemID, err)
	}

	if int(w.GetLastSeq()) > s.opts.CompactThreshold {
		removed, err := w.Compact()
		if err != nil {
			// 壓縮失敗不影響已寫入的 DELETE
			log.Warn("filestore: dlq compaction failed", "jobID", jobID, "error", err)
			return nil
		}
		log.Debug("filestore: dlq compacted", "jobID", jobID, "removed", removed)
	}
	return nil
}

// Close 關閉所有 DLQ 日誌
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	var first error
	for id, w := range s.logs {
		if err := w.Close(); err != nil && first == nil {
			first = fmt.Errorf("filestore: close dlq %s: %w", id, err)
		}
	}
	s.logs = nil
	return first
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// dlqLog 取得（必要時開啟）job 的 DLQ 日誌
func (s *Store) dlqLog(jobID types.JobID) (*wal.WAL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	if w, ok := s.logs[jobID]; ok {
		return w, nil
	}
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: create job dir: %w", err)
	}
	w, err := wal.NewWAL(filepath.Join(dir, "dlq.wal"), *s.opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("filestore: open dlq %s: %w", jobID, err)
	}
	s.logs[jobID] = w
	return w, nil
}

// writeFileAtomic 寫入臨時檔案後 rename，失敗時清理臨時檔案
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// safeName 把 id 轉為可用的檔名
func safeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
