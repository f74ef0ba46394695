// Package wal is an append-only, checksummed JSON-lines event log of keyed
// records. The dead-letter queue of the file backend lives on it.
package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復鍵值狀態
// 3. 支援壓縮（只保留每個 key 的最新記錄）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 每次追加都強制 flush + fsync
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描取得最後一個事件的 seq 並繼續
- 檔尾若有寫到一半的事件（崩潰造成），截斷後繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 都立即落盤

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	res, err := scan(path)
	if err != nil {
		file.Close()
		return nil, err
	}
	if res.tornTail {
		log.Warn("wal: truncating torn tail", "path", path, "offset", res.goodOffset)
		if err := file.Truncate(res.goodOffset); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	var seq uint64
	if n := len(res.events); n > 0 {
		seq = res.events[n-1].Seq
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入 buffer，滿了、逾時、forceFlush 或 syncOnAppend 時落盤
func (w *WAL) Append(eventType EventType, key string, payload []byte, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Key:       key,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, key, w.seq, payload)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush buffer，讓重放看得到所有已追加的事件
// - 從頭讀取 WAL 檔案並驗證每個事件的 checksum
// - 呼叫 handler 應用事件，遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	res, err := scan(w.path)
	if err != nil {
		return err
	}
	if res.tornTail {
		return &CorruptionError{Seq: w.seq, Offset: res.goodOffset, Cause: ErrCorruptedWAL}
	}
	for _, event := range res.events {
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot 回傳目前每個 key 的最新 payload
func (w *WAL) Snapshot() (map[string]json.RawMessage, error) {
	var events []Event
	err := w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Fold(events), nil
}

// Compact 重寫日誌，只保留每個 key 的最新 PUT
//
// 流程：
// 1. 重放並折疊出存活的 key
// 2. 以 seq 1..n 寫入臨時檔案並 fsync
// 3. os.Rename 原子性替換原檔，再重新開啟
//
// 回傳：
//
//	移除的事件數，錯誤（如果有）
func (w *WAL) Compact() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}
	res, err := scan(w.path)
	if err != nil {
		return 0, err
	}

	live := Fold(res.events)
	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tmp)
	now := time.Now().UnixMilli()
	for i, k := range keys {
		seq := uint64(i + 1)
		event := Event{Seq: seq, Type: EventPut, Key: k, Payload: live[k], Timestamp: now}
		event.Checksum = CalculateChecksum(EventPut, k, seq, live[k])
		if err := enc.Encode(event); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := w.file.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		w.closed = true
		return 0, err
	}

	w.file = file
	w.encoder = json.NewEncoder(file)
	w.seq = uint64(len(keys))
	w.lastFlushTime = time.Now()
	return len(res.events) - len(keys), nil
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
