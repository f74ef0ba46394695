package wal

// ============================================================================
// WAL 工具函式
// 職責：掃描、計數與驗證 WAL 檔案
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// scanResult 是一次完整掃描的結果
type scanResult struct {
	events     []Event
	goodOffset int64 // 最後一個完整事件之後的位元組位置
	tornTail   bool  // 檔尾是否有寫到一半的事件
}

// scan 從頭到尾讀取檔案並驗證每個事件
//
// 只有「最後一行且沒有換行結尾」的解析失敗視為崩潰造成的殘缺寫入；
// 其他位置的解析失敗回傳 *CorruptionError，checksum 不符回傳 *ChecksumError。
func scan(path string) (scanResult, error) {
	var res scanResult

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	var lastSeq uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			rest := bytes.TrimLeft(data[res.goodOffset:], "\r\n\t ")
			if !bytes.Contains(rest, []byte("\n")) {
				res.tornTail = true
				return res, nil
			}
			return res, &CorruptionError{Seq: lastSeq, Offset: res.goodOffset, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return res, err
		}
		res.events = append(res.events, event)
		res.goodOffset = decoder.InputOffset()
		lastSeq = event.Seq
	}
	return res, nil
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 回傳：
//
//	最後一個事件，檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	res, err := scan(path)
	if err != nil {
		return nil, err
	}
	if len(res.events) == 0 {
		return nil, ErrEmptyWAL
	}
	last := res.events[len(res.events)-1]
	return &last, nil
}

// CountEvents 計算 WAL 中的完整事件總數
func CountEvents(path string) (int, error) {
	res, err := scan(path)
	if err != nil {
		return 0, err
	}
	return len(res.events), nil
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式與校驗和正確
// - 沒有殘缺的檔尾
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	res, err := scan(path)
	if err != nil {
		return err
	}
	if res.tornTail {
		return &CorruptionError{Offset: res.goodOffset, Cause: ErrCorruptedWAL}
	}
	var lastSeq uint64
	for _, e := range res.events {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSequenceGap, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
	}
	return nil
}
