package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 串接 Type、Key、Seq 與 Payload
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
//
// 回傳：
//
//	uint32 校驗和
func CalculateChecksum(eventType EventType, key string, seq uint64, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和
//
// 回傳：
//
//	nil 或 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.Key, event.Seq, event.Payload)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
