package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: keyed records of an append-only event log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventPut    EventType = "PUT"    // Key now maps to Payload
	EventDelete EventType = "DELETE" // Key removed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`              // Event type
	Key       string          `json:"key"`               // Record key
	Payload   json.RawMessage `json:"payload,omitempty"` // Record body, PUT only
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

// Fold replays events into the live key set: the last PUT per key wins and
// a DELETE drops the key.
func Fold(events []Event) map[string]json.RawMessage {
	live := make(map[string]json.RawMessage)
	for _, e := range events {
		switch e.Type {
		case EventPut:
			live[e.Key] = e.Payload
		case EventDelete:
			delete(live, e.Key)
		}
	}
	return live
}
