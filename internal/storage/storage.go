// Package storage defines the durable byte store behind checkpoints, the
// dead-letter queue and the advisory locks that serialize access to both.
//
// Backends only move bytes. Encoding, integrity checks and versioning live
// in the checkpoint and dlq packages.
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var (
	// ErrNotFound is returned when a checkpoint does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrLocked is returned by TryLock while another holder owns the lock.
	ErrLocked = errors.New("storage: lock held")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Unlock releases a lock obtained from TryLock.
type Unlock func() error

// Storage is the contract every backend satisfies.
type Storage interface {
	// SaveCheckpoint atomically replaces the checkpoint for (jobID, phase).
	SaveCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase, data []byte) error
	// LoadCheckpoint returns ErrNotFound when nothing was saved.
	LoadCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase) ([]byte, error)
	ListCheckpointPhases(ctx context.Context, jobID types.JobID) ([]types.Phase, error)
	ListJobs(ctx context.Context) ([]types.JobID, error)

	// AppendDLQEntry stores the latest record for (jobID, itemID), replacing
	// any earlier one.
	AppendDLQEntry(ctx context.Context, jobID types.JobID, itemID types.ItemID, data []byte) error
	QueryDLQ(ctx context.Context, jobID types.JobID) (map[types.ItemID][]byte, error)
	// RemoveDLQEntry is a no-op for an unknown item.
	RemoveDLQEntry(ctx context.Context, jobID types.JobID, itemID types.ItemID) error

	// TryLock takes a named advisory lock without waiting.
	TryLock(ctx context.Context, name string) (Unlock, error)

	Close() error
}

// LockName builds the lock key for one concern of one job.
func LockName(scope string, jobID types.JobID) string {
	return scope + "-" + string(jobID)
}
