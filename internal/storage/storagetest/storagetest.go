// Package storagetest is the shared contract suite every storage.Storage
// backend runs from its own tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run exercises the full storage contract against backends built by open.
func Run(t *testing.T, open Factory) {
	t.Run("CheckpointRoundTrip", func(t *testing.T) { testCheckpointRoundTrip(t, open(t)) })
	t.Run("CheckpointSupersedes", func(t *testing.T) { testCheckpointSupersedes(t, open(t)) })
	t.Run("CheckpointMissing", func(t *testing.T) { testCheckpointMissing(t, open(t)) })
	t.Run("ListPhasesAndJobs", func(t *testing.T) { testListPhasesAndJobs(t, open(t)) })
	t.Run("DLQUpsertAndRemove", func(t *testing.T) { testDLQUpsertAndRemove(t, open(t)) })
	t.Run("DLQJobIsolation", func(t *testing.T) { testDLQJobIsolation(t, open(t)) })
	t.Run("DLQConcurrentAppends", func(t *testing.T) { testDLQConcurrentAppends(t, open(t)) })
	t.Run("TryLock", func(t *testing.T) { testTryLock(t, open(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func testCheckpointRoundTrip(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, "job-1", types.PhaseMap, []byte(`{"v":1}`)))
	got, err := s.LoadCheckpoint(ctx, "job-1", types.PhaseMap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))
}

func testCheckpointSupersedes(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, "job-1", types.PhaseMap, []byte(`{"v":1}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "job-1", types.PhaseMap, []byte(`{"v":2}`)))

	got, err := s.LoadCheckpoint(ctx, "job-1", types.PhaseMap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	phases, err := s.ListCheckpointPhases(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []types.Phase{types.PhaseMap}, phases, "one checkpoint per (job, phase)")
}

func testCheckpointMissing(t *testing.T, s storage.Storage) {
	defer s.Close()
	_, err := s.LoadCheckpoint(context.Background(), "nope", types.PhaseMap)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListPhasesAndJobs(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, "job-a", types.PhaseSetup, []byte(`{}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "job-a", types.PhaseMap, []byte(`{}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, "job-b", types.PhaseMap, []byte(`{}`)))

	phases, err := s.ListCheckpointPhases(ctx, "job-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Phase{types.PhaseSetup, types.PhaseMap}, phases)

	phases, err = s.ListCheckpointPhases(ctx, "job-none")
	require.NoError(t, err)
	assert.Empty(t, phases)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.JobID{"job-a", "job-b"}, jobs)
}

func testDLQUpsertAndRemove(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	entries, err := s.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-1", []byte(`{"retry_count":1}`)))
	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-2", []byte(`{"retry_count":1}`)))
	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-1", []byte(`{"retry_count":2}`)))

	entries, err = s.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"retry_count":2}`, string(entries["item-1"]))

	require.NoError(t, s.RemoveDLQEntry(ctx, "job-1", "item-1"))
	require.NoError(t, s.RemoveDLQEntry(ctx, "job-1", "unknown"))

	entries, err = s.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries, types.ItemID("item-2"))
}

func testDLQJobIsolation(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-1", []byte(`{}`)))
	require.NoError(t, s.AppendDLQEntry(ctx, "job-2", "item-1", []byte(`{}`)))
	require.NoError(t, s.RemoveDLQEntry(ctx, "job-2", "item-1"))

	entries, err := s.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testDLQConcurrentAppends(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.ItemID("item-" + string(rune('a'+i)))
			assert.NoError(t, s.AppendDLQEntry(ctx, "job-1", id, []byte(`{}`)))
		}(i)
	}
	wg.Wait()

	entries, err := s.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func testTryLock(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	unlock, err := s.TryLock(ctx, "checkpoint-job-1")
	require.NoError(t, err)

	_, err = s.TryLock(ctx, "checkpoint-job-1")
	assert.ErrorIs(t, err, storage.ErrLocked)

	other, err := s.TryLock(ctx, "checkpoint-job-2")
	require.NoError(t, err, "locks are independent per name")
	require.NoError(t, other())

	require.NoError(t, unlock())
	require.NoError(t, unlock(), "unlock is idempotent")

	again, err := s.TryLock(ctx, "checkpoint-job-1")
	require.NoError(t, err)
	require.NoError(t, again())

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TryLock(ctx, "race"); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

// HeldLockStaysFresh checks that a lock held across several stale windows is
// still refused to other callers and is free once released. s must be opened
// with staleAfter as its stale-lock window; the helper closes it.
func HeldLockStaysFresh(t *testing.T, s storage.Storage, staleAfter time.Duration) {
	t.Helper()
	defer s.Close()
	ctx := context.Background()

	unlock, err := s.TryLock(ctx, "resume-job-1")
	require.NoError(t, err)

	time.Sleep(4 * staleAfter)
	_, err = s.TryLock(ctx, "resume-job-1")
	assert.ErrorIs(t, err, storage.ErrLocked, "a live holder keeps its lock past the stale window")

	require.NoError(t, unlock())
	again, err := s.TryLock(ctx, "resume-job-1")
	require.NoError(t, err)
	require.NoError(t, again())
}

func testCancelledContext(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveCheckpoint(ctx, "job-1", types.PhaseMap, []byte(`{}`)), context.Canceled)
	assert.ErrorIs(t, s.AppendDLQEntry(ctx, "job-1", "item", []byte(`{}`)), context.Canceled)
}

func testClosed(t *testing.T, s storage.Storage) {
	require.NoError(t, s.Close())
	_, err := s.LoadCheckpoint(context.Background(), "job-1", types.PhaseMap)
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.NoError(t, s.Close())
}
