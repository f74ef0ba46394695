package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/internal/storage/storagetest"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(t.TempDir(), Options{})
		require.NoError(t, err)
		return s
	})
}

// TestAtomicWriteLeavesNoTemp 寫入後不應留下 .tmp 檔
func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, "job-1", types.PhaseMap, []byte(`{"n":1}`)))

	dir := filepath.Join(s.Root(), "jobs", "job-1", "checkpoints")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "map.json", entries[0].Name())
}

// TestDLQSurvivesReopen DLQ 在重新開啟後由 WAL 重放恢復
func TestDLQSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := New(root, Options{})
	require.NoError(t, err)
	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-1", []byte(`{"a":1}`)))
	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-2", []byte(`{"a":2}`)))
	require.NoError(t, s.RemoveDLQEntry(ctx, "job-1", "item-1"))
	require.NoError(t, s.Close())

	reopened, err := New(root, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"a":2}`, string(entries["item-2"]))
}

// TestDLQCompaction 超過門檻時壓縮日誌
func TestDLQCompaction(t *testing.T) {
	s, err := New(t.TempDir(), Options{CompactThreshold: 4})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-1", []byte(`{}`)))
	}
	require.NoError(t, s.AppendDLQEntry(ctx, "job-1", "item-2", []byte(`{}`)))
	require.NoError(t, s.RemoveDLQEntry(ctx, "job-1", "item-1"))

	w, err := s.dlqLog("job-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w.GetLastSeq(), "only item-2 survives compaction")

	entries, err := s.QueryDLQ(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestStaleLockIsBroken 崩潰遺留的鎖檔在逾時後可被取代，舊持有者釋放時不刪除新鎖
func TestStaleLockIsBroken(t *testing.T) {
	s, err := New(t.TempDir(), Options{LockStaleAfter: time.Minute})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	stale, err := s.TryLock(ctx, "resume-job-1")
	require.NoError(t, err)

	path := filepath.Join(s.Root(), "locks", "resume-job-1.lock")
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	fresh, err := s.TryLock(ctx, "resume-job-1")
	require.NoError(t, err)

	require.NoError(t, stale())
	_, err = s.TryLock(ctx, "resume-job-1")
	assert.ErrorIs(t, err, storage.ErrLocked)

	require.NoError(t, fresh())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// TestHeldLockIsRefreshed 持有中的鎖檔不會因逾時被取代
func TestHeldLockIsRefreshed(t *testing.T) {
	const staleAfter = 300 * time.Millisecond
	s, err := New(t.TempDir(), Options{LockStaleAfter: staleAfter})
	require.NoError(t, err)
	storagetest.HeldLockStaysFresh(t, s, staleAfter)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a_b", safeName("a/b"))
	assert.Equal(t, "_", safeName(".."))
}
