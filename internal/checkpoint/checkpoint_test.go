package checkpoint

// ============================================================================
// Checkpoint 測試檔案
// 職責：驗證原子性保存、完整性雜湊、版本驗證、鎖競爭與恢復集合計算
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/internal/storage/filestore"
	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.New(t.TempDir(), filestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func items(n int) []types.WorkItem {
	out := make([]types.WorkItem, n)
	for i := range out {
		out[i] = types.WorkItem{Index: i, ID: types.ItemID("item-" + string(rune('0'+i))), Data: map[string]any{"n": float64(i)}}
	}
	return out
}

func sample() *Checkpoint {
	vars := variables.NewSnapshot()
	vars.SetGlobal("project", "beaver")
	vars.SetPhase(types.PhaseMap, "model", "large")

	count, _ := aggregate.Encode(aggregate.Count{N: 1})
	return &Checkpoint{
		Items:            items(4),
		CompletedItemIDs: []types.ItemID{"item-0", "item-2"},
		FailedItemIDs:    []types.ItemID{"item-1"},
		Variables:        vars,
		Environment:      variables.EnvironmentSnapshot{Variables: map[string]string{"HOME": "/root"}, Critical: []string{"HOME"}},
		Config:           []byte(`{"max_parallel":3}`),
		ItemValues: map[types.ItemID]map[string]aggregate.Encoded{
			"item-0": {"processed": count},
			"item-2": {"processed": count},
			"item-1": {"processed": count},
		},
	}
}

// TestSaveAndLoad 測試保存與載入
func TestSaveAndLoad(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	store := NewStore(newBackend(t), Options{Clock: clock})
	ctx := context.Background()

	cp := sample()
	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, cp))
	assert.NotEmpty(t, cp.IntegrityHash)

	loaded, err := store.Load(ctx, "job-1", types.PhaseMap)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, Version, loaded.Version)
	assert.Equal(t, types.JobID("job-1"), loaded.JobID)
	assert.Equal(t, types.PhaseMap, loaded.Phase)
	assert.Equal(t, 4, loaded.TotalItems)
	assert.Equal(t, cp.CompletedItemIDs, loaded.CompletedItemIDs)
	assert.Equal(t, cp.FailedItemIDs, loaded.FailedItemIDs)
	assert.Equal(t, cp.IntegrityHash, loaded.IntegrityHash)
	assert.True(t, clock().Equal(loaded.SavedAt))
	assert.JSONEq(t, `{"max_parallel":3}`, string(loaded.Config))
	assert.Equal(t, "large", loaded.Variables.Resolve(types.PhaseMap, "item-0")["model"])
	assert.Equal(t, []string{"HOME"}, loaded.Environment.Critical)
}

// TestLoadMissing 不存在時回傳 nil, nil
func TestLoadMissing(t *testing.T) {
	store := NewStore(newBackend(t), Options{})
	cp, err := store.Load(context.Background(), "job-x", types.PhaseMap)
	assert.NoError(t, err)
	assert.Nil(t, cp)

	cp, err = store.LoadLatest(context.Background(), "job-x")
	assert.NoError(t, err)
	assert.Nil(t, cp)
}

// TestCorruption 雜湊不符或無法解析都視為損壞
func TestCorruption(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"garbage", func([]byte) []byte { return []byte("{not json") }, ErrCheckpointCorrupted},
		{"tampered body", func(b []byte) []byte {
			return bytes.Replace(b, []byte(`"item-2"`), []byte(`"item-3"`), 1)
		}, ErrCheckpointCorrupted},
		{"empty body", func([]byte) []byte { return []byte(`{"version":1,"integrity_hash":"x"}`) }, ErrCheckpointCorrupted},
		{"future version", func(b []byte) []byte {
			return bytes.Replace(b, []byte(`"version": 1`), []byte(`"version": 2`), 1)
		}, ErrIncompatibleVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newBackend(t)
			store := NewStore(backend, Options{})
			require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, sample()))

			raw, err := backend.LoadCheckpoint(ctx, "job-1", types.PhaseMap)
			require.NoError(t, err)
			mutated := tt.mutate(raw)
			require.NotEqual(t, raw, mutated)
			require.NoError(t, backend.SaveCheckpoint(ctx, "job-1", types.PhaseMap, mutated))

			_, err = store.Load(ctx, "job-1", types.PhaseMap)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestSupersede 同一 (job, phase) 只有一份權威 checkpoint
func TestSupersede(t *testing.T) {
	store := NewStore(newBackend(t), Options{})
	ctx := context.Background()

	first := sample()
	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, first))

	second := sample()
	second.CompletedItemIDs = append(second.CompletedItemIDs, "item-3")
	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, second))

	loaded, err := store.Load(ctx, "job-1", types.PhaseMap)
	require.NoError(t, err)
	assert.Len(t, loaded.CompletedItemIDs, 3)
}

// TestLoadLatest 依 phase 執行順序取最後一份
func TestLoadLatest(t *testing.T) {
	store := NewStore(newBackend(t), Options{})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "job-1", types.PhaseSetup, sample()))
	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, sample()))

	latest, err := store.LoadLatest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseMap, latest.Phase)

	phases, err := store.Phases(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []types.Phase{types.PhaseSetup, types.PhaseMap}, phases)
}

// failingBackend 第 failOn 次保存時失敗
type failingBackend struct {
	storage.Storage
	mu     sync.Mutex
	saves  int
	failOn int
}

func (f *failingBackend) SaveCheckpoint(ctx context.Context, jobID types.JobID, phase types.Phase, data []byte) error {
	f.mu.Lock()
	f.saves++
	n := f.saves
	f.mu.Unlock()
	if n == f.failOn {
		return errors.New("disk full")
	}
	return f.Storage.SaveCheckpoint(ctx, jobID, phase, data)
}

// TestFailedSaveKeepsPrior 保存失敗時舊 checkpoint 仍有效
func TestFailedSaveKeepsPrior(t *testing.T) {
	backend := &failingBackend{Storage: newBackend(t), failOn: 2}
	store := NewStore(backend, Options{})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, sample()))

	next := sample()
	next.CompletedItemIDs = []types.ItemID{"item-0", "item-1", "item-2", "item-3"}
	require.Error(t, store.Save(ctx, "job-1", types.PhaseMap, next))

	loaded, err := store.Load(ctx, "job-1", types.PhaseMap)
	require.NoError(t, err)
	assert.Len(t, loaded.CompletedItemIDs, 2)

	// the lock was released despite the failure
	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, next))
}

// TestLockContention 鎖被占用時退避，逾時回傳 ErrLockContention
func TestLockContention(t *testing.T) {
	backend := newBackend(t)
	store := NewStore(backend, Options{LockTimeout: 60 * time.Millisecond, LockBackoff: 5 * time.Millisecond})
	ctx := context.Background()

	unlock, err := backend.TryLock(ctx, storage.LockName("checkpoint", "job-1"))
	require.NoError(t, err)

	err = store.Save(ctx, "job-1", types.PhaseMap, sample())
	assert.ErrorIs(t, err, ErrLockContention)

	// other jobs are unaffected
	require.NoError(t, store.Save(ctx, "job-2", types.PhaseMap, sample()))

	// a holder that lets go within the timeout is waited for
	store = NewStore(backend, Options{LockTimeout: 2 * time.Second, LockBackoff: 5 * time.Millisecond})
	go func() {
		time.Sleep(30 * time.Millisecond)
		unlock()
	}()
	require.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, sample()))
}

// TestConcurrentSaves 並發保存被序列化，最後一份完整可讀
func TestConcurrentSaves(t *testing.T) {
	store := NewStore(newBackend(t), Options{LockTimeout: 5 * time.Second, LockBackoff: time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Save(ctx, "job-1", types.PhaseMap, sample()))
		}()
	}
	wg.Wait()

	loaded, err := store.Load(ctx, "job-1", types.PhaseMap)
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 4)
}

// TestOutstanding 恢復集合 = 計畫 - 已完成 - 排除
func TestOutstanding(t *testing.T) {
	cp := sample()

	out := cp.Outstanding(map[types.ItemID]bool{"item-1": true})
	require.Len(t, out, 1)
	assert.Equal(t, types.ItemID("item-3"), out[0].ID)

	again := cp.Outstanding(map[types.ItemID]bool{"item-1": true})
	assert.Equal(t, out, again, "same checkpoint, same outstanding set")

	assert.Len(t, cp.Outstanding(nil), 2)
}

// TestValues 只折疊已完成 item 的貢獻
func TestValues(t *testing.T) {
	cp := sample()
	values, err := cp.Values("processed")
	require.NoError(t, err)
	assert.Len(t, values, 2, "item-1 failed and is not counted")

	v := aggregate.Aggregate(values)
	require.True(t, v.OK())
	assert.Equal(t, int64(2), aggregate.Finalize(v.Value))

	values, err = cp.Values("missing")
	require.NoError(t, err)
	assert.Empty(t, values)
}
