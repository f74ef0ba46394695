package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify bounded concurrency, timeout, cancellation, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor sleeps for delay (or until ctx is done) and tracks how many
// executions overlap.
type fakeExecutor struct {
	delay    time.Duration
	panicOn  types.ItemID
	running  atomic.Int32
	peak     atomic.Int32
	executed atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, a types.WorkAssignment) types.AgentResult {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.executed.Add(1)

	if a.Item.ID == f.panicOn {
		panic("boom")
	}

	res := types.AgentResult{ItemID: a.Item.ID, AssignmentID: a.ID, AgentID: a.WorkspaceName}
	select {
	case <-time.After(f.delay):
		res.Success = true
	case <-ctx.Done():
		res.Error = ctx.Err().Error()
		res.ErrorKind = types.ErrorCancelled
		if ctx.Err() == context.DeadlineExceeded {
			res.ErrorKind = types.ErrorTimeout
		}
	}
	return res
}

func task(i int, timeout time.Duration) Task {
	return Task{
		Assignment: types.WorkAssignment{
			ID:            i,
			Item:          types.WorkItem{Index: i, ID: types.ItemID(fmt.Sprintf("item-%d", i))},
			WorkspaceName: fmt.Sprintf("agent-%d", i),
		},
		Timeout: timeout,
	}
}

func collect(t *testing.T, pool *Pool) map[types.ItemID]Result {
	t.Helper()
	out := make(map[types.ItemID]Result)
	for r := range pool.Results() {
		out[r.Assignment.Item.ID] = r
	}
	return out
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(&fakeExecutor{}, 10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(&fakeExecutor{}, 10)

	require.NoError(t, pool.Start(context.Background(), 8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(context.Background(), 4))
	pool.Stop()
}

func TestPoolExecutesEveryTask(t *testing.T) {
	exec := &fakeExecutor{delay: time.Millisecond}
	pool := NewPool(exec, 20)
	require.NoError(t, pool.Start(context.Background(), 3))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(task(i, time.Second)))
	}
	pool.Stop()

	results := collect(t, pool)
	assert.Len(t, results, 20)
	for id, r := range results {
		assert.True(t, r.Agent.Success, "item %s", id)
		assert.Equal(t, id, r.Agent.ItemID)
	}
	assert.EqualValues(t, 20, exec.executed.Load())
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestPoolRespectsParallelism(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	pool := NewPool(exec, 12)
	require.NoError(t, pool.Start(context.Background(), 3))

	for i := 0; i < 12; i++ {
		require.NoError(t, pool.Submit(task(i, 0)))
	}
	pool.Stop()

	assert.Len(t, collect(t, pool), 12)
	assert.LessOrEqual(t, exec.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, exec.peak.Load(), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(&fakeExecutor{}, 100)
	require.NoError(t, pool.Start(context.Background(), 4))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(task(g*10+i, 0)))
			}
		}(g)
	}
	wg.Wait()
	pool.Stop()

	assert.Len(t, collect(t, pool), 100)
}

// ============================================================================
// Timeout and Cancellation Tests
// ============================================================================

func TestTaskTimeout(t *testing.T) {
	pool := NewPool(&fakeExecutor{delay: time.Second}, 1)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(task(0, 10*time.Millisecond)))
	pool.Stop()

	r := collect(t, pool)["item-0"]
	assert.False(t, r.Agent.Success)
	assert.Equal(t, types.ErrorTimeout, r.Agent.ErrorKind)
	assert.Less(t, r.Duration, time.Second)
}

func TestCancelledPoolSkipsQueuedTasks(t *testing.T) {
	exec := &fakeExecutor{delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(exec, 5)
	require.NoError(t, pool.Start(ctx, 2))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(task(i, 0)))
	}
	pool.Stop()

	results := collect(t, pool)
	assert.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, types.ErrorCancelled, r.Agent.ErrorKind)
		assert.Equal(t, r.Assignment.ID, r.Agent.AssignmentID)
	}
	assert.Zero(t, exec.executed.Load())
}

func TestPanickingExecutorIsReportedAsFailure(t *testing.T) {
	exec := &fakeExecutor{panicOn: "item-1"}
	pool := NewPool(exec, 3)
	require.NoError(t, pool.Start(context.Background(), 1))
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(task(i, 0)))
	}
	pool.Stop()

	results := collect(t, pool)
	require.Len(t, results, 3)
	assert.False(t, results["item-1"].Agent.Success)
	assert.Contains(t, results["item-1"].Agent.Error, "panicked")
	assert.Equal(t, types.ErrorUnknown, results["item-1"].Agent.ErrorKind)
	// the worker keeps going after a panic
	assert.True(t, results["item-2"].Agent.Success)
}

// ============================================================================
// Lifecycle Error Tests
// ============================================================================

func TestSubmitErrors(t *testing.T) {
	pool := NewPool(&fakeExecutor{}, 1)
	assert.ErrorIs(t, pool.Submit(task(0, 0)), ErrPoolNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pool.Start(ctx, 1))
	// the only worker may or may not have drained the first task yet
	require.NoError(t, pool.Submit(task(0, 0)))

	pool.Stop()
	assert.ErrorIs(t, pool.Submit(task(1, 0)), ErrPoolClosed)

	// Stop is idempotent
	pool.Stop()
}

func TestSubmitFull(t *testing.T) {
	pool := NewPool(&fakeExecutor{delay: time.Second}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// no workers read until the pool is started, so fill the buffer first
	pool.started = true
	require.NoError(t, pool.Submit(task(0, 0)))
	assert.ErrorIs(t, pool.Submit(task(1, 0)), ErrPoolFull)

	pool.started = false
	require.NoError(t, pool.Start(ctx, 1))
	cancel()
	pool.Stop()
	assert.Len(t, collect(t, pool), 1)
}
