package dlq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records every assignment and answers with outcome.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    [][]types.WorkAssignment
	parallel []int
	outcome  func(a types.WorkAssignment) types.AgentResult
}

func (d *fakeDispatcher) Run(ctx context.Context, assignments []types.WorkAssignment, maxParallel int) []types.AgentResult {
	d.mu.Lock()
	d.calls = append(d.calls, assignments)
	d.parallel = append(d.parallel, maxParallel)
	d.mu.Unlock()

	out := make([]types.AgentResult, 0, len(assignments))
	for _, a := range assignments {
		r := types.AgentResult{Success: true}
		if d.outcome != nil {
			r = d.outcome(a)
		}
		r.AssignmentID = a.ID
		r.ItemID = a.Item.ID
		out = append(out, r)
	}
	return out
}

func (d *fakeDispatcher) assigned() []types.WorkAssignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []types.WorkAssignment
	for _, c := range d.calls {
		all = append(all, c...)
	}
	return all
}

func seedDLQ(t *testing.T, q *Queue, kinds map[int]types.ErrorKind) {
	t.Helper()
	for i, kind := range kinds {
		_, err := q.Add(context.Background(), workItem(i), failure(kind, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
}

func TestReprocess_TimeoutFilterRunsOnlyMatchingItems(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-d", Options{})
	seedDLQ(t, q, map[int]types.ErrorKind{
		0: types.ErrorTimeout,
		1: types.ErrorCommandFailed,
		2: types.ErrorTimeout,
		3: types.ErrorWorkspace,
		4: types.ErrorTimeout,
	})

	d := &fakeDispatcher{}
	r := NewReprocessor(backend, d)
	res, err := r.Reprocess(context.Background(), "job-d", ReprocessOptions{
		Filter:      Filter{ErrorKind: types.ErrorTimeout},
		MaxParallel: 2,
		Policy:      RetryPolicy{Strategy: StrategyImmediate},
	})
	require.NoError(t, err)

	assigned := d.assigned()
	require.Len(t, assigned, 3)
	ids := map[types.ItemID]bool{}
	for _, a := range assigned {
		ids[a.Item.ID] = true
		assert.Equal(t, 1, a.Attempt)
		assert.Equal(t, "agent-"+string(a.Item.ID[len("item-"):]), a.WorkspaceName)
	}
	assert.Equal(t, map[types.ItemID]bool{"item-0": true, "item-2": true, "item-4": true}, ids)
	assert.Equal(t, []int{2}, d.parallel)

	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Successful)
	assert.Zero(t, res.Failed)

	left, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, item := range left {
		assert.NotEqual(t, types.ErrorTimeout, item.LastError().Kind)
	}
}

func TestReprocess_FailuresAreRecordedAgain(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{})
	seedDLQ(t, q, map[int]types.ErrorKind{0: types.ErrorTimeout, 1: types.ErrorTimeout, 2: types.ErrorTimeout})

	d := &fakeDispatcher{outcome: func(a types.WorkAssignment) types.AgentResult {
		switch a.Item.ID {
		case "item-0":
			return types.AgentResult{Success: true}
		case "item-1":
			return types.AgentResult{Error: "exit status 2", ErrorKind: types.ErrorCommandFailed, AgentID: "agent-1-retry-1"}
		}
		return types.AgentResult{Error: "context canceled", ErrorKind: types.ErrorCancelled}
	}}
	r := NewReprocessor(backend, d)
	r.clock = func() time.Time { return t0.Add(time.Hour) }

	res, err := r.Reprocess(context.Background(), "job-1", ReprocessOptions{MaxParallel: 4, Policy: RetryPolicy{Strategy: StrategyImmediate}})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []types.ItemID{"item-1"}, res.FailedItems)
	assert.Len(t, res.Results, 3)

	gone, err := q.Get(context.Background(), "item-0")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// item-1 used all three attempts of the run, each one recorded
	failed, err := q.Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Len(t, failed.FailureHistory, 4)
	assert.Equal(t, types.ErrorCommandFailed, failed.LastError().Kind)
	assert.Equal(t, "agent-1-retry-1", failed.LastError().AgentID)
	assert.Equal(t, t0.Add(time.Hour), failed.LastFailure)

	cancelled, err := q.Get(context.Background(), "item-2")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Zero(t, cancelled.RetryCount)
	assert.Len(t, cancelled.FailureHistory, 1)
}

func TestReprocess_MaxRetriesLimitsSelection(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{})
	for i := 0; i < 3; i++ {
		_, err := q.Add(context.Background(), workItem(0), failure(types.ErrorTimeout, t0))
		require.NoError(t, err)
	}
	item, err := q.Get(context.Background(), "item-0")
	require.NoError(t, err)
	require.Equal(t, 2, item.RetryCount)
	require.True(t, item.ReprocessEligible)

	d := &fakeDispatcher{}
	res, err := NewReprocessor(backend, d).Reprocess(context.Background(), "job-1", ReprocessOptions{MaxRetries: 1})
	require.NoError(t, err)
	assert.Empty(t, d.assigned())
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Total)

	res, err = NewReprocessor(backend, d).Reprocess(context.Background(), "job-1", ReprocessOptions{MaxRetries: 1, Force: true})
	require.NoError(t, err)
	assert.Len(t, d.assigned(), 1)
	assert.Equal(t, 1, res.Successful)
}

func TestReprocess_RetriesWithinRun(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{})
	seedDLQ(t, q, map[int]types.ErrorKind{0: types.ErrorTimeout})

	var mu sync.Mutex
	calls := 0
	d := &fakeDispatcher{outcome: func(types.WorkAssignment) types.AgentResult {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return types.AgentResult{Error: "flaky", ErrorKind: types.ErrorCommandFailed}
		}
		return types.AgentResult{Success: true}
	}}
	r := NewReprocessor(backend, d)
	now := t0
	r.clock = func() time.Time { return now }
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	res, err := r.Reprocess(context.Background(), "job-1", ReprocessOptions{
		MaxRetries: 3,
		Policy:     RetryPolicy{Strategy: StrategyLinear, InitialDelay: time.Second},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Successful)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)

	// linear delays follow the retry count recorded after each failure
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, slept)
	assigned := d.assigned()
	require.Len(t, assigned, 3)
	for i, a := range assigned {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, "agent-0", a.WorkspaceName)
	}

	gone, err := q.Get(context.Background(), "item-0")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestReprocess_StopsWhenItemBecomesIneligible(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{})
	for i := 0; i < 3; i++ {
		_, err := q.Add(context.Background(), workItem(0), failure(types.ErrorTimeout, t0))
		require.NoError(t, err)
	}

	d := &fakeDispatcher{outcome: func(types.WorkAssignment) types.AgentResult {
		return types.AgentResult{Error: "still broken", ErrorKind: types.ErrorCommandFailed}
	}}
	res, err := NewReprocessor(backend, d).Reprocess(context.Background(), "job-1", ReprocessOptions{
		MaxRetries: 3,
		Policy:     RetryPolicy{Strategy: StrategyImmediate},
	})
	require.NoError(t, err)

	// retry_count 2 -> 3 is still eligible, 3 -> 4 is not
	assert.Len(t, d.assigned(), 2)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []types.ItemID{"item-0"}, res.FailedItems)

	item, err := q.Get(context.Background(), "item-0")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 4, item.RetryCount)
	assert.False(t, item.ReprocessEligible)
}

func TestReprocess_EligibilityAndForce(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{MaxRetries: 1})
	seedDLQ(t, q, map[int]types.ErrorKind{0: types.ErrorTimeout})
	for i := 0; i < 2; i++ {
		_, err := q.Add(context.Background(), workItem(1), failure(types.ErrorTimeout, t0))
		require.NoError(t, err)
	}

	fail := func(types.WorkAssignment) types.AgentResult {
		return types.AgentResult{Error: "still broken", ErrorKind: types.ErrorTimeout}
	}

	d := &fakeDispatcher{outcome: fail}
	res, err := NewReprocessor(backend, d).Reprocess(context.Background(), "job-1", ReprocessOptions{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, d.assigned(), 1)
	assert.Equal(t, types.ItemID("item-0"), d.assigned()[0].Item.ID)

	forced := &fakeDispatcher{outcome: fail}
	res, err = NewReprocessor(backend, forced).Reprocess(context.Background(), "job-1", ReprocessOptions{MaxRetries: 1, Force: true})
	require.NoError(t, err)
	assert.Zero(t, res.Skipped)
	assert.Len(t, forced.assigned(), 2)
	assert.Equal(t, 1, forced.parallel[0])
}

func TestReprocess_LockHeld(t *testing.T) {
	backend := newBackend(t)
	unlock, err := backend.TryLock(context.Background(), storage.LockName("reprocess", "job-1"))
	require.NoError(t, err)

	d := &fakeDispatcher{}
	_, err = NewReprocessor(backend, d).Reprocess(context.Background(), "job-1", ReprocessOptions{})
	assert.ErrorIs(t, err, ErrReprocessInProgress)
	assert.Empty(t, d.assigned())

	require.NoError(t, unlock())
	_, err = NewReprocessor(backend, d).Reprocess(context.Background(), "job-1", ReprocessOptions{})
	assert.NoError(t, err)
}

func TestReprocess_WavesFollowPolicy(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{MaxRetries: 5})
	seedDLQ(t, q, map[int]types.ErrorKind{0: types.ErrorTimeout, 1: types.ErrorTimeout})
	_, err := q.Add(context.Background(), workItem(1), failure(types.ErrorTimeout, t0))
	require.NoError(t, err)

	d := &fakeDispatcher{}
	r := NewReprocessor(backend, d)
	now := t0
	r.clock = func() time.Time { return now }
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	_, err = r.Reprocess(context.Background(), "job-1", ReprocessOptions{
		Policy: RetryPolicy{Strategy: StrategyExponential, InitialDelay: time.Second},
	})
	require.NoError(t, err)

	// item-0 waits 1s (retry 0); item-1 waits 2s (retry 1), 1s after the first wave
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
	require.Len(t, d.calls, 2)
	assert.Equal(t, types.ItemID("item-0"), d.calls[0][0].Item.ID)
	assert.Equal(t, types.ItemID("item-1"), d.calls[1][0].Item.ID)
	assert.Equal(t, 2, d.calls[1][0].Attempt)
	assert.NotEqual(t, d.calls[0][0].ID, d.calls[1][0].ID)
}

func TestReprocess_CancelledDuringWait(t *testing.T) {
	backend := newBackend(t)
	q := New(backend, "job-1", Options{})
	seedDLQ(t, q, map[int]types.ErrorKind{0: types.ErrorTimeout})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &fakeDispatcher{}
	r := NewReprocessor(backend, d)
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := r.Reprocess(ctx, "job-1", ReprocessOptions{
		Policy: RetryPolicy{Strategy: StrategyFixed, InitialDelay: time.Minute},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, d.assigned())

	// the lock is released on the way out
	_, err = r.Reprocess(context.Background(), "job-1", ReprocessOptions{})
	assert.NoError(t, err)
}
