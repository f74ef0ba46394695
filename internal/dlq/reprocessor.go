package dlq

// ============================================================================
// 職責說明：
// 1. 以 per-job 鎖防止同一 job 並發重新處理
// 2. 依 Filter 與 retry_count <= MaxRetries 挑選 item（Force 時忽略）
// 3. 依重試策略分批等待後，經由同一個 coordinator 執行；失敗者在同一次呼叫內
//    重試，最多 MaxRetries 次
// 4. 成功者移出 DLQ，失敗者追加失敗記錄
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Dispatcher runs assignments with bounded parallelism and returns one
// result per assignment.
type Dispatcher interface {
	Run(ctx context.Context, assignments []types.WorkAssignment, maxParallel int) []types.AgentResult
}

// ReprocessOptions controls one reprocessing run.
type ReprocessOptions struct {
	Filter      Filter      `json:"filter"`
	MaxParallel int         `json:"max_parallel"`
	MaxRetries  int         `json:"max_retries"`
	Policy      RetryPolicy `json:"policy"`
	// Force includes matching items that are no longer eligible.
	Force bool `json:"force"`
}

// ReprocessResult reports what a run did.
type ReprocessResult struct {
	JobID       types.JobID         `json:"job_id"`
	Matched     int                 `json:"matched"`
	Skipped     int                 `json:"skipped"`
	Total       int                 `json:"total"`
	Successful  int                 `json:"successful"`
	Failed      int                 `json:"failed"`
	FailedItems []types.ItemID      `json:"failed_items,omitempty"`
	Results     []types.AgentResult `json:"results,omitempty"`
	Duration    time.Duration       `json:"duration"`
}

// Reprocessor resubmits dead-lettered items.
type Reprocessor struct {
	backend    storage.Storage
	dispatcher Dispatcher
	clock      func() time.Time
	// sleep waits d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReprocessor wires a reprocessor. dispatcher must run assignments the
// same way ordinary job assignments are run.
func NewReprocessor(backend storage.Storage, dispatcher Dispatcher) *Reprocessor {
	return &Reprocessor{
		backend:    backend,
		dispatcher: dispatcher,
		clock:      time.Now,
		sleep:      sleepCtx,
	}
}

// Reprocess runs every selected item until it succeeds or has used
// opts.MaxRetries attempts in this call. An item is selected while its
// retry count is within opts.MaxRetries, or always with Force. Each attempt
// waits according to opts.Policy and the item's retry count; attempts that
// fall due together form one wave through the dispatcher. Every failed
// attempt is recorded in the queue before the item is tried again.
func (r *Reprocessor) Reprocess(ctx context.Context, jobID types.JobID, opts ReprocessOptions) (*ReprocessResult, error) {
	start := r.clock()

	unlock, err := r.backend.TryLock(ctx, storage.LockName("reprocess", jobID))
	if errors.Is(err, storage.ErrLocked) {
		return nil, fmt.Errorf("%w: job %s", ErrReprocessInProgress, jobID)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warn("Failed to release reprocess lock", "jobID", jobID, "error", err)
		}
	}()

	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	queue := New(r.backend, jobID, Options{MaxRetries: opts.MaxRetries, Clock: r.clock})

	matched, err := queue.Query(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}
	var pending []*attempt
	for _, item := range matched {
		if opts.Force || item.RetryCount <= opts.MaxRetries {
			pending = append(pending, &attempt{item: item, due: opts.Policy.Delay(item.RetryCount)})
		}
	}

	res := &ReprocessResult{
		JobID:   jobID,
		Matched: len(matched),
		Skipped: len(matched) - len(pending),
		Total:   len(pending),
	}
	log.Info("Reprocessing DLQ items",
		"jobID", jobID,
		"matched", res.Matched,
		"selected", res.Total,
		"maxRetries", opts.MaxRetries,
		"force", opts.Force)

	nextID := 0
	for len(pending) > 0 && ctx.Err() == nil {
		sort.SliceStable(pending, func(i, j int) bool { return pending[i].due < pending[j].due })
		if wait := pending[0].due - r.clock().Sub(start); wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				break
			}
		}

		elapsed := r.clock().Sub(start)
		n := 1
		for n < len(pending) && pending[n].due <= elapsed {
			n++
		}
		wave := make(map[int]*attempt, n)
		assignments := make([]types.WorkAssignment, 0, n)
		for _, a := range pending[:n] {
			wave[nextID] = a
			assignments = append(assignments, types.WorkAssignment{
				ID:            nextID,
				Item:          a.item.WorkItem(),
				WorkspaceName: fmt.Sprintf("agent-%d", a.item.ItemIndex),
				Attempt:       a.item.RetryCount + 1,
			})
			nextID++
		}
		pending = pending[n:]

		results := r.dispatcher.Run(ctx, assignments, opts.MaxParallel)
		retry, err := r.record(ctx, queue, wave, results, opts, res)
		if err != nil {
			res.Duration = r.clock().Sub(start)
			return res, err
		}
		for _, a := range retry {
			a.due = r.clock().Sub(start) + opts.Policy.Delay(a.item.RetryCount)
			pending = append(pending, a)
		}
	}

	// items interrupted between attempts end with their last failure
	for _, a := range pending {
		if a.attempts > 0 {
			res.fail(a)
		}
	}

	sort.Slice(res.FailedItems, func(i, j int) bool { return res.FailedItems[i] < res.FailedItems[j] })
	res.Duration = r.clock().Sub(start)
	log.Info("Reprocessing finished",
		"jobID", jobID,
		"successful", res.Successful,
		"failed", res.Failed,
		"duration", res.Duration)
	return res, ctx.Err()
}

// attempt tracks one selected item across the attempts of a run
type attempt struct {
	item     types.DLQItem
	attempts int
	due      time.Duration
	last     types.AgentResult
}

func (res *ReprocessResult) fail(a *attempt) {
	res.Failed++
	res.FailedItems = append(res.FailedItems, a.item.ItemID)
	res.Results = append(res.Results, a.last)
}

// record applies one wave's outcomes to the queue with bounded concurrency
// and returns the failed items that get another attempt. Cancelled attempts
// leave their entry untouched.
func (r *Reprocessor) record(ctx context.Context, queue *Queue, wave map[int]*attempt, results []types.AgentResult, opts ReprocessOptions, res *ReprocessResult) ([]*attempt, error) {
	// outcomes are persisted even when the run itself was cancelled
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(opts.MaxParallel)

	var failed []*attempt
	for _, result := range results {
		a, ok := wave[result.AssignmentID]
		if !ok {
			continue
		}
		a.attempts++
		a.last = result

		switch {
		case result.Success:
			res.Successful++
			res.Results = append(res.Results, result)
			g.Go(func() error {
				return queue.Remove(gctx, a.item.ItemID)
			})
		case result.ErrorKind == types.ErrorCancelled:
			log.Debug("Reprocess attempt cancelled", "itemID", a.item.ItemID)
			res.Results = append(res.Results, result)
		default:
			failed = append(failed, a)
			failure := types.FailureDetail{
				Error:              result.Error,
				Kind:               result.ErrorKind,
				OccurredAt:         r.clock(),
				AgentID:            result.AgentID,
				DiagnosticLocation: result.DiagnosticLocation,
			}
			g.Go(func() error {
				updated, err := queue.Add(gctx, a.item.WorkItem(), failure)
				if err != nil {
					return err
				}
				a.item = updated
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var retry []*attempt
	for _, a := range failed {
		if ctx.Err() == nil && a.attempts < opts.MaxRetries && (opts.Force || a.item.ReprocessEligible) {
			log.Debug("Retrying reprocessed item", "itemID", a.item.ItemID, "attempt", a.attempts+1)
			retry = append(retry, a)
			continue
		}
		res.fail(a)
	}
	return retry, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
