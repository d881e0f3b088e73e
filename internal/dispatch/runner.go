// Package dispatch runs verification jobs in the background and feeds
// per-number outcomes back into the job registry.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phonecheck/phonecheck/internal/job"
	"github.com/phonecheck/phonecheck/internal/store"
	"github.com/phonecheck/phonecheck/internal/transport"
	"github.com/phonecheck/phonecheck/internal/verify"
)

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
var ErrQueueFull = errors.New("queue full")

// Notifier delivers the end-of-job summary to the owner's chat.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, mode transport.ParseMode)
}

// Metrics receives runner counters. A nil Metrics is allowed.
type Metrics interface {
	OutcomeRecorded(outcome string)
	JobStarted() func(status string)
	LockTimeout()
}

// Options configures a Runner.
type Options struct {
	Concurrency    int
	QueueSize      int
	ParallelPerJob int
	// JobTimeout bounds a single job's run; 0 means no deadline.
	JobTimeout time.Duration
	// JobTTL is how long finished jobs are kept; 0 keeps them forever.
	JobTTL     time.Duration
	ResultsDir string
}

// Runner manages the job queue and workers.
type Runner struct {
	jobs     chan string
	registry *job.Registry
	verifier verify.Verifier
	notifier Notifier
	metrics  Metrics
	opts     Options
	now      func() time.Time
	wg       sync.WaitGroup
}

// New creates a Runner. notifier and metrics may be nil.
func New(registry *job.Registry, verifier verify.Verifier, notifier Notifier, metrics Metrics, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ParallelPerJob <= 0 {
		opts.ParallelPerJob = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	return &Runner{
		jobs:     make(chan string, opts.QueueSize),
		registry: registry,
		verifier: verifier,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}
}

// Enqueue adds a job ID to the queue without blocking.
func (r *Runner) Enqueue(jobID string) error {
	select {
	case r.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("%w: cannot enqueue job %s", ErrQueueFull, jobID)
	}
}

// Start launches opts.Concurrency workers. They stop when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	for range r.opts.Concurrency {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runWorker(ctx)
		}()
	}
}

// Wait blocks until every worker has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Recovery re-enqueues queued jobs and fails the ones that were running
// when the process stopped: their partial progress cannot be resumed
// without counting numbers twice. Queued jobs that no longer fit in the
// queue are failed too, so none is left queued with no worker to take it.
func (r *Runner) Recovery(ctx context.Context) error {
	failed, err := r.registry.FailRunning(ctx, "interrupted by restart")
	if err != nil {
		return fmt.Errorf("fail running jobs: %w", err)
	}
	for _, id := range failed {
		slog.Warn("recovery: job interrupted", "job", id)
	}

	queued, err := r.registry.ListByStatus(ctx, job.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	requeued := 0
	for _, j := range queued {
		if err := r.Enqueue(j.ID); err != nil {
			slog.Error("recovery: failed to enqueue job", "job", j.ID, "error", err)
			r.rejectQueued(ctx, j.ID)
			continue
		}
		requeued++
	}
	slog.Info("recovery done", "requeued", requeued, "failed", len(failed), "rejected", len(queued)-requeued)
	return nil
}

// rejectQueued fails a queued job that could not be enqueued and tells its
// owner.
func (r *Runner) rejectQueued(ctx context.Context, jobID string) {
	r.fail(ctx, jobID, "queue full")
	if r.notifier == nil {
		return
	}
	j, err := r.registry.Get(ctx, jobID)
	if err != nil || j == nil || j.Status != job.StatusFailed {
		return
	}
	r.notifier.Send(context.WithoutCancel(ctx), j.ChatID, summary(j), transport.ParsePlain)
}

func (r *Runner) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.jobs:
			r.processJob(ctx, jobID)
		}
	}
}

type indexedResult struct {
	index int
	verify.Result
}

func (r *Runner) processJob(ctx context.Context, jobID string) {
	claimed, err := r.registry.Update(ctx, jobID, job.WithStatus(job.StatusRunning))
	if err != nil {
		r.storeError("claim", jobID, err)
		return
	}
	if !claimed {
		slog.Info("worker: job no longer queued, skipping", "job", jobID)
		return
	}

	j, err := r.registry.Get(ctx, jobID)
	if err != nil || j == nil {
		slog.Error("worker: load job", "job", jobID, "error", err)
		return
	}

	var done func(string)
	if r.metrics != nil {
		done = r.metrics.JobStarted()
	}
	slog.Info("worker: job started", "job", jobID, "numbers", j.Total)

	jobCtx := ctx
	if r.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.opts.JobTimeout)
		defer cancel()
	}

	results, runErr := r.checkAll(ctx, jobCtx, j)

	if ctx.Err() != nil {
		// Shutdown: the job stays running and is failed by Recovery next start.
		slog.Warn("worker: shutdown during job", "job", jobID, "processed", len(results))
		if done != nil {
			done(string(job.StatusRunning))
		}
		return
	}

	switch {
	case errors.Is(runErr, verify.ErrUnavailable):
		r.fail(ctx, jobID, runErr.Error())
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		r.fail(ctx, jobID, "timed out")
	case runErr != nil:
		r.fail(ctx, jobID, runErr.Error())
	}

	final, err := r.registry.Get(ctx, jobID)
	if err == nil && final != nil && final.Status.IsActive() {
		// Some outcomes could not be recorded; nothing will finish it now.
		r.fail(ctx, jobID, "stopped before every number was recorded")
		final, err = r.registry.Get(ctx, jobID)
	}
	if err != nil || final == nil {
		slog.Error("worker: reload job", "job", jobID, "error", err)
		return
	}

	if err := r.writeArtifact(final, results); err != nil {
		slog.Error("worker: write results", "job", jobID, "error", err)
	}
	if r.notifier != nil {
		if text := summary(final); text != "" {
			r.notifier.Send(context.WithoutCancel(ctx), final.ChatID, text, transport.ParsePlain)
		}
	}
	if done != nil {
		done(string(final.Status))
	}
	slog.Info("worker: job finished", "job", jobID, "status", final.Status,
		"processed", final.Processed, "total", final.Total)
}

// checkAll verifies every number with up to ParallelPerJob checks in
// flight. It re-reads the job before each number and stops once the job is
// no longer queued or running. Outcomes are recorded as they arrive.
func (r *Runner) checkAll(ctx, jobCtx context.Context, j *job.Job) ([]indexedResult, error) {
	var (
		mu      sync.Mutex
		results []indexedResult
	)

	g, gctx := errgroup.WithContext(jobCtx)
	g.SetLimit(r.opts.ParallelPerJob)

	var stopped atomic.Bool
	for i, number := range j.Numbers {
		if stopped.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Checked once a slot is free, right before the number goes out.
			if stopped.Load() {
				return nil
			}
			current, err := r.registry.Get(gctx, j.ID)
			if err != nil {
				r.storeError("check status", j.ID, err)
				stopped.Store(true)
				return nil
			}
			if current == nil || !current.Status.IsActive() {
				if !stopped.Swap(true) {
					slog.Info("worker: job stopped", "job", j.ID, "before", i)
				}
				return nil
			}

			res, err := r.verifier.Check(gctx, number)
			if err != nil {
				if errors.Is(err, verify.ErrUnavailable) {
					return err
				}
				if gctx.Err() != nil {
					return nil
				}
				slog.Warn("worker: check failed", "job", j.ID, "number", number, "error", err)
				res = verify.Result{Number: number, Outcome: job.OutcomeError, Detail: err.Error()}
			}

			// Recorded against the parent context: a number that finished
			// checking is counted even if the job deadline just passed.
			applied, err := r.registry.RecordProgress(ctx, j.ID, res.Outcome)
			if err != nil {
				r.storeError("record progress", j.ID, err)
				return nil
			}
			if !applied {
				return nil
			}
			if r.metrics != nil {
				r.metrics.OutcomeRecorded(string(res.Outcome))
			}
			mu.Lock()
			results = append(results, indexedResult{index: i, Result: res})
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	slices.SortFunc(results, func(a, b indexedResult) int { return a.index - b.index })
	return results, err
}

func (r *Runner) fail(ctx context.Context, jobID, reason string) {
	ok, err := r.registry.Update(ctx, jobID, job.WithFailure(reason))
	if err != nil {
		r.storeError("fail", jobID, err)
		return
	}
	if ok {
		slog.Warn("worker: job failed", "job", jobID, "reason", reason)
	}
}

func (r *Runner) storeError(op, jobID string, err error) {
	slog.Error("worker: store", "op", op, "job", jobID, "error", err)
	if r.metrics != nil && errors.Is(err, store.ErrLockTimeout) {
		r.metrics.LockTimeout()
	}
}

// Artifact is the content of a results file.
type Artifact struct {
	Job     *job.Job        `json:"job"`
	Results []verify.Result `json:"results"`
}

func (r *Runner) writeArtifact(j *job.Job, results []indexedResult) error {
	if r.opts.ResultsDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.opts.ResultsDir, 0o750); err != nil {
		return err
	}
	a := Artifact{Job: j, Results: make([]verify.Result, len(results))}
	for i, res := range results {
		a.Results[i] = res.Result
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(ResultsPath(r.opts.ResultsDir, j.ID), data, 0o640)
}

// ResultsPath is where the results artifact of jobID is written.
func ResultsPath(dir, jobID string) string {
	return filepath.Join(dir, "job_"+filepath.Base(jobID)+".json")
}

// ResultsName is the file name the artifact is delivered under.
func ResultsName(jobID string) string {
	return "results_" + jobID + ".json"
}

func summary(j *job.Job) string {
	switch j.Status {
	case job.StatusCompleted:
		return fmt.Sprintf("✅ Job %s completed.\n\nValid: %d\nInvalid: %d\nMulti-account: %d\nErrors: %d\n\nUse /results to download the report.",
			j.ID, j.Valid, j.Invalid, j.MultiAccount, j.Errors)
	case job.StatusFailed:
		return fmt.Sprintf("❌ Job %s failed: %s\nProcessed %d of %d numbers. Use /results for the partial report.",
			j.ID, j.Error, j.Processed, j.Total)
	}
	return ""
}
