package dispatch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Runner) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep fails running jobs past JobTimeout and purges finished jobs older
// than JobTTL together with their results files.
func (r *Runner) Sweep(ctx context.Context) {
	now := r.now()

	if r.opts.JobTimeout > 0 {
		ids, err := r.registry.FailOverdue(ctx, now, r.opts.JobTimeout)
		if err != nil {
			r.storeError("sweep overdue", "", err)
		}
		for _, id := range ids {
			slog.Warn("sweeper: job timed out", "job", id)
		}
	}

	if r.opts.JobTTL > 0 {
		ids, err := r.registry.PurgeTerminalBefore(ctx, now.Add(-r.opts.JobTTL))
		if err != nil {
			r.storeError("sweep purge", "", err)
		}
		for _, id := range ids {
			if r.opts.ResultsDir == "" {
				continue
			}
			if err := os.Remove(ResultsPath(r.opts.ResultsDir, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("sweeper: remove results", "job", id, "error", err)
			}
		}
		if len(ids) > 0 {
			slog.Info("sweeper: purged jobs", "count", len(ids))
		}
	}
}
