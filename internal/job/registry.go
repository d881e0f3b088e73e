package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/phonecheck/phonecheck/internal/store"
)

// Namespace is the store namespace holding job records.
const Namespace = "jobs"

// Registry creates and mutates jobs. It is the only writer of job progress.
// Every method is one acquire/mutate/save/release cycle on the jobs namespace.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// NewRegistry returns a Registry persisting into s.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Create stores a new queued job for owner and returns it.
func (r *Registry) Create(ctx context.Context, owner, chatID int64, numbers []string) (*Job, error) {
	now := r.now().UTC()
	j := &Job{
		ID:        uuid.New().String(),
		Owner:     owner,
		ChatID:    chatID,
		Numbers:   slices.Clone(numbers),
		Status:    StatusQueued,
		Total:     len(numbers),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.store.Update(ctx, Namespace, func(h *store.Handle) error {
		return h.Set(j.ID, j)
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// Get returns the job, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	var j *Job
	err := r.store.View(ctx, Namespace, func(h *store.Handle) error {
		var err error
		j, err = load(h, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Update merges p into the job. It reports false, without error, when the
// job is missing, already terminal, or the status change is not allowed.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (bool, error) {
	var applied bool
	err := r.store.Update(ctx, Namespace, func(h *store.Handle) error {
		j, err := load(h, id)
		if err != nil || j == nil {
			return err
		}
		if err := j.apply(p, r.stamp(j)); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				slog.Debug("job update ignored", "job", id, "status", j.Status, "error", err)
				return nil
			}
			return err
		}
		applied = true
		return h.Set(id, j)
	})
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return applied, nil
}

// RecordProgress counts one checked number. The job completes when every
// number has been counted. Progress for terminal jobs is ignored.
func (r *Registry) RecordProgress(ctx context.Context, id string, o Outcome) (bool, error) {
	if !o.Valid() {
		return false, fmt.Errorf("record progress for job %s: unknown outcome %q", id, o)
	}

	var applied bool
	err := r.store.Update(ctx, Namespace, func(h *store.Handle) error {
		j, err := load(h, id)
		if err != nil || j == nil {
			return err
		}
		if j.Status.IsTerminal() || j.Processed >= j.Total {
			slog.Debug("progress ignored", "job", id, "status", j.Status, "outcome", o)
			return nil
		}

		now := r.stamp(j)
		if j.Status == StatusQueued {
			j.Status = StatusRunning
			j.StartedAt = &now
		}
		switch o {
		case OutcomeValid:
			j.Valid++
		case OutcomeInvalid:
			j.Invalid++
		case OutcomeMultiAccount:
			j.MultiAccount++
		case OutcomeError:
			j.Errors++
		}
		j.Processed++
		j.UpdatedAt = now
		if j.Processed == j.Total {
			j.Status = StatusCompleted
			j.CompletedAt = &now
		}
		applied = true
		return h.Set(id, j)
	})
	if err != nil {
		return false, fmt.Errorf("record progress for job %s: %w", id, err)
	}
	return applied, nil
}

// List returns all jobs ordered by creation time, oldest first.
func (r *Registry) List(ctx context.Context) ([]*Job, error) {
	return r.ListByStatus(ctx)
}

// ListByStatus returns jobs in any of the given statuses, oldest first. With
// no statuses every job is returned.
func (r *Registry) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var jobs []*Job
	err := r.store.View(ctx, Namespace, func(h *store.Handle) error {
		for _, id := range h.Keys() {
			j, err := load(h, id)
			if err != nil {
				return err
			}
			if j != nil && (len(statuses) == 0 || slices.Contains(statuses, j.Status)) {
				jobs = append(jobs, j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

// FailRunning fails every running job with reason and returns their IDs.
// Used at startup: work in flight before a restart cannot be resumed.
func (r *Registry) FailRunning(ctx context.Context, reason string) ([]string, error) {
	return r.failMatching(ctx, reason, func(j *Job) bool {
		return j.Status == StatusRunning
	})
}

// FailOverdue fails running jobs started more than maxRuntime before now.
func (r *Registry) FailOverdue(ctx context.Context, now time.Time, maxRuntime time.Duration) ([]string, error) {
	cutoff := now.Add(-maxRuntime)
	return r.failMatching(ctx, "timed out", func(j *Job) bool {
		return j.Status == StatusRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff)
	})
}

func (r *Registry) failMatching(ctx context.Context, reason string, match func(*Job) bool) ([]string, error) {
	var ids []string
	err := r.store.Update(ctx, Namespace, func(h *store.Handle) error {
		for _, id := range h.Keys() {
			j, err := load(h, id)
			if err != nil {
				return err
			}
			if j == nil || !match(j) {
				continue
			}
			if err := j.apply(WithFailure(reason), r.stamp(j)); err != nil {
				continue
			}
			if err := h.Set(id, j); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail jobs: %w", err)
	}
	return ids, nil
}

// PurgeTerminalBefore deletes terminal jobs completed before the cutoff and
// returns their IDs.
func (r *Registry) PurgeTerminalBefore(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := r.store.Update(ctx, Namespace, func(h *store.Handle) error {
		for _, id := range h.Keys() {
			j, err := load(h, id)
			if err != nil {
				return err
			}
			if j != nil && j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
				h.Delete(id)
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purge jobs: %w", err)
	}
	return ids, nil
}

// stamp returns the time for a mutation of j, never earlier than its last
// update so updated_at only moves forward.
func (r *Registry) stamp(j *Job) time.Time {
	now := r.now().UTC()
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Nanosecond)
	}
	return now
}

func (j *Job) apply(p Patch, now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
	}
	if p.Status != nil && *p.Status != j.Status {
		next := *p.Status
		if !j.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
		}
		if next == StatusCompleted && j.Processed != j.Total {
			return fmt.Errorf("%w: %d of %d processed", ErrInvalidTransition, j.Processed, j.Total)
		}
		j.Status = next
		if next == StatusRunning {
			j.StartedAt = &now
		}
		if next.IsTerminal() {
			j.CompletedAt = &now
		}
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	j.UpdatedAt = now
	return nil
}

func load(h *store.Handle, id string) (*Job, error) {
	var j Job
	ok, err := h.Get(id, &j)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}
