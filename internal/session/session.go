// Package session tracks which job each user is currently following.
package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/phonecheck/phonecheck/internal/store"
)

// Namespace is the store namespace holding session records.
const Namespace = "users"

// Record is the per-user session. CurrentJob is a lookup-only reference; the
// job may since have been purged.
type Record struct {
	CurrentJob string `json:"current_job,omitempty"`
}

// Index maps users to their current job. A user has at most one.
type Index struct {
	store *store.Store
}

func NewIndex(s *store.Store) *Index {
	return &Index{store: s}
}

// SetCurrentJob points userID at jobID and returns the job it replaced, if any.
func (x *Index) SetCurrentJob(ctx context.Context, userID int64, jobID string) (string, error) {
	var previous string
	err := x.store.Update(ctx, Namespace, func(h *store.Handle) error {
		rec, err := store.Get(h, key(userID), Record{})
		if err != nil {
			return err
		}
		previous = rec.CurrentJob
		return h.Set(key(userID), Record{CurrentJob: jobID})
	})
	if err != nil {
		return "", fmt.Errorf("set current job for user %d: %w", userID, err)
	}
	if previous == jobID {
		previous = ""
	}
	return previous, nil
}

// CurrentJob returns the user's current job ID and whether one is set.
func (x *Index) CurrentJob(ctx context.Context, userID int64) (string, bool, error) {
	var rec Record
	err := x.store.View(ctx, Namespace, func(h *store.Handle) error {
		var err error
		rec, err = store.Get(h, key(userID), Record{})
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("get current job for user %d: %w", userID, err)
	}
	return rec.CurrentJob, rec.CurrentJob != "", nil
}

// ClearCurrentJob forgets the user's current job.
func (x *Index) ClearCurrentJob(ctx context.Context, userID int64) error {
	err := x.store.Update(ctx, Namespace, func(h *store.Handle) error {
		h.Delete(key(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear current job for user %d: %w", userID, err)
	}
	return nil
}

func key(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
