package ingest

import (
	"context"

	"github.com/phonecheck/phonecheck/internal/store"
)

const (
	// Namespace holds the durable ingestion cursor.
	Namespace = "offsets"
	cursorKey = "last_update_id"
)

// CursorStore persists the ingestion cursor under its own namespace lock.
type CursorStore struct {
	store *store.Store
}

func NewCursorStore(s *store.Store) *CursorStore {
	return &CursorStore{store: s}
}

// Load returns the saved cursor, 0 if none.
func (c *CursorStore) Load(ctx context.Context) (int64, error) {
	var id int64
	err := c.store.View(ctx, Namespace, func(h *store.Handle) error {
		var err error
		id, err = store.Get(h, cursorKey, int64(0))
		return err
	})
	return id, err
}

// Save records id unless a larger cursor is already stored.
func (c *CursorStore) Save(ctx context.Context, id int64) error {
	return c.store.Update(ctx, Namespace, func(h *store.Handle) error {
		cur, err := store.Get(h, cursorKey, int64(0))
		if err != nil {
			return err
		}
		if id <= cur {
			return nil
		}
		return h.Set(cursorKey, id)
	})
}
