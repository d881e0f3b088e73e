package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a namespace lock could not be taken within
// the configured wait.
var ErrLockTimeout = errors.New("store: lock timeout")

// Backend persists whole namespaces and provides the lock that excludes
// other processes from a namespace while a handle is open.
type Backend interface {
	// Begin blocks until the namespace lock is held or ctx is done.
	Begin(ctx context.Context, namespace string) (Tx, error)
	Close() error
}

// Tx is an open, locked namespace inside a Backend.
type Tx interface {
	// Read returns the stored bytes, or nil when nothing was ever written.
	Read(ctx context.Context) ([]byte, error)
	// Write atomically replaces the stored bytes. A backend may defer
	// durability to Close, but the lock is held until then either way.
	Write(ctx context.Context, data []byte) error
	// Close makes written data durable and releases the lock.
	Close() error
}

// Store is a lock-guarded key-value store split into namespaces. Every read
// or write goes through a Handle obtained with Acquire.
type Store struct {
	backend Backend
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New creates a Store over backend. lockTimeout bounds how long Acquire waits
// for a namespace; zero means wait until ctx is done.
func New(backend Backend, lockTimeout time.Duration) *Store {
	return &Store{
		backend: backend,
		timeout: lockTimeout,
		locks:   make(map[string]chan struct{}),
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) sem(namespace string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[namespace]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[namespace] = ch
	}
	return ch
}

// Acquire takes the exclusive lock on namespace and loads its records.
// The caller must Release the handle; Update and View do that for you.
func (s *Store) Acquire(ctx context.Context, namespace string) (*Handle, error) {
	if namespace == "" || filepath.Base(namespace) != namespace {
		return nil, fmt.Errorf("store: invalid namespace %q", namespace)
	}

	lockCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sem := s.sem(namespace)
	select {
	case sem <- struct{}{}:
	case <-lockCtx.Done():
		return nil, lockError(ctx, namespace)
	}

	tx, err := s.backend.Begin(lockCtx, namespace)
	if err != nil {
		<-sem
		if lockCtx.Err() != nil || errors.Is(err, ErrLockTimeout) {
			return nil, lockError(ctx, namespace)
		}
		return nil, fmt.Errorf("begin %s: %w", namespace, err)
	}

	data, err := tx.Read(ctx)
	if err != nil {
		tx.Close()
		<-sem
		return nil, fmt.Errorf("read %s: %w", namespace, err)
	}

	return &Handle{
		namespace: namespace,
		tx:        tx,
		sem:       sem,
		records:   decodeRecords(namespace, data),
	}, nil
}

// lockError reports ErrLockTimeout when only the lock wait expired, and the
// caller's own context error otherwise.
func lockError(parent context.Context, namespace string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: namespace %q", ErrLockTimeout, namespace)
}

func decodeRecords(namespace string, data []byte) map[string]json.RawMessage {
	records := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return records
	}
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("store: corrupt namespace, starting empty", "namespace", namespace, "error", err)
		return make(map[string]json.RawMessage)
	}
	if records == nil {
		records = make(map[string]json.RawMessage)
	}
	return records
}

// Update runs fn with the namespace locked and saves the records if fn
// changed them. The lock is released on every path, including panics.
func (s *Store) Update(ctx context.Context, namespace string, fn func(h *Handle) error) (err error) {
	h, err := s.Acquire(ctx, namespace)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := fn(h); err != nil {
		return err
	}
	if !h.dirty {
		return nil
	}
	return h.Save(ctx)
}

// View runs fn with the namespace locked. Nothing is saved.
func (s *Store) View(ctx context.Context, namespace string, fn func(h *Handle) error) (err error) {
	h, err := s.Acquire(ctx, namespace)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(h)
}

// Handle is an acquired namespace. It is not safe for concurrent use.
type Handle struct {
	namespace string
	tx        Tx
	sem       chan struct{}
	records   map[string]json.RawMessage
	dirty     bool
	released  bool
}

// Namespace returns the namespace this handle locks.
func (h *Handle) Namespace() string {
	return h.namespace
}

// Get decodes the record at key into dst. It reports false when the key is
// absent, leaving dst untouched.
func (h *Handle) Get(key string, dst any) (bool, error) {
	raw, ok := h.records[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", h.namespace, key, err)
	}
	return true, nil
}

// Set encodes v as the record at key.
func (h *Handle) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", h.namespace, key, err)
	}
	h.records[key] = raw
	h.dirty = true
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (h *Handle) Delete(key string) {
	if _, ok := h.records[key]; !ok {
		return
	}
	delete(h.records, key)
	h.dirty = true
}

// Keys returns all keys in sorted order.
func (h *Handle) Keys() []string {
	keys := make([]string, 0, len(h.records))
	for k := range h.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of records.
func (h *Handle) Len() int {
	return len(h.records)
}

// Save writes all records back atomically.
func (h *Handle) Save(ctx context.Context) error {
	if h.released {
		return fmt.Errorf("store: save on released handle %s", h.namespace)
	}
	data, err := json.Marshal(h.records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", h.namespace, err)
	}
	if err := h.tx.Write(ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", h.namespace, err)
	}
	h.dirty = false
	return nil
}

// Release unlocks the namespace. Unsaved changes are discarded. Calling
// Release more than once is a no-op.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	err := h.tx.Close()
	<-h.sem
	if err != nil {
		return fmt.Errorf("release %s: %w", h.namespace, err)
	}
	return nil
}

// Get returns the record at key decoded as T, or def when absent.
func Get[T any](h *Handle, key string, def T) (T, error) {
	var v T
	ok, err := h.Get(key, &v)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}
