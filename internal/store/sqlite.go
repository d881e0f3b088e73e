package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteBackend keeps each namespace in its own SQLite database next to
// dbPath (phonecheck.db holds nothing; phonecheck.jobs.db holds "jobs"), so
// namespaces lock independently. The namespace lock is a BEGIN IMMEDIATE
// transaction, which also excludes other processes sharing the file.
type SQLiteBackend struct {
	path string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLiteBackend returns a backend deriving one database per namespace
// from dbPath. With ":memory:" every namespace is a private in-memory
// database.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	return &SQLiteBackend{path: dbPath, dbs: make(map[string]*sql.DB)}, nil
}

// Path returns the database file backing namespace.
func (b *SQLiteBackend) Path(namespace string) string {
	if b.path == ":memory:" {
		return b.path
	}
	ext := filepath.Ext(b.path)
	if ext == "" {
		ext = ".db"
	}
	return strings.TrimSuffix(b.path, filepath.Ext(b.path)) + "." + namespace + ext
}

func (b *SQLiteBackend) db(namespace string) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if db, ok := b.dbs[namespace]; ok {
		return db, nil
	}

	path := b.Path(namespace)
	dsn := path
	if path != ":memory:" {
		// busy_timeout stays 0: lock waits are driven by the caller's context.
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	b.dbs[namespace] = db
	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS namespaces (
			name       TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	return err
}

// Begin retries BEGIN IMMEDIATE until it succeeds or ctx is done.
func (b *SQLiteBackend) Begin(ctx context.Context, namespace string) (Tx, error) {
	db, err := b.db(namespace)
	if err != nil {
		if isBusy(err) {
			// Another process holds the database while we set it up.
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}

	// Only SQLITE_BUSY is retried; any other failure ends the loop.
	var hard error
	begin := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && !isBusy(err) {
			hard = err
			return nil
		}
		return err
	}
	err = backoff.Retry(begin, backoff.WithContext(backoff.NewConstantBackOff(lockRetryDelay), ctx))
	if err == nil {
		err = hard
	}
	if err != nil {
		conn.Close()
		if isBusy(err) || ctx.Err() != nil {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("begin %s: %w", namespace, err)
	}
	return &sqliteTx{conn: conn, namespace: namespace}, nil
}

// Close closes every namespace database.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for ns, db := range b.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ns, err))
		}
		delete(b.dbs, ns)
	}
	return errors.Join(errs...)
}

// sqliteTx holds one BEGIN IMMEDIATE transaction from Begin to Close.
// Writes stay inside it and are committed by Close.
type sqliteTx struct {
	conn      *sql.Conn
	namespace string
	written   bool
	closed    bool
}

func (t *sqliteTx) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := t.conn.QueryRowContext(ctx, `SELECT data FROM namespaces WHERE name = ?`, t.namespace).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select namespace %s: %w", t.namespace, err)
	}
	return data, nil
}

// Write upserts the namespace row. It can be called any number of times;
// the lock is held throughout.
func (t *sqliteTx) Write(ctx context.Context, data []byte) error {
	if t.closed {
		return fmt.Errorf("write %s: transaction closed", t.namespace)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO namespaces (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, t.namespace, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert namespace %s: %w", t.namespace, err)
	}
	t.written = true
	return nil
}

// Close commits written data, or rolls back, and returns the connection.
func (t *sqliteTx) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	defer t.conn.Close()

	ctx := context.Background()
	if !t.written {
		_, err := t.conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = t.conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("commit %s: %w", t.namespace, err)
	}
	return nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
