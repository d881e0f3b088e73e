// Package ingest long-polls the transport and feeds updates to a handler.
package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/phonecheck/phonecheck/internal/transport"
)

// Handler processes one update. It must not return until it is done with it:
// the loop is a single sequential consumer.
type Handler interface {
	Handle(ctx context.Context, u transport.Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u transport.Update)

func (f HandlerFunc) Handle(ctx context.Context, u transport.Update) { f(ctx, u) }

// Metrics receives loop counters. A nil Metrics is allowed.
type Metrics interface {
	UpdateReceived()
	PollFailed()
}

// Options configures a Loop.
type Options struct {
	// PollTimeout is the long-poll wait passed to the source.
	PollTimeout time.Duration
	// Backoff is the pause after a failed poll.
	Backoff time.Duration
	// Cursors, when set, makes the cursor survive restarts.
	Cursors *CursorStore
	Metrics Metrics
}

// Loop is the ingestion loop. The cursor is owned by the loop and only moves
// forward.
type Loop struct {
	source  transport.Source
	handler Handler
	opts    Options
	backoff backoff.BackOff
	cursor  atomic.Int64

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New returns a Loop starting at cursor 0 (no lower bound).
func New(source transport.Source, handler Handler, opts Options) *Loop {
	return &Loop{
		source:  source,
		handler: handler,
		opts:    opts,
		backoff: backoff.NewConstantBackOff(opts.Backoff),
		sleep:   sleepCtx,
	}
}

// Cursor returns the id of the last update handed to the handler.
func (l *Loop) Cursor() int64 { return l.cursor.Load() }

// SetCursor positions the loop. It never moves the cursor backwards.
func (l *Loop) SetCursor(id int64) {
	for {
		cur := l.cursor.Load()
		if id <= cur || l.cursor.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Run polls until ctx is done. Errors never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.Cursors != nil {
		id, err := l.opts.Cursors.Load(ctx)
		if err != nil {
			slog.Warn("ingest: load cursor", "error", err)
		} else {
			l.SetCursor(id)
		}
	}
	slog.Info("ingest: polling", "cursor", l.Cursor())

	for ctx.Err() == nil {
		l.Poll(ctx)
	}
	return nil
}

// Poll runs one cycle: fetch, then hand every new update to the handler in
// the order received. A failed fetch pauses once for the backoff interval and
// leaves the cursor untouched.
func (l *Loop) Poll(ctx context.Context) {
	var offset int64
	if cur := l.Cursor(); cur > 0 {
		offset = cur + 1
	}

	updates, err := l.source.Updates(ctx, offset, l.opts.PollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("ingest: poll failed", "offset", offset, "error", err)
		if l.opts.Metrics != nil {
			l.opts.Metrics.PollFailed()
		}
		l.sleep(ctx, l.backoff.NextBackOff())
		return
	}

	for _, u := range updates {
		if u.ID <= l.Cursor() {
			slog.Debug("ingest: skipping redelivered update", "update", u.ID)
			continue
		}
		l.SetCursor(u.ID)
		if l.opts.Metrics != nil {
			l.opts.Metrics.UpdateReceived()
		}
		l.handler.Handle(ctx, u)

		if l.opts.Cursors != nil {
			// Handled updates are recorded even during shutdown.
			if err := l.opts.Cursors.Save(context.WithoutCancel(ctx), u.ID); err != nil {
				slog.Warn("ingest: save cursor", "cursor", u.ID, "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
