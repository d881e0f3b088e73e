// Package notify delivers job notifications to chats in the background.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/phonecheck/phonecheck/internal/transport"
)

const (
	defaultAttempts = 5
	retryBase       = time.Second
	retryCap        = 5 * time.Minute
)

// Notifier sends messages asynchronously with exponential backoff between
// attempts.
type Notifier struct {
	sender   transport.Sender
	attempts int
	// OnFailure is called once per message dropped after all attempts.
	OnFailure func()

	newBackOff func() backoff.BackOff
	wg         sync.WaitGroup
}

// New returns a Notifier making at most attempts tries per message.
func New(sender transport.Sender, attempts int) *Notifier {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Notifier{
		sender:   sender,
		attempts: attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryBase
			b.MaxInterval = retryCap
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Send dispatches text to chatID asynchronously. ctx should outlive the job
// that triggered it (context.WithoutCancel) but stop on shutdown.
func (n *Notifier) Send(ctx context.Context, chatID int64, text string, mode transport.ParseMode) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, chatID, text, mode)
	}()
}

// Wait blocks until every pending notification is delivered or dropped.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, chatID int64, text string, mode transport.ParseMode) {
	attempt := 0
	op := func() error {
		attempt++
		return n.sender.SendText(ctx, chatID, text, mode)
	}
	onRetry := func(err error, next time.Duration) {
		slog.Warn("notify attempt failed", "attempt", attempt, "chat", chatID, "retry_in", next, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(n.newBackOff(), uint64(n.attempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, onRetry); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("notify: all retries exhausted", "chat", chatID, "attempts", attempt, "error", err)
		if n.OnFailure != nil {
			n.OnFailure()
		}
	}
}
