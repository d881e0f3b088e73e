// Package bot routes inbound chat updates to job and session operations.
package bot

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/phonecheck/phonecheck/internal/dispatch"
	"github.com/phonecheck/phonecheck/internal/job"
	"github.com/phonecheck/phonecheck/internal/session"
	"github.com/phonecheck/phonecheck/internal/store"
	"github.com/phonecheck/phonecheck/internal/transport"
)

// Enqueuer hands a created job to the verification runner.
type Enqueuer interface {
	Enqueue(jobID string) error
}

// Metrics receives dispatcher counters. A nil Metrics is allowed.
type Metrics interface {
	CommandHandled(name string)
	LockTimeout()
}

// Options configures a Dispatcher.
type Options struct {
	ResultsDir     string
	MaxUploadBytes int64
	// CancelOnReplace cancels a user's unfinished job when a new upload
	// replaces it as their current job.
	CancelOnReplace bool
}

// Dispatcher interprets one update at a time and answers with exactly one
// outbound message or document. It holds no per-user state of its own.
type Dispatcher struct {
	sender   transport.Sender
	files    transport.Files
	jobs     *job.Registry
	sessions *session.Index
	queue    Enqueuer
	metrics  Metrics
	opts     Options
}

// New returns a Dispatcher. metrics may be nil.
func New(sender transport.Sender, files transport.Files, jobs *job.Registry, sessions *session.Index,
	queue Enqueuer, metrics Metrics, opts Options) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		files:    files,
		jobs:     jobs,
		sessions: sessions,
		queue:    queue,
		metrics:  metrics,
		opts:     opts,
	}
}

// Handle processes u. Failures are reported to the user or logged, never
// returned.
func (d *Dispatcher) Handle(ctx context.Context, u transport.Update) {
	switch {
	case u.Text != "":
		d.handleCommand(ctx, u, command(u.Text))
	case u.Document != nil:
		d.count("document")
		d.handleDocument(ctx, u)
	default:
		slog.Debug("bot: ignoring update without text or document", "update", u.ID)
	}
}

// command trims text and drops a "@botname" suffix from the command word.
func command(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		if name, _, ok := strings.Cut(text, "@"); ok && !strings.ContainsAny(name, " \n") {
			return name
		}
	}
	return text
}

func (d *Dispatcher) handleCommand(ctx context.Context, u transport.Update, cmd string) {
	switch cmd {
	case "/start", "/help":
		d.count(strings.TrimPrefix(cmd, "/"))
		d.reply(ctx, u.ChatID, msgHelp, transport.ParsePlain)
	case "/upload":
		d.count("upload")
		d.reply(ctx, u.ChatID, msgUpload, transport.ParseMarkdown)
	case "/status":
		d.count("status")
		d.handleStatus(ctx, u)
	case "/results":
		d.count("results")
		d.handleResults(ctx, u)
	case "/cancel":
		d.count("cancel")
		d.handleCancel(ctx, u)
	default:
		d.count("unknown")
		d.reply(ctx, u.ChatID, msgUnknown, transport.ParsePlain)
	}
}

func (d *Dispatcher) handleDocument(ctx context.Context, u transport.Update) {
	doc := u.Document
	if d.opts.MaxUploadBytes > 0 && doc.FileSize > d.opts.MaxUploadBytes {
		d.reply(ctx, u.ChatID, msgTooLarge(d.opts.MaxUploadBytes), transport.ParsePlain)
		return
	}

	data, err := d.files.Download(ctx, doc.FileID, d.opts.MaxUploadBytes)
	if errors.Is(err, transport.ErrFileTooLarge) {
		d.reply(ctx, u.ChatID, msgTooLarge(d.opts.MaxUploadBytes), transport.ParsePlain)
		return
	}
	if err != nil {
		slog.Error("bot: download", "user", u.UserID, "file", doc.FileID, "error", err)
		d.reply(ctx, u.ChatID, msgDownload, transport.ParsePlain)
		return
	}

	numbers, err := job.ParseNumbers(bytes.NewReader(data))
	if errors.Is(err, job.ErrNoNumbers) {
		d.reply(ctx, u.ChatID, msgNoNumbers, transport.ParsePlain)
		return
	}
	if err != nil {
		slog.Error("bot: parse upload", "user", u.UserID, "error", err)
		d.reply(ctx, u.ChatID, msgDownload, transport.ParsePlain)
		return
	}

	j, err := d.jobs.Create(ctx, u.UserID, u.ChatID, numbers)
	if err != nil {
		d.fail(ctx, u, "create job", err)
		return
	}

	// Queue first: a rejected upload must leave the current job and session alone.
	if err := d.queue.Enqueue(j.ID); err != nil {
		slog.Error("bot: enqueue", "job", j.ID, "error", err)
		d.abandon(ctx, j.ID, "queue full")
		d.reply(ctx, u.ChatID, msgBusy, transport.ParsePlain)
		return
	}

	previous, err := d.sessions.SetCurrentJob(ctx, u.UserID, j.ID)
	if err != nil {
		// Unreachable through the session: drop it; the worker skips failed jobs.
		d.abandon(ctx, j.ID, "session update failed")
		d.fail(ctx, u, "set current job", err)
		return
	}
	if previous != "" && previous != j.ID && d.opts.CancelOnReplace {
		d.cancelReplaced(ctx, previous, j.ID)
	}

	slog.Info("bot: job created", "job", j.ID, "user", u.UserID, "numbers", j.Total)
	d.reply(ctx, u.ChatID, msgAccepted(j), transport.ParseMarkdown)
}

func (d *Dispatcher) cancelReplaced(ctx context.Context, previous, replacement string) {
	ok, err := d.jobs.Update(ctx, previous, job.WithStatus(job.StatusCancelled))
	if err != nil {
		slog.Error("bot: cancel replaced job", "job", previous, "error", err)
		d.lockTimeout(err)
		return
	}
	if ok {
		slog.Info("bot: replaced job cancelled", "job", previous, "replaced_by", replacement)
	}
}

func (d *Dispatcher) abandon(ctx context.Context, jobID, reason string) {
	if _, err := d.jobs.Update(ctx, jobID, job.WithFailure(reason)); err != nil {
		slog.Error("bot: abandon job", "job", jobID, "error", err)
	}
}

// currentJob resolves the user's session. A session pointing at a job that
// no longer exists counts as no session.
func (d *Dispatcher) currentJob(ctx context.Context, userID int64) (*job.Job, error) {
	id, ok, err := d.sessions.CurrentJob(ctx, userID)
	if err != nil || !ok {
		return nil, err
	}
	return d.jobs.Get(ctx, id)
}

func (d *Dispatcher) handleStatus(ctx context.Context, u transport.Update) {
	j, err := d.currentJob(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, u, "status", err)
		return
	}
	if j == nil {
		d.reply(ctx, u.ChatID, msgNoActiveJob, transport.ParsePlain)
		return
	}
	d.reply(ctx, u.ChatID, msgStatus(j), transport.ParseMarkdown)
}

func (d *Dispatcher) handleResults(ctx context.Context, u transport.Update) {
	id, ok, err := d.sessions.CurrentJob(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, u, "results", err)
		return
	}
	if !ok {
		d.reply(ctx, u.ChatID, msgNoJob, transport.ParsePlain)
		return
	}

	path := dispatch.ResultsPath(d.opts.ResultsDir, id)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("bot: stat results", "job", id, "error", err)
		}
		d.reply(ctx, u.ChatID, msgNotReady, transport.ParsePlain)
		return
	}

	if err := d.sender.SendDocument(ctx, u.ChatID, path, dispatch.ResultsName(id), msgResultsCaption(id)); err != nil {
		slog.Error("bot: send results", "job", id, "chat", u.ChatID, "error", err)
	}
}

func (d *Dispatcher) handleCancel(ctx context.Context, u transport.Update) {
	j, err := d.currentJob(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, u, "cancel", err)
		return
	}
	if j == nil {
		d.reply(ctx, u.ChatID, msgNothingToCxl, transport.ParsePlain)
		return
	}

	applied, err := d.jobs.Update(ctx, j.ID, job.WithStatus(job.StatusCancelled))
	if err != nil {
		d.fail(ctx, u, "cancel", err)
		return
	}
	if err := d.sessions.ClearCurrentJob(ctx, u.UserID); err != nil {
		d.fail(ctx, u, "clear session", err)
		return
	}

	if !applied {
		// Lost the race with completion; report what the job ended as.
		if latest, err := d.jobs.Get(ctx, j.ID); err == nil && latest != nil {
			j = latest
		}
		d.reply(ctx, u.ChatID, msgAlreadyFinished(j), transport.ParsePlain)
		return
	}
	slog.Info("bot: job cancelled", "job", j.ID, "user", u.UserID)
	d.reply(ctx, u.ChatID, msgCancelled, transport.ParsePlain)
}

func (d *Dispatcher) fail(ctx context.Context, u transport.Update, op string, err error) {
	slog.Error("bot: store", "op", op, "user", u.UserID, "error", err)
	d.lockTimeout(err)
	d.reply(ctx, u.ChatID, msgFailure, transport.ParsePlain)
}

func (d *Dispatcher) lockTimeout(err error) {
	if d.metrics != nil && errors.Is(err, store.ErrLockTimeout) {
		d.metrics.LockTimeout()
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string, mode transport.ParseMode) {
	if err := d.sender.SendText(ctx, chatID, text, mode); err != nil {
		slog.Error("bot: send message", "chat", chatID, "error", err)
	}
}

func (d *Dispatcher) count(name string) {
	if d.metrics != nil {
		d.metrics.CommandHandled(name)
	}
}
