package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/phonecheck/phonecheck/internal/api"
	"github.com/phonecheck/phonecheck/internal/bot"
	"github.com/phonecheck/phonecheck/internal/config"
	"github.com/phonecheck/phonecheck/internal/dispatch"
	"github.com/phonecheck/phonecheck/internal/ingest"
	"github.com/phonecheck/phonecheck/internal/job"
	"github.com/phonecheck/phonecheck/internal/logger"
	"github.com/phonecheck/phonecheck/internal/metrics"
	"github.com/phonecheck/phonecheck/internal/notify"
	"github.com/phonecheck/phonecheck/internal/session"
	"github.com/phonecheck/phonecheck/internal/store"
	"github.com/phonecheck/phonecheck/internal/transport/telegram"
	"github.com/phonecheck/phonecheck/internal/verify"
)

const drainTimeout = 10 * time.Second

func setupLogger(cfg *config.Config) {
	level, ok := logger.ParseLevel(cfg.LogLevel)
	logger.New(logger.Config{Level: level, Format: cfg.LogFormat})
	if !ok {
		slog.Warn("unknown log level, using info", "level", cfg.LogLevel)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.StoreBackend {
	case "sqlite":
		backend, err = store.NewSQLiteBackend(cfg.DBPath)
	default:
		backend, err = store.NewFileBackend(cfg.StoreDir())
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	return store.New(backend, cfg.LockTimeout), nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogger(cfg)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	jobs := job.NewRegistry(s)
	sessions := session.NewIndex(s)
	m := metrics.New()

	client, err := telegram.New(telegram.Config{
		Token:       cfg.BotToken,
		SendRate:    cfg.SendRate,
		PollTimeout: cfg.PollTimeout,
	})
	if err != nil {
		return err
	}
	slog.Info("connected to telegram", "bot", client.Username())

	checkCheckerPath(cfg.CheckerPath)

	notifier := notify.New(client, cfg.NotifyAttempts)
	notifier.OnFailure = m.NotifyFailed

	runner := dispatch.New(jobs, verify.NewCommand(cfg.CheckerPath, cfg.CheckTimeout), notifier, m, dispatch.Options{
		Concurrency:    cfg.Concurrency,
		QueueSize:      cfg.QueueSize,
		ParallelPerJob: cfg.ParallelPerJob,
		JobTimeout:     cfg.JobTimeout,
		JobTTL:         cfg.JobTTL,
		ResultsDir:     cfg.ResultsDir(),
	})
	if err := runner.Recovery(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	dispatcher := bot.New(client, client, jobs, sessions, runner, m, bot.Options{
		ResultsDir:      cfg.ResultsDir(),
		MaxUploadBytes:  cfg.MaxUploadBytes,
		CancelOnReplace: cfg.CancelOnReplace,
	})

	opts := ingest.Options{
		PollTimeout: cfg.PollTimeout,
		Backoff:     cfg.PollBackoff,
		Metrics:     m,
	}
	if cfg.PersistOffset {
		opts.Cursors = ingest.NewCursorStore(s)
	}
	loop := ingest.New(client, dispatcher, opts)

	members := []func(context.Context) error{loop.Run}
	if cfg.AdminAddr != "" {
		members = append(members, func(ctx context.Context) error {
			return serveAdmin(ctx, adminServer(ctx, cfg, jobs, m))
		})
	}

	err = supervise(ctx, func(ctx context.Context) {
		runner.Start(ctx)
		runner.StartSweeper(ctx, cfg.SweepInterval)
	}, runner.Wait, members...)
	if !waitTimeout(notifier.Wait, drainTimeout) {
		slog.Warn("pending notifications dropped on shutdown")
	}
	return err
}

// supervise starts background work and members on one shared context. The
// first member to fail cancels it for everyone; supervise returns that error
// once members have returned and wait is done.
func supervise(ctx context.Context, start func(context.Context), wait func(), members ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	start(gctx)
	for _, member := range members {
		g.Go(func() error { return member(gctx) })
	}
	err := g.Wait()
	slog.Info("shutting down")
	wait()
	return err
}

// serveAdmin runs srv until ctx is done or it fails to serve.
func serveAdmin(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin api shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin api: %w", err)
	}
	return nil
}

func adminServer(ctx context.Context, cfg *config.Config, jobs *job.Registry, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	api.NewHandler(jobs, m.Handler()).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.RequestID,
		api.Logging,
		api.RateLimit(ctx, cfg.AdminRate),
		api.Auth(cfg.AdminAPIKeys),
	)
	return &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// waitTimeout reports whether wait returned within d.
func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
