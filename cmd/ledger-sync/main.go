package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/bus"
	"github.com/alexjbarnes/ledger-sync/internal/config"
	lserrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/logging"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/spool"
	"github.com/alexjbarnes/ledger-sync/internal/store"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("ledger-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("api", cfg.APIBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	client := remote.NewClient(nil, cfg.APIBaseURL, cfg.APIToken)
	events := bus.New()

	engine := syncer.New(st, client, events, logger, syncer.Options{
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
		MinPullInterval: cfg.MinPullInterval,
		PromptTimeout:   cfg.PromptTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	// kick wakes the outbound drain after a queue insertion. Buffered so
	// an enqueue never blocks on a drain already underway.
	kick := make(chan struct{}, 1)
	kickOutbound := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	if cfg.SpoolDir != "" {
		watcher := spool.NewWatcher(cfg.SpoolDir, engine, logger, kickOutbound)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	g.Go(func() error {
		return runLoop(gctx, engine, logger, cfg.SyncInterval, kick)
	})

	return g.Wait()
}

// runLoop drives the engines: an immediate full pull at startup, periodic
// full pulls after that, and an outbound drain whenever the queue is
// kicked. Retry backoff is respected by polling the drain on a short
// interval; items not yet due are simply not returned.
func runLoop(ctx context.Context, engine *syncer.Syncer, logger *slog.Logger, interval time.Duration, kick <-chan struct{}) error {
	pull := func() {
		if err := engine.RunInbound(ctx); err != nil {
			switch {
			case errors.Is(err, lserrors.ErrSyncCancelled):
				logger.Info("full pull cancelled at ownership prompt")
			case errors.Is(err, lserrors.ErrNoIdentity):
				logger.Warn("full pull skipped, not signed in")
			case errors.Is(err, context.Canceled):
			default:
				logger.Warn("full pull failed", slog.String("error", err.Error()))
			}
		}
	}

	drain := func() {
		if _, err := engine.RunOutbound(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("outbound drain failed", slog.String("error", err.Error()))
		}
	}

	pull()

	pullTicker := time.NewTicker(interval)
	defer pullTicker.Stop()

	// Retried items come due between kicks; poll for them.
	retryTicker := time.NewTicker(5 * time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-kick:
			drain()

		case <-retryTicker.C:
			drain()

		case <-pullTicker.C:
			pull()
		}
	}
}
