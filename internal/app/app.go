// Package app wires the collector components from the configuration and
// manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/tgcollector/internal/collector"
	"github.com/edgard/tgcollector/internal/config"
	"github.com/edgard/tgcollector/internal/database"
	"github.com/edgard/tgcollector/internal/events"
	"github.com/edgard/tgcollector/internal/fetcher"
	"github.com/edgard/tgcollector/internal/metrics"
	"github.com/edgard/tgcollector/internal/notify"
	"github.com/edgard/tgcollector/internal/persist"
	"github.com/edgard/tgcollector/internal/platform"
	"github.com/edgard/tgcollector/internal/scheduler"
	"github.com/edgard/tgcollector/internal/server"
	"github.com/edgard/tgcollector/internal/sessionlock"
)

const shutdownTimeout = 15 * time.Second

// App holds the wired components.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sqlx.DB
	locker    *sessionlock.Locker
	persister *persist.Persister
	collector *collector.Collector
	metrics   *metrics.Metrics
	stats     server.StatsReader
	closers   []func() error
}

// New builds every component named by cfg. Optional components (notifier,
// event publisher, direct stores) are only built when configured.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger.With("component", "app"), metrics: metrics.New()}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	a.db = db

	lockOpts := []sessionlock.Option{}
	if cfg.Lock.StaleAfter > 0 {
		lockOpts = append(lockOpts, sessionlock.WithStaleAfter(cfg.Lock.StaleAfter))
	}
	a.locker = sessionlock.NewLocker(db, logger, lockOpts...)

	store, err := a.buildStore(ctx, logger)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.persister = persist.NewPersister(store, persist.Config{
		BatchSize:   cfg.Persist.BatchSize,
		MaxAttempts: cfg.Persist.MaxAttempts,
		RetryDelay:  cfg.Persist.RetryDelay,
	}, logger, persist.WithObserver(a.metrics.ObserveBatch))
	a.closers = append(a.closers, func() error { return a.persister.Close(context.WithoutCancel(ctx)) })

	reporters, err := a.buildReporters(logger)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	c, err := collector.New(collector.Config{
		Window:      cfg.Fetch.Window,
		GroupLimit:  cfg.Fetch.GroupLimit,
		DirectLimit: cfg.Fetch.DirectLimit,
		Fetch: fetcher.Config{
			PageSize:        cfg.Fetch.PageSize,
			Pace:            cfg.Fetch.Pace,
			MaxThrottleWait: cfg.Fetch.MaxThrottleWait,
		},
	}, collector.Deps{
		Locker:    a.locker,
		Source:    a.platformSource(logger),
		Persister: a.persister,
		Metrics:   a.metrics,
		Reporters: reporters,
		Logger:    logger,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}
	a.collector = c

	a.logger.Info("Components initialized",
		"accounts", len(cfg.Accounts),
		"store", store.Name(),
		"reporters", len(reporters))
	return a, nil
}

func (a *App) buildStore(ctx context.Context, logger *slog.Logger) (persist.Store, error) {
	pc := a.cfg.Persist
	var stores []persist.Store

	if pc.UsesAPI() {
		api, err := persist.NewAPIStore(persist.APIConfig{
			BaseURL:         pc.APIBaseURL,
			Token:           pc.APIToken,
			RequestTimeout:  pc.RequestTimeout,
			BreakerFailures: pc.BreakerFailures,
			BreakerReset:    pc.BreakerReset,
			OnBreakerChange: a.metrics.SetBreakerOpen,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create api store: %w", err)
		}
		stores = append(stores, api)
	}

	switch pc.DirectKind() {
	case config.StoreSQLite:
		s := persist.NewSQLiteStore(a.db, logger)
		a.stats = s
		stores = append(stores, s)
	case config.StoreMongo:
		s, err := persist.NewMongoStore(ctx, persist.MongoConfig{
			URI:      pc.MongoURI,
			Database: pc.MongoDatabase,
			Timeout:  pc.RequestTimeout,
		}, logger)
		if err != nil {
			for _, s := range stores {
				_ = s.Close(ctx)
			}
			return nil, fmt.Errorf("failed to create mongo store: %w", err)
		}
		stores = append(stores, s)
	}

	switch len(stores) {
	case 0:
		return nil, fmt.Errorf("no store configured for %q", pc.Store)
	case 1:
		return stores[0], nil
	default:
		return persist.NewFanoutStore(stores...), nil
	}
}

func (a *App) buildReporters(logger *slog.Logger) ([]collector.Reporter, error) {
	var reporters []collector.Reporter

	if n := a.cfg.Notify; n.TelegramToken != "" {
		notifier, err := notify.NewTelegramNotifier(n.TelegramToken, n.ChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		reporters = append(reporters, notifier)
	}

	if e := a.cfg.Events; e.AMQPURL != "" {
		pub, err := events.NewPublisher(e.AMQPURL, e.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		reporters = append(reporters, pub)
		a.closers = append(a.closers, pub.Close)
	}

	return reporters, nil
}

// platformSource opens one gateway client per account and reuses it, so the
// account's request rate limit holds across runs.
func (a *App) platformSource(logger *slog.Logger) collector.Source {
	var (
		mu      sync.Mutex
		clients = make(map[string]platform.Client)
	)
	pc := a.cfg.Platform
	return func(_ context.Context, account string) (platform.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[account]; ok {
			return c, nil
		}
		c, err := platform.NewGatewayClient(platform.GatewayConfig{
			BaseURL:        pc.BaseURL,
			Token:          pc.Token,
			RPS:            pc.RPS,
			Burst:          pc.Burst,
			RequestTimeout: pc.RequestTimeout,
		}, account, logger)
		if err != nil {
			return nil, err
		}
		clients[account] = c
		return c, nil
	}
}

// Locker exposes the session locker for the lock commands.
func (a *App) Locker() *sessionlock.Locker { return a.locker }

// RunOnce collects every given account concurrently and returns the
// outcomes in the order of accounts.
func (a *App) RunOnce(ctx context.Context, accounts []string) []collector.Outcome {
	outcomes := make([]collector.Outcome, len(accounts))
	var g errgroup.Group
	for i, account := range accounts {
		g.Go(func() error {
			outcomes[i] = a.collector.Run(ctx, account)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Run starts the scheduler and the admin server and blocks until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	jobs := make([]scheduler.Job, 0, len(a.cfg.Accounts))
	accounts := make([]string, 0, len(a.cfg.Accounts))
	for _, acc := range a.cfg.Accounts {
		jobs = append(jobs, scheduler.Job{Account: acc.ID, Schedule: acc.CronSchedule()})
		accounts = append(accounts, acc.ID)
	}

	sched, err := scheduler.New(a.logger, jobs, func(ctx context.Context, account string) {
		a.collector.Run(ctx, account)
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping scheduler")
		if err := sched.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	if addr := a.cfg.Server.Addr; addr != "" {
		srv := server.New(server.Deps{
			Accounts: accounts,
			Runner:   a.collector,
			Locks:    a.locker,
			Jobs:     sched,
			Stats:    a.stats,
			Metrics:  a.metrics.Handler(),
			Logger:   a.logger,
		})
		g.Go(func() error {
			return srv.Start(addr)
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Error stopping admin server", "error", err)
			}
			return nil
		})
	}

	a.logger.Info("Collector running", "accounts", len(jobs), "admin_addr", a.cfg.Server.Addr)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Collector stopped due to error", "error", err)
		return err
	}
	a.logger.Info("Collector stopped gracefully")
	return nil
}

// Close releases every component.
func (a *App) Close() {
	a.closeAll()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error closing component", "error", err)
		}
	}
	a.closers = nil
	database.CloseDB(a.db)
	a.db = nil
}
