// Package server is the admin HTTP API: health, metrics, schedule and lock
// inspection, and on-demand collection runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/edgard/tgcollector/internal/collector"
	"github.com/edgard/tgcollector/internal/logger"
	"github.com/edgard/tgcollector/internal/model"
	"github.com/edgard/tgcollector/internal/scheduler"
	"github.com/edgard/tgcollector/internal/sessionlock"
)

// Runner performs a collection.
type Runner interface {
	Run(ctx context.Context, account string) collector.Outcome
}

// LockInspector reads session lock markers.
type LockInspector interface {
	Inspect(ctx context.Context, accountID string) (*sessionlock.Marker, error)
}

// JobLister lists scheduled collections.
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// StatsReader returns the latest statistics of an account.
type StatsReader interface {
	LatestStats(ctx context.Context, account string) (*model.AggregateStats, error)
}

// Deps are the collaborators of the server. Jobs, Stats and Metrics may be
// nil; the matching routes then answer 404.
type Deps struct {
	Accounts []string
	Runner   Runner
	Locks    LockInspector
	Jobs     JobLister
	Stats    StatsReader
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Server wraps the echo instance.
type Server struct {
	echo     *echo.Echo
	deps     Deps
	accounts map[string]struct{}
	logger   *slog.Logger

	// mu orders runs.Add against Shutdown so no run starts once it waits.
	mu        sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// New builds the server and registers its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	log := deps.Logger.With("component", "admin_server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(logger.EchoMiddleware(log))

	accounts := make(map[string]struct{}, len(deps.Accounts))
	for _, a := range deps.Accounts {
		accounts[a] = struct{}{}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:      e,
		deps:      deps,
		accounts:  accounts,
		logger:    log,
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.Health)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := s.echo.Group("/v1")
	v1.GET("/schedule", s.Schedule)
	v1.POST("/runs/:account", s.TriggerRun)
	v1.GET("/locks/:account", s.GetLock)
	v1.GET("/stats/:account", s.LatestStats)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Admin server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for triggered runs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.mu.Lock()
	s.cancelRun()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Triggered runs still going at shutdown")
	}
	return err
}

// Health answers liveness probes.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Schedule lists the scheduled collections.
func (s *Server) Schedule(c echo.Context) error {
	if s.deps.Jobs == nil {
		return c.JSON(http.StatusOK, []scheduler.JobStatus{})
	}
	return c.JSON(http.StatusOK, s.deps.Jobs.Jobs())
}

func (s *Server) account(c echo.Context) (string, error) {
	account := c.Param("account")
	if _, ok := s.accounts[account]; !ok {
		return "", echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	return account, nil
}

// TriggerRun starts a collection in the background. It answers 409 while the
// account's session is locked.
func (s *Server) TriggerRun(c echo.Context) error {
	account, err := s.account(c)
	if err != nil {
		return err
	}

	marker, err := s.deps.Locks.Inspect(c.Request().Context(), account)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read session lock").SetInternal(err)
	}
	if marker != nil {
		return c.JSON(http.StatusConflict, map[string]any{
			"error": "session is busy",
			"lock":  marker,
		})
	}

	s.mu.Lock()
	if s.runCtx.Err() != nil {
		s.mu.Unlock()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	s.runs.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.runs.Done()
		out := s.deps.Runner.Run(s.runCtx, account)
		s.logger.Info("Triggered collection finished", "account", account, "run_id", out.RunID, "state", out.State)
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"account":     account,
		"status":      "started",
		"requestedAt": time.Now().UTC(),
	})
}

// GetLock returns the session lock marker of an account.
func (s *Server) GetLock(c echo.Context) error {
	account, err := s.account(c)
	if err != nil {
		return err
	}
	marker, err := s.deps.Locks.Inspect(c.Request().Context(), account)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read session lock").SetInternal(err)
	}
	if marker == nil {
		return echo.NewHTTPError(http.StatusNotFound, "account is not locked")
	}
	return c.JSON(http.StatusOK, marker)
}

// LatestStats returns the last statistics document stored locally.
func (s *Server) LatestStats(c echo.Context) error {
	account, err := s.account(c)
	if err != nil {
		return err
	}
	if s.deps.Stats == nil {
		return echo.NewHTTPError(http.StatusNotFound, "statistics are not stored locally")
	}
	stats, err := s.deps.Stats.LatestStats(c.Request().Context(), account)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read statistics").SetInternal(err)
	}
	if stats == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no statistics yet")
	}
	return c.JSON(http.StatusOK, stats)
}
