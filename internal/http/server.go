// Package http provides the HTTP API for rund.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/engine"
	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/services"
	"github.com/fyrsmithlabs/rund/internal/store"
)

// idempotencyHeader carries the caller-chosen replay key. Requests
// without it get a fresh key and are not replayable.
const idempotencyHeader = "Idempotency-Key"

// Server provides HTTP endpoints for rund.
type Server struct {
	echo   *echo.Echo
	reg    services.Registry
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(reg services.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if reg.Coordinator() == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		reg:    reg,
		logger: logger,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/v1")

	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/start", s.handleStart)
	v1.POST("/runs/:id/pause", s.handlePause)
	v1.POST("/runs/:id/resume", s.handleResume)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.POST("/runs/:id/retry", s.handleRetry)
	v1.POST("/runs/:id/refund", s.handleRefund)
	v1.GET("/runs/:id/artifacts", s.handleListArtifacts)
	v1.GET("/runs/:id/ledger", s.handleRunLedger)

	v1.GET("/artifacts/:id", s.handleArtifactContent)

	v1.GET("/orgs/:id/balance", s.handleBalance)
	v1.POST("/orgs/:id/deposit", s.handleDeposit)

	v1.GET("/deadletters", s.handleDeadLetters)
	v1.GET("/status", s.handleStatus)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateRun submits a new run.
func (s *Server) handleCreateRun(c echo.Context) error {
	var req engine.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	run, err := s.reg.Coordinator().CreateRun(c.Request().Context(), req, s.idemKey(c))
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, run)
}

// lifecycle invokes a run lifecycle transition and renders the result.
func (s *Server) lifecycle(c echo.Context, fn func(ctx context.Context, runID, idemKey string) (*orc.Run, error)) error {
	run, err := fn(c.Request().Context(), c.Param("id"), s.idemKey(c))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleStart(c echo.Context) error {
	return s.lifecycle(c, s.reg.Coordinator().Start)
}

func (s *Server) handlePause(c echo.Context) error {
	return s.lifecycle(c, s.reg.Coordinator().Pause)
}

func (s *Server) handleResume(c echo.Context) error {
	return s.lifecycle(c, s.reg.Coordinator().Resume)
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.lifecycle(c, s.reg.Coordinator().Cancel)
}

func (s *Server) handleRetry(c echo.Context) error {
	return s.lifecycle(c, s.reg.Coordinator().Retry)
}

// handleRefund is the operator remedy for a finished run whose charged
// output proved unusable.
func (s *Server) handleRefund(c echo.Context) error {
	return s.lifecycle(c, s.reg.Coordinator().RefundRun)
}

// handleGetRun returns the run with its tasks and steps.
func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	coord := s.reg.Coordinator()

	run, err := coord.GetRun(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}

	tasks, err := coord.Tasks(ctx, run.ID)
	if err != nil {
		return s.mapError(err)
	}

	detail := RunDetail{Run: run, Tasks: make([]TaskDetail, 0, len(tasks))}
	for _, task := range tasks {
		steps, err := coord.Steps(ctx, task.ID)
		if err != nil {
			return s.mapError(err)
		}
		detail.Tasks = append(detail.Tasks, TaskDetail{Task: task, Steps: steps})
	}

	return c.JSON(http.StatusOK, detail)
}

// handleListArtifacts returns the run's artifact records.
func (s *Server) handleListArtifacts(c echo.Context) error {
	artifacts, err := s.reg.Coordinator().Artifacts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ArtifactsResponse{Artifacts: artifacts})
}

// handleArtifactContent streams an artifact's stored bytes.
func (s *Server) handleArtifactContent(c echo.Context) error {
	content, art, err := s.reg.Coordinator().ArtifactContent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	c.Response().Header().Set("X-Artifact-Hash", art.Hash)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, content)
}

// handleRunLedger returns the run's committed ledger entries.
func (s *Server) handleRunLedger(c echo.Context) error {
	entries, err := s.reg.Ledger().Entries(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, EntriesResponse{Entries: entries})
}

// handleBalance returns an org's credit position.
func (s *Server) handleBalance(c echo.Context) error {
	bal, err := s.reg.Ledger().Balance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, bal)
}

// handleDeposit adds credits to an org's balance.
func (s *Server) handleDeposit(c echo.Context) error {
	var req DepositRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	bal, err := s.reg.Ledger().Deposit(c.Request().Context(), c.Param("id"), req.Amount)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, bal)
}

// handleDeadLetters lists exhausted work items awaiting inspection.
func (s *Server) handleDeadLetters(c echo.Context) error {
	letters, err := s.reg.Coordinator().DeadLetters(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, DeadLettersResponse{DeadLetters: letters})
}

// handleStatus reports run counts by status and queue depth per class.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	resp := StatusResponse{
		Status: "ok",
		Runs:   map[string]int{},
		Queue:  map[string]int{},
	}

	runs, err := s.reg.Store().ListRuns(ctx)
	if err != nil {
		return s.mapError(err)
	}
	for _, run := range runs {
		resp.Runs[string(run.Status)]++
	}

	depth, err := s.reg.Queue().Depth(ctx)
	if err != nil {
		return s.mapError(err)
	}
	for class, n := range depth {
		resp.Queue[string(class)] = n
	}

	if pool := s.reg.Workers(); pool != nil {
		resp.Workers = pool.Count()
	}

	return c.JSON(http.StatusOK, resp)
}

// idemKey returns the caller's idempotency key, or a fresh one when the
// header is absent.
func (s *Server) idemKey(c echo.Context) string {
	if key := c.Request().Header.Get(idempotencyHeader); key != "" {
		return key
	}
	return uuid.NewString()
}

// mapError translates taxonomy and storage errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	switch orc.KindOf(err) {
	case orc.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case orc.KindInsufficientCredits:
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	case orc.KindBackpressure:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	}

	s.logger.Error("internal error", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Serve starts the server and blocks until ctx is cancelled, then
// performs graceful shutdown bounded by shutdownTimeout.
//
// Returns http.ErrServerClosed on graceful shutdown, or any other error
// encountered during startup or shutdown.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		return http.ErrServerClosed
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance for registering additional
// routes, such as the Prometheus metrics handler.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
