package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jo-hoe/shotfolio/internal/app"
	appcfg "github.com/jo-hoe/shotfolio/internal/config"
	"github.com/jo-hoe/shotfolio/internal/jobs"
	"github.com/jo-hoe/shotfolio/internal/processor"
	"github.com/jo-hoe/shotfolio/internal/projects"
	"github.com/jo-hoe/shotfolio/internal/server"
)

func main() {
	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		bootLog, _ := app.NewLogger(os.Stderr, "info")
		bootLog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger, err := app.NewLogger(os.Stdout, cfg.Server.LogLevel)
	if err != nil {
		os.Exit(1)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Stores, browser session and capture pipeline
	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("init pipeline", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close pipeline", "err", err)
		}
	}()

	// Worker and queue; one worker keeps runs strictly sequential
	worker := processor.New(logger, cfg, a.Jobs, a.Capturer, projects.NewRecorder(logger, a.Projects, false))
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, 1)
	scheduler := processor.NewScheduler(logger, a.Jobs, queue, worker)
	queue.OnDrop(scheduler.Dropped)
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Jobs:      a.Jobs,
		Projects:  a.Projects,
		Artifacts: a.Artifacts,
		Scheduler: scheduler,
		Engine:    a.Engine,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; an interrupted run is marked failed by the worker
	cancel()
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}
