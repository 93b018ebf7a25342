package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/api"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/config"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/events"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/pipeline"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/queue"
)

// serveHTTP runs the API server until ctx is cancelled. The server starts
// before the engine is up; /ready reports engine readiness and jobs wait
// until the boot readiness check settles.
func (w *worker) serveHTTP(ctx context.Context, cfg *config.Config) int {
	handlers := api.NewHandlers(w.pipeline, w.store, w.engine, w.logger)
	gate := api.NewEngineGate()
	handlers.SetGate(gate)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		err := w.waitEngine(ctx, cfg)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("engine not ready, serving anyway", slog.Any("error", err))
		}
		gate.Finish(err)
	}()

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		w.logger.Error("server error", slog.Any("error", err))
		return 1
	case <-ctx.Done():
	}

	w.logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		w.logger.Error("server shutdown error", slog.Any("error", err))
	}
	if err := handlers.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("jobs still running at shutdown", slog.Any("error", err))
	}

	w.logger.Info("server stopped")
	return 0
}

// serveQueue drains the Redis job list until ctx is cancelled.
func (w *worker) serveQueue(ctx context.Context, cfg *config.Config) int {
	if err := w.waitEngine(ctx, cfg); err != nil {
		w.logger.Error("engine not ready", slog.Any("error", err))
		return 1
	}

	rdb, err := events.Dial(ctx, cfg.RedisURL)
	if err != nil {
		w.logger.Error("failed to connect to Redis", slog.Any("error", err))
		return 1
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, cfg.JobQueue, cfg.ResultTTL)
	w.logger.Info("consuming jobs", slog.String("queue", q.Name()))

	if err := queue.NewWorker(q, w.pipeline, queue.Options{}, w.logger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("queue worker stopped", slog.Any("error", err))
		return 1
	}
	return 0
}

// runOnce executes the job in JOB_FILE ("-" for stdin), prints the result
// and exits non-zero on failure.
func (w *worker) runOnce(ctx context.Context, cfg *config.Config) int {
	data, err := readJob(cfg.JobFile)
	if err != nil {
		w.logger.Error("failed to read job", slog.String("file", cfg.JobFile), slog.Any("error", err))
		return 2
	}

	res := executeOnce(ctx, data, func(ctx context.Context) error {
		err := w.waitEngine(ctx, cfg)
		if err != nil {
			w.logger.Error("engine not ready", slog.Any("error", err))
		}
		return err
	}, w.pipeline)
	return writeResult(os.Stdout, res, w.logger)
}

// executeOnce parses data, waits for the engine and runs the job. Every
// failure, including an engine that never came up, yields a failed result.
func executeOnce(ctx context.Context, data []byte, waitReady func(context.Context) error, runner api.Runner) *pipeline.Result {
	job, err := pipeline.ParseJob(data)
	if err != nil {
		return &pipeline.Result{
			Error:       err.Error(),
			Kind:        pipeline.Classify(err),
			Transitions: []pipeline.State{pipeline.StateFailed},
		}
	}
	if err := waitReady(ctx); err != nil {
		return pipeline.Rejected(job.ID, err)
	}
	return runner.Run(ctx, job)
}

// writeResult prints res as indented JSON and returns the exit code.
func writeResult(out io.Writer, res *pipeline.Result, logger *slog.Logger) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("failed to write result", slog.Any("error", err))
		return 1
	}
	if !res.OK() {
		return 1
	}
	return 0
}

func readJob(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
