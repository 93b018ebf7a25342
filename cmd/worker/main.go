// Package main is the entry point for the videogen worker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/binder"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/comfy"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/config"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/events"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/materialize"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/pipeline"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/resolver"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/runstore"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/tracing"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

// version is set at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, cfgErr := config.Load()

	// Once mode prints its result on stdout, so logs go to stderr there.
	out := os.Stdout
	if cfg.Mode == config.ModeOnce {
		out = os.Stderr
	}
	logger := newLogger(out, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfgErr != nil {
		logger.Error("invalid configuration", slog.Any("error", cfgErr))
		return 2
	}

	logger.Info("starting videogen worker",
		slog.String("version", version),
		slog.String("mode", cfg.Mode),
		slog.String("config", cfg.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig()
	traceCfg.ServiceVersion = version
	traceCfg.OTLPEndpoint = cfg.OTelEndpoint
	traceCfg.Enabled = cfg.OTelEnabled
	traceCfg.SampleRate = cfg.OTelSampleRate
	tp, err := tracing.Init(ctx, traceCfg, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	w, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize worker", slog.Any("error", err))
		return 1
	}
	defer w.close()

	switch cfg.Mode {
	case config.ModeQueue:
		return w.serveQueue(ctx, cfg)
	case config.ModeOnce:
		return w.runOnce(ctx, cfg)
	default:
		return w.serveHTTP(ctx, cfg)
	}
}

func newLogger(out io.Writer, level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// worker holds the wired components shared by every mode.
type worker struct {
	logger   *slog.Logger
	engine   *comfy.Client
	pipeline *pipeline.Pipeline
	store    *runstore.MemoryStore
	closers  []func() error
}

func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			w.logger.Warn("close", slog.Any("error", err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*worker, error) {
	w := &worker{logger: logger}

	backend, err := dataflow.NewBackend(&dataflow.Config{
		Type:            cfg.StorageType,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		UseSSL:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	src, err := workflow.SourceFor(cfg.WorkflowPath, backend)
	if err != nil {
		return nil, err
	}
	templates, err := workflow.NewStore(src, logger)
	if err != nil {
		return nil, fmt.Errorf("workflow store: %w", err)
	}

	engine, err := comfy.New(&comfy.Config{
		BaseURL:      cfg.ComfyURL,
		PollInterval: cfg.PollInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("engine client: %w", err)
	}
	w.engine = engine

	w.store = runstore.NewMemoryStore(nil)
	w.closers = append(w.closers, w.store.Close)

	emitters := []events.Emitter{events.NewLogEmitter(logger), w.store}
	if cfg.EventsRedisURL != "" {
		rdb, err := events.Dial(ctx, cfg.EventsRedisURL)
		if err != nil {
			// Events are best effort; the worker runs without the stream.
			logger.Warn("event stream unavailable", slog.Any("error", err))
		} else {
			w.closers = append(w.closers, rdb.Close)
			emitters = append(emitters, events.NewRedisEmitter(rdb, events.RedisConfig{
				Stream: cfg.EventsStream,
				MaxLen: cfg.EventMaxLen,
			}))
		}
	}

	w.pipeline = pipeline.New(pipeline.Deps{
		Templates: templates,
		Binder: binder.New(binder.DefaultParams(binder.Options{
			PromptNodeID: cfg.PromptNodeID,
			ImageNodeID:  cfg.ImageNodeID,
		}), logger),
		Stager: materialize.New(&materialize.Config{
			Dir:      cfg.InputDir,
			Timeout:  cfg.ImageFetchTimeout,
			MaxBytes: cfg.ImageMaxBytes,
		}, logger),
		Engine:    engine,
		Artifacts: resolver.New(logger),
		Publisher: dataflow.NewPublisher(backend, dataflow.PublisherConfig{
			KeyPrefix:     cfg.S3KeyPrefix,
			Bucket:        cfg.S3Bucket,
			Endpoint:      cfg.S3Endpoint,
			PublicBase:    cfg.S3PublicBase,
			IncludeBucket: cfg.S3PublicWithBucket,
			PresignExpiry: cfg.S3PresignExpiry,
		}, logger),
		Events: events.Multi(emitters...),
		Logger: logger,
	}, pipeline.Options{
		OutputDir:     cfg.OutputDir,
		JobTimeout:    cfg.JobTimeout,
		CleanupInputs: cfg.CleanupInputs,
	})

	return w, nil
}

// waitEngine blocks until the engine answers or the boot timeout elapses.
func (w *worker) waitEngine(ctx context.Context, cfg *config.Config) error {
	w.logger.Info("waiting for engine", slog.String("url", cfg.ComfyURL), slog.Duration("timeout", cfg.BootTimeout))
	return w.engine.WaitReady(ctx, cfg.BootTimeout)
}
