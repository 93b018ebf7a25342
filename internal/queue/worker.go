package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/pipeline"
)

// Queue is the job source and result sink the worker drains.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	StoreResult(ctx context.Context, id string, result []byte) error
}

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) *pipeline.Result
}

// Worker pops jobs one at a time and runs them to completion.
type Worker struct {
	queue      Queue
	runner     Runner
	logger     *slog.Logger
	popTimeout time.Duration
	retryDelay time.Duration
}

// Options tune the pop loop.
type Options struct {
	PopTimeout time.Duration // default 30s
	RetryDelay time.Duration // pause after a failed pop, default 1s
}

// NewWorker creates a worker.
func NewWorker(q Queue, runner Runner, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Worker{
		queue:      q,
		runner:     runner,
		logger:     logger.With(slog.String("component", "queue")),
		popTimeout: opts.PopTimeout,
		retryDelay: opts.RetryDelay,
	}
}

// Run drains the queue until ctx is cancelled. A job in flight when ctx is
// cancelled finishes as cancelled and its result is still stored.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		default:
		}

		// The pop context outlives the block so the client can answer.
		popCtx, cancel := context.WithTimeout(ctx, w.popTimeout+5*time.Second)
		payload, err := w.queue.Pop(popCtx, w.popTimeout)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return ctx.Err()
			}
			w.logger.Warn("queue pop error, retrying", slog.Any("error", err))
			select {
			case <-time.After(w.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(payload) == 0 {
			continue
		}

		w.handle(ctx, payload)
	}
}

func (w *Worker) handle(ctx context.Context, payload []byte) {
	start := time.Now()
	job, err := pipeline.ParseJob(payload)
	var res *pipeline.Result
	if err != nil {
		res = &pipeline.Result{
			JobID:       uuid.NewString(),
			Error:       err.Error(),
			Kind:        pipeline.Classify(err),
			Transitions: []pipeline.State{pipeline.StateFailed},
		}
		w.logger.Warn("rejected job payload", slog.String("job_id", res.JobID), slog.Any("error", err))
	} else {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		w.logger.Info("processing job", slog.String("job_id", job.ID))
		res = w.runner.Run(ctx, job)
	}

	log := w.logger.With(slog.String("job_id", res.JobID), slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	if res.OK() {
		log.Info("job completed", slog.String("video_url", res.VideoURL))
	} else {
		log.Error("job failed", slog.String("kind", string(res.Kind)), slog.String("error", res.Error))
	}

	data, err := json.Marshal(res)
	if err != nil {
		log.Error("encode result", slog.Any("error", err))
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.queue.StoreResult(storeCtx, res.JobID, data); err != nil {
		log.Error("store result", slog.Any("error", err))
	}
}
