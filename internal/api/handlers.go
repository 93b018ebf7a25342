package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/pipeline"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/runstore"
)

// maxRequestBytes bounds job request bodies.
const maxRequestBytes = 1 << 20

// Runner executes jobs.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) *pipeline.Result
}

// HealthChecker reports whether the engine accepts work.
type HealthChecker interface {
	SystemStats(ctx context.Context) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	runner Runner
	store  runstore.RunStore
	health HealthChecker
	gate   *EngineGate
	logger *slog.Logger

	// slots serializes jobs; the engine runs one graph at a time and the
	// output scan must not see files from a concurrent job.
	slots chan struct{}

	// base outlives requests so async jobs survive their POST.
	base    context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(runner Runner, store runstore.RunStore, health HealthChecker, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = runstore.NewMemoryStore(nil)
	}
	base, stop := context.WithCancel(context.Background())
	return &Handlers{
		runner: runner,
		store:  store,
		health: health,
		logger: logger,
		slots:  make(chan struct{}, 1),
		base:   base,
		stop:   stop,
	}
}

// SetGate makes jobs wait for g before they run. Without a gate jobs are
// submitted to the engine immediately.
func (h *Handlers) SetGate(g *EngineGate) { h.gate = g }

// Shutdown cancels running async jobs and waits for them, or for ctx.
func (h *Handlers) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.stop()
		<-done
		return ctx.Err()
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint by probing the engine.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health.SystemStats(ctx); err != nil {
			writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "engine not ready", map[string]any{"cause": err.Error()})
			return
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Jobs ---

func (h *Handlers) decodeJob(w http.ResponseWriter, r *http.Request) (pipeline.Job, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "read body: "+err.Error(), nil)
		return pipeline.Job{}, false
	}
	if len(body) > maxRequestBytes {
		writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large", nil)
		return pipeline.Job{}, false
	}
	job, err := pipeline.ParseJob(body)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil)
		return pipeline.Job{}, false
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, err := h.store.CreateRun(r.Context(), job.ID); err != nil {
		if errors.Is(err, runstore.ErrRunExists) {
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "job id already used", map[string]any{"job_id": job.ID})
			return pipeline.Job{}, false
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil)
		return pipeline.Job{}, false
	}
	return job, true
}

// awaitEngine waits for the readiness gate. If the boot check gave up, the
// engine is asked once more since it may have come up since.
func (h *Handlers) awaitEngine(ctx context.Context) error {
	if h.gate == nil {
		return nil
	}
	err := h.gate.Wait(ctx)
	if err == nil || ctx.Err() != nil || h.health == nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if h.health.SystemStats(pctx) == nil {
		return nil
	}
	return err
}

// execute runs job once the engine is ready and a slot is free, and records
// the outcome.
func (h *Handlers) execute(ctx context.Context, job pipeline.Job) *pipeline.Result {
	if err := h.awaitEngine(ctx); err != nil {
		h.logger.Warn("job rejected, engine unavailable", slog.String("job_id", job.ID), slog.Any("error", err))
		res := pipeline.Rejected(job.ID, err)
		h.finish(job.ID, res)
		return res
	}

	select {
	case h.slots <- struct{}{}:
	case <-ctx.Done():
		res := &pipeline.Result{
			JobID:       job.ID,
			Error:       "cancelled while queued: " + ctx.Err().Error(),
			Kind:        pipeline.KindCancelled,
			Transitions: []pipeline.State{pipeline.StateFailed},
		}
		h.finish(job.ID, res)
		return res
	}
	defer func() { <-h.slots }()

	if err := h.store.StartRun(ctx, job.ID); err != nil {
		h.logger.Warn("start run", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	res := h.runner.Run(ctx, job)
	h.finish(job.ID, res)
	return res
}

func (h *Handlers) finish(id string, res *pipeline.Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("encode result", slog.String("job_id", id), slog.Any("error", err))
	}
	if err := h.store.FinishRun(context.Background(), id, res.OK(), raw); err != nil {
		h.logger.Warn("finish run", slog.String("job_id", id), slog.Any("error", err))
	}
}

// RunSync handles POST /run. It blocks until the job finishes and answers
// with the job result.
func (h *Handlers) RunSync(w http.ResponseWriter, r *http.Request) {
	job, ok := h.decodeJob(w, r)
	if !ok {
		return
	}
	h.running.Add(1)
	defer h.running.Done()

	res := h.execute(r.Context(), job)
	h.respondJSON(w, KindStatus(res.Kind), res)
}

// CreateJobResponse is the response body after queueing a job.
type CreateJobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
	EventsURL string `json:"events_url"`
}

// CreateJob handles POST /api/v1/jobs. The job runs in the background.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.decodeJob(w, r)
	if !ok {
		return
	}

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		h.execute(h.base, job)
	}()

	h.respondJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:        job.ID,
		Status:    string(runstore.StatusQueued),
		StatusURL: "/api/v1/jobs/" + job.ID,
		EventsURL: "/api/v1/jobs/" + job.ID + "/events",
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"jobs": runs, "count": len(runs)})
}

// --- Helper Methods ---

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found", nil)
		return
	}
	h.logger.Error("run store", slog.Any("error", err))
	writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
