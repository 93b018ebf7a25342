// Package pipeline runs one video generation job end to end: load the graph
// template, stage the reference image, bind parameters, submit, wait,
// resolve the produced file and publish it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/binder"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/comfy"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/events"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/metrics"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/resolver"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/tracing"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

// scanSlack widens the scan window before submission to absorb clock
// granularity between the engine's filesystem and ours.
const scanSlack = 5 * time.Second

// JobInput is the request payload.
type JobInput struct {
	Prompt         string      `json:"prompt"`
	ImageURL       string      `json:"image_url"`
	NegativePrompt string      `json:"negative_prompt,omitempty"`
	Seed           json.Number `json:"seed,omitempty"`
}

// Job is one invocation.
type Job struct {
	ID    string   `json:"id,omitempty"`
	Input JobInput `json:"input"`
}

// ParseJob decodes a job from {"id"?, "input": {...}} or a bare input object.
func ParseJob(data []byte) (Job, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Job{}, &InputError{Field: "input", Reason: "is not a JSON object"}
	}
	var job Job
	if _, wrapped := fields["input"]; wrapped {
		if err := json.Unmarshal(data, &job); err != nil {
			return Job{}, &InputError{Field: "input", Reason: "is malformed: " + err.Error()}
		}
		return job, nil
	}
	if err := json.Unmarshal(data, &job.Input); err != nil {
		return Job{}, &InputError{Field: "input", Reason: "is malformed: " + err.Error()}
	}
	return job, nil
}

func (in JobInput) validate() error {
	if strings.TrimSpace(in.ImageURL) == "" {
		return &InputError{Field: "image_url", Reason: "is required"}
	}
	return nil
}

// values returns the binder inputs for this job.
func (in JobInput) values(stagedImage string) map[string]any {
	v := map[string]any{
		binder.ParamPrompt: in.Prompt,
		binder.ParamImage:  stagedImage,
	}
	if in.NegativePrompt != "" {
		v[binder.ParamNegativePrompt] = in.NegativePrompt
	}
	if in.Seed != "" {
		v[binder.ParamSeed] = in.Seed
	}
	return v
}

// Templates supplies graph templates.
type Templates interface {
	Load(ctx context.Context) (*workflow.Graph, error)
	Source() string
}

// Stager stages remote inputs where the engine can read them.
type Stager interface {
	Materialize(ctx context.Context, sourceURL string) (string, error)
	Remove(name string) error
}

// Engine runs graphs.
type Engine interface {
	Submit(ctx context.Context, g *workflow.Graph) (*comfy.Submission, error)
	AwaitCompletion(ctx context.Context, sub *comfy.Submission, timeout time.Duration) (*comfy.Record, error)
}

// Artifacts locates produced files.
type Artifacts interface {
	Resolve(q resolver.Query) (*resolver.Artifact, error)
}

// Publisher uploads produced files.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (*dataflow.Published, error)
}

// Deps are the components a pipeline sequences.
type Deps struct {
	Templates Templates
	Binder    *binder.Binder
	Stager    Stager
	Engine    Engine
	Artifacts Artifacts
	Publisher Publisher
	Events    events.Emitter
	Logger    *slog.Logger
}

// Options tune a pipeline.
type Options struct {
	OutputDir     string
	JobTimeout    time.Duration
	CleanupInputs bool
}

// Pipeline runs jobs. It holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Binder == nil {
		deps.Binder = binder.New(nil, deps.Logger)
	}
	if deps.Artifacts == nil {
		deps.Artifacts = resolver.New(deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = events.NewLogEmitter(deps.Logger)
	}
	opts.JobTimeout = comfy.ClampTimeout(opts.JobTimeout)
	return &Pipeline{deps: deps, opts: opts, logger: deps.Logger}
}

// run is the per-job state.
type run struct {
	job    Job
	result *Result
	state  State
	logger *slog.Logger
	span   trace.Span

	graph     *workflow.Graph
	staged    string
	bindings  map[string]string
	sub       *comfy.Submission
	record    *comfy.Record
	artifact  *resolver.Artifact
	published *dataflow.Published
}

// Run executes job and always returns a result; failures are reported in
// it rather than as an error.
func (p *Pipeline) Run(ctx context.Context, job Job) (res *Result) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	start := time.Now()
	r := &run{
		job:    job,
		result: &Result{JobID: job.ID},
		logger: p.logger.With(slog.String("job_id", job.ID)),
	}
	ctx, r.span = tracing.StartJob(ctx, job.ID)

	metrics.JobsActive.Inc()
	p.emit(ctx, r, events.JobStarted, nil)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			p.fail(ctx, r, fmt.Errorf("internal error: %v", rec))
		}
		if p.opts.CleanupInputs && r.staged != "" {
			if err := p.deps.Stager.Remove(r.staged); err != nil {
				r.logger.Warn("remove staged input", slog.String("file", r.staged), slog.Any("error", err))
			}
		}

		r.result.Duration = time.Since(start)
		outcome := "succeeded"
		if !r.result.OK() {
			outcome = string(r.result.Kind)
		}
		metrics.JobsActive.Dec()
		metrics.JobsTotal.WithLabelValues(outcome).Inc()
		metrics.JobDuration.WithLabelValues(outcome).Observe(r.result.Duration.Seconds())

		var spanErr error
		if !r.result.OK() {
			spanErr = fmt.Errorf("%s: %s", r.result.Kind, r.result.Error)
			r.span.SetAttributes(tracing.KindKey.String(string(r.result.Kind)))
		}
		tracing.End(r.span, spanErr)
		res = r.result
	}()

	if err := p.execute(ctx, r); err != nil {
		p.fail(ctx, r, err)
		return r.result
	}

	r.result.VideoURL = r.published.URL
	r.result.Key = r.published.Key
	r.result.Debug = &Debug{
		PromptNode:    r.bindings[binder.ParamPrompt],
		ImageNode:     r.bindings[binder.ParamImage],
		Bindings:      r.bindings,
		StagedImage:   r.staged,
		SavedFilename: savedName(r.artifact),
		Source:        r.artifact.Source,
	}
	p.emit(ctx, r, events.JobSucceeded, map[string]any{"video_url": r.published.URL, "key": r.published.Key})
	r.logger.Info("job published",
		slog.String("prompt_id", r.result.PromptID),
		slog.String("video_url", r.result.VideoURL),
		slog.Duration("elapsed", time.Since(start)),
	)
	return r.result
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if err := p.step(ctx, r, StateReceived, func(context.Context) error {
		return r.job.Input.validate()
	}); err != nil {
		return err
	}

	if err := p.step(ctx, r, StateLoaded, func(ctx context.Context) error {
		g, err := p.deps.Templates.Load(ctx)
		r.graph = g
		return err
	}); err != nil {
		return err
	}

	if err := p.step(ctx, r, StateMaterialized, func(ctx context.Context) error {
		name, err := p.deps.Stager.Materialize(ctx, r.job.Input.ImageURL)
		r.staged = name
		return err
	}); err != nil {
		return err
	}

	if err := p.step(ctx, r, StateParameterized, func(context.Context) error {
		b, err := p.deps.Binder.Bind(r.graph, r.job.Input.values(r.staged))
		r.bindings = b
		return err
	}); err != nil {
		return err
	}

	if err := p.step(ctx, r, StateSubmitted, func(ctx context.Context) error {
		sub, err := p.deps.Engine.Submit(ctx, r.graph)
		if err == nil {
			r.sub = sub
			r.result.PromptID = sub.PromptID
			r.span.SetAttributes(tracing.PromptIDKey.String(sub.PromptID))
		}
		return err
	}); err != nil {
		return err
	}

	// Polling is entered before the wait so observers see it while it lasts.
	if err := p.enter(ctx, r, StatePolling); err != nil {
		return err
	}

	if err := p.step(ctx, r, StateResolved, func(ctx context.Context) error {
		rec, err := p.deps.Engine.AwaitCompletion(ctx, r.sub, p.opts.JobTimeout)
		if err != nil {
			return err
		}
		r.record = rec
		a, err := p.deps.Artifacts.Resolve(resolver.Query{
			Record:     rec,
			OutputRoot: p.opts.OutputDir,
			NotBefore:  r.sub.SubmittedAt.Add(-scanSlack),
		})
		r.artifact = a
		return err
	}); err != nil {
		return err
	}

	return p.step(ctx, r, StatePublished, func(ctx context.Context) error {
		pub, err := p.deps.Publisher.Publish(ctx, r.artifact.Path)
		r.published = pub
		return err
	})
}

// step runs fn and moves the job to target on success.
func (p *Pipeline) step(ctx context.Context, r *run, target State, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		r.result.Stage = target
		return err
	}
	stageCtx, span := tracing.StartStage(ctx, string(target))
	start := time.Now()
	err := fn(stageCtx)
	metrics.StageDuration.WithLabelValues(string(target)).Observe(time.Since(start).Seconds())
	tracing.End(span, err)
	if err != nil {
		r.result.Stage = target
		return err
	}
	return p.enter(ctx, r, target)
}

func (p *Pipeline) enter(ctx context.Context, r *run, target State) error {
	if !canTransition(r.state, target) {
		r.result.Stage = target
		return fmt.Errorf("illegal transition %s -> %s", r.state, target)
	}
	r.state = target
	r.result.Transitions = append(r.result.Transitions, target)
	r.logger.Debug("job state", slog.String("state", string(target)))
	p.emit(ctx, r, events.StateChanged, nil)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	kind := Classify(err)
	if ctx.Err() != nil && kind != KindCompletionTimeout {
		kind = KindCancelled
	}
	if r.state != StateFailed {
		r.state = StateFailed
		r.result.Transitions = append(r.result.Transitions, StateFailed)
	}
	if r.result.Stage == "" {
		if n, ok := r.lastSuccess().next(); ok {
			r.result.Stage = n
		}
	}

	d := map[string]any{}
	for k, v := range details(err) {
		d[k] = v
	}
	switch kind {
	case KindParameterBinding, KindTemplateFormat:
		d["workflow_path"] = p.deps.Templates.Source()
		if r.graph != nil {
			d["workflow_keys_preview"] = r.graph.Preview(15)
		}
	case KindSubmission:
		if r.bindings != nil {
			d["prompt_node"] = r.bindings[binder.ParamPrompt]
			d["image_node"] = r.bindings[binder.ParamImage]
		}
	}

	r.result.Error = err.Error()
	r.result.Kind = kind
	r.result.Details = d
	p.emit(ctx, r, events.JobFailed, map[string]any{"kind": string(kind), "error": err.Error()})
	r.logger.Error("job failed",
		slog.String("kind", string(kind)),
		slog.String("stage", string(r.result.Stage)),
		slog.String("prompt_id", r.result.PromptID),
		slog.Any("error", err),
	)
}

// lastSuccess returns the last non-failed state reached.
func (r *run) lastSuccess() State {
	for i := len(r.result.Transitions) - 1; i >= 0; i-- {
		if s := r.result.Transitions[i]; s != StateFailed {
			return s
		}
	}
	return ""
}

func (p *Pipeline) emit(ctx context.Context, r *run, typ events.Type, data map[string]any) {
	ev := events.Event{
		JobID: r.job.ID,
		Type:  typ,
		State: string(r.state),
		Time:  time.Now().UTC(),
		Data:  data,
	}
	// Events outlive a cancelled job so the failure is still reported.
	if err := p.deps.Events.Emit(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("emit event", slog.String("event", string(typ)), slog.Any("error", err))
	}
}

func savedName(a *resolver.Artifact) string {
	if a.Reported != "" {
		return a.Reported
	}
	return a.Path
}
