package pipeline

import (
	"encoding/json"
	"time"
)

// Debug carries diagnostics of a successful job.
type Debug struct {
	PromptNode    string            `json:"prompt_node"`
	ImageNode     string            `json:"image_node"`
	Bindings      map[string]string `json:"bindings,omitempty"`
	StagedImage   string            `json:"staged_image,omitempty"`
	SavedFilename string            `json:"saved_filename"`
	Source        string            `json:"source"`
}

// Result is the outcome of one job. Exactly one of VideoURL and Error is set.
type Result struct {
	JobID    string
	PromptID string

	// Success
	VideoURL string
	Key      string
	Debug    *Debug

	// Failure
	Error   string
	Kind    Kind
	Stage   State // state the job was moving to when it failed
	Details map[string]any

	Transitions []State
	Duration    time.Duration
}

// Rejected returns the result of a job that failed before the pipeline
// accepted it, for example because the engine never became ready.
func Rejected(jobID string, err error) *Result {
	return &Result{
		JobID:       jobID,
		Error:       err.Error(),
		Kind:        Classify(err),
		Stage:       StateReceived,
		Details:     details(err),
		Transitions: []State{StateFailed},
	}
}

// OK reports whether the job published an artifact.
func (r *Result) OK() bool { return r.Error == "" && r.VideoURL != "" }

// Final returns the last state the job reached.
func (r *Result) Final() State {
	if len(r.Transitions) == 0 {
		return ""
	}
	return r.Transitions[len(r.Transitions)-1]
}

// MarshalJSON renders the runtime response: {video_url, prompt_id, ...} on
// success, {error, kind, ...diagnostics} on failure. Diagnostic fields are
// flattened into the top level and never shadow the fixed ones.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if r.JobID != "" {
		out["job_id"] = r.JobID
	}
	if r.PromptID != "" {
		out["prompt_id"] = r.PromptID
	}
	if r.Error == "" {
		out["video_url"] = r.VideoURL
		if r.Key != "" {
			out["key"] = r.Key
		}
		if r.Debug != nil {
			out["debug"] = r.Debug
		}
		return json.Marshal(out)
	}

	for k, v := range r.Details {
		out[k] = v
	}
	out["error"] = r.Error
	out["kind"] = r.Kind
	if r.Stage != "" {
		out["stage"] = r.Stage
	}
	if r.JobID != "" {
		out["job_id"] = r.JobID
	}
	if r.PromptID != "" {
		out["prompt_id"] = r.PromptID
	}
	return json.Marshal(out)
}
