package pipeline

import (
	"context"
	"errors"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/binder"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/comfy"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/config"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/materialize"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/resolver"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

// State is a job's position in the pipeline.
type State string

const (
	StateReceived      State = "Received"
	StateLoaded        State = "Loaded"
	StateMaterialized  State = "Materialized"
	StateParameterized State = "Parameterized"
	StateSubmitted     State = "Submitted"
	StatePolling       State = "Polling"
	StateResolved      State = "Resolved"
	StatePublished     State = "Published"
	StateFailed        State = "Failed"
)

// order is the success path. Any state may move to StateFailed.
var order = []State{
	StateReceived,
	StateLoaded,
	StateMaterialized,
	StateParameterized,
	StateSubmitted,
	StatePolling,
	StateResolved,
	StatePublished,
}

// SuccessPath returns the full sequence of states of a successful job.
func SuccessPath() []State { return append([]State(nil), order...) }

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StatePublished || s == StateFailed }

// next returns the state that follows s on the success path. The zero state
// is followed by StateReceived.
func (s State) next() (State, bool) {
	if s == "" {
		return StateReceived, true
	}
	for i, st := range order[:len(order)-1] {
		if st == s {
			return order[i+1], true
		}
	}
	return "", false
}

// canTransition reports whether from → to is allowed.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	n, ok := from.next()
	return ok && n == to
}

// Kind classifies a failed job.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindInvalidInput      Kind = "invalid_input"
	KindTemplateFormat    Kind = "template_format"
	KindParameterBinding  Kind = "parameter_binding"
	KindInputFetch        Kind = "input_fetch"
	KindSubmission        Kind = "submission"
	KindExecution         Kind = "execution"
	KindCompletionTimeout Kind = "completion_timeout"
	KindArtifactNotFound  Kind = "artifact_not_found"
	KindPublish           Kind = "publish"
	KindCancelled         Kind = "cancelled"
	KindEngineUnavailable Kind = "engine_unavailable"
	KindInternal          Kind = "internal"
)

// InputError reports a job request missing required fields.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string { return e.Field + " " + e.Reason }

// Details returns diagnostic fields for job results.
func (e *InputError) Details() map[string]any {
	return map[string]any{"field": e.Field}
}

type detailer interface {
	Details() map[string]any
}

// Classify maps an error from any stage to its Kind.
func Classify(err error) Kind {
	var (
		cfgErr     *config.ConfigurationError
		inputErr   *InputError
		tmplErr    *workflow.TemplateFormatError
		bindErr    *binder.BindingError
		fetchErr   *materialize.FetchError
		submitErr  *comfy.SubmissionError
		execErr    *comfy.ExecutionError
		timeoutErr *comfy.TimeoutError
		missingErr *resolver.NotFoundError
		pubErr     *dataflow.PublishError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &inputErr):
		return KindInvalidInput
	case errors.As(err, &tmplErr):
		return KindTemplateFormat
	case errors.As(err, &bindErr):
		return KindParameterBinding
	case errors.As(err, &fetchErr):
		return KindInputFetch
	case errors.As(err, &submitErr):
		return KindSubmission
	case errors.As(err, &execErr):
		return KindExecution
	case errors.As(err, &timeoutErr):
		return KindCompletionTimeout
	case errors.As(err, &missingErr):
		return KindArtifactNotFound
	case errors.As(err, &pubErr):
		return KindPublish
	case errors.Is(err, comfy.ErrNotReady):
		return KindEngineUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	return KindInternal
}

// details collects the diagnostic fields of the outermost typed error.
func details(err error) map[string]any {
	var d detailer
	if errors.As(err, &d) {
		return d.Details()
	}
	return nil
}
