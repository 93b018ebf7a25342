package comfy

import (
	"fmt"
	"time"
)

// maxBodyInError bounds response bodies quoted in errors.
const maxBodyInError = 2048

// SubmissionError reports a graph the engine did not accept.
type SubmissionError struct {
	Status int
	Body   string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := "submit graph"
	if e.Status != 0 {
		msg += fmt.Sprintf(": http %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Details returns diagnostic fields for job results.
func (e *SubmissionError) Details() map[string]any {
	d := map[string]any{}
	if e.Status != 0 {
		d["status"] = e.Status
	}
	if e.Body != "" {
		d["response_body"] = e.Body
	}
	return d
}

// TimeoutError is returned when a submission does not complete in time.
type TimeoutError struct {
	PromptID string
	Elapsed  time.Duration
	Polls    int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("prompt %s not complete after %s (%d polls)", e.PromptID, e.Elapsed.Round(time.Millisecond), e.Polls)
	if e.LastErr != nil {
		msg += ": last poll error: " + e.LastErr.Error()
	}
	return msg
}

// Details returns diagnostic fields for job results.
func (e *TimeoutError) Details() map[string]any {
	return map[string]any{
		"elapsed_seconds": e.Elapsed.Seconds(),
		"polls":           e.Polls,
	}
}

// ExecutionError is returned when the engine reports the graph failed.
type ExecutionError struct {
	PromptID string
	Message  string
	NodeID   string
	NodeType string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("prompt %s failed", e.PromptID)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" at node %s (%s)", e.NodeID, e.NodeType)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Details returns diagnostic fields for job results.
func (e *ExecutionError) Details() map[string]any {
	d := map[string]any{}
	if e.NodeID != "" {
		d["node_id"] = e.NodeID
		d["node_type"] = e.NodeType
	}
	return d
}
