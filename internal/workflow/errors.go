package workflow

import "fmt"

// TemplateFormatError reports a graph template that could not be read or
// does not have the node-graph shape.
type TemplateFormatError struct {
	Source string
	Reason string
	Err    error
}

func (e *TemplateFormatError) Error() string {
	msg := fmt.Sprintf("template %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TemplateFormatError) Unwrap() error { return e.Err }

// Details returns diagnostic fields for job results.
func (e *TemplateFormatError) Details() map[string]any {
	return map[string]any{
		"workflow_path": e.Source,
		"reason":        e.Reason,
	}
}
