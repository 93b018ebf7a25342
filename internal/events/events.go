// Package events publishes job lifecycle events.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	JobStarted   Type = "job_started"
	StateChanged Type = "state_changed"
	JobSucceeded Type = "job_succeeded"
	JobFailed    Type = "job_failed"
)

// Event is one lifecycle notification for a job.
type Event struct {
	JobID string         `json:"job_id"`
	Type  Type           `json:"type"`
	State string         `json:"state,omitempty"`
	Time  time.Time      `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

// Emitter sends events somewhere. Emit must not block for long; callers
// treat errors as non-fatal.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter logging at debug level.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, ev Event) error {
	attrs := []any{
		slog.String("job_id", ev.JobID),
		slog.String("event", string(ev.Type)),
	}
	if ev.State != "" {
		attrs = append(attrs, slog.String("state", ev.State))
	}
	if len(ev.Data) > 0 {
		attrs = append(attrs, slog.Any("data", ev.Data))
	}
	e.logger.DebugContext(ctx, "job event", attrs...)
	return nil
}

type multi []Emitter

// Multi fans an event out to every emitter, joining their errors.
func Multi(emitters ...Emitter) Emitter {
	var out multi
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryEmitter records events in memory.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryEmitter) Emit(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryEmitter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
