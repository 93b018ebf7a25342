// Package runstore keeps job state and event history for jobs started over
// the HTTP API, and streams their events to subscribers.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/events"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
	ErrFinished    = errors.New("run already finished")
)

// Status is a run's lifecycle status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool { return s == StatusSucceeded || s == StatusFailed }

// Run is the stored view of a job.
type Run struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	State      string          `json:"state,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Entry is a stored event with its sequence id.
type Entry struct {
	ID string `json:"id"`
	events.Event
}

// ToSSE renders the entry as a server-sent event.
func (e *Entry) ToSSE() []byte {
	data, _ := json.Marshal(e.Event)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// RunStore defines run persistence and event streaming.
// Implementations must be safe for concurrent use.
type RunStore interface {
	events.Emitter

	// CreateRun registers a queued run.
	CreateRun(ctx context.Context, id string) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)

	// StartRun marks a run as running.
	StartRun(ctx context.Context, id string) error

	// FinishRun stores the result and closes subscriber channels.
	FinishRun(ctx context.Context, id string, ok bool, result json.RawMessage) error

	// EventsSince returns events after lastID (exclusive). An empty lastID
	// returns every retained event.
	EventsSince(ctx context.Context, id, lastID string) ([]*Entry, error)

	// Subscribe returns a channel receiving new events for the run. The
	// channel is closed when the run finishes. cleanup must be called.
	Subscribe(ctx context.Context, id string) (<-chan *Entry, func(), error)

	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int

	// MaxRuns bounds retained finished runs; the oldest are evicted first.
	MaxRuns int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 500,
		MaxRuns:     1000,
	}
}
