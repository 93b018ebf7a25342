package runstore

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/events"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	run         Run
	events      []*Entry
	nextSeq     int64
	subscribers map[chan *Entry]struct{}
}

// MemoryStore is an in-memory RunStore. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) lookup(id string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; ok {
		return nil, ErrRunExists
	}
	s.evictLocked()

	mr := &memoryRun{
		run: Run{
			ID:        id,
			Status:    StatusQueued,
			CreatedAt: time.Now().UTC(),
		},
		subscribers: make(map[chan *Entry]struct{}),
	}
	s.runs[id] = mr
	r := mr.run
	return &r, nil
}

// evictLocked drops the oldest finished runs once MaxRuns is reached.
func (s *MemoryStore) evictLocked() {
	if s.config.MaxRuns <= 0 || len(s.runs) < s.config.MaxRuns {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, mr := range s.runs {
		mr.mu.RLock()
		if mr.run.Status.Done() {
			finished = append(finished, aged{id, mr.run.CreatedAt})
		}
		mr.mu.RUnlock()
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for _, f := range finished {
		if len(s.runs) < s.config.MaxRuns {
			return
		}
		delete(s.runs, f.id)
	}
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	mr, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	r := mr.run
	return &r, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*Run, error) {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, mr := range s.runs {
		mr.mu.RLock()
		r := mr.run
		mr.mu.RUnlock()
		out = append(out, &r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) StartRun(ctx context.Context, id string) error {
	mr, err := s.lookup(id)
	if err != nil {
		return err
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.run.Status.Done() {
		return ErrFinished
	}
	now := time.Now().UTC()
	mr.run.Status = StatusRunning
	mr.run.StartedAt = &now
	return nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, id string, ok bool, result json.RawMessage) error {
	mr, err := s.lookup(id)
	if err != nil {
		return err
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.run.Status.Done() {
		return ErrFinished
	}
	now := time.Now().UTC()
	mr.run.FinishedAt = &now
	mr.run.Result = result
	mr.run.Status = StatusFailed
	if ok {
		mr.run.Status = StatusSucceeded
	}
	for ch := range mr.subscribers {
		close(ch)
	}
	mr.subscribers = map[chan *Entry]struct{}{}
	return nil
}

// Emit appends ev to its run's history. Events for unknown runs are
// dropped so jobs outside the API can share the emitter.
func (s *MemoryStore) Emit(ctx context.Context, ev events.Event) error {
	mr, err := s.lookup(ev.JobID)
	if err != nil {
		return nil
	}

	mr.mu.Lock()
	entry := &Entry{ID: strconv.FormatInt(mr.nextSeq, 10), Event: ev}
	mr.nextSeq++

	// Append to ring buffer
	if max := s.config.EventMaxLen; max > 0 && len(mr.events) >= max {
		mr.events = mr.events[1:]
	}
	mr.events = append(mr.events, entry)
	if ev.State != "" {
		mr.run.State = ev.State
	}

	// Notify subscribers (non-blocking). Sending under the lock keeps
	// FinishRun from closing a channel mid-send.
	for ch := range mr.subscribers {
		select {
		case ch <- entry:
		default:
			// Subscriber too slow, skip
		}
	}
	mr.mu.Unlock()
	return nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, id, lastID string) ([]*Entry, error) {
	mr, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	if lastID == "" {
		out := make([]*Entry, len(mr.events))
		copy(out, mr.events)
		return out, nil
	}

	var out []*Entry
	found := false
	for _, e := range mr.events {
		if found {
			out = append(out, e)
		}
		if e.ID == lastID {
			found = true
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan *Entry, func(), error) {
	mr, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *Entry, 100)

	mr.mu.Lock()
	if mr.run.Status.Done() {
		mr.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	mr.subscribers[ch] = struct{}{}
	mr.mu.Unlock()

	cleanup := func() {
		mr.mu.Lock()
		delete(mr.subscribers, ch)
		mr.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mr := range s.runs {
		mr.mu.Lock()
		for ch := range mr.subscribers {
			close(ch)
		}
		mr.subscribers = map[chan *Entry]struct{}{}
		mr.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
