package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/pipeline"
)

// fakeQueue hands out scripted pops, then blocks until ctx is done.
type fakeQueue struct {
	mu      sync.Mutex
	pops    []pop
	results map[string][]byte
	drained chan struct{}
}

type pop struct {
	payload string
	err     error
}

func newFakeQueue(pops ...pop) *fakeQueue {
	return &fakeQueue{pops: pops, results: map[string][]byte{}, drained: make(chan struct{})}
}

func (q *fakeQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	q.mu.Lock()
	if len(q.pops) == 0 {
		q.mu.Unlock()
		select {
		case <-q.drained:
		default:
			close(q.drained)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := q.pops[0]
	q.pops = q.pops[1:]
	q.mu.Unlock()
	return []byte(p.payload), p.err
}

func (q *fakeQueue) StoreResult(ctx context.Context, id string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[id] = result
	return nil
}

type runFunc func(ctx context.Context, job pipeline.Job) *pipeline.Result

func (f runFunc) Run(ctx context.Context, job pipeline.Job) *pipeline.Result { return f(ctx, job) }

func TestWorkerRun(t *testing.T) {
	q := newFakeQueue(
		pop{payload: `{"id": "a", "input": {"prompt": "waves", "image_url": "https://img.example/a.png"}}`},
		pop{err: errors.New("connection reset")},
		pop{}, // timed out
		pop{payload: `not json`},
		pop{payload: `{"prompt": "bare", "image_url": "https://img.example/b.png"}`},
	)

	var mu sync.Mutex
	var ran []pipeline.Job
	runner := runFunc(func(ctx context.Context, job pipeline.Job) *pipeline.Result {
		mu.Lock()
		ran = append(ran, job)
		mu.Unlock()
		return &pipeline.Result{JobID: job.ID, PromptID: "p", VideoURL: "https://cdn.example/" + job.ID + ".mp4"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, runner, Options{PopTimeout: time.Second, RetryDelay: time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-q.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queue not drained")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}

	if len(ran) != 2 {
		t.Fatalf("ran %d jobs, want 2", len(ran))
	}
	if ran[0].ID != "a" || ran[0].Input.Prompt != "waves" {
		t.Errorf("first job = %+v", ran[0])
	}
	if ran[1].ID == "" || ran[1].Input.Prompt != "bare" {
		t.Errorf("bare job = %+v", ran[1])
	}

	if len(q.results) != 3 {
		t.Fatalf("stored %d results, want 3", len(q.results))
	}
	var ok map[string]any
	json.Unmarshal(q.results["a"], &ok)
	if ok["video_url"] != "https://cdn.example/a.mp4" {
		t.Errorf("result a = %v", ok)
	}

	var rejected int
	for id, raw := range q.results {
		var body map[string]any
		json.Unmarshal(raw, &body)
		if body["kind"] == string(pipeline.KindInvalidInput) {
			rejected++
			if body["job_id"] != id {
				t.Errorf("rejected job_id = %v, stored under %s", body["job_id"], id)
			}
		}
	}
	if rejected != 1 {
		t.Errorf("rejected = %d, want 1", rejected)
	}
}

func TestWorkerStoresCancelledResult(t *testing.T) {
	q := newFakeQueue(pop{payload: `{"id": "slow", "input": {"image_url": "https://img.example/a.png"}}`})
	ctx, cancel := context.WithCancel(context.Background())

	runner := runFunc(func(ctx context.Context, job pipeline.Job) *pipeline.Result {
		cancel()
		<-ctx.Done()
		return &pipeline.Result{JobID: job.ID, Error: ctx.Err().Error(), Kind: pipeline.KindCancelled}
	})

	w := NewWorker(q, runner, Options{PopTimeout: time.Second}, nil)
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v", err)
	}
	if _, ok := q.results["slow"]; !ok {
		t.Error("cancelled job result not stored")
	}
}

func TestResultKey(t *testing.T) {
	q := NewRedisQueue(nil, "", 0)
	if q.Name() != DefaultName {
		t.Errorf("Name() = %q", q.Name())
	}
	if got := q.ResultKey("abc"); got != "videogen:jobs:results:abc" {
		t.Errorf("ResultKey() = %q", got)
	}
}
