package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

const testPollInterval = 20 * time.Millisecond

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	return newTestClientEvery(t, handler, testPollInterval)
}

func newTestClientEvery(t *testing.T, handler http.Handler, interval time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(&Config{BaseURL: srv.URL, PollInterval: interval}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g := workflow.NewGraph()
	if err := g.UnmarshalJSON([]byte(`{"134": {"class_type": "CLIPTextEncode", "inputs": {"text": "a dog"}}}`)); err != nil {
		t.Fatalf("graph: %v", err)
	}
	return g
}

func TestSubmit(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var got map[string]json.RawMessage
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			json.NewDecoder(r.Body).Decode(&got)
			w.Write([]byte(`{"prompt_id": "abc-123", "number": 4, "node_errors": {}}`))
		}))

		sub, err := c.Submit(context.Background(), testGraph(t))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if sub.PromptID != "abc-123" || sub.Number != 4 {
			t.Errorf("unexpected submission %+v", sub)
		}
		if !strings.Contains(string(got["prompt"]), `"a dog"`) {
			t.Errorf("graph not sent: %s", got["prompt"])
		}
		var clientID string
		json.Unmarshal(got["client_id"], &clientID)
		if clientID == "" || clientID != sub.ClientID {
			t.Errorf("expected client_id %q, got %q", sub.ClientID, clientID)
		}
	})

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"server error", http.StatusInternalServerError, `{"error": "boom"}`, 500},
		{"validation error", http.StatusBadRequest, `{"error": {"type": "prompt_outputs_failed_validation"}, "node_errors": {"9": {}}}`, 400},
		{"missing id", http.StatusOK, `{"number": 1}`, 200},
		{"not json", http.StatusOK, `<html>`, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, err := c.Submit(context.Background(), testGraph(t))
			var se *SubmissionError
			if !errors.As(err, &se) {
				t.Fatalf("expected SubmissionError, got %v", err)
			}
			if se.Status != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, se.Status)
			}
			if se.Body != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, se.Body)
			}
		})
	}

	t.Run("long body truncated", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(strings.Repeat("e", 10000)))
		}))
		_, err := c.Submit(context.Background(), testGraph(t))
		var se *SubmissionError
		if !errors.As(err, &se) {
			t.Fatalf("expected SubmissionError, got %v", err)
		}
		if len(se.Body) > maxBodyInError+32 {
			t.Errorf("body not truncated: %d bytes", len(se.Body))
		}
	})
}

// historyServer answers /history with the given bodies in sequence, repeating
// the last one.
func historyServer(t *testing.T, polls *int32, responses ...func(w http.ResponseWriter)) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/history/") {
			http.NotFound(w, r)
			return
		}
		n := int(atomic.AddInt32(polls, 1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		responses[n](w)
	})
}

func body(s string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { io.WriteString(w, s) }
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(code) }
}

func TestAwaitCompletion(t *testing.T) {
	sub := &Submission{PromptID: "p1"}
	done := `{"p1": {"outputs": {"9": {"videos": [{"filename": "clip1.mp4"}, {"filename": "clip2.mp4"}]}}}}`

	t.Run("pending then done", func(t *testing.T) {
		var polls int32
		c := newTestClient(t, historyServer(t, &polls, body(`{}`), body(`{}`), body(done)))
		rec, err := c.AwaitCompletion(context.Background(), sub, 5*time.Second)
		if err != nil {
			t.Fatalf("AwaitCompletion failed: %v", err)
		}
		if polls != 3 {
			t.Errorf("expected 3 polls, got %d", polls)
		}
		files := rec.Outputs.Files(VideoKeys...)
		if len(files) != 2 || files[1].Filename != "clip2.mp4" {
			t.Errorf("unexpected files %+v", files)
		}
	})

	t.Run("bare record", func(t *testing.T) {
		var polls int32
		c := newTestClient(t, historyServer(t, &polls, body(`{"outputs": {"3": {"gifs": [{"filename": "a.gif"}]}}}`)))
		rec, err := c.AwaitCompletion(context.Background(), sub, 5*time.Second)
		if err != nil {
			t.Fatalf("AwaitCompletion failed: %v", err)
		}
		if !rec.HasArtifacts() {
			t.Error("expected artifacts")
		}
	})

	t.Run("empty outputs stay pending until status completes", func(t *testing.T) {
		var polls int32
		c := newTestClient(t, historyServer(t, &polls,
			body(`{"p1": {"outputs": {}, "status": {"status_str": "running", "completed": false}}}`),
			body(`{"p1": {"outputs": {}, "status": {"status_str": "success", "completed": true}}}`),
		))
		rec, err := c.AwaitCompletion(context.Background(), sub, 5*time.Second)
		if err != nil {
			t.Fatalf("AwaitCompletion failed: %v", err)
		}
		if polls != 2 || rec.HasArtifacts() {
			t.Errorf("expected completion on second poll without artifacts, polls=%d", polls)
		}
	})

	t.Run("transient errors retried", func(t *testing.T) {
		var polls int32
		c := newTestClient(t, historyServer(t, &polls, status(502), body(`not json`), body(done)))
		if _, err := c.AwaitCompletion(context.Background(), sub, 5*time.Second); err != nil {
			t.Fatalf("AwaitCompletion failed: %v", err)
		}
		if polls != 3 {
			t.Errorf("expected 3 polls, got %d", polls)
		}
	})

	t.Run("engine failure", func(t *testing.T) {
		var polls int32
		c := newTestClient(t, historyServer(t, &polls, body(`{"p1": {"outputs": {}, "status": {"status_str": "error", "completed": false,
			"messages": [["execution_start", {}], ["execution_error", {"node_id": "12", "node_type": "WanVideoSampler", "exception_message": "CUDA out of memory"}]]}}}`)))
		_, err := c.AwaitCompletion(context.Background(), sub, 5*time.Second)
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			t.Fatalf("expected ExecutionError, got %v", err)
		}
		if ee.NodeID != "12" || ee.Message != "CUDA out of memory" {
			t.Errorf("unexpected error %+v", ee)
		}
	})
}

func TestAwaitCompletion_Timeout(t *testing.T) {
	var polls int32
	c := newTestClient(t, historyServer(t, &polls, body(`{}`)))
	sub := &Submission{PromptID: "slow"}

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := c.AwaitCompletion(context.Background(), sub, timeout)
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.PromptID != "slow" {
		t.Errorf("expected prompt id in error, got %q", te.PromptID)
	}
	if te.Elapsed < timeout || te.Polls == 0 {
		t.Errorf("expected full timeout and polls, got %+v", te)
	}
	// Allow scheduling slack on top of the one-interval bound.
	if limit := timeout + testPollInterval + 150*time.Millisecond; elapsed > limit {
		t.Errorf("blocked for %v, limit %v", elapsed, limit)
	}
}

func TestAwaitCompletion_Cancelled(t *testing.T) {
	var polls int32
	c := newTestClient(t, historyServer(t, &polls, body(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(60*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.AwaitCompletion(ctx, &Submission{PromptID: "p"}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		t.Error("cancellation must not be reported as a timeout")
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancellation not prompt: %v", time.Since(start))
	}
}

func TestAwaitCompletion_Deadlines(t *testing.T) {
	t.Run("caller deadline shorter than timeout", func(t *testing.T) {
		var polls int32
		c := newTestClientEvery(t, historyServer(t, &polls, body(`{}`)), time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := c.AwaitCompletion(ctx, &Submission{PromptID: "p"}, 5*time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
		var te *TimeoutError
		if errors.As(err, &te) {
			t.Errorf("caller deadline reported as a job timeout: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Errorf("returned after %v, before the caller deadline", elapsed)
		}
	})

	t.Run("timeout not reported early with a long interval", func(t *testing.T) {
		var polls int32
		c := newTestClientEvery(t, historyServer(t, &polls, body(`{}`)), time.Second)

		timeout := 200 * time.Millisecond
		start := time.Now()
		_, err := c.AwaitCompletion(context.Background(), &Submission{PromptID: "p"}, timeout)
		elapsed := time.Since(start)

		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("expected TimeoutError, got %v", err)
		}
		if elapsed < timeout || te.Elapsed < timeout {
			t.Errorf("timed out after %v (reported %v), want at least %v", elapsed, te.Elapsed, timeout)
		}
		if elapsed > timeout+500*time.Millisecond {
			t.Errorf("overshot the timeout: %v", elapsed)
		}
		if te.Polls != 1 {
			t.Errorf("polls = %d, want 1", te.Polls)
		}
	})
}

func TestWaitReady(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"system": {}}`))
	}))

	if err := c.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 checks, got %d", calls)
	}
}

func TestWaitReady_GivesUp(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	err := c.WaitReady(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestWaitReady_Deadlines(t *testing.T) {
	unavailable := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	t.Run("gives up only after the full timeout", func(t *testing.T) {
		c := newTestClientEvery(t, unavailable, time.Second)
		timeout := 100 * time.Millisecond
		start := time.Now()
		err := c.WaitReady(context.Background(), timeout)
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
		if elapsed := time.Since(start); elapsed < timeout {
			t.Errorf("gave up after %v, want at least %v", elapsed, timeout)
		}
	})

	t.Run("caller deadline is not ErrNotReady", func(t *testing.T) {
		c := newTestClientEvery(t, unavailable, time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := c.WaitReady(ctx, 5*time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
		if errors.Is(err, ErrNotReady) {
			t.Errorf("caller deadline reported as ErrNotReady: %v", err)
		}
	})
}

func TestClampTimeout(t *testing.T) {
	if got := ClampTimeout(0); got != DefaultJobTimeout {
		t.Errorf("expected default, got %v", got)
	}
	if got := ClampTimeout(10 * time.Hour); got != MaxJobTimeout {
		t.Errorf("expected max, got %v", got)
	}
	if got := ClampTimeout(time.Minute); got != time.Minute {
		t.Errorf("expected passthrough, got %v", got)
	}
}

func TestDecodeHistory(t *testing.T) {
	rec, found, err := decodeHistory("x", []byte(`{"other": {"outputs": {}}}`))
	if err != nil || found || rec != nil {
		t.Errorf("expected not found for other prompt, got %v %v %v", rec, found, err)
	}
	rec, found, err = decodeHistory("x", []byte(`{"x": {"outputs": {"2": {"text": ["hello"]}, "1": {"videos": [{"filename": "v.mp4", "subfolder": "sub", "type": "output"}, "junk"]}}}}`))
	if err != nil || !found {
		t.Fatalf("expected record, got %v %v", found, err)
	}
	if got := rec.Outputs.Order; len(got) != 2 || got[0] != "2" {
		t.Errorf("expected reported node order, got %v", got)
	}
	files := rec.Outputs.Files(VideoKeys...)
	if len(files) != 1 || files[0].Subfolder != "sub" {
		t.Errorf("unexpected files %+v", files)
	}
}
