package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type failing struct{ err error }

func (f failing) Emit(context.Context, Event) error { return f.err }

func TestMulti(t *testing.T) {
	a, b := &MemoryEmitter{}, &MemoryEmitter{}
	boom := errors.New("boom")
	m := Multi(a, nil, failing{boom}, b)

	err := m.Emit(context.Background(), Event{JobID: "j1", Type: JobStarted})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan out: a=%d b=%d", len(a.Events()), len(b.Events()))
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e := NewLogEmitter(logger)
	if err := e.Emit(context.Background(), Event{JobID: "j1", Type: StateChanged, State: "Polling"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"job_id=j1", "event=state_changed", "state=Polling"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestStreamValues(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	v := streamValues(Event{
		JobID: "j1",
		Type:  JobFailed,
		State: "Failed",
		Time:  ts,
		Data:  map[string]any{"kind": "submission"},
	})
	if v["job_id"] != "j1" || v["type"] != "job_failed" || v["state"] != "Failed" {
		t.Errorf("values = %v", v)
	}
	if v["ts"] != "2025-01-02T03:04:05Z" {
		t.Errorf("ts = %v", v["ts"])
	}
	if v["data"] != `{"kind":"submission"}` {
		t.Errorf("data = %v", v["data"])
	}
	if streamValues(Event{})["data"] != "{}" {
		t.Error("empty data should encode as {}")
	}
}
