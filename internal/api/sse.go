package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/runstore"
)

// heartbeatInterval keeps idle SSE connections open through proxies.
var heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/jobs/{id}/events
// It implements Server-Sent Events (SSE) for streaming job events.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	if _, err := h.store.GetRun(ctx, jobID); err != nil {
		h.storeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", nil)
		return
	}

	// Subscribe before replaying history so nothing falls in between.
	eventCh, cleanup, err := h.store.Subscribe(ctx, jobID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE connection opened",
		slog.String("job_id", jobID),
		slog.String("request_id", requestID),
	)

	// Replay history, resuming after Last-Event-ID when given.
	history, err := h.store.EventsSince(ctx, jobID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "job_id", jobID)
	}
	lastSent := ""
	for _, e := range history {
		h.writeSSE(w, flusher, e)
		lastSent = e.ID
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE connection closed",
				slog.String("job_id", jobID),
				slog.Duration("duration", time.Since(startTime)),
				slog.String("reason", "client_disconnect"),
			)
			return

		case e, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(w, flusher, jobID, r)
				return
			}
			if lastSent != "" && !after(e.ID, lastSent) {
				continue // already replayed
			}
			h.writeSSE(w, flusher, e)
			lastSent = e.ID

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// after reports whether sequence id a comes after b.
func after(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, e *runstore.Entry) {
	if _, err := w.Write(e.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final job record and ends the stream.
func (h *Handlers) sendStreamEnd(w http.ResponseWriter, flusher http.Flusher, jobID string, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to get run for stream end", "error", err)
		return
	}
	data, _ := json.Marshal(run)
	w.Write([]byte("event: stream_end\ndata: " + string(data) + "\n\n"))
	flusher.Flush()
}
