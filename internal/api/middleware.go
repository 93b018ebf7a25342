package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/metrics"
)

// quietPaths are polled constantly and neither logged nor counted.
var quietPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/ready":   true,
	"/metrics": true,
}

// LoggingMiddleware tags the request with an ID, then logs and counts it
// under its route template.
func (h *Handlers) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), RequestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if quietPaths[r.URL.Path] {
			return
		}
		duration := time.Since(start)
		route := routeTemplate(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

		attrs := []any{
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", duration),
		}
		if id := mux.Vars(r)["id"]; id != "" {
			attrs = append(attrs, slog.String("job_id", id))
		}
		h.logger.Info("request", attrs...)
	})
}

// routeTemplate returns the matched mux template ("/api/v1/jobs/{id}") so
// job ids do not blow up metric cardinality.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func (h *Handlers) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("path", r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context(), r)),
				)
				writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter records the status code and passes flushes through for SSE.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
