// Package trace - HTTP/WebSocket middleware for trace extraction.
package trace

import (
	"encoding/json"
	"net/http"
	"time"
)

// Middleware extracts or creates trace context for HTTP requests and logs the outcome.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := extractFromHeaders(r)
		ctx := WithContext(r.Context(), tc)
		w.Header().Set(TraceIDKey, tc.TraceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		Logger(ctx).Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket hijacking reach the real writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Flush forwards to the underlying writer for streaming responses.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// extractFromHeaders continues the caller's trace when the headers carry one.
func extractFromHeaders(r *http.Request) Context {
	return FromMap(map[string]string{
		TraceIDKey: r.Header.Get(TraceIDKey),
		SpanIDKey:  r.Header.Get(SpanIDKey),
	})
}

// ExtractFromJSON continues the trace named by a WebSocket command's
// trace_id field. ok is false when the message names none.
func ExtractFromJSON(data []byte) (tc Context, ok bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
		SpanID  string `json:"span_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return FromMap(map[string]string{TraceIDKey: msg.TraceID, SpanIDKey: msg.SpanID}), true
}
