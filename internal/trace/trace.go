// Package trace carries trace/span identifiers through the capture pipeline so log lines
// from one recording session, alert delivery or HTTP request can be correlated.
package trace

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Propagation keys, shared by HTTP headers and gRPC metadata.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
)

type (
	traceKey  struct{}
	fieldsKey struct{}
)

// Context identifies one span of a trace.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New starts a fresh trace.
func New() Context {
	return Context{TraceID: newTraceID(), SpanID: newSpanID()}
}

// NewChild opens a span under parent. A zero parent starts a fresh trace.
func NewChild(parent Context) Context {
	if parent.TraceID == "" {
		return New()
	}
	return Context{TraceID: parent.TraceID, SpanID: newSpanID(), ParentSpanID: parent.SpanID}
}

// FromContext extracts trace context from context.Context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(traceKey{}).(Context)
	return tc, ok
}

// WithContext injects trace context into context.Context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// EnsureContext returns the existing trace context or starts one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// With attaches key/value pairs that Logger adds to every line logged under
// ctx, e.g. a recording session ID.
func With(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(fieldsKey{}).([]any)
	fields := make([]any, 0, len(prev)+len(args))
	fields = append(append(fields, prev...), args...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// 128-bit trace IDs and 64-bit span IDs, hex encoded.
func newTraceID() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
func newSpanID() string  { return newTraceID()[:16] }

// ToMap exports the context for outgoing metadata.
func (c Context) ToMap() map[string]string {
	m := map[string]string{TraceIDKey: c.TraceID, SpanIDKey: c.SpanID}
	if c.ParentSpanID != "" {
		m[ParentSpanIDKey] = c.ParentSpanID
	}
	return m
}

// FromMap continues a remote trace. The caller's span becomes the parent.
func FromMap(m map[string]string) Context {
	return NewChild(Context{TraceID: m[TraceIDKey], SpanID: m[SpanIDKey]})
}

// Span times one operation. Attributes keep insertion order in the log line.
type Span struct {
	Name  string
	Ctx   Context
	Start time.Time

	mu    sync.Mutex
	end   time.Time
	attrs []slog.Attr
	err   error
	log   *slog.Logger
}

// StartSpan opens a child span of whatever trace ctx carries.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, _ := FromContext(ctx)
	ctx = WithContext(ctx, NewChild(parent))
	tc, _ := FromContext(ctx)
	return ctx, &Span{Name: name, Ctx: tc, Start: time.Now(), log: Logger(ctx)}
}

// SetAttr records an attribute; a repeated key overwrites.
func (s *Span) SetAttr(key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attrs {
		if s.attrs[i].Key == key {
			s.attrs[i].Value = slog.AnyValue(val)
			return
		}
	}
	s.attrs = append(s.attrs, slog.Any(key, val))
}

// SetError marks the span failed when err is non-nil.
func (s *Span) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// End closes the span once. Failed spans log at warn, the rest at debug.
func (s *Span) End() {
	s.mu.Lock()
	if !s.end.IsZero() {
		s.mu.Unlock()
		return
	}
	s.end = time.Now()
	failed := s.err != nil
	s.mu.Unlock()

	if failed {
		s.log.Warn("span failed", "span", s)
		return
	}
	s.log.Debug("span finished", "span", s)
}

// Duration is zero until End.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end.IsZero() {
		return 0
	}
	return s.end.Sub(s.Start)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := make([]slog.Attr, 0, len(s.attrs)+3)
	attrs = append(attrs, slog.String("name", s.Name))
	if !s.end.IsZero() {
		attrs = append(attrs, slog.Duration("duration", s.end.Sub(s.Start)))
	}
	attrs = append(attrs, s.attrs...)
	if s.err != nil {
		attrs = append(attrs, slog.String("error", s.err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger annotated with ctx's trace IDs and any
// fields attached by With.
func Logger(ctx context.Context) *slog.Logger {
	args, _ := ctx.Value(fieldsKey{}).([]any)
	if tc, ok := FromContext(ctx); ok {
		ids := []any{"trace_id", tc.TraceID, "span_id", tc.SpanID}
		if tc.ParentSpanID != "" {
			ids = append(ids, "parent_span_id", tc.ParentSpanID)
		}
		args = append(ids, args...)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
