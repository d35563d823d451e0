package wfobs

import (
	"context"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Span is a finished span captured by the Recorder, flattened for JSON
// serving over the introspection API.
type Span struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

const defaultMaxSpans = 1000

// Recorder is an in-memory SpanExporter retaining the most recent spans,
// oldest-first. It stands in for a wire exporter in single-process
// deployments where there is no collector to ship spans to.
type Recorder struct {
	mu    sync.RWMutex
	spans []*Span
	max   int
}

// NewRecorder creates a Recorder retaining at most max spans; max <= 0
// takes the default of 1000.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = defaultMaxSpans
	}
	return &Recorder{max: max}
}

// ExportSpans implements sdktrace.SpanExporter.
func (r *Recorder) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range spans {
		r.spans = append(r.spans, convertSpan(s))
	}
	if excess := len(r.spans) - r.max; excess > 0 {
		r.spans = append([]*Span(nil), r.spans[excess:]...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (r *Recorder) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
	return nil
}

// Spans returns all retained spans, oldest-first.
func (r *Recorder) Spans() []*Span {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Span(nil), r.spans...)
}

// SpansByName returns retained spans with the given name, oldest-first.
func (r *Recorder) SpansByName(name string) []*Span {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Span
	for _, s := range r.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of retained spans.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spans)
}

func convertSpan(s sdktrace.ReadOnlySpan) *Span {
	out := &Span{
		TraceID:    s.SpanContext().TraceID().String(),
		SpanID:     s.SpanContext().SpanID().String(),
		Name:       s.Name(),
		StartedAt:  s.StartTime(),
		EndedAt:    s.EndTime(),
		DurationMs: float64(s.EndTime().Sub(s.StartTime())) / float64(time.Millisecond),
		Status:     s.Status().Code.String(),
		StatusMsg:  s.Status().Description,
	}
	if s.Parent().HasSpanID() {
		out.ParentSpanID = s.Parent().SpanID().String()
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		out.Attributes = make(map[string]string, len(attrs))
		for _, attr := range attrs {
			out.Attributes[string(attr.Key)] = attr.Value.Emit()
		}
	}
	return out
}

var _ sdktrace.SpanExporter = (*Recorder)(nil)
