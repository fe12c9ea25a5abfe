package session

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// OperationStats aggregates outcomes for one scope operation.
type OperationStats struct {
	Success    int64   `json:"success"`
	Error      int64   `json:"error"`
	DurationMS float64 `json:"duration_ms_total"`
}

// ExpvarMetricsRecorder publishes per-operation counters and cumulative
// latency via expvar. It fulfills MetricsRecorder for deployments that prefer
// process-local metrics without external dependencies.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]*OperationStats
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder and publishes
// it under the supplied name. When name is empty, a unique identifier is
// generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("sessioncore_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name: name,
		ops:  make(map[string]*OperationStats),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot returns an immutable copy of the aggregated metrics keyed by
// operation name.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]OperationStats, len(r.ops))
	for op, stats := range r.ops {
		out[op] = *stats
	}
	return out
}

// Observe records a scope operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.ops[operation]
	if !ok {
		stats = &OperationStats{}
		r.ops[operation] = stats
	}
	if success {
		stats.Success++
	} else {
		stats.Error++
	}
	stats.DurationMS += float64(duration) / float64(time.Millisecond)
}

// TraceEvent is a serialized span emitted by JSONTraceTracer.
type TraceEvent struct {
	Seq        uint64    `json:"seq"`
	Operation  string    `json:"operation"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// JSONTraceTracer serializes completed spans as JSON lines and retains them
// in memory for inspection.
type JSONTraceTracer struct {
	mu     sync.Mutex
	seq    uint64
	events []TraceEvent
	enc    *json.Encoder
}

// NewJSONTracer constructs a tracer writing spans to w. A nil writer retains
// events in memory only.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Events returns a copy of all recorded spans in completion order.
func (t *JSONTraceTracer) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Start implements the Tracer interface.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{
		tracer:    t,
		operation: operation,
		started:   time.Now().UTC(),
	}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	outcome := "success"
	var errMsg string
	if err != nil {
		outcome = "error"
		errMsg = err.Error()
	}
	event := TraceEvent{
		Operation:  s.operation,
		Outcome:    outcome,
		Error:      errMsg,
		DurationMS: float64(time.Since(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
	}

	s.tracer.mu.Lock()
	s.tracer.seq++
	event.Seq = s.tracer.seq
	s.tracer.events = append(s.tracer.events, event)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(event)
	}
	s.tracer.mu.Unlock()
}
