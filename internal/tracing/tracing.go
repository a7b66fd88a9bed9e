// Package tracing wires a minimal in-process OpenTelemetry
// TracerProvider: no exporter, no collector, just a bounded in-memory
// span recorder surfaced over the "trace-dump" GENERIC_COMMAND
// subcommand for local debugging. Spans wrap build stages and
// console-attach sessions.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cblockd/cblockd"

// recorded is one finished span, flattened for display.
type recorded struct {
	name       string
	start, end time.Time
	attrs      []attribute.KeyValue
}

// recorder is a sdktrace.SpanProcessor that keeps the last maxSpans
// finished spans in memory.
type recorder struct {
	mu       sync.Mutex
	maxSpans int
	spans    []recorded
}

func (r *recorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *recorder) OnEnd(s sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, recorded{
		name:  s.Name(),
		start: s.StartTime(),
		end:   s.EndTime(),
		attrs: s.Attributes(),
	})
	if over := len(r.spans) - r.maxSpans; over > 0 {
		r.spans = r.spans[over:]
	}
}

func (r *recorder) Shutdown(context.Context) error   { return nil }
func (r *recorder) ForceFlush(context.Context) error { return nil }

// Recorder is the handle daemon.go holds to install the provider and
// later dump its contents.
type Recorder struct {
	rec *recorder
	tp  *sdktrace.TracerProvider
}

// Install sets up a global TracerProvider backed by an in-memory
// recorder bounded to maxSpans, and returns a handle for Dump/Shutdown.
func Install(maxSpans int) *Recorder {
	if maxSpans <= 0 {
		maxSpans = 512
	}
	r := &recorder{maxSpans: maxSpans}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(r))
	otel.SetTracerProvider(tp)
	return &Recorder{rec: r, tp: tp}
}

// Shutdown tears down the provider, flushing any buffered spans.
func (h *Recorder) Shutdown(ctx context.Context) error {
	return h.tp.Shutdown(ctx)
}

// Dump renders the recorded spans newest-first as free-form text for
// the "trace-dump" GENERIC_COMMAND subcommand.
func (h *Recorder) Dump() string {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	if len(h.rec.spans) == 0 {
		return "no spans recorded yet\n"
	}
	var b strings.Builder
	for i := len(h.rec.spans) - 1; i >= 0; i-- {
		s := h.rec.spans[i]
		fmt.Fprintf(&b, "%s  dur=%s", s.name, s.end.Sub(s.start))
		for _, a := range s.attrs {
			fmt.Fprintf(&b, "  %s=%s", a.Key, a.Value.Emit())
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Tracer returns the package-wide tracer, resolved against whatever
// TracerProvider is currently installed globally.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
