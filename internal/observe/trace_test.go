package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs an in-memory tracer provider for the duration of t.
// Tests using it must not run in parallel.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("without span: got %q, want empty", got)
	}

	useRecorder(t)
	ctx, span := StartSpan(context.Background(), "conversation.turn")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("len = %d, want 32", len(cid))
	}
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("got %q, want the span's trace ID", cid)
	}
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	exp := useRecorder(t)

	ctx, parent := StartSpan(context.Background(), "HTTP GET /readyz")
	_, child := StartSpan(ctx, "channel.dial")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "channel.dial" {
		t.Errorf("first ended span = %q, want channel.dial", spans[0].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("dial span is not a child of the request span")
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useRecorder(t)

	_, ok := StartSpan(context.Background(), "answered")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "timed out")
	EndSpan(failed, errors.New("no reply"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("span without error has error status")
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[1].Status.Code)
	}
	if len(spans[1].Events) == 0 {
		t.Error("expected a recorded error event")
	}
}
