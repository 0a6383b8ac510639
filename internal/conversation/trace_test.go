package conversation

import (
	"context"
	"testing"
	"time"

	audiomock "github.com/MrWong99/tutorvoice/pkg/audio/mock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: swaps the global tracer provider.
func TestMachine_TurnSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t, true, &audiomock.Microphone{Levels: []float64{-30, -30, -30, -30, -30, -60}})
	f.send(event{kind: evOpen})
	f.playReply()

	// The opening utterance goes out and is never answered.
	f.sched.Advance(25 * time.Second)
	if f.m.timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", f.m.timeouts)
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	greeting := spans[0]
	if greeting.Name != "conversation.turn" || greeting.Status.Code == codes.Error {
		t.Errorf("greeting span = %q status %v, want an ok conversation.turn", greeting.Name, greeting.Status.Code)
	}
	if v := attr(greeting, "turn.kind"); v != "greeting" {
		t.Errorf("greeting turn.kind = %q", v)
	}

	last := spans[1]
	if last.Status.Code != codes.Error {
		t.Errorf("last span status = %v, want Error", last.Status.Code)
	}
	if v := attr(last, "turn.kind"); v != "utterance" {
		t.Errorf("last turn.kind = %q, want utterance", v)
	}
}

func attr(s tracetest.SpanStub, key string) string {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}
