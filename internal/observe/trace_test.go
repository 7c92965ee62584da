package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs a recording tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
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

// captureLogs routes the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestSessionID_RoundTrip(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSession(context.Background(), "s-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSession(context.Background(), "s-42")
	_, span := StartSpan(ctx, "voicecache.synthesize")
	span.End()
	_, plain := StartSpan(context.Background(), "plain")
	plain.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	var tagged bool
	for _, kv := range spans[0].Attributes {
		if kv.Key == SessionIDKey && kv.Value.AsString() == "s-42" {
			tagged = true
		}
	}
	if !tagged {
		t.Errorf("session span attributes = %v", spans[0].Attributes)
	}
	for _, kv := range spans[1].Attributes {
		if kv.Key == SessionIDKey {
			t.Errorf("span without session carries %v", kv)
		}
	}
}

func TestTraceID(t *testing.T) {
	useTracer(t)
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q", got)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := TraceID(ctx); len(got) != 32 {
		t.Errorf("TraceID = %q, want 32 hex chars", got)
	}
}

func TestLogger_Attributes(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("bare")
	if strings.Contains(buf.String(), "session_id") || strings.Contains(buf.String(), "trace_id") {
		t.Errorf("bare logger added attributes: %s", buf)
	}
	buf.Reset()

	ctx, span := StartSpan(WithSession(context.Background(), "s-7"), "op")
	defer span.End()
	Logger(ctx).Info("tagged")
	for _, want := range []string{"session_id=s-7", "trace_id=", "span_id="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %q: %s", want, buf)
		}
	}
}
