package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNew_WritesServiceAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "order-saga", "warn")

	logger.Info().Msg("dropped")
	logger.Warn().Str("saga_id", "s-1").Msg("kept")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "order-saga" || entry["saga_id"] != "s-1" || entry["message"] != "kept" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp field: %+v", entry)
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "order-saga", "")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	traced := WithTrace(ctx, logger)
	traced.Info().Msg("traced")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected trace id: %+v", entry)
	}
}
