package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
)

func TestTracingHandlerAttachesServiceMetadata(t *testing.T) {
	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	handler := telemetry.NewTracingHandler(inner, "analysiscoordinator", "dev", telemetry.ModeCLI)
	logger := slog.New(handler)

	logger.Info("hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "analysiscoordinator", decoded["service"])
	assert.Equal(t, "dev", decoded["env"])
	assert.Equal(t, "cli", decoded["mode"])
}

func TestTracingHandlerOmitsEnvWhenEmpty(t *testing.T) {
	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	handler := telemetry.NewTracingHandler(inner, "analysiscoordinator", "", telemetry.ModeEmbedded)
	logger := slog.New(handler)

	logger.Info("hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	_, hasEnv := decoded["env"]
	assert.False(t, hasEnv)
}

func TestTracingHandlerInjectsTraceContext(t *testing.T) {
	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	handler := telemetry.NewTracingHandler(inner, "analysiscoordinator", "", telemetry.ModeCLI)
	logger := slog.New(handler)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	ctx, span := tp.Tracer("test").Start(t.Context(), "op")
	defer span.End()

	logger.InfoContext(ctx, "hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, span.SpanContext().TraceID().String(), decoded["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), decoded["span_id"])
}

func TestTracingHandlerWithAttrsPreservesService(t *testing.T) {
	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	handler := telemetry.NewTracingHandler(inner, "analysiscoordinator", "", telemetry.ModeCLI)
	child := handler.WithAttrs([]slog.Attr{slog.String("component", "boundary")})
	logger := slog.New(child)

	logger.Info("hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "analysiscoordinator", decoded["service"])
	assert.Equal(t, "boundary", decoded["component"])
}
