package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error type classification constants per OTel semantic conventions.
const (
	ErrTypeTimeout               = "timeout"
	ErrTypeCancel                = "cancel"
	ErrTypeValidation            = "validation"
	ErrTypeDependencyUnavailable = "dependency_unavailable"
	ErrTypeInternal              = "internal"
)

// RecordSpanError records an error on a span with structured classification attributes.
func RecordSpanError(span trace.Span, err error, errType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.type", errType))
}

// errPanic is a sentinel error for recovered panics.
var errPanic = errors.New("panic recovered in request handler")

// RequestHandler processes one decoded worker request and returns whether it
// failed. It is the unit wrapped by [InstrumentRequest].
type RequestHandler func(ctx context.Context) error

// InstrumentRequest wraps a job-server request handler with a span, RED
// metrics, a one-line access log, and panic recovery. The span and panic
// recovery are only installed when tracer is non-nil. Generalizes the
// teacher's withTracing/withMetrics MCP tool wrappers from tool calls to
// worker protocol requests.
func InstrumentRequest(
	tracer trace.Tracer, metrics *REDMetrics, logger *slog.Logger, method string, fn RequestHandler,
) RequestHandler {
	return func(ctx context.Context) (err error) {
		start := time.Now()

		if tracer != nil {
			var span trace.Span

			ctx, span = tracer.Start(ctx, "boundary.request."+method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("rpc.method", method)),
			)
			defer span.End()

			defer func() {
				if r := recover(); r != nil {
					RecordSpanError(span, fmt.Errorf("%w: %v", errPanic, r), ErrTypeInternal)
					span.AddEvent("panic.stack", trace.WithAttributes(
						attribute.String("stack", string(debug.Stack())),
					))

					err = fmt.Errorf("%w: %v", errPanic, r)
				} else if err != nil {
					RecordSpanError(span, err, ErrTypeInternal)
				}
			}()
		}

		var decInflight func()
		if metrics != nil {
			decInflight = metrics.TrackInflight(ctx, method)
		}

		err = fn(ctx)

		if decInflight != nil {
			decInflight()
		}

		status := "ok"
		if err != nil {
			status = statusError
		}

		if metrics != nil {
			metrics.RecordRequest(ctx, method, status, time.Since(start))
		}

		if logger != nil {
			logger.InfoContext(ctx, "boundary.request",
				"method", method,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}

		return err
	}
}
