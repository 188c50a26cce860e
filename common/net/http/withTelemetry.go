package http

import (
	"context"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mopentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryMiddleware wires request tracing and request-count metrics
// into the gateway's fiber app.
type TelemetryMiddleware struct {
	*mopentelemetry.Telemetry
}

// NewTelemetryMiddleware creates a new instance of TelemetryMiddleware.
func NewTelemetryMiddleware(tl *mopentelemetry.Telemetry) *TelemetryMiddleware {
	return &TelemetryMiddleware{tl}
}

// WithTelemetry is a middleware that adds tracing to the context and
// records one request-count metric per action (spec.md §6 HTTP surface).
func (tm *TelemetryMiddleware) WithTelemetry(tl *mopentelemetry.Telemetry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tracer := otel.Tracer(tl.LibraryName)
		ctx := common.ContextWithTracer(c.UserContext(), tracer)

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Route().Path)
		defer span.End()

		c.SetUserContext(ctx)

		if err := tm.countRequest(ctx, c.Route().Path); err != nil {
			return WithError(c, err)
		}

		return c.Next()
	}
}

// EndTracingSpans is a middleware that ends the tracing spans.
func (tm *TelemetryMiddleware) EndTracingSpans(c *fiber.Ctx) error {
	err := c.Next()

	go func() {
		trace.SpanFromContext(c.UserContext()).End()
	}()

	return err
}

func (tm *TelemetryMiddleware) countRequest(ctx context.Context, route string) error {
	counter, err := otel.Meter(tm.ServiceName).Int64Counter(
		"gateway.requests",
		metric.WithDescription("count of gateway requests per route"),
	)
	if err != nil {
		return err
	}

	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))

	return nil
}
