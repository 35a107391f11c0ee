package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func route(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return c.Request().URL.Path
}

// TracingMiddleware starts a server span per request, continuing any
// incoming W3C trace context.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	tracer := p.Tracer("lims-http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			rt := route(c)
			ctx, span := tracer.Start(ctx, "HTTP "+req.Method+" "+rt,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", rt),
					attribute.String("url.path", req.URL.Path),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				// Render now so the span sees the final status.
				c.Error(err)
			}

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if tenantID, ok := c.Get("tenant_id").(string); ok && tenantID != "" {
				span.SetAttributes(attribute.String("tenant.id", tenantID))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, "server error")
				if err != nil {
					span.RecordError(err)
				}
			}
			return err
		}
	}
}

// MetricsMiddleware records request counts and latency per route.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	m := p.metrics
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			rt := route(c)
			method := c.Request().Method
			m.RequestsTotal.WithLabelValues(method, rt, strconv.Itoa(c.Response().Status)).Inc()
			m.RequestDuration.WithLabelValues(method, rt).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
