package otel

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"mailpipeline/pkg/metrics"
	tracectx "mailpipeline/pkg/trace"
)

// GinMiddleware 为每个请求创建 server span，记录请求耗时，并透传 X-Trace-ID
func GinMiddleware() gin.HandlerFunc {
	propagator := otel.GetTextMapPropagator()

	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		// 业务 trace_id：优先使用调用方传入的
		if id := c.GetHeader(tracectx.HeaderName); id != "" {
			ctx = tracectx.WithContext(ctx, id)
		}
		ctx, traceID := tracectx.Ensure(ctx)
		c.Header(tracectx.HeaderName, traceID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := Tracer().Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
				attribute.String("trace_id", traceID),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), time.Since(start))
	}
}
