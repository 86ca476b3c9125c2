package middleware

import (
	"time"

	"chatcall/pkg/logger"
	"chatcall/pkg/tracing"
	"chatcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const RequestIDHeader = "X-Request-ID"

// TracingMiddleware opens a span per request and puts the trace and request
// ids into the request context for ContextLogger.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("http.request_id", requestID),
		)

		ctx = logger.WithRequestID(ctx, requestID)
		if traceID := tracing.TraceIDFrom(ctx); traceID != "" {
			ctx = logger.WithTraceID(ctx, traceID)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)

		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// AccessLogMiddleware writes one structured line per request.
func AccessLogMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
