package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
	callIDKey    contextKey = "call_id"
)

// WithTraceID returns a context carrying a trace id for log correlation.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

// UserIDFrom returns the user id stored by WithUserID.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds correlation fields found in ctx to the logger.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zapcore.Field
	for _, key := range []contextKey{traceIDKey, userIDKey, requestIDKey, callIDKey} {
		if id, ok := ctx.Value(key).(string); ok && id != "" {
			fields = append(fields, zap.String(string(key), id))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// Sugared returns the context logger in the key-value form used by services.
func (cl *ContextLogger) Sugared(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", durationMs),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
