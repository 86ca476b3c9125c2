package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger at the given level using the JSON encoder.
func New(level string) (*zap.Logger, error) {
	return NewWithFormat(level, "json")
}

// NewWithFormat builds a zap logger. Format is "json" or "console".
func NewWithFormat(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return cfg.Build()
}

// Must is New for command entrypoints; it falls back to a no-op logger so
// startup can still report the problem on stderr.
func Must(level, format string) *zap.Logger {
	l, err := NewWithFormat(level, format)
	if err != nil {
		fmt.Printf("logger: %v\n", err)
		return zap.NewNop()
	}
	return l
}
