package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/model"
)

type loggerKey struct{}

// NewLogger builds the server logger, writing to stdout.
//
// Levels: error for store outages, panics and 5xx responses; warn for
// rejected requests, dropped notifications and lost claim races; info for
// task lifecycle events, config activation and seeding; debug for cache
// activity.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	return NewLoggerTo(cfg, "stdout")
}

// NewLoggerTo builds a logger writing to the given zap output paths.
// curatorctl logs to stderr so command output stays parseable.
func NewLoggerTo(cfg config.ObservabilityConfig, paths ...string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoding := cfg.LogFormat
	switch encoding {
	case "", "json":
		encoding = "json"
	case "console":
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q (json, console)", cfg.LogFormat)
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      paths,
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the request's logger tagged with the caller and
// correlation IDs.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.IPAddress != "" {
		fields = append(fields, zap.String("client_ip", rctx.IPAddress))
	}
	return logger.With(fields...)
}
