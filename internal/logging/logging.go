// Package logging builds the service's zap logger and carries request ids in contexts.
package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const requestIDKey ctxKey = "req_id"

// New returns a JSON production logger at the given level ("debug", "info", ...).
func New(level, service string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("service", service)), nil
}

// OrNop substitutes a no-op logger for nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// For returns l annotated with the context's request id, if any.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	l = OrNop(l)
	if id := RequestID(ctx); id != "" {
		return l.With(zap.String("req_id", id))
	}
	return l
}

// Time logs the duration of op when the returned func runs. Use as
//
//	defer logging.Time(ctx, log, "op")(&err)
func Time(ctx context.Context, l *zap.Logger, op string) func(errp *error) {
	start := time.Now()
	l = For(ctx, l)
	return func(errp *error) {
		fields := []zap.Field{zap.String("op", op), zap.Int64("dur_ms", time.Since(start).Milliseconds())}
		if errp != nil && *errp != nil {
			l.Warn("op failed", append(fields, zap.Error(*errp))...)
			return
		}
		l.Debug("op done", fields...)
	}
}
