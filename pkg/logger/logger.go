package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu          sync.RWMutex
	globalSugar *zap.SugaredLogger
	globalBase  *zap.Logger
)

type fieldsKey struct{}

// Init initializes a global zap logger. The env can be "production" or "development" (default).
// It also redirects the stdlib log output to zap so stray log.Printf calls are captured.
func Init(env string) (*zap.SugaredLogger, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalBase != nil {
		return globalSugar, nil
	}

	var cfg zap.Config
	if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base)

	globalBase = base
	globalSugar = base.Sugar()
	return globalSugar, nil
}

// SetBase replaces the global logger, used by tests to observe output.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	globalBase = l
	globalSugar = l.Sugar()
}

func ensure() {
	mu.RLock()
	ready := globalBase != nil
	mu.RUnlock()
	if ready {
		return
	}
	if _, err := Init(os.Getenv("LOG_ENV")); err != nil {
		base, _ := zap.NewDevelopment()
		SetBase(base)
	}
}

// L returns the global sugared logger, initializing it on first use.
func L() *zap.SugaredLogger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return globalSugar
}

// Base returns the base *zap.Logger (non-sugared).
func Base() *zap.Logger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return globalBase
}

// WithFields returns a context whose log lines carry fields in addition to
// any already attached.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FromContext returns the base logger decorated with the context fields.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return Base()
	}
	if fields, ok := ctx.Value(fieldsKey{}).([]zap.Field); ok && len(fields) > 0 {
		return Base().With(fields...)
	}
	return Base()
}

// Debug logs with context and fields.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	FromContext(ctx).Debug(msg, fields...)
}

// Info logs with context and fields.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	FromContext(ctx).Info(msg, fields...)
}

// Warn logs with context and fields.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	FromContext(ctx).Warn(msg, fields...)
}

// Error logs with context and fields.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	FromContext(ctx).Error(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalBase != nil {
		_ = globalBase.Sync()
	}
}

// GORMWriter is a Writer adapter for GORM logger that writes to zap logger
type GORMWriter struct{}

// Printf implements gorm.io/gorm/logger.Writer interface
func (w GORMWriter) Printf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	msg = strings.TrimRight(msg, "\r\n")
	Base().Warn(msg, zap.String("component", "gorm"))
}

// NewGORMWriter creates a new GORM writer adapter
func NewGORMWriter() GORMWriter {
	return GORMWriter{}
}
