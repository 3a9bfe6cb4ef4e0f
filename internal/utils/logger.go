// internal/utils/logger.go
package utils

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger defines the interface for logging throughout the application.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// zapLogger implements Logger on top of a zap.SugaredLogger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

var (
	logLevel   = zap.NewAtomicLevelAt(levelFromString(os.Getenv("LOG_LEVEL")))
	baseLogger = buildBaseLogger()
)

func levelFromString(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel adjusts the global log level at runtime; config hot reload
// uses this.
func SetLevel(level string) {
	logLevel.SetLevel(levelFromString(level))
}

func buildBaseLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = logLevel
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op logger rather than failing startup.
		z = zap.NewNop()
	}
	return z.Sugar()
}

// NewLogger creates a logger with no preset fields.
func NewLogger() Logger {
	return &zapLogger{sugar: baseLogger}
}

// NewComponentLogger creates a logger tagged with a component name.
func NewComponentLogger(component string) Logger {
	return &zapLogger{sugar: baseLogger.With("component", component)}
}

func (l *zapLogger) Debug(msg string)                          { l.sugar.Debug(msg) }
func (l *zapLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Info(msg string)                           { l.sugar.Info(msg) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warn(msg string)                           { l.sugar.Warn(msg) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Error(msg string)                          { l.sugar.Error(msg) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) WithField(key string, value interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(key, value)}
}

func (l *zapLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &zapLogger{sugar: l.sugar.With(args...)}
}
