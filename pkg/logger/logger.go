// Package logger holds the process-wide zap logger.
package logger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger. It discards everything until Init runs.
var Log = zap.NewNop()

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// New builds a logger from cfg. JSON output uses production encoding with
// ISO8601 timestamps; text output is colored for terminals.
func New(cfg *Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output == "file" && cfg.FilePath != "" {
		zc.OutputPaths = []string{cfg.FilePath}
		zc.ErrorOutputPaths = []string{cfg.FilePath}
	} else {
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	}

	return zc.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// Init replaces the global logger
func Init(cfg *Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	Log = l
	return nil
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores the request id for FromContext
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromContext returns the global logger tagged with the request id, if any
func FromContext(ctx context.Context) *zap.Logger {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return Log.With(zap.String("request_id", requestID))
	}
	return Log
}

// ForCall returns a child of base tagged with the call and the local user.
// A nil base falls back to the global logger.
func ForCall(base *zap.Logger, callID, userID uuid.UUID) *zap.Logger {
	if base == nil {
		base = Log
	}
	return base.With(zap.String("call_id", callID.String()), zap.String("user_id", userID.String()))
}

// The helpers below skip their own frame so callers show up in the output.

func Debug(msg string, fields ...zap.Field) { skip().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { skip().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { skip().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { skip().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { skip().Fatal(msg, fields...) }

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}

func skip() *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(1))
}
