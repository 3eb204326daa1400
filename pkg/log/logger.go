// Package log provides structured JSON logging with session context.
//
// All log entries carry the session identifier so a single session's
// uplink, playback, recording, and upload activity can be correlated
// across goroutines.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger carrying session context fields.
type Logger struct {
	zap *zap.Logger
}

// NewLogger creates a logger for the given session. Output defaults to
// os.Stderr.
func NewLogger(sessionID string) *Logger {
	return newLoggerWithWriter(sessionID, os.Stderr, zapcore.InfoLevel)
}

// NewDebugLogger creates a logger that also emits debug-level entries.
func NewDebugLogger(sessionID string) *Logger {
	return newLoggerWithWriter(sessionID, os.Stderr, zapcore.DebugLevel)
}

// Nop returns a logger that discards everything. Components treat a nil
// *Logger the same way; Nop exists for explicit wiring.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

func newLoggerWithWriter(sessionID string, w io.Writer, level zapcore.Level) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)

	logger := zap.New(core)
	if sessionID != "" {
		logger = logger.With(zap.String("session_id", sessionID))
	}
	return &Logger{zap: logger}
}

// WithOutput returns a new logger writing to a different output.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// With returns a logger with additional context fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zap: l.zap.With(fields...)}
}

// Debug logs at debug level. Safe on a nil logger.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.zap.Debug(msg, fields...)
}

// Info logs at info level. Safe on a nil logger.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.zap.Info(msg, fields...)
}

// Warn logs at warn level. Safe on a nil logger.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.zap.Warn(msg, fields...)
}

// Error logs at error level. Safe on a nil logger.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.zap.Error(msg, fields...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.zap.Sync()
}
