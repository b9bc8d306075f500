package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// that every line logged for it carries the same identifiers.
type LoggerContext struct {
	logger *Logger
}

// NewLoggerContext wraps the provided logger.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add appends key/value attributes to every subsequent record.
func (lc *LoggerContext) Add(args ...any) { lc.logger = lc.logger.With(args...) }

// Logger returns the underlying logger including every attribute added so far.
func (lc *LoggerContext) Logger() *Logger { return lc.logger }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.Debugc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.Infoc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.Warn(ctx, msg, args...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.Error(ctx, msg, args...)
}
