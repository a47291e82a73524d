package logger

import (
	"context"
	"log"
	"log/slog"
)

// NewStdLogger returns a standard library Logger that wraps the slog Logger.
func NewStdLogger(logger *Logger, level Level) *log.Logger {
	return slog.NewLogLogger(logger.handler, slog.Level(level))
}

// NewStdLoggerWriter provides writer support for the standard library logger.
func NewStdLoggerWriter(logger *Logger, level Level) *writer {
	return &writer{logger: logger, level: level}
}

type writer struct {
	logger *Logger
	level  Level
}

func (w *writer) Write(p []byte) (int, error) {
	w.logger.write(context.Background(), w.level, 4, string(p))
	return len(p), nil
}
