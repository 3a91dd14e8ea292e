package report

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger instead of a remote backend.
type LogSink struct {
	Logger *slog.Logger
}

func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l}
}

func (s *LogSink) Send(ctx context.Context, e Event) error {
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "lifecycle event",
		slog.String("id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("server", e.Server),
		slog.String("message", e.Message),
		slog.Int("exit_code", e.ExitCode),
		slog.Int("crash_count", e.CrashCount),
		slog.Int("attempt", e.Attempt),
	)
	return nil
}
