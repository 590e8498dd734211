package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace sits below slog.LevelDebug for per-operation detail.
const LevelTrace slog.Level = -8

// NewLogger builds a text logger that trims source paths to their base name
// and labels trace records.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// Trace logs msg at LevelTrace against the default logger, attributing the
// record to the caller.
func Trace(msg string, args ...any) {
	trace(context.TODO(), msg, args...)
}

// TraceContext is Trace with a caller-supplied context.
func TraceContext(ctx context.Context, msg string, args ...any) {
	trace(ctx, msg, args...)
}

func trace(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		pc, _, _, _ := runtime.Caller(2)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
