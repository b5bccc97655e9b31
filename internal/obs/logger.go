package obs

import (
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// NewLogger builds the process logger. format is json or text.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard is a logger for tests and library callers that pass none.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Since is the latency_ms attribute attached to every operation log line.
func Since(start time.Time) slog.Attr {
	return slog.Int64("latency_ms", time.Since(start).Milliseconds())
}

func httpCode(code int) string { return strconv.Itoa(code) }
