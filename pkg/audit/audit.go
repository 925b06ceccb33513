// Package audit configures the engine's structured operational logger.
// Forensic evidence lives in the intent log and the hash-chained ledgers;
// this logger is for operators, not for proof.
package audit

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON-lines slog logger at the given level, writing to w
// (stderr when nil).
func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
