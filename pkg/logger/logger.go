// SPDX-License-Identifier: AGPL-3.0-or-later
package logger

import (
	"log/slog"
	"os"
	"strings"
)

var Logger *slog.Logger

func init() {
	SetLevel(slog.LevelInfo)
}

func SetLevel(level slog.Level) {
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetLevelAndFormat sets the package logger's level and output encoding.
// "classic" selects slog's human-readable text handler (local/dev use);
// anything else, including the default "json", selects the structured
// handler the rest of this codebase's log aggregation expects in production.
func SetLevelAndFormat(level slog.Level, format string) {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "classic") {
		Logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
		return
	}
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
