// Package logging configures the process-wide slog logger for audittrail binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the default slog logger from AUDIT_LOG_LEVEL and
// AUDIT_LOG_FORMAT, overridden by a -log-level / --log-level CLI flag (flag
// wins). It returns args with the flag stripped so the caller's flag set
// doesn't reject it.
func InitLogging(args []string) []string {
	levelStr := os.Getenv("AUDIT_LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}

	levelStr, remaining := extractLevelFlag(levelStr, args)

	slog.SetDefault(New(os.Stderr, ParseLevel(levelStr), os.Getenv("AUDIT_LOG_FORMAT")))
	return remaining
}

// New builds a logger writing to w. format "json" selects the JSON handler;
// anything else yields the text handler.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func extractLevelFlag(levelStr string, args []string) (string, []string) {
	var remaining []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// --log-level=value
		if v, ok := strings.CutPrefix(arg, "--log-level="); ok {
			levelStr = v
			continue
		}
		if v, ok := strings.CutPrefix(arg, "-log-level="); ok {
			levelStr = v
			continue
		}

		// -log-level value / --log-level value
		if arg == "-log-level" || arg == "--log-level" {
			if i+1 < len(args) {
				levelStr = args[i+1]
				i++
			}
			continue
		}

		remaining = append(remaining, arg)
	}
	return levelStr, remaining
}
