package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values fall back to info
// and report ok=false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// NewLogger builds a logger for the given level and format (text | json | pretty).
// The pretty format is meant for terminals.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, _ := ParseLevel(level)
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "pretty":
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(lvl),
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}

// SetupLogging installs the default slog logger from LOG_LEVEL / LOG_FORMAT values.
func SetupLogging(level, format string) *slog.Logger {
	l := NewLogger(os.Stdout, level, format)
	slog.SetDefault(l)
	if _, ok := ParseLevel(level); !ok {
		l.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return l
}
