package observability

import (
	"log/slog"
	"strings"
)

// LevelCritical sits above slog.LevelError. The engine uses it for faults
// that stop a watch outright, such as a recovered panic.
const LevelCritical = slog.Level(12)

// Severity names, in the order of the audit sinks.
var severities = []string{"debug", "info", "warning", "error", "critical"}

// Severities returns the five severity names, one durable sink each.
func Severities() []string {
	return append([]string(nil), severities...)
}

// SeverityOf buckets a slog level into one of the five severities.
func SeverityOf(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warning"
	case l < LevelCritical:
		return "error"
	default:
		return "critical"
	}
}

// ParseLevel maps a configuration string to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// replaceLevel renders LevelCritical as CRITICAL and WARN as WARNING so that
// every line carries one of the five severity names.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok {
		a.Value = slog.StringValue(strings.ToUpper(SeverityOf(l)))
	}
	return a
}
