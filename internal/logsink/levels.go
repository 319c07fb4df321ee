package logsink

import "log/slog"

// Operator-facing levels on top of slog's built-in ones.
const (
	LevelSuccess = slog.LevelInfo + 1
	LevelStart   = slog.LevelInfo + 2
	LevelStop    = slog.LevelInfo + 3
)

// LevelName returns the persisted name of a level.
func LevelName(level slog.Level) string {
	switch {
	case level == LevelSuccess:
		return "SUCCESS"
	case level == LevelStart:
		return "START"
	case level == LevelStop:
		return "STOP"
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ReplaceLevel renders custom levels by name in handler output.
// It is meant for slog.HandlerOptions.ReplaceAttr.
func ReplaceLevel(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 || attr.Key != slog.LevelKey {
		return attr
	}
	level, ok := attr.Value.Any().(slog.Level)
	if !ok {
		return attr
	}
	attr.Value = slog.StringValue(LevelName(level))

	return attr
}
