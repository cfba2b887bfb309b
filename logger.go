package guillotina

import (
	"log/slog"
	"os"
	"strings"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the default logger with a TextHandler on stderr, its level
// taken from the GUILLOTINA_LOG_LEVEL environment variable. Info when unset.
func ConfigureLogging() {
	logLevel.Set(ParseLogLevel(os.Getenv("GUILLOTINA_LOG_LEVEL")))

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// ParseLogLevel maps DEBUG, INFO, WARN and ERROR (any case) to a level. Anything else is Info.
func ParseLogLevel(lvl string) slog.Level {
	switch strings.ToUpper(lvl) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetLogLevel sets the logging level for the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// LogLevel exposes the shared level so other handlers can follow it.
func LogLevel() *slog.LevelVar {
	return logLevel
}
