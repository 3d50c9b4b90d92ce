// Package shpoolog is the process-wide structured logging singleton used by
// the daemon and CLI. It is initialized once in main and never read back by
// the core — callers only ever post events.
package shpoolog

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// Init sets up the global logger. level is one of "debug", "info", "warn",
// "error"; logFile, if non-empty, receives a copy of every line in addition
// to stderr.
func Init(level string, logFile string) error {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

func init() {
	// Sessions that never call Init (e.g. unit tests) still get a usable logger.
	Log = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
