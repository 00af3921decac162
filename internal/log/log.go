package log

import (
	"io"
	"log/slog"
	"os"
)

// Level maps -v occurrences and --debug to a slog level: warn by default,
// info with one -v, debug with two or with debug set.
func Level(verbosity int, debug bool) slog.Level {
	switch {
	case debug || verbosity >= 2:
		return slog.LevelDebug
	case verbosity == 1:
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// Setup installs a text logger on stderr as the slog default.
func Setup(verbosity int, debug bool) *slog.Logger {
	return SetupWriter(os.Stderr, verbosity, debug)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, verbosity int, debug bool) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level(verbosity, debug)})
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
