// Package logging configures the process-wide slog logger, the same way
// cmd/config did for the Roundtable client this codebase grew out of.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
)

// ConfigureDefaultLogger installs a slog.Default() handler for the given
// level ("none", "error", "warn", "info", "debug") and, if logFile is
// non-empty, redirects output to that file as JSON instead of stdout text.
//
// The returned *os.File (nil unless logFile was used) should be closed by
// the caller on shutdown:
//
//	logFilePointer, err := logging.ConfigureDefaultLogger(level, file, slog.HandlerOptions{})
//	if logFilePointer != nil {
//		defer logFilePointer.Close()
//	}
func ConfigureDefaultLogger(logLevel string, logFile string, opts slog.HandlerOptions) (*os.File, error) {
	switch logLevel {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, errors.New("unexpected log level")
	}

	var filePointer *os.File
	var handler slog.Handler
	if logFile == "" {
		handler = slog.NewTextHandler(os.Stdout, &opts)
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, err
		}
		filePointer = f
		handler = slog.NewJSONHandler(f, &opts)
	}

	slog.SetDefault(slog.New(handler))
	return filePointer, nil
}
