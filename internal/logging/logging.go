// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure New.
type Options struct {
	// Level is "debug", "info", "warn" or "error"; anything else is info.
	Level string
	// File, when set, receives a copy of every record and is rotated at
	// 10 MB, keeping 5 compressed backups for 30 days.
	File string
	// Stderr is the console destination. Defaults to os.Stderr.
	Stderr io.Writer
}

// New returns a JSON slog.Logger and a closer for the rotated file, which is
// a no-op when no file is configured.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	out := opts.Stderr
	if out == nil {
		out = os.Stderr
	}
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, lj)
		closer = lj
	}

	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	return slog.New(h), closer, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
