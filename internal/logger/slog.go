package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// Options selects the process-wide slog handler.
type Options struct {
	Level    string // debug, info, warn, error
	Format   string // text, json
	Color    bool   // colored text; ignored for json
	ShowTime bool
	Output   io.Writer // defaults to stderr
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, pkerrors.NewConfigurationError("unknown log level "+s, nil)
}

// New builds a logger from opts.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(w, ho)
	case "", "text":
		if opts.Color {
			h = NewColorTextHandler(w, ho, opts.ShowTime)
		} else {
			h = slog.NewTextHandler(w, ho)
		}
	default:
		return nil, pkerrors.NewConfigurationError("unknown log format "+opts.Format, nil)
	}
	return slog.New(h), nil
}

// IsTerminal reports whether f looks like an interactive terminal.
func IsTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
