package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Options configure the process-wide logger. Console output always goes to
// Output (stderr when nil); File and GelfAddress add further targets that
// receive every record at or above Level.
type Options struct {
	Level       string
	Format      string
	Output      io.Writer
	File        string
	GelfAddress string
}

// File rotation limits for the log.file target.
const (
	fileMaxSizeMB  = 50
	fileMaxBackups = 5
	fileMaxAgeDays = 28
)

// Configure installs a process-wide slog default logger. The returned close
// function flushes and releases the file and GELF targets.
//
// Supported levels: debug, info, warn, error. Supported formats: text, json.
func Configure(opts Options) (func() error, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}

	console, err := newFormatHandler(out, opts.Format, hopts)
	if err != nil {
		return nil, err
	}
	handlers := []slog.Handler{console}
	var closers []io.Closer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		fw := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
			LocalTime:  true,
		}
		handlers = append(handlers, slog.NewJSONHandler(fw, hopts))
		closers = append(closers, fw)
	}

	if opts.GelfAddress != "" {
		gw, err := NewGelfWriter(opts.GelfAddress)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		handlers = append(handlers, NewGelfHandler(gw, level))
		closers = append(closers, gw)
	}

	var h slog.Handler = console
	if len(handlers) > 1 {
		h = Fanout(handlers...)
	}
	slog.SetDefault(slog.New(h))

	return func() error { return closeAll(closers) }, nil
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newFormatHandler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// ParseLevel validates a level name.
func ParseLevel(level string) (slog.Level, error) { return parseLevel(level) }

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

type fanout []slog.Handler

// Fanout dispatches each record to every handler enabled for its level.
func Fanout(handlers ...slog.Handler) slog.Handler { return fanout(handlers) }

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
