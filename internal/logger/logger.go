package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for process output and daemon.log.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
	DefaultDir        = "logs"
)

// Config describes where supervised process output is written.
// Files are Dir/<name>-out.log and Dir/<name>-err.log, opened in append
// mode and rotated with lumberjack semantics.
type Config struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Paths returns the stdout and stderr log file paths for a process.
func (c Config) Paths(name string) (string, string) {
	dir := c.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name+"-out.log"), filepath.Join(dir, name+"-err.log")
}

// Writers returns append-mode rotating writers for stdout and stderr.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if name == "" {
		return nil, nil, errors.New("empty process name")
	}
	stdout, stderr := c.Paths(name)
	if err := os.MkdirAll(filepath.Dir(stdout), 0o750); err != nil {
		return nil, nil, err
	}
	return c.rotating(stdout), c.rotating(stderr), nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Options configures the daemon's own logger.
type Options struct {
	Console io.Writer // nil disables console output
	Color   bool
	Level   slog.Level
	// File, when set, receives a plain text copy of every record (daemon.log).
	File      string
	MaxSizeMB int
}

// New builds the daemon logger. The returned closer releases the log file.
func New(opts Options) (*slog.Logger, io.Closer) {
	hopts := &slog.HandlerOptions{Level: opts.Level}
	var handlers []slog.Handler
	if opts.Console != nil {
		if opts.Color {
			handlers = append(handlers, NewColorTextHandler(opts.Console, hopts, true))
		} else {
			handlers = append(handlers, slog.NewTextHandler(opts.Console, hopts))
		}
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f := Config{MaxSizeMB: opts.MaxSizeMB}.rotating(opts.File)
		handlers = append(handlers, slog.NewTextHandler(f, hopts))
		closer = f
	}
	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, hopts)), closer
	case 1:
		return slog.New(handlers[0]), closer
	}
	return slog.New(fanout(handlers)), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout dispatches each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
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
