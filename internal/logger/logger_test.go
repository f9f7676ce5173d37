package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_CreatesOutAndErrFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: filepath.Join(dir, "logs")}
	outW, errW, err := cfg.Writers("demo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"demo-out.log", "demo-err.log"} {
		if _, err := os.Stat(filepath.Join(dir, "logs", p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestWriters_AppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	for _, line := range []string{"one\n", "two\n"} {
		outW, errW, err := cfg.Writers("app")
		if err != nil {
			t.Fatalf("Writers error: %v", err)
		}
		_, _ = outW.Write([]byte(line))
		closeIf(outW)
		closeIf(errW)
	}
	out, _ := cfg.Paths("app")
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "one\ntwo\n" {
		t.Fatalf("expected appended content, got %q", b)
	}
}

func TestWriters_Defaults(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	outW, errW, err := cfg.Writers("x")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	defer closeIf(outW)
	defer closeIf(errW)
	l, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("expected lumberjack logger, got %T", outW)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: %+v", l)
	}
}

func TestWriters_EmptyName(t *testing.T) {
	if _, _, err := (Config{Dir: t.TempDir()}).Writers(""); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestPaths_DefaultDir(t *testing.T) {
	out, errPath := Config{}.Paths("web")
	if out != filepath.Join("logs", "web-out.log") || errPath != filepath.Join("logs", "web-err.log") {
		t.Fatalf("unexpected paths %q %q", out, errPath)
	}
}

func TestNew_ConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "daemon.log")
	l, closer := New(Options{Console: &console, File: file, Level: slog.LevelInfo})
	l.With("component", "test").Info("hello", "k", "v")
	l.Debug("hidden")
	_ = closer.Close()

	if !strings.Contains(console.String(), "hello") || !strings.Contains(console.String(), "component=test") {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read daemon.log: %v", err)
	}
	if !strings.Contains(string(b), "msg=hello") || strings.Contains(string(b), "hidden") {
		t.Fatalf("unexpected daemon.log content: %q", b)
	}
}

func TestColorTextHandler_KeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Options{Console: &buf, Color: true})
	l.With("component", "ipc").Warn("slow")
	s := buf.String()
	if !strings.Contains(s, "WARN") || !strings.Contains(s, "slow") || !strings.Contains(s, "component=ipc") {
		t.Fatalf("expected colored warn record, got %q", s)
	}
	if !strings.Contains(s, "time=") {
		t.Fatalf("expected time attribute, got %q", s)
	}
}

func TestColorTextHandler_NoTime(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)
	slog.New(h).Info("x")
	if strings.Contains(buf.String(), "time=") {
		t.Fatalf("time should be dropped: %q", buf.String())
	}
}
