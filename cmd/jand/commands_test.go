package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/jand/internal/daemon"
	"github.com/loykin/jand/internal/env"
	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/pkg/client"
)

type testDaemon struct {
	dir    string
	socket string
}

func startTestDaemon(t *testing.T) testDaemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "jandcli")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	d := daemon.New(daemon.Options{
		Channel:    filepath.Join(dir, "jand.sock"),
		ConfigPath: filepath.Join(dir, "config.json"),
		LogDir:     filepath.Join(dir, "logs"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
		Gatherer:   prometheus.NewRegistry(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return testDaemon{dir: dir, socket: d.SocketPath()}
}

func run(t *testing.T, socket string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(env.Settings{Pipe: socket, Timeout: 2 * time.Second}, &out)
	root.SetArgs(args)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, socket string, args ...string) string {
	t.Helper()
	out, err := run(t, socket, args...)
	if err != nil {
		t.Fatalf("jand %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestCommandsAgainstDaemon(t *testing.T) {
	td := startTestDaemon(t)
	sock := td.socket

	if out := mustRun(t, sock, "ping"); strings.TrimSpace(out) != "pong" {
		t.Fatalf("ping printed %q", out)
	}
	mustRun(t, sock, "new", "sleeper", "/bin/sleep", "30", "--start")
	mustRun(t, sock, "new", "idle", "/bin/sleep", "30", "--disabled", "--work-dir", td.dir)

	out := mustRun(t, sock, "list")
	if !strings.Contains(out, "sleeper") || !strings.Contains(out, "idle") || !strings.Contains(out, "/bin/sleep 30") {
		t.Fatalf("list output missing processes:\n%s", out)
	}

	out = mustRun(t, sock, "list", "--json")
	var infos []client.ProcessInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(infos) != 2 || !infos[0].Running || infos[1].Enabled || infos[1].WorkingDirectory != td.dir {
		t.Fatalf("unexpected processes %+v", infos)
	}

	out = mustRun(t, sock, "info", "1")
	if !strings.Contains(out, "sleeper") || !strings.Contains(out, "Memory") {
		t.Fatalf("info output:\n%s", out)
	}

	out = mustRun(t, sock, "stop", "/^(sleeper|idle)$/")
	if !strings.Contains(out, "idle was not running") {
		t.Fatalf("stop should warn about idle:\n%s", out)
	}

	mustRun(t, sock, "rename", "idle", "spare")
	mustRun(t, sock, "set", "spare", "AutoRestart", "false")
	if _, err := run(t, sock, "set", "spare", "Colour", "red"); !client.IsCode(err, "invalid-property") {
		t.Fatalf("expected invalid-property, got %v", err)
	}
	mustRun(t, sock, "config", "set", "MaxRestarts", "4")
	out = mustRun(t, sock, "config", "get")
	if !strings.Contains(out, `"MaxRestarts": 4`) {
		t.Fatalf("config get:\n%s", out)
	}
	out = mustRun(t, sock, "status")
	if !strings.Contains(out, "unsaved changes") {
		t.Fatalf("status should report unsaved changes:\n%s", out)
	}
	mustRun(t, sock, "save")
	if _, err := os.Stat(filepath.Join(td.dir, "config.json")); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	mustRun(t, sock, "delete", "sleeper", "spare")
	if _, err := run(t, sock, "start", "sleeper"); !client.IsCode(err, "invalid-process") {
		t.Fatalf("expected invalid-process, got %v", err)
	}
	mustRun(t, sock, "exit")
}

func TestLogsCommand(t *testing.T) {
	td := startTestDaemon(t)
	sock := td.socket
	mustRun(t, sock, "new", "echo", "/bin/sh", "--no-autorestart", "--", "-c", "for i in 1 2 3; do echo line$i; done")
	mustRun(t, sock, "start", "echo")

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err := run(t, sock, "info", "echo", "--json")
		if err == nil && strings.Contains(out, `"Running": false`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo did not finish: %v\n%s", err, out)
		}
		time.Sleep(20 * time.Millisecond)
	}
	mustRun(t, sock, "flush")
	out := mustRun(t, sock, "logs", "echo", "-n", "2", "--log-dir", filepath.Join(td.dir, "logs"))
	if out != "line2\nline3\n" {
		t.Fatalf("logs printed %q", out)
	}
	mustRun(t, sock, "vacuum", "echo", "--keep", "1", "--stdout")
	out = mustRun(t, sock, "logs", "echo", "-n", "0", "--log-dir", filepath.Join(td.dir, "logs"))
	if out != "line3\n" {
		t.Fatalf("logs after vacuum printed %q", out)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "none.sock"), "ping")
	if err == nil || !strings.Contains(err.Error(), "start-daemon") {
		t.Fatalf("expected unreachable hint, got %v", err)
	}
}

func TestParseEventNames(t *testing.T) {
	mask, err := parseEventNames([]string{"procstart,procstop", "outlog"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mask != event.ProcessStarted|event.ProcessStopped|event.OutLog {
		t.Fatalf("unexpected mask %d", mask)
	}
	if mask, _ := parseEventNames([]string{"all"}); mask != event.All {
		t.Fatalf("all must select every event, got %d", mask)
	}
	if mask, _ := parseEventNames(nil); mask.Has(event.OutLog) || !mask.Has(event.ProcessAdded) {
		t.Fatalf("default mask must exclude logs, got %d", mask)
	}
	if _, err := parseEventNames([]string{"bogus"}); err == nil {
		t.Fatalf("expected error for unknown event")
	}
}

func TestTailFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.log")
	if err := os.WriteFile(p, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := tailFile(p, 2)
	if err != nil || !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("tail 2: %v %v", got, err)
	}
	got, _ = tailFile(p, 0)
	if len(got) != 3 {
		t.Fatalf("tail 0 must return all lines, got %v", got)
	}
	if _, err := tailFile(p+".missing", 1); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestFormatBytesAndLevel(t *testing.T) {
	cases := map[uint64]string{512: "512 B", 2048: "2.0 KiB", 5 * 1024 * 1024: "5.0 MiB"}
	for n, want := range cases {
		if got := formatBytes(n); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
	if l, err := parseLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Fatalf("parseLevel: %v %v", l, err)
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatalf("expected error for bad level")
	}
}
