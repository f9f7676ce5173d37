package process

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/internal/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(k event.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func (r *recorder) values(k event.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e.Value)
		}
	}
	return out
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func newTestEntry(t *testing.T, def Definition, maxRestarts int) (*Entry, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := NewEntry(def, 1, Options{
		Logs:        logger.Config{Dir: filepath.Join(t.TempDir(), "logs")},
		MaxRestarts: func() int { return maxRestarts },
		Publisher:   rec,
	})
	t.Cleanup(func() {
		_ = e.Stop()
		e.Close()
	})
	return e, rec
}

func TestValidName(t *testing.T) {
	valid := []string{"web", "a", "my_app-1.0", "group/web", "a@b#c", "Z9"}
	invalid := []string{"", "-web", "1web", "/web", "we b", "web!", "wéb", "a:b"}
	for _, n := range valid {
		if !ValidName(n) {
			t.Errorf("expected %q to be valid", n)
		}
	}
	for _, n := range invalid {
		if ValidName(n) {
			t.Errorf("expected %q to be invalid", n)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	f, args := SplitCommand("  node  server.js --port 80 ")
	if f != "node" || strings.Join(args, ",") != "server.js,--port,80" {
		t.Fatalf("unexpected split %q %q", f, args)
	}
	f, args = SplitCommand("top")
	if f != "top" || args != nil {
		t.Fatalf("unexpected split %q %q", f, args)
	}
}

func TestStartIsIdempotentAndStopRecordsOnce(t *testing.T) {
	def := NewDefinition("sleeper", "/bin/sleep", []string{"30"}, "")
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := e.Info().ProcessId
	if pid <= 0 {
		t.Fatalf("expected pid, got %d", pid)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := e.Info().ProcessId; got != pid {
		t.Fatalf("second start spawned a new process: %d != %d", got, pid)
	}
	if rec.count(event.ProcessStarted) != 1 {
		t.Fatalf("expected one procstart, got %d", rec.count(event.ProcessStarted))
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info := e.Info()
	if info.Running || !info.Stopped || info.ProcessId != -1 {
		t.Fatalf("unexpected state after stop: %+v", info)
	}
	if info.RestartCount != 1 || info.CurrentUnstableRestarts != 0 {
		t.Fatalf("unexpected counters after stop: %+v", info)
	}
	if processExists(pid) {
		t.Fatalf("process %d still alive after stop", pid)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count(event.ProcessStopped) == 1 })

	if err := e.Stop(); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("expected ErrAlreadyStopped, got %v", err)
	}
	if e.Info().RestartCount != 1 {
		t.Fatalf("second stop changed counters: %+v", e.Info())
	}
}

func TestStartSpawnError(t *testing.T) {
	def := NewDefinition("missing", filepath.Join(t.TempDir(), "nope"), nil, "")
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	err := e.Start()
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if e.Running() || rec.count(event.ProcessStarted) != 0 {
		t.Fatalf("entry should not be running after spawn failure")
	}
	if e.Info().ExitCode != -1 {
		t.Fatalf("expected exit code sentinel, got %d", e.Info().ExitCode)
	}
}

func TestEchoWithoutAutoRestart(t *testing.T) {
	def := NewDefinition("web", "/bin/echo", []string{"hi"}, "")
	def.AutoRestart = false
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.count(event.ProcessStopped) == 1 })
	waitFor(t, 2*time.Second, func() bool { return len(rec.values(event.OutLog)) == 1 })

	info := e.Info()
	if info.Running || info.RestartCount != 1 || info.ExitCode != 0 || info.Stopped {
		t.Fatalf("unexpected state: %+v", info)
	}
	if got := rec.values(event.OutLog); got[0] != "web out| hi" {
		t.Fatalf("unexpected log lines %q", got)
	}
	if rec.count(event.ProcessStarted) != 1 {
		t.Fatalf("expected a single start, got %d", rec.count(event.ProcessStarted))
	}

	e.Flush()
	out, _ := e.LogPaths()
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(b) != "hi\n" {
		t.Fatalf("unexpected log file content %q", b)
	}
}

func TestCrashRestartsUntilMaxRestarts(t *testing.T) {
	def := NewDefinition("crasher", "/bin/sh", []string{"-c", "exit 3"}, "")
	e, rec := newTestEntry(t, def, 3)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool { return rec.count(event.ProcessStopped) == 3 })
	// no further restarts once the ceiling is reached
	time.Sleep(200 * time.Millisecond)

	info := e.Info()
	if info.Running || info.Stopped {
		t.Fatalf("expected crashed state, got %+v", info)
	}
	if info.CurrentUnstableRestarts != 3 || info.RestartCount != 3 || info.ExitCode != 3 {
		t.Fatalf("unexpected counters: %+v", info)
	}
	if rec.count(event.ProcessStarted) != 3 || rec.count(event.ProcessStopped) != 3 {
		t.Fatalf("unexpected events: starts=%d stops=%d", rec.count(event.ProcessStarted), rec.count(event.ProcessStopped))
	}
	if e.ShouldRestart() {
		t.Fatalf("ShouldRestart must be false at the ceiling")
	}

	// A manual start clears the unstable counter.
	e.Update(func(d *Definition) { d.AutoRestart = false })
	if err := e.StartFresh(); err != nil {
		t.Fatalf("start fresh: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.count(event.ProcessStopped) == 4 })
	if got := e.Info().CurrentUnstableRestarts; got != 1 {
		t.Fatalf("expected unstable counter reset then one crash, got %d", got)
	}
}

func TestCrashRestartIncrementsRestartCountByOne(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	// First run crashes, the restarted run stays up.
	script := "if [ -f " + marker + " ]; then exec sleep 30; else touch " + marker + "; exit 1; fi"
	def := NewDefinition("flaky", "/bin/sh", []string{"-c", script}, dir)
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.count(event.ProcessStarted) == 2 })
	info := e.Info()
	if !info.Running || info.RestartCount != 1 || info.CurrentUnstableRestarts != 1 {
		t.Fatalf("unexpected state after crash restart: %+v", info)
	}
}

func TestStopOfCrashedEntryReportsAlreadyStopped(t *testing.T) {
	def := NewDefinition("once", "/bin/sh", []string{"-c", "exit 1"}, "")
	def.AutoRestart = false
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.count(event.ProcessStopped) == 1 })
	before := e.Info()
	if err := e.Stop(); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("expected ErrAlreadyStopped, got %v", err)
	}
	if after := e.Info(); !reflect.DeepEqual(after, before) {
		t.Fatalf("stop mutated state: %+v -> %+v", before, after)
	}
}

func TestStartFreshWhileRunning(t *testing.T) {
	def := NewDefinition("sleeper", "/bin/sleep", []string{"30"}, "")
	e, _ := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.StartFresh(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.StartFresh(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRestartReplacesProcess(t *testing.T) {
	def := NewDefinition("sleeper", "/bin/sleep", []string{"30"}, "")
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := e.Info().ProcessId
	if err := e.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	info := e.Info()
	if !info.Running || info.Stopped || info.ProcessId == pid || info.RestartCount != 1 {
		t.Fatalf("unexpected state after restart: %+v", info)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count(event.ProcessStarted) == 2 })
}

func TestLogOrderingPerStream(t *testing.T) {
	script := "for i in 1 2 3 4 5 6 7 8; do echo out$i; echo err$i >&2; done"
	def := NewDefinition("chatty", "/bin/sh", []string{"-c", script}, "")
	def.AutoRestart = false
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(rec.values(event.OutLog)) == 8 && len(rec.values(event.ErrLog)) == 8
	})
	outs, errs := rec.values(event.OutLog), rec.values(event.ErrLog)
	for i := 0; i < 8; i++ {
		if outs[i] != "chatty out| out"+string(rune('1'+i)) || errs[i] != "chatty err| err"+string(rune('1'+i)) {
			t.Fatalf("lines out of order: %q %q", outs, errs)
		}
	}
}

func TestWriteStdin(t *testing.T) {
	def := NewDefinition("cat", "/bin/cat", nil, "")
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.WriteStdin("ping"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		v := rec.values(event.OutLog)
		return len(v) == 1 && v[0] == "cat out| ping"
	})
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.WriteStdin("late"); !errors.Is(err, ErrInvalidProcess) {
		t.Fatalf("expected ErrInvalidProcess, got %v", err)
	}
}

func TestVacuumKeepsTail(t *testing.T) {
	script := "for i in 1 2 3 4 5; do echo line$i; echo e$i >&2; done"
	def := NewDefinition("vac", "/bin/sh", []string{"-c", script}, "")
	def.AutoRestart = false
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(rec.values(event.OutLog)) == 5 && len(rec.values(event.ErrLog)) == 5
	})
	if err := e.Vacuum(2, Stdout); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	out, errPath := e.LogPaths()
	b, _ := os.ReadFile(out)
	if string(b) != "line4\nline5\n" {
		t.Fatalf("unexpected stdout after vacuum: %q", b)
	}
	e.Flush()
	b, _ = os.ReadFile(errPath)
	if strings.Count(string(b), "\n") != 5 {
		t.Fatalf("stderr should be untouched: %q", b)
	}

	// writers keep working after a vacuum
	e.Log(Stdout, "after")
	e.Flush()
	b, _ = os.ReadFile(out)
	if string(b) != "line4\nline5\nafter\n" {
		t.Fatalf("unexpected stdout after append: %q", b)
	}
}

func TestTailLines(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"a\nb\nc\n", 2, "b\nc\n"},
		{"a\nb\nc\n", 5, "a\nb\nc\n"},
		{"a\nb\nc", 1, "c"},
		{"a\nb\n", 0, ""},
		{"", 3, ""},
	}
	for _, c := range cases {
		if got := string(tailLines([]byte(c.in), c.n)); got != c.want {
			t.Errorf("tailLines(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}

func TestWatchRestartsOnChange(t *testing.T) {
	old := WatchDebounce
	WatchDebounce = 50 * time.Millisecond
	t.Cleanup(func() { WatchDebounce = old })

	dir := t.TempDir()
	def := NewDefinition("watched", "/bin/sleep", []string{"30"}, dir)
	def.Watch = true
	e, rec := newTestEntry(t, def, DefaultMaxRestarts)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := e.Info().ProcessId

	if err := os.WriteFile(filepath.Join(dir, "main.txt"), []byte("v2"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.count(event.ProcessStarted) >= 2 })
	info := e.Info()
	if !info.Running || info.ProcessId == pid || info.Stopped {
		t.Fatalf("expected restarted process, got %+v", info)
	}

	// disabling watch removes the watcher
	e.Update(func(d *Definition) { d.Watch = false })
	starts := rec.count(event.ProcessStarted)
	if err := os.WriteFile(filepath.Join(dir, "main.txt"), []byte("v3"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if rec.count(event.ProcessStarted) != starts {
		t.Fatalf("watch disabled but process restarted")
	}
}

func TestWatchIgnoresDaemonFiles(t *testing.T) {
	old := WatchDebounce
	WatchDebounce = 50 * time.Millisecond
	t.Cleanup(func() { WatchDebounce = old })

	dir := t.TempDir()
	def := NewDefinition("watched", "/bin/sleep", []string{"30"}, dir)
	def.Watch = true
	rec := &recorder{}
	e := NewEntry(def, 1, Options{
		Logs:      logger.Config{Dir: filepath.Join(dir, "logs")},
		Publisher: rec,
		WatchIgnore: []string{
			filepath.Join(dir, "daemon.log"),
			filepath.Join(dir, "daemon-*.log*"),
			filepath.Join(dir, ".config-*.json"),
		},
	})
	t.Cleanup(func() {
		_ = e.Stop()
		e.Close()
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := e.Info().ProcessId

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"daemon.log", "daemon-2024-01-02T03-04-05.000.log.gz", ".config-123.json", "logs/watched-out.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	time.Sleep(300 * time.Millisecond)
	if rec.count(event.ProcessStarted) != 1 || e.Info().ProcessId != pid {
		t.Fatalf("daemon-owned files restarted the process")
	}

	if err := os.WriteFile(filepath.Join(dir, "app.conf"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return rec.count(event.ProcessStarted) >= 2 })
}
