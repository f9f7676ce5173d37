package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/internal/logger"
	"github.com/loykin/jand/internal/metrics"
)

// DefaultMaxRestarts bounds consecutive unstable restarts.
const DefaultMaxRestarts = 15

// Stream identifies one of a child's output streams.
type Stream int

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	if s == Stderr {
		return "err"
	}
	return "out"
}

// FormatLine renders an output line the way it is echoed and published:
// "<name> out| <line>" or "<name> err| <line>".
func FormatLine(name string, s Stream, line string) string {
	return name + " " + s.String() + "| " + line
}

func (s Stream) kind() event.Kind {
	if s == Stderr {
		return event.ErrLog
	}
	return event.OutLog
}

// Options are the daemon-wide collaborators of an entry.
type Options struct {
	Logs        logger.Config
	MaxRestarts func() int
	EchoOutput  func() bool
	Publisher   event.Publisher
	Logger      *slog.Logger
	// WatchIgnore lists paths written by the daemon itself; changes to
	// them never restart a watched entry. Logs.Dir is always ignored.
	WatchIgnore []string
}

func (o Options) maxRestarts() int {
	if o.MaxRestarts == nil {
		return DefaultMaxRestarts
	}
	return o.MaxRestarts()
}

// Entry is one supervised process: its definition plus runtime state.
// All state transitions happen under mu; the exit handler of a run and
// client requests race on it and nothing else.
type Entry struct {
	mu        sync.Mutex
	def       Definition
	safeIndex int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	exited    chan struct{} // closed once the current run's exit handling is done
	stopped   bool
	removed   bool
	exitCode  int
	restarts  int
	unstable  int
	watcher   *watcher

	logMu  sync.Mutex
	outLog *logFile
	errLog *logFile

	opts Options
	log  *slog.Logger
}

// NewEntry creates an entry that is not running.
func NewEntry(def Definition, safeIndex int, opts Options) *Entry {
	if opts.Publisher == nil {
		opts.Publisher = event.Discard
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Entry{
		def:       def.Clone(),
		safeIndex: safeIndex,
		exitCode:  -1,
		opts:      opts,
		log:       l.With("component", "process"),
	}
}

// Name returns the current process name.
func (e *Entry) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.def.Name
}

// SafeIndex returns the index assigned by the table.
func (e *Entry) SafeIndex() int { return e.safeIndex }

// Definition returns a copy of the persisted definition.
func (e *Entry) Definition() Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.def.Clone()
}

// Update mutates the definition under the entry lock. Turning Watch off
// removes an installed watcher; turning it on takes effect on next start.
func (e *Entry) Update(fn func(d *Definition)) {
	e.mu.Lock()
	fn(&e.def)
	var w *watcher
	if !e.def.Watch && e.watcher != nil {
		w, e.watcher = e.watcher, nil
	}
	e.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// Running reports whether an OS process handle is held.
func (e *Entry) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil
}

// Stopped reports whether the entry was explicitly stopped.
func (e *Entry) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// ShouldRestart reports whether an exit would trigger an automatic restart.
func (e *Entry) ShouldRestart() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldRestartLocked()
}

func (e *Entry) shouldRestartLocked() bool {
	return !e.stopped && e.def.AutoRestart && e.def.Enabled && e.unstable < e.opts.maxRestarts()
}

// Info is the runtime view sent to IPC clients.
type Info struct {
	Name                    string   `json:"Name"`
	Filename                string   `json:"Filename"`
	Arguments               []string `json:"Arguments"`
	WorkingDirectory        string   `json:"WorkingDirectory"`
	ProcessId               int      `json:"ProcessId"`
	Stopped                 bool     `json:"Stopped"`
	ExitCode                int      `json:"ExitCode"`
	RestartCount            int      `json:"RestartCount"`
	CurrentUnstableRestarts int      `json:"CurrentUnstableRestarts"`
	Enabled                 bool     `json:"Enabled"`
	AutoRestart             bool     `json:"AutoRestart"`
	Running                 bool     `json:"Running"`
	Watch                   bool     `json:"Watch"`
	SafeIndex               int      `json:"SafeIndex"`
}

// Info returns a consistent snapshot of the entry.
func (e *Entry) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	pid := -1
	if e.cmd != nil && e.cmd.Process != nil {
		pid = e.cmd.Process.Pid
	}
	args := e.def.Arguments
	if args == nil {
		args = []string{}
	}
	return Info{
		Name:                    e.def.Name,
		Filename:                e.def.Filename,
		Arguments:               append([]string(nil), args...),
		WorkingDirectory:        e.def.WorkingDirectory,
		ProcessId:               pid,
		Stopped:                 e.stopped,
		ExitCode:                e.exitCode,
		RestartCount:            e.restarts,
		CurrentUnstableRestarts: e.unstable,
		Enabled:                 e.def.Enabled,
		AutoRestart:             e.def.AutoRestart,
		Running:                 e.cmd != nil,
		Watch:                   e.def.Watch,
		SafeIndex:               e.safeIndex,
	}
}

// Start spawns the process. It is a no-op when already running.
func (e *Entry) Start() error {
	e.mu.Lock()
	started, err := e.startLocked()
	name := e.def.Name
	e.mu.Unlock()
	if started {
		e.opts.Publisher.Publish(event.New(event.ProcessStarted, name))
	}
	return err
}

// StartFresh is a manual start: it clears the unstable counter and the
// explicit stop flag. ErrAlreadyStarted when running.
func (e *Entry) StartFresh() error {
	e.mu.Lock()
	if e.cmd != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.unstable = 0
	e.stopped = false
	started, err := e.startLocked()
	name := e.def.Name
	e.mu.Unlock()
	if started {
		e.opts.Publisher.Publish(event.New(event.ProcessStarted, name))
	}
	return err
}

// Restart stops the process if running, resets the unstable counter and
// starts it again.
func (e *Entry) Restart() error {
	if err := e.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		return err
	}
	e.mu.Lock()
	e.unstable = 0
	e.stopped = false
	started, err := e.startLocked()
	name := e.def.Name
	e.mu.Unlock()
	if started {
		e.opts.Publisher.Publish(event.New(event.ProcessStarted, name))
	}
	return err
}

// Stop kills the process tree and waits until the exit has been handled.
func (e *Entry) Stop() error {
	e.mu.Lock()
	if e.cmd == nil {
		e.mu.Unlock()
		return ErrAlreadyStopped
	}
	e.stopped = true
	pid := e.cmd.Process.Pid
	done := e.exited
	name := e.def.Name
	e.mu.Unlock()

	if err := killGroup(pid); err != nil {
		e.log.Warn("kill failed", "name", name, "pid", pid, "error", err)
	}
	<-done
	metrics.IncStop(name)
	return nil
}

// Retire marks the entry as deleted and stops its process. A retired entry
// refuses every later start, including automatic restarts.
func (e *Entry) Retire() {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	_ = e.Stop()
}

// Kill kills the process tree without waiting. Used on daemon shutdown.
func (e *Entry) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return
	}
	e.stopped = true
	_ = killGroup(e.cmd.Process.Pid)
}

// Wait blocks until the current run's exit has been handled. It returns
// immediately when not running.
func (e *Entry) Wait() {
	e.mu.Lock()
	done := e.exited
	running := e.cmd != nil
	e.mu.Unlock()
	if running && done != nil {
		<-done
	}
}

// startLocked spawns the process; the returned bool is true when a new
// process was started.
func (e *Entry) startLocked() (bool, error) {
	if e.cmd != nil {
		return false, nil
	}
	if e.removed {
		return false, ErrInvalidProcess
	}
	name := e.def.Name
	if e.def.Filename == "" {
		return false, &SpawnError{Name: name, Err: errMissingFilename}
	}
	if err := e.ensureLogs(name); err != nil {
		e.log.Warn("log files unavailable", "name", name, "error", err)
	}
	if e.def.Watch && e.watcher == nil {
		w, err := newWatcher(e, e.def.WorkingDirectory, append([]string{e.opts.Logs.Dir}, e.opts.WatchIgnore...))
		if err != nil {
			e.log.Warn("watch setup failed", "name", name, "error", err)
		} else {
			e.watcher = w
		}
	}

	// #nosec G204 -- executable and arguments come from the operator's process definition
	cmd := exec.Command(e.def.Filename, e.def.Arguments...)
	cmd.Dir = e.def.WorkingDirectory
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, &SpawnError{Name: name, Filename: e.def.Filename, Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return false, &SpawnError{Name: name, Filename: e.def.Filename, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		return false, &SpawnError{Name: name, Filename: e.def.Filename, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	e.log.Info("starting", "name", name, "filename", e.def.Filename, "args", e.def.Arguments)
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		metrics.IncSpawnFailure(name)
		return false, &SpawnError{Name: name, Filename: e.def.Filename, Err: err}
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	done := make(chan struct{})
	e.cmd = cmd
	e.stdin = stdin
	e.exited = done
	metrics.IncStart(name)

	go e.readLines(outR, Stdout)
	go e.readLines(errR, Stderr)
	go e.wait(cmd, done)
	return true, nil
}

// wait is the exit callback of one run.
func (e *Entry) wait(cmd *exec.Cmd, done chan struct{}) {
	// The exit status is read from ProcessState below.
	_ = cmd.Wait()
	code := exitCode(cmd)

	e.mu.Lock()
	name := e.def.Name
	e.exitCode = code
	unstable := code != 0 && !e.stopped
	if unstable {
		e.unstable++
	}
	e.wasStoppedLocked(code)
	shouldRestart := e.shouldRestartLocked()
	e.log.Info("exited", "name", name, "exit_code", code, "auto_restart", e.def.AutoRestart, "should_restart", shouldRestart)
	restarted := false
	if shouldRestart {
		var err error
		restarted, err = e.startLocked()
		if err != nil {
			e.log.Error("failed to restart", "name", name, "error", err)
		}
	}
	e.mu.Unlock()
	close(done)

	metrics.ObserveExit(name, unstable)
	if restarted {
		metrics.IncRestart(name)
		e.opts.Publisher.Publish(event.New(event.ProcessStarted, name))
	}
	e.opts.Publisher.Publish(event.New(event.ProcessStopped, name))
}

// wasStoppedLocked is the bookkeeping shared by explicit stops and crashes.
func (e *Entry) wasStoppedLocked(code int) {
	e.restarts++
	e.exitCode = code
	e.cmd = nil
	if e.stdin != nil {
		_ = e.stdin.Close()
		e.stdin = nil
	}
	e.Flush()
}

// WriteStdin sends one line to the process's standard input.
func (e *Entry) WriteStdin(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.stdin == nil {
		return ErrNotRunningStdin
	}
	_, err := io.WriteString(e.stdin, line+"\n")
	return err
}

// Log records one line of output: file first, then console, then subscribers.
func (e *Entry) Log(stream Stream, line string) {
	name := e.Name()

	e.logMu.Lock()
	if f := e.logFor(stream); f != nil {
		if err := f.writeLine(line); err != nil {
			e.log.Debug("log write failed", "name", name, "error", err)
		}
	}
	e.logMu.Unlock()

	formatted := FormatLine(name, stream, line)
	if e.opts.EchoOutput != nil && e.opts.EchoOutput() {
		e.log.Info(formatted, "name", name)
	}
	e.opts.Publisher.Publish(event.WithValue(stream.kind(), name, formatted))
}

func (e *Entry) readLines(r io.ReadCloser, stream Stream) {
	defer func() { _ = r.Close() }()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			e.Log(stream, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

// Close releases the watcher and log files. The process must not be running.
func (e *Entry) Close() {
	e.mu.Lock()
	w := e.watcher
	e.watcher = nil
	e.mu.Unlock()
	if w != nil {
		w.Close()
	}
	e.closeLogs()
}

func exitCode(cmd *exec.Cmd) int {
	st := cmd.ProcessState
	if st == nil {
		return -1
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return st.ExitCode()
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
