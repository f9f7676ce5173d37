package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/jand/internal/config"
	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/internal/history"
	"github.com/loykin/jand/internal/history/factory"
	"github.com/loykin/jand/internal/ipc"
	"github.com/loykin/jand/internal/logger"
	"github.com/loykin/jand/internal/metrics"
	"github.com/loykin/jand/internal/process"
	"github.com/loykin/jand/internal/server"
	"github.com/loykin/jand/internal/table"
)

// ErrAlreadyRunning is returned by Run when another daemon holds the lock
// for the same socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// shutdownWait bounds how long teardown waits for killed processes.
const shutdownWait = 5 * time.Second

// Options configure a daemon. Zero values select the defaults.
type Options struct {
	// Channel is the JAND_PIPE value: a channel name or a socket path.
	Channel string
	// ConfigPath defaults to config.json in the working directory.
	ConfigPath string
	// LogDir holds process output files; defaults to "logs".
	LogDir string
	// DaemonLog is the daemon.log path used when DaemonLogSave is on.
	DaemonLog string
	Console   io.Writer
	Color     bool
	LogLevel  slog.Level
	// Logger replaces the logger built from Console and DaemonLog.
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Daemon owns the process table, the IPC server and every optional
// integration for one daemon instance.
type Daemon struct {
	opts   Options
	socket string

	log       *slog.Logger
	logCloser io.Closer

	cfgMu sync.RWMutex
	cfg   config.Config

	table    *table.Table
	conns    *ipc.Registry
	bus      *ipc.Broadcaster
	handlers map[string]handlerFunc

	history   *history.Recorder
	resources *metrics.ResourceCollector
	httpSrv   *http.Server
	httpAddr  net.Addr

	ready    chan struct{}
	exit     chan struct{}
	exitOnce sync.Once
}

// New prepares a daemon; nothing is started until Run.
func New(opts Options) *Daemon {
	if opts.Channel == "" {
		opts.Channel = ipc.DefaultChannel
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultFile
	}
	if opts.LogDir == "" {
		opts.LogDir = logger.DefaultDir
	}
	if opts.DaemonLog == "" {
		opts.DaemonLog = "daemon.log"
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	d := &Daemon{
		opts:   opts,
		socket: ipc.SocketPath(opts.Channel),
		log:    slog.Default(),
		cfg:    *config.Default(),
		conns:  ipc.NewRegistry(),
		ready:  make(chan struct{}),
		exit:   make(chan struct{}),
	}
	d.bus = ipc.NewBroadcaster(d.conns, d.log)
	d.table = table.New(d.newEntry)
	d.handlers = d.routes()
	return d
}

func (d *Daemon) newEntry(def process.Definition, idx int) *process.Entry {
	cfg := d.config()
	return process.NewEntry(def, idx, process.Options{
		Logs: logger.Config{
			Dir:        d.opts.LogDir,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		},
		MaxRestarts: func() int { return d.config().MaxRestarts },
		EchoOutput:  func() bool { return d.config().LogProcessOutput },
		Publisher:   d.bus,
		Logger:      d.log,
		WatchIgnore: d.ownedPaths(cfg),
	})
}

// ownedPaths lists the files the daemon writes itself. A watched process
// whose directory holds them must not restart on the daemon's own writes.
func (d *Daemon) ownedPaths(cfg config.Config) []string {
	paths := []string{
		d.socket,
		d.socket + ".lock",
		d.opts.ConfigPath,
		filepath.Join(filepath.Dir(d.opts.ConfigPath), ".config-*.json"),
	}
	if d.opts.Logger == nil {
		// lumberjack backups are named <base>-<timestamp><ext>, maybe gzipped
		ext := filepath.Ext(d.opts.DaemonLog)
		base := strings.TrimSuffix(d.opts.DaemonLog, ext)
		paths = append(paths, d.opts.DaemonLog, base+"-*"+ext+"*")
	}
	if db, ok := factory.LocalPath(cfg.HistoryDSN); ok {
		paths = append(paths, db, db+"-*")
	}
	return paths
}

// SocketPath returns the resolved IPC socket path.
func (d *Daemon) SocketPath() string { return d.socket }

// Ready is closed once the IPC socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// HTTPAddr returns the bound status endpoint address, or nil.
func (d *Daemon) HTTPAddr() net.Addr { return d.httpAddr }

func (d *Daemon) config() config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

func (d *Daemon) publish(e event.Event) { d.bus.Publish(e) }

// Run starts the daemon and blocks until ctx is cancelled or a client
// requests exit. Every supervised process is killed before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	lock := flock.New(d.socket + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w on %s", ErrAlreadyRunning, d.socket)
	}
	defer func() { _ = lock.Unlock() }()

	cfg, migrated, cfgErr := config.Load(d.opts.ConfigPath)
	defs := cfg.Processes
	// the table owns the definitions from here on
	cfg.Processes = nil
	d.cfgMu.Lock()
	d.cfg = *cfg
	d.cfgMu.Unlock()
	d.initLogger(cfg.DaemonLogSave, cfg.LogMaxSizeMB)
	defer func() { _ = d.logCloser.Close() }()

	wd, _ := os.Getwd()
	d.log.Info("starting daemon", "version", config.Version, "pid", os.Getpid(), "directory", wd, "socket", d.socket, "channel", d.opts.Channel)
	switch {
	case cfgErr != nil && config.IsNotExist(cfgErr):
		d.log.Info("no config file, starting empty", "path", d.opts.ConfigPath)
	case cfgErr != nil:
		d.log.Warn("config unreadable, starting empty", "path", d.opts.ConfigPath, "error", cfgErr)
	}

	if err := os.MkdirAll(d.opts.LogDir, 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	if err := metrics.Register(d.opts.Registerer); err != nil {
		d.log.Warn("metrics registration failed", "error", err)
	}
	d.startHistory(cfg.HistoryDSN)

	entries, err := d.table.Load(defs)
	if err != nil {
		d.log.Warn("skipped invalid process definitions", "error", err)
	}
	if migrated {
		d.table.MarkDirty()
		d.log.Info("migrated legacy process definitions", "saved_version", cfg.SavedVersion)
	}
	for _, e := range entries {
		if !e.Definition().Enabled {
			continue
		}
		if err := e.Start(); err != nil {
			d.log.Error("failed to start process", "name", e.Name(), "error", err)
		}
	}

	d.startHTTP(ctx, cfg.MetricsListen)

	ln, err := ipc.Listen(d.socket)
	if err != nil {
		d.teardown()
		return err
	}
	srv := ipc.NewServer(ln, d.conns, d, d.log)
	srv.LogRequests = func() bool { return d.config().LogIpc }

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.exit:
			d.log.Info("exit requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	close(d.ready)
	d.log.Info("listening", "socket", d.socket)
	serveErr := srv.Serve(ctx)
	_ = srv.Close()
	d.teardown()
	d.log.Info("daemon stopped")
	return serveErr
}

func (d *Daemon) initLogger(save bool, maxSizeMB int) {
	if d.opts.Logger != nil {
		d.log, d.logCloser = d.opts.Logger, io.NopCloser(nil)
	} else {
		lo := logger.Options{Console: d.opts.Console, Color: d.opts.Color, Level: d.opts.LogLevel, MaxSizeMB: maxSizeMB}
		if save {
			lo.File = d.opts.DaemonLog
		}
		d.log, d.logCloser = logger.New(lo)
	}
	d.bus = ipc.NewBroadcaster(d.conns, d.log)
}

func (d *Daemon) startHistory(dsn string) {
	if dsn == "" {
		return
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		d.log.Warn("history sink unavailable", "error", err)
		return
	}
	d.history = history.NewRecorder(sink, d.historyRecord, d.log)
	d.bus.AddListener(d.history)
	d.log.Info("recording history")
}

func (d *Daemon) historyRecord(name string) (history.Record, bool) {
	e, err := d.table.Find(name)
	if err != nil {
		return history.Record{}, false
	}
	info := e.Info()
	return history.Record{Name: info.Name, PID: info.ProcessId, ExitCode: info.ExitCode, Restarts: info.RestartCount}, true
}

func (d *Daemon) startHTTP(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	srv, bound, err := server.NewServer(addr, "", d, d.opts.Gatherer)
	if err != nil {
		d.log.Warn("status endpoint unavailable", "error", err)
		return
	}
	d.httpSrv, d.httpAddr = srv, bound
	d.resources = metrics.NewResourceCollector(0)
	if err := d.resources.Register(d.opts.Registerer); err != nil {
		d.log.Warn("resource metrics registration failed", "error", err)
	}
	d.resources.Start(ctx, d.runningPIDs)
	d.log.Info("status endpoint listening", "addr", bound.String())
}

func (d *Daemon) runningPIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, info := range d.table.Infos() {
		if info.Running && info.ProcessId > 0 {
			out[info.Name] = int32(info.ProcessId)
		}
	}
	return out
}

// requestExit kills every process tree and makes Run return.
func (d *Daemon) requestExit() {
	d.exitOnce.Do(func() {
		d.table.KillAll()
		close(d.exit)
	})
}

func (d *Daemon) teardown() {
	d.table.KillAll()
	waited := make(chan struct{})
	go func() {
		for _, e := range d.table.List() {
			e.Wait()
		}
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(shutdownWait):
		d.log.Warn("processes still exiting at shutdown")
	}
	for _, e := range d.table.List() {
		e.Flush()
		e.Close()
	}
	if d.resources != nil {
		d.resources.Stop()
	}
	if d.httpSrv != nil {
		if err := server.Shutdown(d.httpSrv, 2*time.Second); err != nil {
			d.log.Warn("status endpoint shutdown", "error", err)
		}
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.log.Warn("history close", "error", err)
		}
	}
}

// Status implements server.Source.
func (d *Daemon) Status() server.DaemonStatus {
	wd, _ := os.Getwd()
	return server.DaemonStatus{
		Processes: d.table.Len(),
		NotSaved:  d.table.NotSaved(),
		Directory: wd,
		Version:   config.Version,
	}
}

// Processes implements server.Source.
func (d *Daemon) Processes() []process.Info { return d.table.Infos() }

// Process implements server.Source.
func (d *Daemon) Process(name string) (process.Info, error) {
	e, err := d.table.Find(name)
	if err != nil {
		return process.Info{}, err
	}
	return e.Info(), nil
}
