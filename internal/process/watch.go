package process

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/jand/internal/event"
)

// WatchDebounce is the quiet period between a file change and the restart.
var WatchDebounce = 500 * time.Millisecond

// watcher restarts its entry when files under a directory tree change.
type watcher struct {
	entry   *Entry
	fsw     *fsnotify.Watcher
	root    string
	ignore  []string
	pending atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// newWatcher watches dir. Paths matching an ignore entry are skipped: an
// entry names a file or directory, or is a filepath.Match pattern.
func newWatcher(e *Entry, dir string, ignore []string) (*watcher, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		entry:  e,
		fsw:    fsw,
		root:   root,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, p := range ignore {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			w.ignore = append(w.ignore, abs)
		}
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// addTree watches dir and every directory below it, skipping ignored ones.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *watcher) ignored(path string) bool {
	for _, p := range w.ignore {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (w *watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.entry.log.Warn("watch error", "name", w.entry.Name(), "error", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if w.ignored(ev.Name) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.addTree(ev.Name)
		}
	}
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(WatchDebounce, func() {
		defer w.pending.Store(false)
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.entry.watchRestart()
	})
}

// Close stops watching. It is safe to call more than once.
func (w *watcher) Close() {
	w.once.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
		<-w.doneCh
	})
}

// watchRestart restarts a running entry after a file change. Entries that
// are not running are left alone.
func (e *Entry) watchRestart() {
	if !e.Running() {
		return
	}
	name := e.Name()
	e.log.Info("change detected, restarting", "name", name)
	if err := e.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		e.log.Warn("watch restart stop failed", "name", name, "error", err)
	}
	e.mu.Lock()
	e.stopped = false
	started, err := e.startLocked()
	name = e.def.Name
	e.mu.Unlock()
	if err != nil {
		e.log.Error("watch restart failed", "name", name, "error", err)
	}
	if started {
		e.opts.Publisher.Publish(event.New(event.ProcessStarted, name))
	}
}
