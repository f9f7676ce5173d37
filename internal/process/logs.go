package process

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// logFile buffers writes to one rotating output file.
type logFile struct {
	path string
	wc   io.WriteCloser
	buf  *bufio.Writer
}

func (f *logFile) writeLine(line string) error {
	if _, err := f.buf.WriteString(line); err != nil {
		return err
	}
	return f.buf.WriteByte('\n')
}

func (f *logFile) flush() error { return f.buf.Flush() }

func (f *logFile) close() error {
	ferr := f.buf.Flush()
	if err := f.wc.Close(); err != nil {
		return err
	}
	return ferr
}

// ensureLogs opens the writers once; they are reused across runs.
func (e *Entry) ensureLogs(name string) error {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if e.outLog != nil && e.errLog != nil {
		return nil
	}
	outW, errW, err := e.opts.Logs.Writers(name)
	if err != nil {
		return err
	}
	outPath, errPath := e.opts.Logs.Paths(name)
	e.outLog = &logFile{path: outPath, wc: outW, buf: bufio.NewWriter(outW)}
	e.errLog = &logFile{path: errPath, wc: errW, buf: bufio.NewWriter(errW)}
	return nil
}

func (e *Entry) logFor(s Stream) *logFile {
	if s == Stderr {
		return e.errLog
	}
	return e.outLog
}

// Flush writes buffered output of both streams to disk.
func (e *Entry) Flush() {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	for _, f := range []*logFile{e.outLog, e.errLog} {
		if f != nil {
			_ = f.flush()
		}
	}
}

// LogPaths returns the stdout and stderr file paths for the current name.
func (e *Entry) LogPaths() (string, string) {
	return e.opts.Logs.Paths(e.Name())
}

func (e *Entry) closeLogs() {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	for _, f := range []*logFile{e.outLog, e.errLog} {
		if f != nil {
			_ = f.close()
		}
	}
	e.outLog, e.errLog = nil, nil
}

// Vacuum truncates the selected log files to their last keepLines lines.
// which is a bit set of Stdout and Stderr.
func (e *Entry) Vacuum(keepLines int, which Stream) error {
	if keepLines < 0 {
		return ErrInvalidValue
	}
	outPath, errPath := e.LogPaths()
	e.logMu.Lock()
	defer e.logMu.Unlock()
	for _, f := range []*logFile{e.outLog, e.errLog} {
		if f != nil {
			_ = f.flush()
		}
	}
	if which&Stdout != 0 {
		if err := e.truncateLocked(e.outLog, outPath, keepLines); err != nil {
			return err
		}
	}
	if which&Stderr != 0 {
		if err := e.truncateLocked(e.errLog, errPath, keepLines); err != nil {
			return err
		}
	}
	return nil
}

// truncateLocked rewrites path with its last keep lines. An open writer is
// closed first and reopened lazily by lumberjack on the next write.
func (e *Entry) truncateLocked(f *logFile, path string, keep int) error {
	if f != nil {
		path = f.path
		_ = f.wc.Close()
	}
	b, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, tailLines(b, keep), 0o600)
}

// tailLines returns the last n newline-terminated lines of b.
func tailLines(b []byte, n int) []byte {
	if n == 0 {
		return nil
	}
	end := len(b)
	if end > 0 && b[end-1] == '\n' {
		end--
	}
	idx := end
	for i := 0; i < n; i++ {
		j := bytes.LastIndexByte(b[:idx], '\n')
		if j < 0 {
			return b
		}
		idx = j
	}
	return b[idx+1:]
}
