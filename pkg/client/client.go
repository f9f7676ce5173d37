package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/jand/internal/env"
	"github.com/loykin/jand/internal/ipc"
)

// ErrUnreachable is returned by Dial when no daemon listens on the socket.
var ErrUnreachable = errors.New("daemon not reachable")

// Error is a failure reported by the daemon as an ERR: response.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Code returns the error code, the part of the message before the first ':'.
func (e *Error) Code() string {
	code, _, _ := strings.Cut(e.Message, ":")
	return strings.TrimSpace(code)
}

// IsCode reports whether err is a daemon error with the given code,
// e.g. "invalid-process".
func IsCode(err error, code string) bool {
	var de *Error
	return errors.As(err, &de) && de.Code() == code
}

// Config holds client configuration
type Config struct {
	// Channel is a channel name or a socket path, as in JAND_PIPE.
	Channel string
	// Timeout bounds connecting and every request round trip.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Channel: ipc.DefaultChannel,
		Timeout: env.DefaultTimeout,
	}
}

// ConfigFromEnv builds a configuration from JAND_PIPE and JAND_TIMEOUT.
func ConfigFromEnv() Config {
	s := env.Load()
	return Config{Channel: s.Pipe, Timeout: s.Timeout}
}

// Client is one connection to the daemon. Requests are serialized; a client
// used with ListenEvents should not issue further requests.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger
	path    string

	mu sync.Mutex
}

// Dial connects to the daemon described by config.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.Channel == "" {
		config.Channel = ipc.DefaultChannel
	}
	if config.Timeout <= 0 {
		config.Timeout = env.DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	path := ipc.SocketPath(config.Channel)
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		config.Logger.Debug("Daemon unreachable", "socket", path, "error", err)
		return nil, fmt.Errorf("%w at %s: %v", ErrUnreachable, path, err)
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 64*1024),
		timeout: config.Timeout,
		logger:  config.Logger,
		path:    path,
	}, nil
}

// SocketPath returns the socket the client is connected to.
func (c *Client) SocketPath() string { return c.path }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	return dl
}

func (c *Client) send(ctx context.Context, typ, data string) error {
	b, err := json.Marshal(struct {
		Type string `json:"Type"`
		Data string `json:"Data"`
	}{typ, data})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_ = c.conn.SetWriteDeadline(c.deadline(ctx))
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// Request sends one request and returns the raw response line. ERR:
// responses are returned as *Error.
func (c *Client) Request(ctx context.Context, typ, data string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug("Sending request", "type", typ)
	if err := c.send(ctx, typ, data); err != nil {
		return "", err
	}
	_ = c.conn.SetReadDeadline(c.deadline(ctx))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", typ, err)
	}
	line = strings.TrimSuffix(line, "\n")
	if msg, ok := strings.CutPrefix(line, "ERR:"); ok {
		return "", &Error{Message: msg}
	}
	return line, nil
}

// RequestJSON sends a request and decodes the JSON response into out.
func (c *Client) RequestJSON(ctx context.Context, typ, data string, out any) error {
	resp, err := c.Request(ctx, typ, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(resp), out); err != nil {
		return fmt.Errorf("decode %s response: %w", typ, err)
	}
	return nil
}

func (c *Client) expect(ctx context.Context, typ, data string, want ...string) (string, error) {
	resp, err := c.Request(ctx, typ, data)
	if err != nil {
		return "", err
	}
	for _, w := range want {
		if resp == w {
			return resp, nil
		}
	}
	return resp, fmt.Errorf("unexpected %s response %q", typ, resp)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return string(b), nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.expect(ctx, "ping", "", "pong")
	return err
}

// Write asks the daemon to log text.
func (c *Client) Write(ctx context.Context, text string) error {
	_, err := c.expect(ctx, "write", text, "done")
	return err
}

// Status returns the daemon summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.RequestJSON(ctx, "status", "", &st)
	return st, err
}

// NewProcess adds a process definition.
func (c *Client) NewProcess(ctx context.Context, req NewProcessRequest) error {
	data, err := encode(req)
	if err != nil {
		return err
	}
	_, err = c.expect(ctx, "new-process", data, "added")
	return err
}

// StartProcess starts name with a fresh restart budget.
func (c *Client) StartProcess(ctx context.Context, name string) error {
	_, err := c.expect(ctx, "start-process", name, "done")
	return err
}

// StopProcess stops name. It reports false when the process was not running.
func (c *Client) StopProcess(ctx context.Context, name string) (bool, error) {
	resp, err := c.expect(ctx, "stop-process", name, "killed", "already-stopped")
	if err != nil {
		return false, err
	}
	return resp == "killed", nil
}

// RestartProcess stops name when running and starts it again.
func (c *Client) RestartProcess(ctx context.Context, name string) error {
	_, err := c.expect(ctx, "restart-process", name, "done")
	return err
}

// DeleteProcess stops and removes name.
func (c *Client) DeleteProcess(ctx context.Context, name string) error {
	_, err := c.expect(ctx, "delete-process", name, "done")
	return err
}

// RenameProcess renames oldName to newName.
func (c *Client) RenameProcess(ctx context.Context, oldName, newName string) error {
	_, err := c.expect(ctx, "rename-process", oldName+":"+newName, "done")
	return err
}

// SetEnabled flips whether name starts with the daemon.
func (c *Client) SetEnabled(ctx context.Context, name string, enabled bool) error {
	want := "False"
	if enabled {
		want = "True"
	}
	_, err := c.expect(ctx, "set-enabled", name+":"+strconv.FormatBool(enabled), want)
	return err
}

// SetProperty sets one process property (Filename, Arguments,
// WorkingDirectory, AutoRestart, Enabled or Watch).
func (c *Client) SetProperty(ctx context.Context, name, property, value string) error {
	data, err := encode(struct {
		Process  string `json:"Process"`
		Property string `json:"Property"`
		Data     string `json:"Data"`
	}{name, property, value})
	if err != nil {
		return err
	}
	_, err = c.expect(ctx, "set-process-property", data, "done")
	return err
}

// ProcessInfo returns the runtime view of name.
func (c *Client) ProcessInfo(ctx context.Context, name string) (ProcessInfo, error) {
	var info ProcessInfo
	err := c.RequestJSON(ctx, "get-process-info", name, &info)
	return info, err
}

// Processes returns every process in table order.
func (c *Client) Processes(ctx context.Context) ([]ProcessInfo, error) {
	var infos []ProcessInfo
	err := c.RequestJSON(ctx, "get-processes", "", &infos)
	return infos, err
}

// ProcessList returns the persisted definitions in table order.
func (c *Client) ProcessList(ctx context.Context) ([]ProcessDefinition, error) {
	var defs []ProcessDefinition
	err := c.RequestJSON(ctx, "get-process-list", "", &defs)
	return defs, err
}

// SaveConfig persists the current definitions and options.
func (c *Client) SaveConfig(ctx context.Context) error {
	_, err := c.expect(ctx, "save-config", "", "done")
	return err
}

// Options returns the daemon options.
func (c *Client) Options(ctx context.Context) (Options, error) {
	var o Options
	err := c.RequestJSON(ctx, "get-config", "", &o)
	return o, err
}

// SetOption changes one daemon option.
func (c *Client) SetOption(ctx context.Context, option, value string) error {
	_, err := c.expect(ctx, "set-config", option+":"+value, "done")
	return err
}

// SubscribeEvents adds mask to the connection's subscriptions.
func (c *Client) SubscribeEvents(ctx context.Context, mask int) error {
	_, err := c.expect(ctx, "subscribe-events", strconv.Itoa(mask), "done")
	return err
}

// UnsubscribeEvents toggles mask off the connection's subscriptions.
func (c *Client) UnsubscribeEvents(ctx context.Context, mask int) error {
	_, err := c.expect(ctx, "unsubscribe-events", strconv.Itoa(mask), "done")
	return err
}

// SubscribeLog selects the log streams of name this connection receives.
func (c *Client) SubscribeLog(ctx context.Context, name string, stdout, stderr bool) error {
	typ := "subscribe-log-event"
	switch {
	case stdout && !stderr:
		typ = "subscribe-outlog-event"
	case stderr && !stdout:
		typ = "subscribe-errlog-event"
	case !stdout && !stderr:
		return c.UnsubscribeLog(ctx, name)
	}
	_, err := c.expect(ctx, typ, name, "done")
	return err
}

// UnsubscribeLog drops both log streams of name.
func (c *Client) UnsubscribeLog(ctx context.Context, name string) error {
	_, err := c.expect(ctx, "unsubscribe-log-event", name, "done")
	return err
}

// SendStdin writes line to the standard input of name.
func (c *Client) SendStdin(ctx context.Context, name, line string) error {
	_, err := c.expect(ctx, "send-process-stdin-line", name+":"+line, "done")
	return err
}

// FlushLogs flushes every buffered log file.
func (c *Client) FlushLogs(ctx context.Context) error {
	_, err := c.expect(ctx, "flush-all-logs", "", "done")
	return err
}

// Vacuum truncates log files.
func (c *Client) Vacuum(ctx context.Context, req VacuumRequest) error {
	data, err := encode(req)
	if err != nil {
		return err
	}
	_, err = c.expect(ctx, "vacuum", data, "done")
	return err
}

// Exit asks the daemon to kill every process and stop. The daemon does not
// reply; Exit waits until it closes the connection or the timeout passes.
func (c *Client) Exit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, "exit", ""); err != nil {
		return err
	}
	_ = c.conn.SetReadDeadline(c.deadline(ctx))
	_, err := c.r.ReadString('\n')
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("daemon did not stop within %s", c.timeout)
	}
	// a reset connection also means the daemon went away
	return nil
}

// ListenEvents streams events to fn until ctx is done or the connection
// closes. Frames that are not events, such as late request responses, are
// skipped.
func (c *Client) ListenEvents(ctx context.Context, fn func(Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Event == "" {
			continue
		}
		fn(ev)
	}
}

// ResolveNames expands process selectors into names. A selector made of
// digits is a SafeIndex, /pattern/ is a regular expression matched against
// every name, anything else is taken literally. Duplicates are dropped.
func (c *Client) ResolveNames(ctx context.Context, selectors []string) ([]string, error) {
	var infos []ProcessInfo
	needList := false
	for _, s := range selectors {
		if isIndex(s) || isPattern(s) {
			needList = true
			break
		}
	}
	if needList {
		var err error
		if infos, err = c.Processes(ctx); err != nil {
			return nil, err
		}
	}
	return resolve(selectors, infos)
}

func resolve(selectors []string, infos []ProcessInfo) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, s := range selectors {
		switch {
		case isIndex(s):
			idx, _ := strconv.Atoi(s)
			found := false
			for _, p := range infos {
				if p.SafeIndex == idx {
					add(p.Name)
					found = true
					break
				}
			}
			if !found {
				return nil, &Error{Message: "invalid-process: no process with index " + s}
			}
		case isPattern(s):
			re, err := regexp.Compile(s[1 : len(s)-1])
			if err != nil {
				return nil, fmt.Errorf("bad pattern %s: %w", s, err)
			}
			for _, p := range infos {
				if re.MatchString(p.Name) {
					add(p.Name)
				}
			}
		default:
			add(s)
		}
	}
	return out, nil
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isPattern(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/")
}
