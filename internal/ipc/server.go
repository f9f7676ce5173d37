package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// MaxRequestSize caps one request line.
const MaxRequestSize = 4 << 20

// ErrNoReply tells the server not to write a response for a request.
var ErrNoReply = errors.New("no reply")

// Request is one client packet.
type Request struct {
	Type string `json:"Type"`
	Data string `json:"Data"`
}

// Dispatcher handles a parsed request and returns the response line.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Conn, req Request) (string, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, c *Conn, req Request) (string, error)

func (f DispatchFunc) Dispatch(ctx context.Context, c *Conn, req Request) (string, error) {
	return f(ctx, c, req)
}

// Server accepts connections on a listener and runs one read loop per
// connection.
type Server struct {
	ln       net.Listener
	reg      *Registry
	dispatch Dispatcher
	log      *slog.Logger
	// LogRequests, when set and returning true, logs every request.
	LogRequests func() bool

	closing atomic.Bool
	wg      sync.WaitGroup
}

func NewServer(ln net.Listener, reg *Registry, d Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ln: ln, reg: reg, dispatch: d, log: log.With("component", "ipc")}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if s.closing.Load() {
			_ = nc.Close()
			return nil
		}
		c := NewConn(nc)
		s.reg.Add(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, c)
		}()
	}
}

// Close stops accepting, closes every live connection and waits for the
// read loops to exit.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	for _, c := range s.reg.Snapshot() {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(ctx context.Context, c *Conn) {
	log := s.log.With("conn", c.ID())
	log.Debug("connection opened")
	defer func() {
		s.reg.Remove(c)
		_ = c.Close()
		log.Debug("connection closed")
	}()

	sc := bufio.NewScanner(c.nc)
	sc.Buffer(make([]byte, 0, 64*1024), MaxRequestSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		resp, err := s.serveLine(ctx, c, line, log)
		if errors.Is(err, ErrNoReply) {
			continue
		}
		if err != nil {
			resp = "ERR:" + err.Error()
		}
		if werr := c.Reply(resp); werr != nil {
			log.Debug("write response", "error", werr)
			return
		}
	}
	err := sc.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// the rest of the oversized line cannot be resynchronised
		_ = c.Reply("ERR:deserialization-error: request too large")
		log.Warn("request too large", "limit", MaxRequestSize)
		return
	}
	if err != nil && !s.closing.Load() && !errors.Is(err, net.ErrClosed) {
		log.Debug("read", "error", err)
	}
}

func (s *Server) serveLine(ctx context.Context, c *Conn, line []byte, log *slog.Logger) (resp string, err error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return "", fmt.Errorf("deserialization-error: %v", err)
	}
	if s.LogRequests != nil && s.LogRequests() {
		log.Info("request", "type", req.Type, "data", req.Data)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "type", req.Type, "panic", r, "stack", string(debug.Stack()))
			resp, err = "", fmt.Errorf("%v", r)
		}
	}()
	return s.dispatch.Dispatch(ctx, c, req)
}
