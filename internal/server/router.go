package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/jand/internal/metrics"
	"github.com/loykin/jand/internal/process"
)

// DaemonStatus is the daemon summary served by IPC "status" and GET /status.
type DaemonStatus struct {
	Processes int    `json:"Processes"`
	NotSaved  bool   `json:"NotSaved"`
	Directory string `json:"Directory"`
	Version   string `json:"Version"`
}

// Source is the read-only daemon view the router serves.
type Source interface {
	Status() DaemonStatus
	Processes() []process.Info
	Process(name string) (process.Info, error)
}

// Router provides read-only HTTP handlers over a running daemon.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/status
//	GET {basePath}/processes
//	GET {basePath}/processes/{name}
//	GET {basePath}/metrics
//
// Process names may contain '/', so the name route is a catch-all.
type Router struct {
	src      Source
	basePath string
	gatherer prometheus.Gatherer
}

// NewRouter constructs a Router. A nil gatherer serves the default registry.
func NewRouter(src Source, basePath string, g prometheus.Gatherer) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), gatherer: g}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/*name", r.handleProcess)
	if r.gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	} else {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves the router in the background. Binding
// errors are returned; the caller shuts the server down with Shutdown.
func NewServer(addr, basePath string, src Source, g prometheus.Gatherer) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("http listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           NewRouter(src, basePath, g).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, ln.Addr(), nil
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Processes())
}

func (r *Router) handleProcess(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" {
		r.handleProcesses(c)
		return
	}
	info, err := r.src.Process(name)
	if errors.Is(err, process.ErrInvalidProcess) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}
