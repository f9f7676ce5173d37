package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/jand/internal/metrics"
	"github.com/loykin/jand/internal/process"
)

type fakeSource struct {
	infos []process.Info
}

func (f fakeSource) Status() DaemonStatus {
	return DaemonStatus{Processes: len(f.infos), NotSaved: true, Directory: "/srv", Version: "test"}
}

func (f fakeSource) Processes() []process.Info { return f.infos }

func (f fakeSource) Process(name string) (process.Info, error) {
	for _, i := range f.infos {
		if i.Name == name {
			return i, nil
		}
	}
	return process.Info{}, process.ErrInvalidProcess
}

func setupRouter(t *testing.T, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	src := fakeSource{infos: []process.Info{
		{Name: "web", Filename: "/bin/web", Arguments: []string{}, ProcessId: 10, Running: true, SafeIndex: 1},
		{Name: "jobs/worker", Filename: "/bin/w", Arguments: []string{"-v"}, ProcessId: -1, ExitCode: 1, SafeIndex: 2},
	}}
	// metrics register once per process, so every router shares one registry
	if err := metrics.Register(testRegistry); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewRouter(src, base, testRegistry).Handler()
}

var testRegistry = prometheus.NewRegistry()

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	h := setupRouter(t, "/api")
	if rec := doReq(t, h, "/api/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := doReq(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var st DaemonStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Processes != 2 || !st.NotSaved || st.Version != "test" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestProcesses(t *testing.T) {
	h := setupRouter(t, "")
	rec := doReq(t, h, "/processes")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var infos []process.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 || infos[1].SafeIndex != 2 {
		t.Fatalf("unexpected list %+v", infos)
	}
}

func TestProcessByNameWithSlash(t *testing.T) {
	h := setupRouter(t, "")
	rec := doReq(t, h, "/processes/jobs/worker")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var info process.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Name != "jobs/worker" || info.ExitCode != 1 {
		t.Fatalf("unexpected info %+v", info)
	}

	rec = doReq(t, h, "/processes/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, "")
	metrics.IncStart("web")
	rec := doReq(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jand_") {
		t.Fatalf("metrics output missing namespace:\n%s", rec.Body.String())
	}
}

func TestNewServerServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, addr, err := NewServer("127.0.0.1:0", "", fakeSource{}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = Shutdown(srv, time.Second) }()

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "true") {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
}
