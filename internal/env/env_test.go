package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"JAND_PIPE", "JAND_HOME", "JAND_TIMEOUT", "JAND_AUTOFLUSH", "JAND_PROCESS_LIST", "NO_COLOR"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
	s := Load()
	if s.Pipe != "jand" || s.Home != "" || s.Timeout != DefaultTimeout {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.AutoFlush || s.NoColor || !s.ProcessList {
		t.Fatalf("unexpected flag defaults: %+v", s)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JAND_PIPE", "/tmp/custom.sock")
	t.Setenv("JAND_HOME", "/srv/jand")
	t.Setenv("JAND_TIMEOUT", "250")
	t.Setenv("JAND_AUTOFLUSH", "yes")
	t.Setenv("JAND_PROCESS_LIST", "0")
	t.Setenv("NO_COLOR", "1")
	s := Load()
	if s.Pipe != "/tmp/custom.sock" || s.Home != "/srv/jand" {
		t.Fatalf("unexpected strings: %+v", s)
	}
	if s.Timeout != 250*time.Millisecond {
		t.Fatalf("timeout: got %v", s.Timeout)
	}
	if !s.AutoFlush || !s.NoColor || s.ProcessList {
		t.Fatalf("unexpected flags: %+v", s)
	}
}

func TestLoadBadTimeoutFallsBack(t *testing.T) {
	t.Setenv("JAND_TIMEOUT", "-5")
	if got := Load().Timeout; got != DefaultTimeout {
		t.Fatalf("got %v", got)
	}
}

func TestEnterHome(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnterHome(dir); err != nil {
		t.Fatalf("enter home: %v", err)
	}
	got, _ := os.Getwd()
	want, _ := filepath.EvalSymlinks(dir)
	if got != want && got != dir {
		t.Fatalf("cwd %q, want %q", got, dir)
	}
	if err := EnterHome(""); err != nil {
		t.Fatalf("empty home: %v", err)
	}
}
