package env

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Prefix is shared by every environment variable jand reads.
const Prefix = "JAND"

// DefaultTimeout is the client connect timeout when JAND_TIMEOUT is unset.
const DefaultTimeout = 3000 * time.Millisecond

// Settings are the environment-driven knobs of the daemon and CLI.
type Settings struct {
	// Pipe is the IPC channel name or socket path.
	Pipe string
	// Home, when set, becomes the working directory.
	Home string
	// Timeout bounds connecting to the daemon.
	Timeout time.Duration
	// AutoFlush makes the logs command flush daemon buffers first.
	AutoFlush bool
	// ProcessList prints the process list after mutating commands.
	ProcessList bool
	// NoColor disables colored console output.
	NoColor bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(Prefix)
	v.AutomaticEnv()
	v.SetDefault("pipe", "jand")
	v.SetDefault("timeout", int(DefaultTimeout/time.Millisecond))
	_ = v.BindEnv("no_color", "NO_COLOR")
	return v
}

// Load reads the current environment.
func Load() Settings {
	v := newViper()
	s := Settings{
		Pipe:      v.GetString("pipe"),
		Home:      v.GetString("home"),
		AutoFlush: v.IsSet("autoflush"),
		NoColor:   v.IsSet("no_color"),
	}
	ms := v.GetInt("timeout")
	if ms <= 0 {
		ms = int(DefaultTimeout / time.Millisecond)
	}
	s.Timeout = time.Duration(ms) * time.Millisecond
	// the list is printed unless JAND_PROCESS_LIST is set to something other than 1
	s.ProcessList = !v.IsSet("process_list") || v.GetString("process_list") == "1"
	return s
}

// EnterHome creates dir when missing and makes it the working directory.
// An empty dir is a no-op.
func EnterHome(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create home %s: %w", dir, err)
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("enter home %s: %w", dir, err)
	}
	return nil
}
