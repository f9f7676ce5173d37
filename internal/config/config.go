package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/jand/internal/process"
)

// Version is written to SavedVersion on every save.
const Version = "0.8.0"

// DefaultFile is the config file name, relative to the daemon's working
// directory.
const DefaultFile = "config.json"

// legacyVersions stored processes as a single Command string.
var legacyVersions = map[string]bool{
	"0.6.0": true,
	"0.5.2": true,
	"0.5.1": true,
	"0.5.0": true,
}

// Config is the persisted daemon state.
type Config struct {
	Processes        []process.Definition `json:"Processes"`
	LogIpc           bool                 `json:"LogIpc"`
	FormatConfig     bool                 `json:"FormatConfig"`
	MaxRestarts      int                  `json:"MaxRestarts"`
	LogProcessOutput bool                 `json:"LogProcessOutput"`
	DaemonLogSave    bool                 `json:"DaemonLogSave"`
	SavedVersion     string               `json:"SavedVersion"`
	HistoryDSN       string               `json:"HistoryDSN"`
	MetricsListen    string               `json:"MetricsListen"`
	LogMaxSizeMB     int                  `json:"LogMaxSizeMB"`
	LogMaxBackups    int                  `json:"LogMaxBackups"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Processes:        []process.Definition{},
		LogIpc:           true,
		FormatConfig:     true,
		MaxRestarts:      process.DefaultMaxRestarts,
		LogProcessOutput: true,
		DaemonLogSave:    true,
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
	}
}

// fileProcess is the on-disk process shape, including the legacy Command
// field. Booleans are pointers so absent keys keep their defaults.
type fileProcess struct {
	Name             string   `mapstructure:"Name"`
	Filename         string   `mapstructure:"Filename"`
	Arguments        []string `mapstructure:"Arguments"`
	WorkingDirectory string   `mapstructure:"WorkingDirectory"`
	AutoRestart      *bool    `mapstructure:"AutoRestart"`
	Enabled          *bool    `mapstructure:"Enabled"`
	Watch            bool     `mapstructure:"Watch"`
	Command          string   `mapstructure:"Command"`
}

type fileConfig struct {
	Processes        []fileProcess `mapstructure:"Processes"`
	LogIpc           bool          `mapstructure:"LogIpc"`
	FormatConfig     bool          `mapstructure:"FormatConfig"`
	MaxRestarts      int           `mapstructure:"MaxRestarts"`
	LogProcessOutput bool          `mapstructure:"LogProcessOutput"`
	DaemonLogSave    bool          `mapstructure:"DaemonLogSave"`
	SavedVersion     string        `mapstructure:"SavedVersion"`
	HistoryDSN       string        `mapstructure:"HistoryDSN"`
	MetricsListen    string        `mapstructure:"MetricsListen"`
	LogMaxSizeMB     int           `mapstructure:"LogMaxSizeMB"`
	LogMaxBackups    int           `mapstructure:"LogMaxBackups"`
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("LogIpc", d.LogIpc)
	v.SetDefault("FormatConfig", d.FormatConfig)
	v.SetDefault("MaxRestarts", d.MaxRestarts)
	v.SetDefault("LogProcessOutput", d.LogProcessOutput)
	v.SetDefault("DaemonLogSave", d.DaemonLogSave)
	v.SetDefault("LogMaxSizeMB", d.LogMaxSizeMB)
	v.SetDefault("LogMaxBackups", d.LogMaxBackups)
}

// Load reads path. The returned bool reports whether legacy entries were
// migrated, in which case the caller should treat the config as unsaved.
// A missing file yields the defaults and an error wrapping fs.ErrNotExist.
func Load(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); err != nil {
		return Default(), false, fmt.Errorf("config %s: %w", path, err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Default(), false, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Default(), false, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg := &Config{
		Processes:        make([]process.Definition, 0, len(fc.Processes)),
		LogIpc:           fc.LogIpc,
		FormatConfig:     fc.FormatConfig,
		MaxRestarts:      fc.MaxRestarts,
		LogProcessOutput: fc.LogProcessOutput,
		DaemonLogSave:    fc.DaemonLogSave,
		SavedVersion:     fc.SavedVersion,
		HistoryDSN:       fc.HistoryDSN,
		MetricsListen:    fc.MetricsListen,
		LogMaxSizeMB:     fc.LogMaxSizeMB,
		LogMaxBackups:    fc.LogMaxBackups,
	}
	migrated := false
	for _, p := range fc.Processes {
		def := process.NewDefinition(p.Name, p.Filename, p.Arguments, p.WorkingDirectory)
		if p.AutoRestart != nil {
			def.AutoRestart = *p.AutoRestart
		}
		if p.Enabled != nil {
			def.Enabled = *p.Enabled
		}
		def.Watch = p.Watch
		if needsMigration(fc.SavedVersion, p) {
			def.Filename, def.Arguments = process.SplitCommand(p.Command)
			migrated = true
		}
		cfg.Processes = append(cfg.Processes, def)
	}
	return cfg, migrated, nil
}

// needsMigration reports whether a process was saved by a version that
// kept the whole command line in one field.
func needsMigration(saved string, p fileProcess) bool {
	if strings.TrimSpace(p.Command) == "" || p.Filename != "" {
		return false
	}
	return legacyVersions[saved] || saved == ""
}

// IsNotExist reports whether err came from a missing config file.
func IsNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// Save writes cfg to path, stamping SavedVersion. The file is replaced
// atomically.
func Save(path string, cfg *Config) error {
	out := *cfg
	out.SavedVersion = Version
	if out.Processes == nil {
		out.Processes = []process.Definition{}
	}
	var (
		b   []byte
		err error
	)
	if out.FormatConfig {
		b, err = json.MarshalIndent(out, "", "  ")
	} else {
		b, err = json.Marshal(out)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		b = append(b, '\n')
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	cfg.SavedVersion = Version
	return nil
}
