package daemon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/jand/internal/config"
	"github.com/loykin/jand/internal/process"
)

// processProperty updates one field of a definition from its string form.
type processProperty func(d *process.Definition, value string) error

var processProperties = map[string]processProperty{
	"filename": func(d *process.Definition, v string) error {
		d.Filename = v
		return nil
	},
	"arguments": func(d *process.Definition, v string) error {
		args, err := parseArguments(v)
		if err != nil {
			return err
		}
		d.Arguments = args
		return nil
	},
	"workingdirectory": func(d *process.Definition, v string) error {
		d.WorkingDirectory = v
		return nil
	},
	"autorestart": boolProperty(func(d *process.Definition, b bool) { d.AutoRestart = b }),
	"enabled":     boolProperty(func(d *process.Definition, b bool) { d.Enabled = b }),
	"watch":       boolProperty(func(d *process.Definition, b bool) { d.Watch = b }),
}

func boolProperty(set func(d *process.Definition, b bool)) processProperty {
	return func(d *process.Definition, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		set(d, b)
		return nil
	}
}

// setProcessProperty applies a named property to e. Lookup ignores case.
func setProcessProperty(e *process.Entry, name, value string) error {
	set, ok := processProperties[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrInvalidProperty, name)
	}
	// validate on a copy so a bad value leaves the entry untouched
	def := e.Definition()
	if err := set(&def, value); err != nil {
		return err
	}
	e.Update(func(d *process.Definition) { _ = set(d, value) })
	return nil
}

// parseArguments accepts a JSON array or whitespace separated words.
func parseArguments(v string) ([]string, error) {
	t := strings.TrimSpace(v)
	if strings.HasPrefix(t, "[") {
		var args []string
		if err := json.Unmarshal([]byte(t), &args); err != nil {
			return nil, fmt.Errorf("%w: %v", process.ErrInvalidValue, err)
		}
		return args, nil
	}
	return strings.Fields(t), nil
}

func parseBool(v string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", process.ErrInvalidValue, v)
	}
	return b, nil
}

func parseInt(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", process.ErrInvalidValue, v)
	}
	return n, nil
}

// configOption is a daemon option settable over IPC.
type configOption struct {
	name string
	set  func(c *config.Config, value string) error
}

var configOptions = []configOption{
	{"LogIpc", func(c *config.Config, v string) (err error) { c.LogIpc, err = parseBool(v); return }},
	{"FormatConfig", func(c *config.Config, v string) (err error) { c.FormatConfig, err = parseBool(v); return }},
	{"MaxRestarts", func(c *config.Config, v string) (err error) { c.MaxRestarts, err = parseInt(v); return }},
	{"LogProcessOutput", func(c *config.Config, v string) (err error) { c.LogProcessOutput, err = parseBool(v); return }},
	{"DaemonLogSave", func(c *config.Config, v string) (err error) { c.DaemonLogSave, err = parseBool(v); return }},
	{"HistoryDSN", func(c *config.Config, v string) error { c.HistoryDSN = strings.TrimSpace(v); return nil }},
	{"MetricsListen", func(c *config.Config, v string) error { c.MetricsListen = strings.TrimSpace(v); return nil }},
}

func lookupConfigOption(name string) (configOption, bool) {
	name = strings.TrimSpace(name)
	for _, o := range configOptions {
		if strings.EqualFold(o.name, name) {
			return o, true
		}
	}
	return configOption{}, false
}

// configView is the get-config response.
type configView struct {
	LogIpc           bool   `json:"LogIpc"`
	FormatConfig     bool   `json:"FormatConfig"`
	MaxRestarts      int    `json:"MaxRestarts"`
	LogProcessOutput bool   `json:"LogProcessOutput"`
	DaemonLogSave    bool   `json:"DaemonLogSave"`
	HistoryDSN       string `json:"HistoryDSN"`
	MetricsListen    string `json:"MetricsListen"`
}

func viewOf(c config.Config) configView {
	return configView{
		LogIpc:           c.LogIpc,
		FormatConfig:     c.FormatConfig,
		MaxRestarts:      c.MaxRestarts,
		LogProcessOutput: c.LogProcessOutput,
		DaemonLogSave:    c.DaemonLogSave,
		HistoryDSN:       c.HistoryDSN,
		MetricsListen:    c.MetricsListen,
	}
}
