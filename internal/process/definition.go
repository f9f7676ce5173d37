package process

import (
	"strings"
)

// Definition is the persisted description of a supervised process.
type Definition struct {
	Name             string   `json:"Name" mapstructure:"Name"`
	Filename         string   `json:"Filename" mapstructure:"Filename"`
	Arguments        []string `json:"Arguments" mapstructure:"Arguments"`
	WorkingDirectory string   `json:"WorkingDirectory" mapstructure:"WorkingDirectory"`
	AutoRestart      bool     `json:"AutoRestart" mapstructure:"AutoRestart"`
	Enabled          bool     `json:"Enabled" mapstructure:"Enabled"`
	Watch            bool     `json:"Watch" mapstructure:"Watch"`
}

// NewDefinition returns a definition with AutoRestart and Enabled set.
func NewDefinition(name, filename string, args []string, workDir string) Definition {
	return Definition{
		Name:             name,
		Filename:         filename,
		Arguments:        args,
		WorkingDirectory: workDir,
		AutoRestart:      true,
		Enabled:          true,
	}
}

// Clone returns a copy that shares no slice storage with d.
func (d Definition) Clone() Definition {
	c := d
	if d.Arguments != nil {
		c.Arguments = append([]string(nil), d.Arguments...)
	}
	return c
}

// ValidName reports whether name satisfies the process name grammar:
// it must not start with '-', a digit or '/', and may only contain
// ASCII letters, digits and the characters _ - . @ # /.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	switch c := name[0]; {
	case c == '-', c == '/', c >= '0' && c <= '9':
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("_-.@#/", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// SplitCommand splits a legacy single-string command line at the first
// space into an executable and whitespace separated arguments.
func SplitCommand(command string) (string, []string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil
	}
	i := strings.IndexByte(command, ' ')
	if i < 0 {
		return command, nil
	}
	return command[:i], strings.Fields(command[i+1:])
}
