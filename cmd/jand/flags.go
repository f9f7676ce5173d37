package main

// Flag structs to decouple cobra from logic for testing.

type StartDaemonFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
	LogLevel   string
}

type NewFlags struct {
	Name     string
	Filename string
	Args     []string
	WorkDir  string
	Start    bool
	Disabled bool
	NoRetry  bool
}

type ListFlags struct {
	JSON bool
}

type InfoFlags struct {
	JSON bool
}

type LogsFlags struct {
	Name   string
	LogDir string
	Lines  int
	Stdout bool
	Stderr bool
	Follow bool
}

type EventsFlags struct {
	Events []string
	Logs   []string
	JSON   bool
}

type VacuumFlags struct {
	Name      string
	KeepLines int
	Stdout    bool
	Stderr    bool
}
