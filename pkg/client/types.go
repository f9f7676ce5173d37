package client

// ProcessInfo is the runtime view of one process as reported by
// get-process-info and get-processes.
type ProcessInfo struct {
	Name                    string   `json:"Name"`
	Filename                string   `json:"Filename"`
	Arguments               []string `json:"Arguments"`
	WorkingDirectory        string   `json:"WorkingDirectory"`
	ProcessId               int      `json:"ProcessId"`
	Stopped                 bool     `json:"Stopped"`
	ExitCode                int      `json:"ExitCode"`
	RestartCount            int      `json:"RestartCount"`
	CurrentUnstableRestarts int      `json:"CurrentUnstableRestarts"`
	Enabled                 bool     `json:"Enabled"`
	AutoRestart             bool     `json:"AutoRestart"`
	Running                 bool     `json:"Running"`
	Watch                   bool     `json:"Watch"`
	SafeIndex               int      `json:"SafeIndex"`
}

// ProcessDefinition is the persisted part of a process (get-process-list).
type ProcessDefinition struct {
	Name             string   `json:"Name"`
	Filename         string   `json:"Filename"`
	Arguments        []string `json:"Arguments"`
	WorkingDirectory string   `json:"WorkingDirectory"`
	AutoRestart      bool     `json:"AutoRestart"`
	Enabled          bool     `json:"Enabled"`
	Watch            bool     `json:"Watch"`
}

// Status is the daemon summary returned by the status request.
type Status struct {
	Processes int    `json:"Processes"`
	NotSaved  bool   `json:"NotSaved"`
	Directory string `json:"Directory"`
	Version   string `json:"Version"`
}

// Options are the daemon settings exposed by get-config.
type Options struct {
	LogIpc           bool   `json:"LogIpc"`
	FormatConfig     bool   `json:"FormatConfig"`
	MaxRestarts      int    `json:"MaxRestarts"`
	LogProcessOutput bool   `json:"LogProcessOutput"`
	DaemonLogSave    bool   `json:"DaemonLogSave"`
	HistoryDSN       string `json:"HistoryDSN"`
	MetricsListen    string `json:"MetricsListen"`
}

// NewProcessRequest describes a process to add.
type NewProcessRequest struct {
	Name             string   `json:"Name"`
	Filename         string   `json:"Filename"`
	Arguments        []string `json:"Arguments"`
	WorkingDirectory string   `json:"WorkingDirectory"`
}

// VacuumRequest truncates log files to their last KeepLines lines.
// An empty Process selects every process; WhichStd 1 is stdout, 2 stderr,
// 0 or 3 both.
type VacuumRequest struct {
	KeepLines int    `json:"KeepLines"`
	Process   string `json:"Process"`
	WhichStd  int    `json:"WhichStd"`
}

// Event is one streamed notification.
type Event struct {
	Event   string `json:"Event"`
	Process string `json:"Process"`
	Value   string `json:"Value,omitempty"`
}

// Event mask bits accepted by SubscribeEvents.
const (
	EventOutLog          = 1
	EventErrLog          = 2
	EventProcessStopped  = 4
	EventProcessStarted  = 8
	EventProcessAdded    = 16
	EventProcessDeleted  = 32
	EventProcessRenamed  = 64
	EventPropertyUpdated = 128
	EventAll             = 255
)
