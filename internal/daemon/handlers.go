package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/jand/internal/config"
	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/internal/ipc"
	"github.com/loykin/jand/internal/metrics"
	"github.com/loykin/jand/internal/process"
)

var errUnknownCommand = errors.New("unknown-command")

type handlerFunc func(ctx context.Context, c *ipc.Conn, data string) (string, error)

// NewProcessRequest is the payload of new-process.
type NewProcessRequest struct {
	Name             string   `json:"Name"`
	Filename         string   `json:"Filename"`
	Arguments        []string `json:"Arguments"`
	WorkingDirectory string   `json:"WorkingDirectory"`
}

// SetPropertyRequest is the payload of set-process-property.
type SetPropertyRequest struct {
	Process  string `json:"Process"`
	Property string `json:"Property"`
	Data     string `json:"Data"`
}

// VacuumRequest is the payload of vacuum. An empty Process selects every
// process; WhichStd 0 selects both streams.
type VacuumRequest struct {
	KeepLines int    `json:"KeepLines"`
	Process   string `json:"Process"`
	WhichStd  int    `json:"WhichStd"`
}

func (d *Daemon) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ping":                    d.handlePing,
		"write":                   d.handleWrite,
		"status":                  d.handleStatus,
		"exit":                    d.handleExit,
		"new-process":             d.handleNewProcess,
		"start-process":           d.handleStartProcess,
		"stop-process":            d.handleStopProcess,
		"restart-process":         d.handleRestartProcess,
		"delete-process":          d.handleDeleteProcess,
		"rename-process":          d.handleRenameProcess,
		"set-enabled":             d.handleSetEnabled,
		"set-process-property":    d.handleSetProcessProperty,
		"get-process-info":        d.handleGetProcessInfo,
		"get-processes":           d.handleGetProcesses,
		"get-process-list":        d.handleGetProcessList,
		"save-config":             d.handleSaveConfig,
		"get-config":              d.handleGetConfig,
		"set-config":              d.handleSetConfig,
		"subscribe-events":        d.handleSubscribeEvents,
		"unsubscribe-events":      d.handleUnsubscribeEvents,
		"subscribe-outlog-event":  d.handleSubscribeOutLog,
		"subscribe-errlog-event":  d.handleSubscribeErrLog,
		"subscribe-log-event":     d.handleSubscribeLog,
		"unsubscribe-log-event":   d.handleUnsubscribeLog,
		"send-process-stdin-line": d.handleSendStdin,
		"flush-all-logs":          d.handleFlushAllLogs,
		"vacuum":                  d.handleVacuum,
	}
}

// Dispatch implements ipc.Dispatcher.
func (d *Daemon) Dispatch(ctx context.Context, c *ipc.Conn, req ipc.Request) (string, error) {
	h, ok := d.handlers[req.Type]
	if !ok {
		metrics.ObserveRequest("unknown", false)
		return "", fmt.Errorf("%w: %s", errUnknownCommand, req.Type)
	}
	resp, err := h(ctx, c, req.Data)
	metrics.ObserveRequest(req.Type, err == nil || errors.Is(err, ipc.ErrNoReply))
	return resp, err
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("%w: %v", process.ErrDeserialization, err)
	}
	return nil
}

// splitPair splits "a:b" at the first colon.
func splitPair(data string) (string, string, error) {
	i := strings.IndexByte(data, ':')
	if i < 0 {
		return "", "", fmt.Errorf("%w: expected <name>:<value>", process.ErrInvalidValue)
	}
	return data[:i], data[i+1:], nil
}

func (d *Daemon) handlePing(context.Context, *ipc.Conn, string) (string, error) {
	return "pong", nil
}

func (d *Daemon) handleWrite(_ context.Context, c *ipc.Conn, data string) (string, error) {
	d.log.Info(data, "source", "client", "conn", c.ID())
	return "done", nil
}

func (d *Daemon) handleStatus(context.Context, *ipc.Conn, string) (string, error) {
	return marshal(d.Status())
}

func (d *Daemon) handleExit(context.Context, *ipc.Conn, string) (string, error) {
	d.log.Info("exit requested, killing all processes")
	d.requestExit()
	return "", ipc.ErrNoReply
}

func (d *Daemon) handleNewProcess(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	var req NewProcessRequest
	if err := decode(data, &req); err != nil {
		return "", err
	}
	e, err := d.table.Add(process.NewDefinition(req.Name, req.Filename, req.Arguments, req.WorkingDirectory))
	if err != nil {
		return "", err
	}
	d.log.Info("process added", "name", e.Name(), "filename", req.Filename)
	d.publish(event.New(event.ProcessAdded, req.Name))
	return "added", nil
}

func (d *Daemon) handleStartProcess(_ context.Context, _ *ipc.Conn, name string) (string, error) {
	e, err := d.table.Find(name)
	if err != nil {
		return "", err
	}
	if err := e.StartFresh(); err != nil {
		return "", err
	}
	return "done", nil
}

func (d *Daemon) handleStopProcess(_ context.Context, _ *ipc.Conn, name string) (string, error) {
	e, err := d.table.Find(name)
	if err != nil {
		return "", err
	}
	if err := e.Stop(); errors.Is(err, process.ErrAlreadyStopped) {
		return "already-stopped", nil
	} else if err != nil {
		return "", err
	}
	return "killed", nil
}

func (d *Daemon) handleRestartProcess(_ context.Context, _ *ipc.Conn, name string) (string, error) {
	e, err := d.table.Find(name)
	if err != nil {
		return "", err
	}
	if err := e.Restart(); err != nil {
		return "", err
	}
	return "done", nil
}

func (d *Daemon) handleDeleteProcess(_ context.Context, _ *ipc.Conn, name string) (string, error) {
	if _, err := d.table.Remove(name); err != nil {
		return "", err
	}
	d.log.Info("process deleted", "name", name)
	d.publish(event.New(event.ProcessDeleted, name))
	return "done", nil
}

func (d *Daemon) handleRenameProcess(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	oldName, newName, err := splitPair(data)
	if err != nil {
		return "", err
	}
	if err := d.table.Rename(oldName, newName); err != nil {
		return "", err
	}
	d.log.Info("process renamed", "from", oldName, "to", newName)
	d.publish(event.WithValue(event.ProcessRenamed, oldName, newName))
	return "done", nil
}

func (d *Daemon) handleSetEnabled(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	name, raw, err := splitPair(data)
	if err != nil {
		return "", err
	}
	e, err := d.table.Find(name)
	if err != nil {
		return "", err
	}
	enabled, err := parseBool(raw)
	if err != nil {
		return "", err
	}
	e.Update(func(def *process.Definition) { def.Enabled = enabled })
	d.table.MarkDirty()
	d.publish(event.WithValue(event.ProcessPropertyUpdated, name, "Enabled:"+raw))
	if enabled {
		return "True", nil
	}
	return "False", nil
}

func (d *Daemon) handleSetProcessProperty(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	var req SetPropertyRequest
	if err := decode(data, &req); err != nil {
		return "", err
	}
	e, err := d.table.Find(req.Process)
	if err != nil {
		return "", err
	}
	if err := setProcessProperty(e, req.Property, req.Data); err != nil {
		return "", err
	}
	d.table.MarkDirty()
	d.publish(event.WithValue(event.ProcessPropertyUpdated, req.Process, req.Property+":"+req.Data))
	return "done", nil
}

func (d *Daemon) handleGetProcessInfo(_ context.Context, _ *ipc.Conn, name string) (string, error) {
	info, err := d.Process(name)
	if err != nil {
		return "", err
	}
	return marshal(info)
}

func (d *Daemon) handleGetProcesses(context.Context, *ipc.Conn, string) (string, error) {
	return marshal(d.table.Infos())
}

func (d *Daemon) handleGetProcessList(context.Context, *ipc.Conn, string) (string, error) {
	return marshal(d.table.Definitions())
}

func (d *Daemon) handleSaveConfig(context.Context, *ipc.Conn, string) (string, error) {
	if err := d.Save(); err != nil {
		return "", err
	}
	return "done", nil
}

// Save writes the current definitions and options to the config file.
func (d *Daemon) Save() error {
	// clear first so a mutation racing the snapshot leaves the table dirty
	d.table.MarkSaved()
	cfg := d.config()
	cfg.Processes = d.table.Definitions()
	if err := config.Save(d.opts.ConfigPath, &cfg); err != nil {
		d.table.MarkDirty()
		return err
	}
	d.cfgMu.Lock()
	d.cfg.SavedVersion = cfg.SavedVersion
	d.cfgMu.Unlock()
	d.log.Info("config saved", "path", d.opts.ConfigPath, "processes", len(cfg.Processes))
	return nil
}

func (d *Daemon) handleGetConfig(context.Context, *ipc.Conn, string) (string, error) {
	return marshal(viewOf(d.config()))
}

func (d *Daemon) handleSetConfig(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	key, value, err := splitPair(data)
	if err != nil {
		return "", err
	}
	opt, ok := lookupConfigOption(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", process.ErrInvalidProperty, key)
	}
	d.cfgMu.Lock()
	next := d.cfg
	err = opt.set(&next, value)
	if err == nil {
		d.cfg = next
	}
	d.cfgMu.Unlock()
	if err != nil {
		return "", err
	}
	d.table.MarkDirty()
	d.log.Info("option changed", "option", opt.name, "value", value)
	return "done", nil
}

func (d *Daemon) handleSubscribeEvents(_ context.Context, c *ipc.Conn, data string) (string, error) {
	mask, err := event.ParseMask(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", process.ErrInvalidValue, err)
	}
	c.Subscribe(mask)
	return "done", nil
}

func (d *Daemon) handleUnsubscribeEvents(_ context.Context, c *ipc.Conn, data string) (string, error) {
	mask, err := event.ParseMask(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", process.ErrInvalidValue, err)
	}
	c.Unsubscribe(mask)
	return "done", nil
}

func (d *Daemon) handleSubscribeOutLog(_ context.Context, c *ipc.Conn, name string) (string, error) {
	c.SubscribeLog(name, true, false)
	return "done", nil
}

func (d *Daemon) handleSubscribeErrLog(_ context.Context, c *ipc.Conn, name string) (string, error) {
	c.SubscribeLog(name, false, true)
	return "done", nil
}

func (d *Daemon) handleSubscribeLog(_ context.Context, c *ipc.Conn, name string) (string, error) {
	c.SubscribeLog(name, true, true)
	return "done", nil
}

func (d *Daemon) handleUnsubscribeLog(_ context.Context, c *ipc.Conn, name string) (string, error) {
	c.UnsubscribeLog(name)
	return "done", nil
}

func (d *Daemon) handleSendStdin(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	name, line, err := splitPair(data)
	if err != nil {
		return "", err
	}
	e, err := d.table.Find(name)
	if err != nil {
		return "", err
	}
	if err := e.WriteStdin(line); err != nil {
		return "", err
	}
	return "done", nil
}

func (d *Daemon) handleFlushAllLogs(context.Context, *ipc.Conn, string) (string, error) {
	for _, e := range d.table.List() {
		e.Flush()
	}
	return "done", nil
}

func (d *Daemon) handleVacuum(_ context.Context, _ *ipc.Conn, data string) (string, error) {
	var req VacuumRequest
	if err := decode(data, &req); err != nil {
		return "", err
	}
	if req.KeepLines < 0 || req.WhichStd < 0 || req.WhichStd > 3 {
		return "", fmt.Errorf("%w: KeepLines must be >= 0 and WhichStd in 0..3", process.ErrInvalidValue)
	}
	which := process.Stream(req.WhichStd)
	if which == 0 {
		which = process.Stdout | process.Stderr
	}
	targets := d.table.List()
	if req.Process != "" {
		e, err := d.table.Find(req.Process)
		if err != nil {
			return "", err
		}
		targets = []*process.Entry{e}
	}
	var errs []error
	for _, e := range targets {
		if err := e.Vacuum(req.KeepLines, which); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return "done", nil
}
