package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/jand/internal/env"
	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/internal/logger"
	"github.com/loykin/jand/internal/metrics"
	"github.com/loykin/jand/pkg/client"
)

// command carries what every subcommand needs to reach the daemon.
type command struct {
	settings env.Settings
	flags    *GlobalFlags
	out      io.Writer
}

func (c *command) dial(ctx context.Context) (*client.Client, error) {
	cl, err := client.Dial(ctx, client.Config{Channel: c.flags.Pipe, Timeout: c.flags.Timeout})
	if err != nil {
		return nil, fmt.Errorf("%w - start it with 'jand start-daemon'", err)
	}
	return cl, nil
}

// with runs fn on a fresh connection.
func (c *command) with(ctx context.Context, fn func(cl *client.Client) error) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()
	return fn(cl)
}

func (c *command) println(a ...any) { _, _ = fmt.Fprintln(c.out, a...) }

func (c *command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.println(string(b))
	return nil
}

// afterMutation prints the process table unless JAND_PROCESS_LIST disables it.
func (c *command) afterMutation(ctx context.Context, cl *client.Client) error {
	if !c.settings.ProcessList {
		return nil
	}
	infos, err := cl.Processes(ctx)
	if err != nil {
		return err
	}
	c.println(renderList(infos))
	return nil
}

// each resolves selectors and applies fn to every name, collecting errors.
func (c *command) each(ctx context.Context, selectors []string, fn func(cl *client.Client, name string) error) error {
	return c.with(ctx, func(cl *client.Client) error {
		names, err := cl.ResolveNames(ctx, selectors)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return fmt.Errorf("no process matches %s", strings.Join(selectors, " "))
		}
		var errs []error
		for _, name := range names {
			if err := fn(cl, name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		if err := c.afterMutation(ctx, cl); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

func (c *command) Ping(ctx context.Context) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.Ping(ctx); err != nil {
			return err
		}
		c.println("pong")
		return nil
	})
}

func (c *command) Status(ctx context.Context) error {
	return c.with(ctx, func(cl *client.Client) error {
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		c.println(renderStatus(st, cl.SocketPath()))
		return nil
	})
}

func (c *command) Exit(ctx context.Context) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.Exit(ctx); err != nil {
			return err
		}
		c.println(renderOK("daemon stopped"))
		return nil
	})
}

func (c *command) New(ctx context.Context, f NewFlags) error {
	return c.with(ctx, func(cl *client.Client) error {
		wd := f.WorkDir
		if wd == "" {
			wd, _ = os.Getwd()
		} else if abs, err := filepath.Abs(wd); err == nil {
			wd = abs
		}
		req := client.NewProcessRequest{Name: f.Name, Filename: f.Filename, Arguments: f.Args, WorkingDirectory: wd}
		if err := cl.NewProcess(ctx, req); err != nil {
			return err
		}
		if f.Disabled {
			if err := cl.SetEnabled(ctx, f.Name, false); err != nil {
				return err
			}
		}
		if f.NoRetry {
			if err := cl.SetProperty(ctx, f.Name, "AutoRestart", "false"); err != nil {
				return err
			}
		}
		if f.Start {
			if err := cl.StartProcess(ctx, f.Name); err != nil {
				return err
			}
		}
		c.println(renderOK("added " + f.Name))
		return c.afterMutation(ctx, cl)
	})
}

func (c *command) Start(ctx context.Context, selectors []string) error {
	return c.each(ctx, selectors, func(cl *client.Client, name string) error {
		return cl.StartProcess(ctx, name)
	})
}

func (c *command) Stop(ctx context.Context, selectors []string) error {
	return c.each(ctx, selectors, func(cl *client.Client, name string) error {
		killed, err := cl.StopProcess(ctx, name)
		if err == nil && !killed {
			c.println(renderWarn(name + " was not running"))
		}
		return err
	})
}

func (c *command) Restart(ctx context.Context, selectors []string) error {
	return c.each(ctx, selectors, func(cl *client.Client, name string) error {
		return cl.RestartProcess(ctx, name)
	})
}

func (c *command) Delete(ctx context.Context, selectors []string) error {
	return c.each(ctx, selectors, func(cl *client.Client, name string) error {
		return cl.DeleteProcess(ctx, name)
	})
}

func (c *command) Rename(ctx context.Context, oldName, newName string) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.RenameProcess(ctx, oldName, newName); err != nil {
			return err
		}
		return c.afterMutation(ctx, cl)
	})
}

func (c *command) SetEnabled(ctx context.Context, selectors []string, enabled bool) error {
	return c.each(ctx, selectors, func(cl *client.Client, name string) error {
		return cl.SetEnabled(ctx, name, enabled)
	})
}

func (c *command) Set(ctx context.Context, name, property, value string) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.SetProperty(ctx, name, property, value); err != nil {
			return err
		}
		c.println(renderOK(fmt.Sprintf("%s.%s updated", name, property)))
		return nil
	})
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	return c.with(ctx, func(cl *client.Client) error {
		infos, err := cl.Processes(ctx)
		if err != nil {
			return err
		}
		if f.JSON {
			return c.printJSON(infos)
		}
		c.println(renderList(infos))
		return nil
	})
}

func (c *command) Info(ctx context.Context, selector string, f InfoFlags) error {
	return c.with(ctx, func(cl *client.Client) error {
		names, err := cl.ResolveNames(ctx, []string{selector})
		if err != nil {
			return err
		}
		if len(names) != 1 {
			return fmt.Errorf("%s matches %d processes", selector, len(names))
		}
		info, err := cl.ProcessInfo(ctx, names[0])
		if err != nil {
			return err
		}
		var usage *metrics.Usage
		if info.Running && info.ProcessId > 0 {
			if u, err := metrics.Sample(ctx, int32(info.ProcessId)); err == nil {
				usage = &u
			}
		}
		if f.JSON {
			return c.printJSON(struct {
				client.ProcessInfo
				Usage *metrics.Usage `json:"Usage,omitempty"`
			}{info, usage})
		}
		c.println(renderInfo(info, usage))
		return nil
	})
}

func (c *command) Save(ctx context.Context) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.SaveConfig(ctx); err != nil {
			return err
		}
		c.println(renderOK("config saved"))
		return nil
	})
}

func (c *command) ConfigGet(ctx context.Context) error {
	return c.with(ctx, func(cl *client.Client) error {
		o, err := cl.Options(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(o)
	})
}

func (c *command) ConfigSet(ctx context.Context, option, value string) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.SetOption(ctx, option, value); err != nil {
			return err
		}
		c.println(renderOK(option + " = " + value))
		return nil
	})
}

func (c *command) Send(ctx context.Context, name, line string) error {
	return c.with(ctx, func(cl *client.Client) error {
		return cl.SendStdin(ctx, name, line)
	})
}

func (c *command) Flush(ctx context.Context) error {
	return c.with(ctx, func(cl *client.Client) error {
		return cl.FlushLogs(ctx)
	})
}

func (c *command) Vacuum(ctx context.Context, f VacuumFlags) error {
	which := 0
	if f.Stdout {
		which |= 1
	}
	if f.Stderr {
		which |= 2
	}
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.Vacuum(ctx, client.VacuumRequest{KeepLines: f.KeepLines, Process: f.Name, WhichStd: which}); err != nil {
			return err
		}
		c.println(renderOK("logs truncated"))
		return nil
	})
}

// Logs prints the tail of a process log file and optionally follows new
// lines as they are published.
func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	if !f.Stdout && !f.Stderr {
		f.Stdout = true
	}
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	if c.settings.AutoFlush {
		if err := cl.FlushLogs(ctx); err != nil {
			return err
		}
	}
	if _, err := cl.ProcessInfo(ctx, f.Name); err != nil {
		return err
	}
	dir := f.LogDir
	if dir == "" {
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		dir = filepath.Join(st.Directory, logger.DefaultDir)
	}
	outPath, errPath := logger.Config{Dir: dir}.Paths(f.Name)
	var paths []string
	if f.Stdout {
		paths = append(paths, outPath)
	}
	if f.Stderr {
		paths = append(paths, errPath)
	}
	for _, p := range paths {
		lines, err := tailFile(p, f.Lines)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		for _, l := range lines {
			c.println(l)
		}
	}
	if !f.Follow {
		return nil
	}

	if err := cl.SubscribeLog(ctx, f.Name, f.Stdout, f.Stderr); err != nil {
		return err
	}
	if err := cl.SubscribeEvents(ctx, client.EventOutLog|client.EventErrLog); err != nil {
		return err
	}
	err = cl.ListenEvents(ctx, func(e client.Event) {
		if e.Event == event.ErrLog.Tag() {
			c.println(renderMuted(e.Value))
			return
		}
		c.println(e.Value)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Events streams lifecycle and log events until interrupted.
func (c *command) Events(ctx context.Context, f EventsFlags) error {
	mask, err := parseEventNames(f.Events)
	if err != nil {
		return err
	}
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	for _, name := range f.Logs {
		if err := cl.SubscribeLog(ctx, name, true, true); err != nil {
			return err
		}
	}
	if err := cl.SubscribeEvents(ctx, int(mask)); err != nil {
		return err
	}
	err = cl.ListenEvents(ctx, func(e client.Event) {
		if f.JSON {
			b, _ := json.Marshal(e)
			c.println(string(b))
			return
		}
		c.println(renderEvent(e))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// parseEventNames turns event tags such as procadd or all into a mask.
func parseEventNames(names []string) (event.Kind, error) {
	if len(names) == 0 {
		return event.All &^ (event.OutLog | event.ErrLog), nil
	}
	var mask event.Kind
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if part == "all" {
				mask |= event.All
				continue
			}
			k, ok := event.ParseTag(part)
			if !ok {
				return 0, fmt.Errorf("unknown event %q", part)
			}
			mask |= k
		}
	}
	return mask, nil
}

// tailFile returns the last n lines of path; n <= 0 returns every line.
func tailFile(path string, n int) ([]string, error) {
	// #nosec G304 -- path is derived from the daemon log directory
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSuffix(string(b), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
