package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loykin/jand/internal/daemon"
)

// daemonize re-executes the current binary in a new session without the
// --daemonize flag and returns the child's pid.
func daemonize(logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	var newArgs []string
	for _, arg := range os.Args[1:] {
		if arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize=") {
			continue
		}
		newArgs = append(newArgs, arg)
	}

	// #nosec G204 -- re-executing ourselves
	cmd := exec.Command(executable, newArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// StartDaemon runs the daemon in the foreground until SIGINT, SIGTERM or an
// exit request, or forks it into the background with --daemonize.
func (c *command) StartDaemon(ctx context.Context, f StartDaemonFlags) error {
	level, err := parseLevel(f.LogLevel)
	if err != nil {
		return err
	}
	if f.Daemonize {
		pid, err := daemonize(f.LogFile)
		if err != nil {
			return err
		}
		c.println(renderOK(fmt.Sprintf("daemon started with PID %d", pid)))
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(daemon.Options{
		Channel:    c.flags.Pipe,
		ConfigPath: f.ConfigPath,
		Console:    os.Stderr,
		Color:      !c.settings.NoColor,
		LogLevel:   level,
	})
	return d.Run(ctx)
}
