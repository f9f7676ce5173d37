package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/jand/internal/config"
)

// createStartDaemonCommand creates the start-daemon subcommand
func createStartDaemonCommand(jandCommand *command) *cobra.Command {
	flags := &StartDaemonFlags{}
	cmd := &cobra.Command{
		Use:   "start-daemon",
		Short: "Start the jand daemon",
		Long: `Start the daemon in the current directory (or JAND_HOME). Process
definitions and options are read from config.json; enabled processes start
immediately.

Examples:
  jand start-daemon
  jand start-daemon --daemonize --logfile=jand.out
  JAND_PIPE=staging jand start-daemon`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.StartDaemon(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", config.DefaultFile, "path to config.json")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon console output to file when daemonized")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "info", "console log level (debug, info, warn, error)")
	return cmd
}

func createPingCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Ping(cmd.Context())
		},
	}
}

func createStatusCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Status(cmd.Context())
		},
	}
}

func createExitCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:     "exit",
		Aliases: []string{"kill"},
		Short:   "Kill every process and stop the daemon",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Exit(cmd.Context())
		},
	}
}

// createNewCommand creates the new subcommand
func createNewCommand(jandCommand *command) *cobra.Command {
	flags := &NewFlags{}
	cmd := &cobra.Command{
		Use:   "new <name> <filename> [args...]",
		Short: "Add a process",
		Long: `Add a process definition. The process is not started unless --start
is given. Use -- before arguments that look like flags.

Examples:
  jand new web /usr/bin/node server.js --start
  jand new worker ./worker -- --queue=high`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.Name, f.Filename, f.Args = args[0], args[1], args[2:]
			return jandCommand.New(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&flags.WorkDir, "work-dir", "", "working directory (defaults to the current directory)")
	cmd.Flags().BoolVar(&flags.Start, "start", false, "start the process after adding it")
	cmd.Flags().BoolVar(&flags.Disabled, "disabled", false, "do not start the process with the daemon")
	cmd.Flags().BoolVar(&flags.NoRetry, "no-autorestart", false, "do not restart the process when it exits")
	return cmd
}

const selectorHelp = `Processes are selected by name, by index (digits) or by
regular expression (/pattern/).`

func createStartCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <process>...",
		Short: "Start processes",
		Long:  "Start processes with a fresh restart budget.\n" + selectorHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Start(cmd.Context(), args)
		},
	}
}

func createStopCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <process>...",
		Short: "Stop processes",
		Long:  "Stop processes and their children.\n" + selectorHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Stop(cmd.Context(), args)
		},
	}
}

func createRestartCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <process>...",
		Short: "Restart processes",
		Long:  "Stop processes when running and start them again.\n" + selectorHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Restart(cmd.Context(), args)
		},
	}
}

func createDeleteCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <process>...",
		Aliases: []string{"rm"},
		Short:   "Stop and remove processes",
		Long:    "Stop and remove processes.\n" + selectorHelp,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Delete(cmd.Context(), args)
		},
	}
}

func createRenameCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Rename(cmd.Context(), args[0], args[1])
		},
	}
}

func createEnableCommand(jandCommand *command, enabled bool) *cobra.Command {
	use, short := "enable", "Start processes together with the daemon"
	if !enabled {
		use, short = "disable", "Do not start processes with the daemon"
	}
	return &cobra.Command{
		Use:   use + " <process>...",
		Short: short,
		Long:  short + ".\n" + selectorHelp,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.SetEnabled(cmd.Context(), args, enabled)
		},
	}
}

func createSetCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "set <process> <property> <value>",
		Short: "Set a process property",
		Long: `Set one property of a process: Filename, Arguments, WorkingDirectory,
AutoRestart, Enabled or Watch. Arguments accepts a JSON array or
space separated words.

Examples:
  jand set web AutoRestart false
  jand set web Arguments '["server.js", "--port", "8080"]'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Set(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func createListCommand(jandCommand *command) *cobra.Command {
	flags := &ListFlags{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.List(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createInfoCommand(jandCommand *command) *cobra.Command {
	flags := &InfoFlags{}
	cmd := &cobra.Command{
		Use:   "info <process>",
		Short: "Show process details and resource usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Info(cmd.Context(), args[0], *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createSaveCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write process definitions and options to config.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Save(cmd.Context())
		},
	}
}

func createConfigCommand(jandCommand *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change daemon options",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print daemon options",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return jandCommand.ConfigGet(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "set <option> <value>",
			Short: "Change a daemon option",
			Long: `Change one option: LogIpc, FormatConfig, MaxRestarts, LogProcessOutput,
DaemonLogSave, HistoryDSN or MetricsListen. Run 'jand save' to persist it.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return jandCommand.ConfigSet(cmd.Context(), args[0], args[1])
			},
		},
	)
	return cmd
}

func createLogsCommand(jandCommand *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <process>",
		Short: "Print process output",
		Long: `Print the last lines of a process log. With --follow, new lines are
streamed until interrupted. Set JAND_AUTOFLUSH to flush daemon buffers first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.Name = args[0]
			return jandCommand.Logs(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 15, "number of lines to print (0 for all)")
	cmd.Flags().BoolVar(&flags.Stdout, "stdout", false, "print standard output (default)")
	cmd.Flags().BoolVar(&flags.Stderr, "stderr", false, "print standard error")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "stream new lines")
	cmd.Flags().StringVar(&flags.LogDir, "log-dir", "", "log directory (defaults to the daemon's logs directory)")
	return cmd
}

func createEventsCommand(jandCommand *command) *cobra.Command {
	flags := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events",
		Long: `Stream events until interrupted. Event names are procstart, procstop,
procadd, procdel, procren, procprop, outlog, errlog or all. Without --event
every lifecycle event is shown.

Examples:
  jand events
  jand events --event procstart,procstop
  jand events --event outlog --log web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Events(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Events, "event", nil, "event names to subscribe to")
	cmd.Flags().StringSliceVar(&flags.Logs, "log", nil, "processes whose output is streamed")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON frames")
	return cmd
}

func createSendCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "send <process> <line>",
		Short: "Write a line to a process's standard input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Send(cmd.Context(), args[0], args[1])
		},
	}
}

func createFlushCommand(jandCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush buffered process logs to disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return jandCommand.Flush(cmd.Context())
		},
	}
}

func createVacuumCommand(jandCommand *command) *cobra.Command {
	flags := &VacuumFlags{}
	cmd := &cobra.Command{
		Use:   "vacuum [process]",
		Short: "Truncate log files",
		Long:  "Truncate log files to their last lines. Without a process every log is truncated.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			if len(args) == 1 {
				f.Name = args[0]
			}
			return jandCommand.Vacuum(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVarP(&flags.KeepLines, "keep", "k", 0, "lines to keep")
	cmd.Flags().BoolVar(&flags.Stdout, "stdout", false, "only standard output")
	cmd.Flags().BoolVar(&flags.Stderr, "stderr", false, "only standard error")
	return cmd
}
