package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/jand/internal/env"
)

func main() {
	root := buildRoot(env.Load(), os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	Pipe    string
	Timeout time.Duration
}

// buildRoot creates the root command tree. settings supplies the JAND_*
// defaults; out receives command output.
func buildRoot(settings env.Settings, out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{Pipe: settings.Pipe, Timeout: settings.Timeout}
	jandCommand := &command{settings: settings, flags: globalFlags, out: out}

	root := createRootCommand(globalFlags, settings)
	root.SetOut(out)

	root.AddCommand(
		createStartDaemonCommand(jandCommand),
		createPingCommand(jandCommand),
		createStatusCommand(jandCommand),
		createExitCommand(jandCommand),
		createNewCommand(jandCommand),
		createStartCommand(jandCommand),
		createStopCommand(jandCommand),
		createRestartCommand(jandCommand),
		createDeleteCommand(jandCommand),
		createRenameCommand(jandCommand),
		createEnableCommand(jandCommand, true),
		createEnableCommand(jandCommand, false),
		createSetCommand(jandCommand),
		createListCommand(jandCommand),
		createInfoCommand(jandCommand),
		createSaveCommand(jandCommand),
		createConfigCommand(jandCommand),
		createLogsCommand(jandCommand),
		createEventsCommand(jandCommand),
		createSendCommand(jandCommand),
		createFlushCommand(jandCommand),
		createVacuumCommand(jandCommand),
	)
	return root
}

// createRootCommand creates the root command with the connection flags
func createRootCommand(flags *GlobalFlags, settings env.Settings) *cobra.Command {
	root := &cobra.Command{
		Use:   "jand",
		Short: "Process supervisor daemon and client",
		Long: `jand keeps a set of named processes running, restarts them when they
crash and streams their output to subscribed clients.

Examples:
  jand start-daemon --daemonize
  jand new web /usr/bin/node server.js
  jand start web
  jand logs web --follow`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.EnterHome(settings.Home)
		},
	}

	root.PersistentFlags().StringVar(&flags.Pipe, "pipe", flags.Pipe, "channel name or socket path (JAND_PIPE)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", flags.Timeout, "connect and request timeout (JAND_TIMEOUT)")

	return root
}
