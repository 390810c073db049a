package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdin, os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}

// exitError carries a process exit code whose message was already shown.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	_, _ = fmt.Fprintln(stderr, err)
	return 1
}

// buildRoot creates the command tree. in and out are the console's terminal.
func buildRoot(in io.Reader, out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	workerFlags := &WorkerFlags{}
	superviseFlags := &SuperviseFlags{}
	historyFlags := &HistoryFlags{}

	c := &command{flags: globalFlags, in: in, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createConsoleCommand(c),
		createWorkerCommand(c, workerFlags),
		createSuperviseCommand(c, superviseFlags),
		createVersionsCommand(c),
		createHistoryCommand(c, historyFlags),
		createMigrateCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botfleet",
		Short: "Manage a fleet of bot client processes",
		Long: `Botfleet registers bot clients, supervises one worker process per client and
installs the integration bundles attached to them.

Examples:
  botfleet console                  # interactive client setup
  botfleet console list             # run one console command
  botfleet supervise                # launch workers for clients waiting to start
  botfleet worker --name alice      # run the worker of client alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createConsoleCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "console [command...]",
		Short: "Configure clients interactively or run a single console command",
		Long: `Without arguments the console reads commands until quit. With arguments the
words form one command line, which is run before exiting with its status.

Examples:
  botfleet console
  botfleet console pause 0
  botfleet console delete 2 force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Console(cmd.Context(), args)
		},
	}
}

func createWorkerCommand(c *command, flags *WorkerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker of one client",
		Long: `The worker registers its client RUNNING with its control port, serves the
control channel and, when the client has an interface, its HTTP API. It is normally
launched by the supervisor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Worker(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "client name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createSuperviseCommand(c *command, flags *SuperviseFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Launch and watch the workers of clients waiting to start",
		Long: `The supervisor launches a worker for every client whose state is DOWN and
marks clients DOWN again when their worker exits without doing so.

Examples:
  botfleet supervise
  botfleet supervise --daemonize --pidfile /run/botfleet.pid --logfile /var/log/botfleet.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Supervise(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PIDFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createVersionsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Show available and installed integration bundle versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Versions(cmd.Context())
		},
	}
}

func createHistoryCommand(c *command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the lifecycle events recorded for a client",
		Long: `Reads the events back from the history sink. Works with the sqlite, postgres
and clickhouse sinks; history must be enabled.

Examples:
  botfleet history --name alice
  botfleet history --name botclient.alice   # also after the client was deleted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "client or process name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createMigrateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Migrate(cmd.Context())
		},
	}
}
