// Package cli provides the command-line interface of portscan. The root
// command scans one host; subcommands serve the API, show stored reports
// and manage API keys.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/scanning"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitDeadline = 2
	ExitAborted  = 3
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// app holds the state shared by all commands of one invocation.
type app struct {
	configFile string
	verbose    bool

	// appended to the engine options derived from the configuration
	engineOptions []scanning.EngineOption
	// replaces the database-backed report store when set
	reports reportReader
	// replaces the database-backed migrator when set
	migrations migrationRunner
}

// Execute runs the CLI with the process arguments and returns the exit code.
// SIGINT and SIGTERM cancel a running scan.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return (&app{}).run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func (a *app) run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(stderr, errors.Message(exitErr.err))
		return exitErr.code
	}
	fmt.Fprintln(stderr, "Error:", errors.Message(err))
	return ExitFailure
}

func (a *app) newRootCmd() *cobra.Command {
	opts := &scanOptions{}

	root := &cobra.Command{
		Use:   "portscan --host <host> -p <port|start-end> [-t] [-u]",
		Short: "TCP/UDP connect port scanner",
		Long: `portscan probes a range of TCP and UDP ports on one host with full
connect probes and reports every port as OPEN, CLOSED, FILTERED,
OPEN|FILTERED or ERROR.

Without -t or -u only TCP is scanned. A UDP port that never answers is
reported as OPEN|FILTERED: silence cannot tell an open port from a
filtered one.

Exit codes: 0 scan completed, 1 invalid input or failure, 2 scan deadline
exceeded (partial report printed), 3 scan cancelled or out of resources.`,
		Example: `  portscan --host 192.168.1.10 -p 1-1024
  portscan --host example.com -p 53 -u --format table
  portscan --host 10.0.0.5 -p 1-65535 -t -u --concurrency 500 --deadline 60000
  portscan serve --config portscan.yaml`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runScan(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "",
		"config file (default is ./portscan.yaml or ~/.config/portscan/portscan.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	opts.bind(root.Flags())

	root.AddCommand(
		a.newServeCmd(),
		a.newHistoryCmd(),
		a.newMigrateCmd(),
		a.newAPIKeyCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file, applies PORTSCAN_* environment
// overrides and installs the default logger.
func (a *app) loadConfig() (*config.Config, *logging.Logger, error) {
	v := config.NewViper()

	path := a.configFile
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, errors.NewConfigFieldError(errors.CodeConfiguration, "cannot read config file", "config", path)
		}
	} else {
		v.SetConfigName("portscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/portscan")
		if err := v.ReadInConfig(); err == nil {
			path = v.ConfigFileUsed()
		} else {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnv(v)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logCfg := cfg.LoggingConfig()
	if a.verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("failed to initialize logging, using defaults", "error", err)
	}
	logging.SetDefault(logger)

	if a.verbose && path != "" {
		logger.Debug("Using config file", "path", path)
	}
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portscan %s\n", getVersion())
		},
	}
}
