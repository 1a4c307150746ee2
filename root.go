package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/dirsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// logCloser is the rotating log file opened by the root pre-run, if any.
// main closes it before exiting or re-executing.
var logCloser io.Closer

// Log file rotation size. Age-based retention comes from the config.
const logMaxSizeMB = 20

// CLIFlags is the parsed form of the persistent flags.
type CLIFlags struct {
	ConfigPath string
	DataDir    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries what every subcommand needs after the root pre-run:
// the resolved configuration, the logger built from it, and the flags.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Resolved
	Logger  *slog.Logger
	PIDPath string
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if !cc.Flags.Quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Commands
// only run after the pre-run, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dirsync",
		Short:   "Device-aware backup of a data directory to WebDAV or FTP",
		Long:    "Keeps one local data directory consistent with a single remote copy shared by several devices.",
		Version: version,
		// Silence Cobra's default error/usage printing; main reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory to sync (overrides sync.data_dir)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newBackupsCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newTestConnectionCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDeviceCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the override
// chain and builds the logger for the command about to run.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		DataDir:    flagDataDir,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only pass --data-dir to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flags.DataDir
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := buildLogger(&resolved.Logging, flags, os.Stderr)
	if err != nil {
		return nil, err
	}

	logCloser = closer

	return &CLIContext{
		Flags:   flags,
		Cfg:     resolved,
		Logger:  logger,
		PIDPath: config.DefaultPIDPath(),
	}, nil
}

// buildLogger creates an slog.Logger from the [logging] section and the CLI
// flags. The config level is the baseline; --verbose and --quiet override it
// because CLI flags always win. With log_file set, records go to a rotating
// file instead of stderr and the returned closer must be closed on exit.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var (
		out      io.Writer = stderr
		closer   io.Closer
		terminal = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
	)

	if lc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(lc.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		lj := &lumberjack.Logger{
			Filename:  lc.LogFile,
			MaxSize:   logMaxSizeMB,
			MaxAge:    lc.LogRetentionDays,
			Compress:  true,
		}

		out, closer = lj, lj
		terminal = false
	}

	var handler slog.Handler

	switch {
	case lc.LogFormat == "json", lc.LogFormat != "text" && !terminal:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

// closeLog flushes and closes the rotating log file, if one was opened.
func closeLog() {
	if logCloser == nil {
		return
	}

	if err := logCloser.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing log file: %v\n", err)
	}

	logCloser = nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	closeLog()
	os.Exit(1)
}
