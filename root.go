package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/campusline/edusync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStorageURL string
	flagOwner      string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var (
	resolvedCfg  *config.Config
	resolvedPath string
)

const logFileMaxSizeMB = 50

// skipConfigCommands handle config loading themselves.
var skipConfigCommands = map[string]bool{
	"edusync devserver": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "edusync",
		Short:   "Offline-first sync for school records",
		Long:    "Keeps a local copy of LMS, ERP and cloud storage records in sync with their remote stores.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStorageURL, "storage", "", "storage URL (sqlite://, redis://, postgres://, memory://)")
	cmd.PersistentFlags().StringVar(&flagOwner, "owner", "", "user whose records are synced")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newIntegrationCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newDevserverCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	cli := cliOverrides(cmd)

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	resolvedPath = path

	return nil
}

// cliOverrides passes only the flags the user explicitly set.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("storage") {
		cli.StorageURL = &flagStorageURL
	}

	if cmd.Flags().Changed("owner") {
		cli.OwnerID = &flagOwner
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		v := f.Value.String()
		cli.ListenAddr = &v
	}

	return cli
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. --verbose and --quiet override the config level. With log_file
// set, output goes to a rotated file; otherwise to stderr, as text on a
// terminal and JSON elsewhere unless log_format says otherwise.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	var out io.Writer = os.Stderr

	if cfg != nil {
		level = parseLevel(cfg.LogLevel)
		format = cfg.LogFormat

		if cfg.LogFile != "" {
			out = &lumberjack.Logger{
				Filename:  config.ExpandHome(cfg.LogFile),
				MaxSize:   logFileMaxSizeMB,
				MaxAge:    cfg.LogRetentionDays,
				Compress:  true,
				LocalTime: true,
			}
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, out) {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	return slog.New(slog.NewTextHandler(out, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func useJSONLogs(format string, out io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := out.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// errSilent marks an error that has already been reported to the user.
var errSilent = errors.New("silent")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	if !errors.Is(err, errSilent) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(1)
}
