// Package cmd implements the backup command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pljakobs/backup/internal/config"
	"github.com/pljakobs/backup/internal/observability"
	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
)

type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	modeBackup      bool
	modeDryRun      bool
	modeVerifyHosts bool
	hostPatterns    []string
	configPath      string
	logLevel        string
	verbose         bool
	workers         int

	// settings is loaded before every command runs.
	settings *config.Config

	// newRunner builds the runner for real tool invocations.
	newRunner = func() command.Runner { return command.Exec{} }
)

var rootCmd = &cobra.Command{
	Use:   "backup",
	Short: "Pull backups from many hosts with rsync",
	Long: `backup reads a declarative plan of hosts, paths and snapshot schedules,
checks which hosts are reachable, pulls every path with rsync in parallel
and reports a success, warning or failed status per path, host and run.

Every run emits monitoring lines tagged with one run_id on stdout.

Examples:
  backup --backup                      # Run all configured hosts
  backup --dry-run --host 'web-*'      # Show what would run for web hosts
  backup --verify-hosts                # Check SSH access, offer key install
  backup --backup --config ./backup.yaml`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
	RunE:              runRoot,
}

func init() {
	f := rootCmd.Flags()
	f.BoolVar(&modeBackup, "backup", false, "Run the backup")
	f.BoolVar(&modeDryRun, "dry-run", false, "Show every command the backup would run without running it")
	f.BoolVar(&modeVerifyHosts, "verify-hosts", false, "Check host connectivity and offer SSH key installation")
	rootCmd.MarkFlagsMutuallyExclusive("backup", "dry-run", "verify-hosts")

	pf := rootCmd.PersistentFlags()
	pf.StringArrayVar(&hostPatterns, "host", nil, "Limit to hosts matching this glob (repeatable)")
	pf.StringVarP(&configPath, "config", "c", "", "Backup plan file (default "+backupconfig.DefaultConfigPath+")")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.IntVar(&workers, "workers", 0, "Concurrent transfers (0 = number of CPUs)")
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if loggerReady {
		observability.CLILogger.Error("Command failed", zap.Int("exit_code", ExitCode(err)), zap.Error(err))
		_ = observability.CLILogger.Sync()
	} else {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

// loggerReady is set once the configured logger replaced the no-op one.
var loggerReady bool

func initRuntime(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if cmd.Flags().Changed("log-level") {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	if cmd.Flags().Changed("workers") {
		overrides["workers"] = workers
	}

	s, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid settings", err)
	}
	settings = s

	err = observability.Configure(observability.Options{
		Service: "backup",
		Level:   s.Logging.Level,
		Verbose: verbose,
		Format:  s.Logging.Format,
		File:    s.Logging.File,
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging settings", err)
	}
	loggerReady = true
	return nil
}

func runRoot(cmd *cobra.Command, _ []string) error {
	if !modeBackup && !modeDryRun && !modeVerifyHosts {
		return cmd.Help()
	}

	cfg, err := loadPlan()
	if err != nil {
		return err
	}

	if modeVerifyHosts {
		return runVerifyHosts(cmd, cfg)
	}
	return runBackup(cmd, cfg)
}

// loadPlan reads the backup plan and applies --host selection.
func loadPlan() (*backupconfig.Config, error) {
	path := planPath()
	cfg, err := backupconfig.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load backup configuration",
			zap.String("path", path),
			zap.Error(err))
		return nil, exitError(configExitCode(err), "Invalid backup configuration", err)
	}

	cfg, err = backupconfig.Select(cfg, hostPatterns)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --host selection", err)
	}

	observability.CLILogger.Debug("Loaded backup configuration",
		zap.String("path", path),
		zap.Int("hosts", len(cfg.Hosts)),
		zap.Int("paths", cfg.PathCount()))
	return cfg, nil
}

func planPath() string {
	if configPath != "" {
		return configPath
	}
	if settings != nil && settings.ConfigFile != "" {
		return settings.ConfigFile
	}
	return backupconfig.DefaultConfigPath
}

// eventsOutput returns the monitoring stream sink and its cleanup.
func eventsOutput(cmd *cobra.Command) (io.Writer, func(), error) {
	out := cmd.OutOrStdout()
	if settings == nil || settings.Events.File == "" {
		return out, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(settings.Events.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create events dir: %w", err)
	}
	f := observability.RotatingFile(settings.Events.File)
	return io.MultiWriter(out, f), func() { _ = f.Close() }, nil
}
