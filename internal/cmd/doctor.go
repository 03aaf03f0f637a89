package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pljakobs/backup/internal/observability"
	"github.com/pljakobs/backup/pkg/backupconfig"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Checks that the external tools are installed, that the backup configuration
loads and validates, and that the run journal directory is writable.

Examples:
  backup doctor
  backup doctor --config ./backup.yaml`,
	RunE: runDoctor,
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// toolCheck is one binary the engine invokes.
type toolCheck struct {
	name     string
	binary   string
	required bool
}

func doctorTools() []toolCheck {
	tools := []toolCheck{
		{name: "rsync", binary: "rsync", required: true},
		{name: "ssh", binary: "ssh", required: true},
		{name: "ping", binary: "ping"},
		{name: "ssh-copy-id", binary: "ssh-copy-id"},
		{name: "sh", binary: "sh", required: true},
	}
	if settings != nil {
		tools[0].binary = valueOrDefault(settings.Tools.Rsync, "rsync")
		tools[1].binary = valueOrDefault(settings.Tools.SSH, "ssh")
		tools[2].binary = valueOrDefault(settings.Tools.Ping, "ping")
		tools[3].binary = valueOrDefault(settings.Tools.SSHCopyID, "ssh-copy-id")
	}
	return tools
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	logger.Info("=== backup doctor ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	tools := doctorTools()
	totalChecks := 5 + len(tools)
	checkNum := 1
	allChecks := true
	fatal := false

	// Go version
	goVersion := runtime.Version()
	logger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
		zap.String("go_version", goVersion))
	checkNum++

	// Crucible / Gofulmen
	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		logger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen),
			zap.String("crucible_version", version.Crucible))
	} else {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ⚠️  version unavailable", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// External tools
	for _, tc := range tools {
		path, err := lookPath(tc.binary)
		switch {
		case err == nil:
			logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", checkNum, totalChecks, tc.name, path),
				zap.String("tool", tc.name), zap.String("path", path))
		case tc.required:
			logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %q not found in PATH", checkNum, totalChecks, tc.name, tc.binary),
				zap.String("tool", tc.name), zap.Error(err))
			allChecks = false
			fatal = true
		default:
			logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %q not found in PATH", checkNum, totalChecks, tc.name, tc.binary),
				zap.String("tool", tc.name))
			allChecks = false
		}
		checkNum++
	}

	// Backup configuration
	path := planPath()
	cfg, err := backupconfig.Load(path)
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking backup configuration... ❌ %s", checkNum, totalChecks, path),
			zap.Error(err))
		allChecks = false
		fatal = true
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking backup configuration... ✅ %d hosts, %d paths", checkNum, totalChecks, len(cfg.Hosts), cfg.PathCount()),
			zap.String("path", path))
		if cfg.Snapshots != nil && len(cfg.Snapshots.Schedules) > 0 {
			tool := valueOrDefault(cfg.Snapshots.Tool, backupconfig.DefaultSnapshotTool)
			if settings != nil && settings.Snapshot.Tool != "" {
				tool = settings.Snapshot.Tool
			}
			if _, err := lookPath(tool); err != nil {
				logger.Warn(fmt.Sprintf("        snapshot tool %q not found in PATH", tool))
				allChecks = false
			}
		}
	}
	checkNum++

	// Run journal
	stateDir := ""
	if settings != nil {
		stateDir = settings.StateDir
	}
	if stateDir == "" {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking run journal... ⚠️  no state_dir configured", checkNum, totalChecks))
		allChecks = false
	} else if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking run journal... ⚠️  %s is not writable", checkNum, totalChecks, stateDir),
			zap.Error(err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking run journal... ✅ %s", checkNum, totalChecks, stateDir))
	}
	checkNum++

	// Environment
	logger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	logger.Info("")
	if allChecks {
		logger.Info("✅ All checks passed! Your backup installation is healthy.")
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")

	if fatal {
		return exitError(foundry.ExitExternalServiceUnavailable, "Required checks failed", fmt.Errorf("backup cannot run on this system"))
	}
	return nil
}

// valueOrDefault returns the value or a default if empty.
func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
