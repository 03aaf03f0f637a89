package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pljakobs/backup/internal/observability"
	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/orchestrator"
	"github.com/pljakobs/backup/pkg/runregistry"
	"github.com/pljakobs/backup/pkg/verify"
)

func verifyOptions() verify.Options {
	opts := verify.DefaultOptions()
	if settings == nil {
		return opts
	}
	if settings.Verify.PingTimeout > 0 {
		opts.PingTimeout = settings.Verify.PingTimeout
	}
	if settings.Verify.ConnectTimeout > 0 {
		opts.ConnectTimeout = settings.Verify.ConnectTimeout
	}
	opts.HandshakeRate = settings.Verify.HandshakeRate
	opts.Tools = verify.Tools{
		SSH:       settings.Tools.SSH,
		Ping:      settings.Tools.Ping,
		SSHCopyID: settings.Tools.SSHCopyID,
	}
	return opts
}

func runBackup(cmd *cobra.Command, cfg *backupconfig.Config) error {
	mode := orchestrator.ModeBackup
	if modeDryRun {
		mode = orchestrator.ModeDryRun
	}

	out, closeEvents, err := eventsOutput(cmd)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot open events file", err)
	}
	defer closeEvents()

	opts := orchestrator.Options{
		Mode:       mode,
		Config:     cfg,
		ConfigPath: planPath(),
		Verify:     verifyOptions(),
		Runner:     newRunner(),
		Events:     out,
		Logger:     observability.CLILogger,
	}
	if settings != nil {
		opts.Workers = settings.Workers
		opts.EventsFormat = settings.Events.Format
		opts.SnapshotTool = settings.Snapshot.Tool
		opts.MetricsTextfile = settings.Metrics.Textfile
		opts.Tools = orchestrator.Tools{Rsync: settings.Tools.Rsync, SSH: settings.Tools.SSH}
		if settings.StateDir != "" {
			opts.Journal = runregistry.NewStore(settings.StateDir)
		}
	}

	coord, err := orchestrator.New(opts)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run settings", err)
	}

	observability.CLILogger.Info("Starting backup",
		zap.String("mode", string(mode)),
		zap.Int("hosts", len(cfg.Hosts)),
		zap.Int("paths", cfg.PathCount()))

	rep := coord.Run(cmd.Context())

	if mode == orchestrator.ModeDryRun {
		printPlan(cmd, rep)
	}
	return reportError(rep)
}

// printPlan writes the recorded dry-run plan to stderr so that stdout keeps
// carrying only event lines.
func printPlan(cmd *cobra.Command, rep *orchestrator.Report) {
	w := tabwriter.NewWriter(cmd.ErrOrStderr(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "HOST\tPATH\tSTEP\tCOMMAND")
	for _, a := range rep.Planned {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", dash(a.Host), dash(a.Path), a.Step, a.Command)
	}
}

func runVerifyHosts(cmd *cobra.Command, cfg *backupconfig.Config) error {
	runner := newRunner()
	opts := verifyOptions()

	home, _ := os.UserHomeDir()
	prov := &verify.KeyProvisioner{
		Runner:     runner,
		Tools:      opts.Tools,
		In:         cmd.InOrStdin(),
		Out:        cmd.ErrOrStderr(),
		DefaultKey: filepath.Join(home, ".ssh", "id_ed25519"),
		Logger:     observability.CLILogger,
	}

	res := verify.New(runner, opts, prov, observability.CLILogger).VerifyAll(cmd.Context(), cfg.Hosts, true)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "HOST\tADDRESS\tRESULT\tSTAGE\tDETAIL")
	for _, c := range append(append([]verify.HostCheck{}, res.Working...), res.Failed...) {
		result := "ok"
		if !c.Working {
			result = "failed"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.Host.Name, dash(c.Host.Address), result, dash(string(c.Stage)), dash(c.Detail))
	}
	_ = w.Flush()

	if err := cmd.Context().Err(); err != nil {
		return exitError(foundry.ExitSignalInt, "Verification interrupted", err)
	}
	if len(res.Failed) > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some hosts are not reachable",
			fmt.Errorf("%d of %d hosts failed verification", len(res.Failed), len(cfg.Hosts)))
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
