package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/pljakobs/backup/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded backup runs",
	Long: `List the run journal, newest first.

Each backup run records its run_id, pid, state and folded status. Runs whose
process died while still marked running are shown as unknown.`,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.Flags().Bool("json", false, "Output as JSON")
	runsCmd.Flags().Int("limit", 20, "Show at most N runs (0 = all)")
	runsShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runsStore() (*runregistry.Store, error) {
	if settings == nil || strings.TrimSpace(settings.StateDir) == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "No state directory configured", fmt.Errorf("state_dir is empty"))
	}
	return runregistry.NewStore(settings.StateDir), nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := runsStore()
	if err != nil {
		return err
	}
	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read run journal", err)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tMODE\tSTATE\tSTATUS\tSTARTED\tDURATION\tHOSTS\tUNREACHABLE")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.RunID,
			r.Mode,
			r.State,
			dash(r.Status),
			r.CreatedAt.UTC().Format(time.RFC3339),
			formatRunDuration(r),
			len(r.Hosts),
			len(r.FailedHosts),
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	runID := strings.TrimSpace(args[0])

	store, err := runsStore()
	if err != nil {
		return err
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "mode=%s\n", rec.Mode)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.Status != "" {
		_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	}
	_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	if rec.ConfigPath != "" {
		_, _ = fmt.Fprintf(out, "config_path=%s\n", rec.ConfigPath)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	for _, h := range rec.Hosts {
		_, _ = fmt.Fprintf(out, "host=%s status=%s paths=%d duration_seconds=%.3f\n",
			h.Name, h.Status, h.Paths, h.DurationSeconds)
	}
	for _, h := range rec.FailedHosts {
		_, _ = fmt.Fprintf(out, "unreachable=%s\n", h)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

func formatRunDuration(r runregistry.RunRecord) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.CreatedAt).Round(time.Second).String()
}
