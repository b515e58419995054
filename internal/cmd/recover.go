package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/gowarden/pkg/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Detect and repair jobs stranded by a crash",
	Long: `Detect jobs whose manifests rest in a transient state with no live
step behind them, and return them to the queue (or to intervention when
their workspace is gone).

With --dry-run only the findings are printed.`,
	RunE: runRecover,
}

var consistencyCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Audit the job store for inconsistencies",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(consistencyCmd)

	recoverCmd.Flags().Bool("dry-run", false, "Detect only, repair nothing")
	recoverCmd.Flags().Int("limit", 0, "Repair at most N jobs (0 = all)")
	recoverCmd.Flags().Bool("json", false, "Output as JSON")
	consistencyCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRecover(cmd *cobra.Command, _ []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	mgr := w.newRecovery()

	if dryRun {
		crashed, err := mgr.DetectCrashed()
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(crashed)
		}
		if len(crashed) == 0 {
			_, _ = fmt.Fprintln(os.Stdout, "No stranded jobs found")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = tw.Flush() }()
		_, _ = fmt.Fprintln(tw, "JOB ID\tSTATE\tPID\tORPHAN")
		for _, c := range crashed {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", shortJobID(c.JobID), c.State, c.PID, c.OrphanPID)
		}
		return nil
	}

	outcomes, err := mgr.BulkRecover(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}
	if len(outcomes) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No stranded jobs found")
		return nil
	}
	for _, out := range outcomes {
		if out.Recovered {
			_, _ = fmt.Fprintf(os.Stdout, "recovered job_id=%s %s -> %s\n", shortJobID(out.JobID), out.From, out.To)
		} else {
			_, _ = fmt.Fprintf(os.Stdout, "skipped job_id=%s: %s\n", shortJobID(out.JobID), out.Reason)
		}
	}
	return nil
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	issues, err := w.newRecovery().ValidateConsistency()
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if issues == nil {
			issues = []recovery.Issue{}
		}
		return enc.Encode(issues)
	}
	if len(issues) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Job store is consistent")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintln(tw, "JOB ID\tKIND\tDETAIL")
	for _, issue := range issues {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", shortJobID(issue.JobID), issue.Kind, issue.Detail)
	}
	return fmt.Errorf("%d consistency issues found", len(issues))
}
