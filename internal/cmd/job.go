package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/internal/observability"
	"github.com/3leaps/gowarden/pkg/jobfile"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage agent jobs",
	Long: `Manage agent job records.

This command group is designed to be scriptable:

- stable job ids (any unambiguous prefix is accepted)
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job in draft state",
	Long: `Create a job from a YAML spec file or inline flags.

Example:
  gowarden job create --spec fix-flaky-test.yaml
  gowarden job create --prompt "Fix the flaky TestReconnect" --repo ./src --require-approval`,
	RunE: runJobCreate,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show [job_id]",
	Short: "Show the full record for a job",
	Long:  `Show the full record for a job. With no argument, shows the selected job.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobShow,
}

var jobSelectCmd = &cobra.Command{
	Use:   "select <job_id>",
	Short: "Select the job other commands default to",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobSelect,
}

var (
	jobCreateSpecPath string
	jobCreateName     string
	jobCreatePrompt   string
	jobCreateRepo     string
	jobCreateRunner   string
	jobCreateAgent    string
	jobCreateRole     string
	jobCreateApproval bool
	jobCreateEvidence []string
	jobCreateSubmit   bool
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobSelectCmd)

	jobCreateCmd.Flags().StringVarP(&jobCreateSpecPath, "spec", "f", "", "Path to a YAML job spec")
	jobCreateCmd.Flags().StringVar(&jobCreateName, "name", "", "Human-friendly job label")
	jobCreateCmd.Flags().StringVar(&jobCreatePrompt, "prompt", "", "Instruction handed to the agent")
	jobCreateCmd.Flags().StringVar(&jobCreateRepo, "repo", "", "Repository copied into the workspace at provision")
	jobCreateCmd.Flags().StringVar(&jobCreateRunner, "runner", "", "Runner override (default from config)")
	jobCreateCmd.Flags().StringVar(&jobCreateAgent, "agent", "", "Agent override (default from config)")
	jobCreateCmd.Flags().StringVar(&jobCreateRole, "role", "", "Monitoring role: autonomous or interactive")
	jobCreateCmd.Flags().BoolVar(&jobCreateApproval, "require-approval", false, "Rest in approval_required instead of success")
	jobCreateCmd.Flags().StringSliceVar(&jobCreateEvidence, "evidence", nil, "Workspace-relative evidence globs")
	jobCreateCmd.Flags().BoolVar(&jobCreateSubmit, "submit", false, "Submit immediately after creating")

	jobListCmd.Flags().Bool("json", false, "Output as JSON")
	jobListCmd.Flags().String("state", "", "Filter by state")
	jobShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	w, err := loadWarden(ctx)
	if err != nil {
		return err
	}

	var spec *jobfile.Spec
	if jobCreateSpecPath != "" {
		spec, err = jobfile.LoadSpec(jobCreateSpecPath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid job spec", err)
		}
	} else {
		spec = &jobfile.Spec{
			Name:            jobCreateName,
			Prompt:          jobCreatePrompt,
			Repo:            jobCreateRepo,
			Runner:          jobCreateRunner,
			Agent:           jobCreateAgent,
			Role:            jobCreateRole,
			RequireApproval: jobCreateApproval,
			Evidence:        jobCreateEvidence,
		}
	}

	job, err := jobfile.NewJob(spec)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job spec", err)
	}
	if err := w.store.Write(job); err != nil {
		return err
	}

	// Register in the shared index under its own lock.
	err = w.locks.WithLock(jobfile.IndexLockName, w.cfg.Engine.LockTimeout, func() error {
		idx, err := w.store.LoadIndex()
		if err != nil {
			return err
		}
		idx.Jobs[job.JobID] = w.store.JobDir(job.JobID)
		return w.store.SaveIndex(idx)
	})
	if err != nil {
		return err
	}

	if jobCreateSubmit {
		eng, err := w.newEngine(ctx)
		if err != nil {
			return err
		}
		if err := eng.Submit(job.JobID); err != nil {
			return err
		}
		job.State = jobfile.StatePending
	}

	observability.CLILogger.Info("job created",
		zap.String("job_id", job.JobID),
		zap.String("state", string(job.State)))
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=%s\n", job.JobID, job.State)
	return nil
}

func runJobList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")

	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	jobs, err := w.store.List()
	if err != nil {
		return err
	}

	if stateFilter != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == stateFilter {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tNAME\tSTATE\tROLE\tSTEPS\tUPDATED\tREASON")
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = "-"
		}
		reason := j.StatusReason
		if reason == "" {
			reason = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortJobID(j.JobID),
			name,
			j.State,
			j.EffectiveRole(),
			j.Metrics.Iterations,
			j.UpdatedAt.UTC().Format(time.RFC3339),
			reason,
		)
	}
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	jobID, err := targetJobID(w, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	job, err := w.store.Get(jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.JobID)
	if job.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", job.Name)
	}
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", job.State)
	_, _ = fmt.Fprintf(os.Stdout, "role=%s\n", job.EffectiveRole())
	if job.StatusReason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "status_reason=%s\n", job.StatusReason)
	}
	if job.Workspace != "" {
		_, _ = fmt.Fprintf(os.Stdout, "workspace=%s\n", job.Workspace)
	}
	if job.PID > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", job.PID)
	}
	if job.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(os.Stdout, "last_heartbeat=%s\n", job.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(os.Stdout, "steps=%d cost_units=%.2f elapsed=%ds\n",
		job.Metrics.Iterations, job.Metrics.CostUnits, job.Metrics.ElapsedSeconds)
	for i, rec := range job.History {
		_, _ = fmt.Fprintf(os.Stdout, "history[%d] %s state=%s evidence=%d %s\n",
			i, rec.Timestamp.UTC().Format(time.RFC3339), rec.State, len(rec.EvidenceFiles), rec.Summary)
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

// targetJobID resolves the argument job id, falling back to the index's
// selected job when no argument was given.
func targetJobID(w *warden, args []string) (string, error) {
	if len(args) > 0 {
		return w.store.ResolveJobID(args[0])
	}
	idx, err := w.store.LoadIndex()
	if err != nil {
		return "", err
	}
	if idx.Selected == "" {
		return "", fmt.Errorf("no job selected; pass a job_id or run 'gowarden job select'")
	}
	return idx.Selected, nil
}

func runJobSelect(cmd *cobra.Command, args []string) error {
	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	jobID, err := w.store.ResolveJobID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	err = w.locks.WithLock(jobfile.IndexLockName, w.cfg.Engine.LockTimeout, func() error {
		idx, err := w.store.LoadIndex()
		if err != nil {
			return err
		}
		idx.Selected = jobID
		return w.store.SaveIndex(idx)
	})
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "selected=%s\n", jobID)
	return nil
}

// lifecycleCommand builds one operator transition command; they all
// share the resolve-then-transition shape.
func lifecycleCommand(use, short string, needsReason bool, apply func(cmd *cobra.Command, w *warden, jobID, reason string) error) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <job_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWarden(cmd.Context())
			if err != nil {
				return err
			}
			jobID, err := w.store.ResolveJobID(args[0])
			if err != nil {
				return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
			}
			reason, _ := cmd.Flags().GetString("reason")
			if err := apply(cmd, w, jobID, reason); err != nil {
				return err
			}
			job, err := w.store.Get(jobID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=%s\n", job.JobID, job.State)
			return nil
		},
	}
	if needsReason {
		c.Flags().String("reason", "", "Reason recorded on the job")
	}
	return c
}

func init() {
	jobCmd.AddCommand(
		lifecycleCommand("submit", "Submit a draft job for execution", false,
			func(cmd *cobra.Command, w *warden, jobID, _ string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Submit(jobID)
			}),
		lifecycleCommand("approve", "Approve harvested work awaiting review", false,
			func(cmd *cobra.Command, w *warden, jobID, _ string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Approve(jobID)
			}),
		lifecycleCommand("reject", "Reject harvested work awaiting review", true,
			func(cmd *cobra.Command, w *warden, jobID, reason string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Reject(jobID, reason)
			}),
		lifecycleCommand("resubmit", "Return a fixed job to the queue", false,
			func(cmd *cobra.Command, w *warden, jobID, _ string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Resubmit(jobID)
			}),
		lifecycleCommand("suspend", "Pause a job", false,
			func(cmd *cobra.Command, w *warden, jobID, _ string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Suspend(jobID)
			}),
		lifecycleCommand("resume", "Return a suspended job to the queue", false,
			func(cmd *cobra.Command, w *warden, jobID, _ string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Resume(jobID)
			}),
		lifecycleCommand("cancel", "Cancel a job", true,
			func(cmd *cobra.Command, w *warden, jobID, reason string) error {
				eng, err := w.newEngine(cmd.Context())
				if err != nil {
					return err
				}
				return eng.Cancel(jobID, reason)
			}),
	)
}
