package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var jobStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running agent",
	Long: `Stop the agent process of an executing job.

By default the agent is asked to wind down gracefully and the step
harvests whatever work exists. With --force the agent is killed and the
job is rested for human attention.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobStop,
}

var (
	jobStopForce  bool
	jobStopReason string
)

func init() {
	jobCmd.AddCommand(jobStopCmd)
	jobStopCmd.Flags().BoolVar(&jobStopForce, "force", false, "Kill the agent and rest the job for intervention")
	jobStopCmd.Flags().StringVar(&jobStopReason, "reason", "operator stop", "Reason recorded on the job")
}

func runJobStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w, err := loadWarden(ctx)
	if err != nil {
		return err
	}
	jobID, err := w.store.ResolveJobID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	eng, err := w.newEngine(ctx)
	if err != nil {
		return err
	}

	if jobStopForce {
		err = eng.ForceStop(ctx, jobID, jobStopReason, true)
	} else {
		err = eng.RequestStop(ctx, jobID, jobStopReason)
	}
	if err != nil {
		return err
	}

	job, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=%s\n", job.JobID, job.State)
	return nil
}
