package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/internal/observability"
	"github.com/3leaps/gowarden/internal/server"
	"github.com/3leaps/gowarden/pkg/engine"
	"github.com/3leaps/gowarden/pkg/lockfile"
)

var stepCmd = &cobra.Command{
	Use:   "step <job_id>",
	Short: "Run one supervised step on a pending job",
	Long: `Run one full supervised step: provision the workspace, spawn the
agent, watch it until it finishes or hangs, harvest its outcome, and
rest the job. The command blocks for the whole step.`,
	Args: cobra.ExactArgs(1),
	RunE: runStep,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop",
	Long: `Run the orchestrator in the foreground: recover any jobs stranded
by a previous crash, start the hang sentinel, step pending jobs as they
appear, and serve the status API.

Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runOrchestrator,
}

var (
	runInterval  time.Duration
	runLimit     int
	runOnce      bool
	runNoServer  bool
	runNoRecover bool
)

func init() {
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runInterval, "interval", 5*time.Second, "Pause between queue scans")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Maximum jobs to step per scan (0 for all)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Scan the queue once and exit")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Disable the status API server")
	runCmd.Flags().BoolVar(&runNoRecover, "no-recover", false, "Skip crash recovery at startup")
}

func runStep(cmd *cobra.Command, args []string) error {
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
	s := w.newSentinel(eng)
	s.Start(ctx)
	defer s.Stop()

	res, err := eng.StepJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrTimeout) {
			return exitError(foundry.ExitInvalidArgument, "Another process is stepping this job", err)
		}
		if errors.Is(err, engine.ErrPrecondition) {
			return exitError(foundry.ExitInvalidArgument, "Job is not pending", err)
		}
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=%s recoveries=%d evidence=%d\n",
		res.JobID, res.Final, res.Recoveries, len(res.Evidence))
	if res.Summary != "" {
		_, _ = fmt.Fprintf(os.Stdout, "summary=%s\n", res.Summary)
	}
	return nil
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := loadWarden(ctx)
	if err != nil {
		return err
	}
	eng, err := w.newEngine(ctx)
	if err != nil {
		return err
	}
	s := w.newSentinel(eng)

	if !runNoRecover {
		outcomes, err := w.newRecovery().BulkRecover(ctx, 0)
		if err != nil {
			return err
		}
		for _, out := range outcomes {
			if out.Recovered {
				observability.CLILogger.Info("recovered stranded job at startup",
					zap.String("job_id", out.JobID),
					zap.String("from", string(out.From)),
					zap.String("to", string(out.To)))
			}
		}
	}

	s.Start(ctx)
	defer s.Stop()

	var srv *server.Server
	if !runNoServer {
		srv = server.New(w.cfg.Server.Host, w.cfg.Server.Port, w.store, s, server.VersionInfo{
			Version:   versionInfo.Version,
			GitCommit: versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}, w.log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				observability.CLILogger.Error("status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	observability.CLILogger.Info("orchestrator started",
		zap.String("jobs_root", w.cfg.JobsRoot),
		zap.Duration("interval", runInterval))

	for {
		stepped, err := eng.RunPending(ctx, runLimit)
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.CLILogger.Warn("queue scan had failures", zap.Error(err))
		}
		if stepped > 0 {
			observability.CLILogger.Info("queue scan finished", zap.Int("stepped", stepped))
		}
		if runOnce {
			return nil
		}

		select {
		case <-ctx.Done():
			observability.CLILogger.Info("orchestrator stopping")
			return nil
		case <-time.After(runInterval):
		}
	}
}
