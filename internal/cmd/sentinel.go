package cmd

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/internal/observability"
	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/sentinel"
)

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Watch executing jobs for hangs",
	Long: `Run a standalone hang sentinel over the shared jobs directory.

The step engine embeds its own sentinel; this command exists for
split-process deployments where steps run in short-lived invocations
(cron, CI) and nothing long-lived would otherwise watch them. Activity
is read from each job's persisted heartbeat.`,
	RunE: runSentinel,
}

var sentinelSyncInterval time.Duration

func init() {
	rootCmd.AddCommand(sentinelCmd)
	sentinelCmd.Flags().DurationVar(&sentinelSyncInterval, "sync-interval", 10*time.Second, "How often to re-read the job store")
}

func runSentinel(cmd *cobra.Command, _ []string) error {
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
	s.Start(ctx)
	defer s.Stop()

	observability.CLILogger.Info("sentinel started",
		zap.String("jobs_root", w.cfg.JobsRoot),
		zap.Duration("sync_interval", sentinelSyncInterval))

	watched := map[string]time.Time{}
	for {
		if err := syncWatchedJobs(w.store, s, watched); err != nil {
			observability.CLILogger.Warn("job store sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			observability.CLILogger.Info("sentinel stopping")
			return nil
		case <-time.After(sentinelSyncInterval):
		}
	}
}

// syncWatchedJobs reconciles the sentinel's watch set against manifests
// on disk. watched tracks the last persisted heartbeat per job so a
// heartbeat advance counts as activity exactly once.
func syncWatchedJobs(store *jobfile.Store, s *sentinel.Sentinel, watched map[string]time.Time) error {
	jobs, err := store.List()
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for i := range jobs {
		job := &jobs[i]
		if job.State != jobfile.StateExecuting {
			continue
		}
		seen[job.JobID] = true

		hb := job.UpdatedAt
		if job.LastHeartbeat != nil {
			hb = *job.LastHeartbeat
		}
		prev, known := watched[job.JobID]
		if !known {
			s.Watch(job)
			watched[job.JobID] = hb
			continue
		}
		if hb.After(prev) {
			s.RecordActivity(job.JobID)
			watched[job.JobID] = hb
		}
	}

	for id := range watched {
		if !seen[id] {
			s.Forget(id)
			delete(watched, id)
		}
	}
	return nil
}
