package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/lockfile"
	"github.com/3leaps/gowarden/pkg/runner"
)

// StepResult reports one completed step invocation.
type StepResult struct {
	JobID      string
	Final      jobfile.State
	Recoveries int
	Evidence   []string
	Summary    string
}

// StepJob runs one full supervised step on a PENDING job: provision,
// spawn, supervise, harvest, rest. The job's lock is held for the whole
// invocation; concurrent callers on the same job lose the lock race and
// return a lockfile error.
//
// History and metrics are committed exactly once, at finalize. Transient
// state changes are persisted as they happen so a crash mid-step leaves
// evidence the recovery manager can act on.
func (e *Engine) StepJob(ctx context.Context, jobID string) (*StepResult, error) {
	lock, err := e.locks.Acquire(lockfile.JobLockName(jobID), e.cfg.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	job, err := e.getLocked(jobID)
	if err != nil {
		return nil, err
	}
	if job.State != jobfile.StatePending {
		return nil, fmt.Errorf("%w: job %s is %s, want %s",
			ErrPrecondition, jobID, job.State, jobfile.StatePending)
	}

	r, ag, err := e.resolve(job)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	e.log.Info("step started",
		zap.String("job_id", job.JobID),
		zap.String("runner", runnerName(job, e.cfg)),
		zap.String("role", job.EffectiveRole()))

	// Provision.
	if err := e.transitionLocked(job, jobfile.StateProvisioning, ""); err != nil {
		return nil, err
	}
	ws, err := r.Provision(ctx, job)
	if err != nil {
		reason := fmt.Sprintf("provisioning failed: %v", err)
		if terr := e.transitionLocked(job, jobfile.StateInterventionRequired, reason); terr != nil {
			return nil, terr
		}
		return &StepResult{JobID: job.JobID, Final: job.State, Summary: reason}, nil
	}
	job.Workspace = ws.Dir

	// Spawn.
	spec := runner.CommandSpec{
		Argv:       ag.Command(job.Prompt),
		Env:        ag.Env(),
		Dir:        ws.Dir,
		StdoutPath: e.store.StdoutPath(job.JobID),
		StderrPath: e.store.StderrPath(job.JobID),
	}
	handle, err := r.Spawn(ctx, spec)
	if err != nil {
		reason := fmt.Sprintf("spawn failed: %v", err)
		if terr := e.transitionLocked(job, jobfile.StateInterventionRequired, reason); terr != nil {
			return nil, terr
		}
		return &StepResult{JobID: job.JobID, Final: job.State, Summary: reason}, nil
	}

	job.PID = handle.PID()
	now := time.Now()
	job.LastHeartbeat = &now
	if err := e.transitionLocked(job, jobfile.StateExecuting, ""); err != nil {
		r.Terminate(ctx, handle, true)
		return nil, err
	}
	if e.monitor != nil {
		e.monitor.Watch(job)
	}
	defer func() {
		if e.monitor != nil {
			e.monitor.Forget(job.JobID)
		}
	}()

	// Supervise until exit, stall recovery exhaustion, or timeout.
	sup, serr := e.superviseExecution(ctx, job, r, ag, handle, spec)
	if serr != nil {
		// Context canceled mid-step; the agent was already terminated.
		job.PID = 0
		_ = e.store.Write(job)
		return nil, serr
	}
	handle = sup.handle

	// Harvest.
	if err := e.transitionLocked(job, jobfile.StateHarvesting, ""); err != nil {
		return nil, err
	}
	wres, werr := r.Wait(ctx, handle, e.cfg.HarvestWait)
	if werr != nil {
		e.log.Warn("wait before harvest failed",
			zap.String("job_id", job.JobID), zap.Error(werr))
	}

	evidence := e.collectEvidence(ws.Dir, job.EvidenceGlobs)
	hres, herr := r.Harvest(ctx, job, ws, evidence, tailLines(wres.Logs, 5))

	final, reason := classifyOutcome(job, hres, herr)

	// Finalize: exactly one history entry and one metrics update per step
	// that reached harvest.
	elapsed := time.Since(started)
	job.PID = 0
	job.Metrics.Iterations++
	job.Metrics.ElapsedSeconds += int64(elapsed / time.Second)
	if hres.CostUnits > 0 {
		job.Metrics.CostUnits += hres.CostUnits
	}
	summary := hres.Summary
	if summary == "" {
		summary = reason
	}
	job.History = append(job.History, jobfile.StepRecord{
		Phase:         "step",
		State:         final,
		EvidenceFiles: hres.EvidenceFiles,
		Summary:       summary,
		Timestamp:     time.Now().UTC(),
	})
	if err := e.transitionLocked(job, final, reason); err != nil {
		return nil, err
	}

	e.log.Info("step finished",
		zap.String("job_id", job.JobID),
		zap.String("final", string(final)),
		zap.Int("recoveries", sup.recoveries),
		zap.Int("evidence_files", len(hres.EvidenceFiles)),
		zap.Duration("elapsed", elapsed))

	if e.archiver != nil && len(hres.EvidenceFiles) > 0 {
		if aerr := e.archiver.ArchiveStep(ctx, job, job.Metrics.Iterations, ws.Dir, hres.EvidenceFiles); aerr != nil {
			e.log.Warn("evidence archive failed",
				zap.String("job_id", job.JobID), zap.Error(aerr))
		}
	}

	return &StepResult{
		JobID:      job.JobID,
		Final:      final,
		Recoveries: sup.recoveries,
		Evidence:   hres.EvidenceFiles,
		Summary:    hres.Summary,
	}, nil
}

type superviseOutcome struct {
	handle     runner.Handle
	recoveries int
}

// superviseExecution polls the agent until it exits, stalls past the
// recovery budget, or runs out the step timeout. It returns the current
// handle, which changes when a recovery restart succeeds.
func (e *Engine) superviseExecution(ctx context.Context, job *jobfile.Job, r runner.Runner, ag runner.Agent, handle runner.Handle, spec runner.CommandSpec) (superviseOutcome, error) {
	out := superviseOutcome{handle: handle}

	threshold := e.cfg.InactivityThreshold[job.EffectiveRole()]
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	deadline := time.Now().Add(e.cfg.StepTimeout)

	lastActivity := time.Now()
	lastPersist := time.Now()
	var seenLen int

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Terminate(ctx, out.handle, true)
			return out, ctx.Err()
		case <-ticker.C:
		}

		if !r.IsAlive(out.handle) {
			return out, nil
		}

		logs, err := r.Logs(out.handle, 0)
		if err == nil && len(logs) > seenLen {
			fresh := logs[seenLen:]
			seenLen = len(logs)
			if stop := matchStopSequence(fresh, ag.StopSequences()); stop != "" {
				// The agent is waiting on interactive input: output
				// growth, but not progress.
				e.log.Warn("stop sequence matched",
					zap.String("job_id", job.JobID),
					zap.String("sequence", stop))
			} else {
				lastActivity = time.Now()
				if e.monitor != nil {
					e.monitor.RecordActivity(job.JobID)
				}
			}
		}

		if time.Since(lastPersist) >= e.cfg.HeartbeatInterval {
			hb := lastActivity
			job.LastHeartbeat = &hb
			if werr := e.store.Write(job); werr != nil {
				e.log.Warn("heartbeat persist failed",
					zap.String("job_id", job.JobID), zap.Error(werr))
			}
			lastPersist = time.Now()
		}

		if time.Now().After(deadline) {
			e.log.Warn("step timeout, terminating agent",
				zap.String("job_id", job.JobID),
				zap.Duration("timeout", e.cfg.StepTimeout))
			r.Terminate(ctx, out.handle, false)
			return out, nil
		}

		if time.Since(lastActivity) < threshold {
			continue
		}

		// Stalled.
		if out.recoveries >= e.cfg.RecoveryRetries {
			e.log.Warn("recovery budget exhausted, terminating agent",
				zap.String("job_id", job.JobID),
				zap.Int("recoveries", out.recoveries))
			r.Terminate(ctx, out.handle, false)
			return out, nil
		}

		out.recoveries++
		if err := e.transitionLocked(job, jobfile.StateRecovering, ""); err != nil {
			return out, err
		}
		tail, _ := r.Logs(out.handle, e.cfg.LogTailLines)
		rres, rerr := r.Recover(ctx, out.handle, runner.RecoverContext{
			Job:     job,
			Spec:    spec,
			Attempt: out.recoveries,
			LogTail: tail,
		})
		if rerr != nil || !rres.Restarted {
			e.log.Warn("recovery attempt failed",
				zap.String("job_id", job.JobID),
				zap.Int("attempt", out.recoveries),
				zap.Error(rerr))
			return out, nil
		}
		out.handle = rres.Handle
		job.PID = rres.Handle.PID()
		if err := e.transitionLocked(job, jobfile.StateExecuting, ""); err != nil {
			return out, err
		}
		if e.monitor != nil {
			// The restarted agent has a new pid; the monitor must probe
			// that one, not its dead predecessor.
			e.monitor.Watch(job)
		}
		e.log.Info("agent restarted after stall",
			zap.String("job_id", job.JobID),
			zap.Int("attempt", out.recoveries),
			zap.Int("pid", job.PID))
		lastActivity = time.Now()
		seenLen = 0
	}
}

// classifyOutcome maps a harvest to the job's resting state. A malformed
// or missing outcome signal is a hard failure: an agent that cannot
// report its own result cannot be trusted to have succeeded.
func classifyOutcome(job *jobfile.Job, hres runner.HarvestResult, herr error) (jobfile.State, string) {
	if herr != nil {
		if runner.IsMalformedSignal(herr) {
			return jobfile.StateInterventionRequired, fmt.Sprintf("malformed outcome signal: %v", herr)
		}
		return jobfile.StateInterventionRequired, fmt.Sprintf("harvest failed: %v", herr)
	}
	if hres.CostUnits < 0 {
		// Persisting a negative cost would fail manifest validation and
		// leave the job stranded mid-harvest.
		return jobfile.StateInterventionRequired, fmt.Sprintf("malformed outcome signal: cost_units %v is negative", hres.CostUnits)
	}
	switch hres.Signal {
	case runner.SignalDone:
		if job.RequireApproval {
			return jobfile.StateApprovalRequired, ""
		}
		return jobfile.StateSuccess, ""
	case runner.SignalBlocked:
		reason := hres.Summary
		if reason == "" {
			reason = "agent reported blocked"
		}
		return jobfile.StateInterventionRequired, reason
	default:
		return jobfile.StateInterventionRequired, fmt.Sprintf("unrecognized outcome signal %q", hres.Signal)
	}
}

// collectEvidence globs the workspace for evidence files. Paths are
// workspace-relative, deduplicated, sorted.
func (e *Engine) collectEvidence(wsDir string, jobGlobs []string) []string {
	patterns := append(append([]string{}, e.cfg.EvidenceGlobs...), jobGlobs...)
	if len(patterns) == 0 {
		return nil
	}
	fsys := os.DirFS(wsDir)
	seen := map[string]bool{}
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			e.log.Debug("evidence glob failed",
				zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil || info.IsDir() {
				continue
			}
			seen[m] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// RunPending steps PENDING jobs once each, continuing past per-job
// failures, stopping after limit steps when limit is positive. Jobs
// whose lock is held elsewhere are skipped, not errors: another
// process is already stepping them.
func (e *Engine) RunPending(ctx context.Context, limit int) (int, error) {
	jobs, err := e.store.List()
	if err != nil {
		return 0, err
	}
	var stepped int
	var errs []error
	for _, job := range jobs {
		if limit > 0 && stepped >= limit {
			break
		}
		if job.State != jobfile.StatePending {
			continue
		}
		if ctx.Err() != nil {
			return stepped, ctx.Err()
		}
		res, serr := e.StepJob(ctx, job.JobID)
		if serr != nil {
			if errors.Is(serr, lockfile.ErrBusy) || errors.Is(serr, lockfile.ErrTimeout) || errors.Is(serr, ErrPrecondition) {
				continue
			}
			errs = append(errs, fmt.Errorf("job %s: %w", job.JobID, serr))
			continue
		}
		stepped++
		e.log.Info("pending job stepped",
			zap.String("job_id", res.JobID),
			zap.String("final", string(res.Final)))
	}
	return stepped, errors.Join(errs...)
}

func (e *Engine) resolve(job *jobfile.Job) (runner.Runner, runner.Agent, error) {
	rname := runnerName(job, e.cfg)
	r, err := runner.NewRunner(rname, e.cfg.RunnerOptions)
	if err != nil {
		return nil, nil, err
	}
	aname := job.Agent
	if aname == "" {
		aname = e.cfg.DefaultAgent
	}
	ag, err := runner.NewAgent(aname, e.cfg.AgentOptions)
	if err != nil {
		return nil, nil, err
	}
	return r, ag, nil
}

func runnerName(job *jobfile.Job, cfg Config) string {
	if job.Runner != "" {
		return job.Runner
	}
	return cfg.DefaultRunner
}

func matchStopSequence(text string, seqs []string) string {
	for _, s := range seqs {
		if s != "" && strings.Contains(text, s) {
			return s
		}
	}
	return ""
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
