// Package engine owns the per-job step lifecycle.
//
// One step invocation drives a job PENDING → PROVISIONING → EXECUTING →
// HARVESTING → a resting state, with a RECOVERING excursion when the
// agent stalls and can be restarted. The engine serializes every
// manifest mutation through the same per-job advisory lock used by the
// sentinel and the recovery manager, and re-reads the manifest after
// each acquisition: the lock prevents write races, not staleness of a
// read taken before acquisition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/lockfile"
)

// Engine errors.
var (
	// ErrPrecondition indicates the job is not in a valid state for the
	// requested operation. Nothing was mutated.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUnknownJob indicates no manifest exists for the id.
	ErrUnknownJob = errors.New("unknown job")
)

// ActivityMonitor is the sentinel-facing surface the engine feeds while
// a job executes. A nil monitor disables monitoring.
type ActivityMonitor interface {
	// Watch begins monitoring an EXECUTING job.
	Watch(job *jobfile.Job)

	// Forget discards monitoring state when the job leaves EXECUTING.
	Forget(jobID string)

	// RecordActivity resets the job's inactivity clock. The engine
	// calls this on every observed log growth, which is what keeps the
	// sentinel from false-positiving on slow-but-progressing jobs.
	RecordActivity(jobID string)
}

// Archiver receives harvested evidence after a step completes. A nil
// archiver disables archiving; archive failures never affect outcomes.
type Archiver interface {
	ArchiveStep(ctx context.Context, job *jobfile.Job, step int, workspaceDir string, files []string) error
}

// Config tunes the step driver.
type Config struct {
	// LockTimeout bounds job lock acquisition for a step.
	LockTimeout time.Duration

	// PollInterval is the liveness/log polling cadence while executing.
	PollInterval time.Duration

	// StepTimeout bounds one whole step invocation; when exceeded the
	// agent is terminated and the step proceeds to harvest.
	StepTimeout time.Duration

	// HeartbeatInterval is how often observed activity is persisted
	// into the manifest as liveness evidence.
	HeartbeatInterval time.Duration

	// InactivityThreshold maps a job role to the silence duration that
	// triggers a recovery excursion.
	InactivityThreshold map[string]time.Duration

	// RecoveryRetries caps recovery excursions per step.
	RecoveryRetries int

	// HarvestWait bounds the final Wait before harvest.
	HarvestWait time.Duration

	// LogTailLines is how much log tail is inspected per poll.
	LogTailLines int

	// DefaultRunner and DefaultAgent apply when a job has no explicit
	// selection.
	DefaultRunner string
	DefaultAgent  string

	// RunnerOptions and AgentOptions are handed to the factories.
	RunnerOptions map[string]any
	AgentOptions  map[string]any

	// EvidenceGlobs are collected at harvest in addition to the job's
	// own globs.
	EvidenceGlobs []string
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.InactivityThreshold == nil {
		c.InactivityThreshold = map[string]time.Duration{
			jobfile.RoleAutonomous:  10 * time.Minute,
			jobfile.RoleInteractive: 2 * time.Minute,
		}
	}
	if c.RecoveryRetries <= 0 {
		c.RecoveryRetries = 2
	}
	if c.HarvestWait <= 0 {
		c.HarvestWait = 15 * time.Second
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = 50
	}
	if c.DefaultRunner == "" {
		c.DefaultRunner = "host"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "script"
	}
	return c
}

// Engine drives job steps against a shared on-disk job store.
//
// Engines hold no cross-step global state: everything per-job lives in
// the manifest, and everything per-engine lives on this struct with the
// engine's lifetime.
type Engine struct {
	store    *jobfile.Store
	locks    *lockfile.Manager
	cfg      Config
	log      *zap.Logger
	monitor  ActivityMonitor
	archiver Archiver
}

// New creates an engine over a job store.
func New(store *jobfile.Store, locks *lockfile.Manager, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store: store,
		locks: locks,
		cfg:   cfg.withDefaults(),
		log:   log,
	}
}

// SetMonitor attaches the sentinel's activity surface.
func (e *Engine) SetMonitor(m ActivityMonitor) { e.monitor = m }

// SetArchiver attaches an evidence archiver.
func (e *Engine) SetArchiver(a Archiver) { e.archiver = a }

// Store exposes the underlying job store for read-only consumers.
func (e *Engine) Store() *jobfile.Store { return e.store }

// getLocked re-reads a manifest while its lock is held.
func (e *Engine) getLocked(jobID string) (*jobfile.Job, error) {
	job, err := e.store.Get(jobID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return nil, err
	}
	return job, nil
}

// transitionLocked applies and persists a validated state change. The
// caller must hold the job's lock.
func (e *Engine) transitionLocked(job *jobfile.Job, next jobfile.State, reason string) error {
	if err := advanceState(job.State, next); err != nil {
		return err
	}
	prev := job.State
	job.State = next
	job.StatusReason = reason
	if err := e.store.Write(job); err != nil {
		// Roll back the in-memory copy so the caller's view matches disk.
		job.State = prev
		return err
	}
	e.log.Debug("job transitioned",
		zap.String("job_id", job.JobID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	return nil
}

// transitionResting is the shared path for operator lifecycle
// operations: lock, re-read, validate, persist.
func (e *Engine) transitionResting(jobID string, next jobfile.State, reason string) error {
	return e.locks.WithLock(lockfile.JobLockName(jobID), e.cfg.LockTimeout, func() error {
		job, err := e.getLocked(jobID)
		if err != nil {
			return err
		}
		return e.transitionLocked(job, next, reason)
	})
}

// Submit makes a DRAFT job eligible to run.
func (e *Engine) Submit(jobID string) error {
	return e.transitionResting(jobID, jobfile.StatePending, "")
}

// Approve accepts work resting in APPROVAL_REQUIRED.
func (e *Engine) Approve(jobID string) error {
	return e.transitionResting(jobID, jobfile.StateSuccess, "approved")
}

// Reject routes work resting in APPROVAL_REQUIRED to intervention.
func (e *Engine) Reject(jobID, reason string) error {
	if reason == "" {
		reason = "rejected"
	}
	return e.transitionResting(jobID, jobfile.StateInterventionRequired, reason)
}

// Resubmit returns a fixed INTERVENTION_REQUIRED job to the queue.
func (e *Engine) Resubmit(jobID string) error {
	return e.transitionResting(jobID, jobfile.StatePending, "")
}

// Suspend pauses an eligible job.
func (e *Engine) Suspend(jobID string) error {
	return e.transitionResting(jobID, jobfile.StateSuspended, "suspended by request")
}

// Resume returns a SUSPENDED job to the queue.
func (e *Engine) Resume(jobID string) error {
	return e.transitionResting(jobID, jobfile.StatePending, "")
}

// Cancel terminates a job from any non-terminal resting state.
func (e *Engine) Cancel(jobID, reason string) error {
	if reason == "" {
		reason = "canceled by request"
	}
	return e.transitionResting(jobID, jobfile.StateCanceled, reason)
}

// ObserveHint accepts a non-authoritative inferred state from an
// external log observer. Hints are logged and surfaced, never used to
// override an authoritative runner/agent outcome.
func (e *Engine) ObserveHint(jobID string, hinted jobfile.State, confidence float64) {
	e.log.Info("advisory observer hint",
		zap.String("job_id", jobID),
		zap.String("hinted_state", string(hinted)),
		zap.Float64("confidence", confidence))
}

// Intervention severity actions used by the sentinel.

// RequestStop asks an executing job's agent to stop gracefully. Returns
// lockfile.ErrBusy wrapped when the job's lock is held elsewhere; the
// caller backs off rather than blocking.
func (e *Engine) RequestStop(ctx context.Context, jobID, reason string) error {
	return e.signalJob(ctx, jobID, reason, false, false)
}

// ForceStop terminates an executing job's agent. When markIntervention
// is set the job also rests in INTERVENTION_REQUIRED with the reason.
func (e *Engine) ForceStop(ctx context.Context, jobID, reason string, markIntervention bool) error {
	return e.signalJob(ctx, jobID, reason, true, markIntervention)
}

func (e *Engine) signalJob(ctx context.Context, jobID, reason string, force, markIntervention bool) error {
	lock, err := e.locks.TryAcquire(lockfile.JobLockName(jobID))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	job, err := e.getLocked(jobID)
	if err != nil {
		return err
	}
	if !job.State.Transient() {
		// Raced with step completion; nothing to intervene on.
		return nil
	}

	if job.PID > 0 && jobfile.IsProcessAlive(job.PID) {
		sig := "TERM"
		if force {
			sig = "KILL"
		}
		e.log.Warn("signaling stalled agent",
			zap.String("job_id", jobID),
			zap.Int("pid", job.PID),
			zap.String("signal", sig),
			zap.String("reason", reason))
		killProcessGroup(job.PID, force)
	}

	if !markIntervention {
		return nil
	}

	job.PID = 0
	return e.transitionLocked(job, jobfile.StateInterventionRequired, reason)
}
