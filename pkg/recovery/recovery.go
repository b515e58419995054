// Package recovery repairs jobs stranded by an orchestrator crash.
//
// A manifest resting in a transient state is the crash signature: every
// healthy step invocation drives its job back to a resting state before
// releasing the lock, so a transient state with no live step behind it
// can only mean the driving process died. The lock itself is the
// liveness probe: flock evaporates with its holder, so an acquirable
// lock over a transient-state manifest is proof nothing is driving the
// job.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/lockfile"
)

// Crashed describes one stranded job found by detection.
type Crashed struct {
	JobID     string        `json:"job_id"`
	State     jobfile.State `json:"state"`
	PID       int           `json:"pid,omitempty"`
	OrphanPID bool          `json:"orphan_pid,omitempty"`
	Heartbeat *time.Time    `json:"last_heartbeat,omitempty"`
}

// Issue is one consistency finding from a store audit.
type Issue struct {
	JobID   string `json:"job_id,omitempty"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// Outcome reports one repair.
type Outcome struct {
	JobID     string        `json:"job_id"`
	Recovered bool          `json:"recovered"`
	From      jobfile.State `json:"from,omitempty"`
	To        jobfile.State `json:"to,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Manager detects and repairs crashed jobs.
type Manager struct {
	store *jobfile.Store
	locks *lockfile.Manager
	log   *zap.Logger
}

// New creates a recovery manager over a job store.
func New(store *jobfile.Store, locks *lockfile.Manager, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, locks: locks, log: log}
}

// DetectCrashed scans the store for stranded jobs. A job counts only
// when its manifest rests in a transient state AND its lock is free:
// a held lock means a live step is mid-flight and must not be touched.
func (m *Manager) DetectCrashed() ([]Crashed, error) {
	jobs, err := m.store.List()
	if err != nil {
		return nil, err
	}
	var found []Crashed
	for i := range jobs {
		job := &jobs[i]
		if !job.State.Transient() {
			continue
		}
		lock, err := m.locks.TryAcquire(lockfile.JobLockName(job.JobID))
		if err != nil {
			if errors.Is(err, lockfile.ErrBusy) {
				continue
			}
			return nil, err
		}
		// Probe only; Recover re-acquires before mutating.
		_ = lock.Release()

		found = append(found, Crashed{
			JobID:     job.JobID,
			State:     job.State,
			PID:       job.PID,
			OrphanPID: job.PID > 0 && jobfile.IsProcessAlive(job.PID),
			Heartbeat: job.LastHeartbeat,
		})
	}
	return found, nil
}

// Recover repairs one crashed job. Idempotent: a job already repaired
// (or never crashed) returns Recovered=false with no mutation.
//
// Repair writes the target state directly instead of going through the
// step transition table: the crashed step never finished, so there is
// no legal in-step path out of where it died.
func (m *Manager) Recover(ctx context.Context, jobID string) (*Outcome, error) {
	lock, err := m.locks.TryAcquire(lockfile.JobLockName(jobID))
	if err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			return &Outcome{JobID: jobID, Recovered: false, Reason: "a live step holds the job"}, nil
		}
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	job, err := m.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !job.State.Transient() {
		return &Outcome{JobID: jobID, Recovered: false, From: job.State, Reason: "job is not stranded"}, nil
	}

	from := job.State

	// An agent process can outlive the orchestrator that spawned it.
	// It has lost its supervisor; kill it before re-queueing, or the
	// next step would race a zombie over the same workspace.
	if job.PID > 0 && jobfile.IsProcessAlive(job.PID) {
		m.log.Warn("killing orphaned agent process",
			zap.String("job_id", jobID), zap.Int("pid", job.PID))
		if err := syscall.Kill(-job.PID, syscall.SIGKILL); err != nil {
			_ = syscall.Kill(job.PID, syscall.SIGKILL)
		}
	}

	to := jobfile.StatePending
	reason := fmt.Sprintf("recovered after crash in %s", from)
	if job.Workspace != "" {
		if _, statErr := os.Stat(job.Workspace); statErr != nil {
			// The workspace the crashed step was working in is gone;
			// partial work may be lost, so a human decides.
			to = jobfile.StateInterventionRequired
			reason = fmt.Sprintf("crashed in %s and workspace %s is missing", from, job.Workspace)
		}
	}

	job.State = to
	job.StatusReason = reason
	job.PID = 0
	if err := m.store.Write(job); err != nil {
		return nil, err
	}

	m.log.Info("recovered stranded job",
		zap.String("job_id", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	return &Outcome{JobID: jobID, Recovered: true, From: from, To: to, Reason: reason}, nil
}

// BulkRecover detects and repairs up to limit stranded jobs (all when
// limit <= 0). Per-job failures are logged and skipped; a crashed-state
// cleanup must not die on its first corrupt manifest.
func (m *Manager) BulkRecover(ctx context.Context, limit int) ([]Outcome, error) {
	crashed, err := m.DetectCrashed()
	if err != nil {
		return nil, err
	}
	var outcomes []Outcome
	for _, c := range crashed {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		if limit > 0 && len(outcomes) >= limit {
			break
		}
		out, rerr := m.Recover(ctx, c.JobID)
		if rerr != nil {
			m.log.Warn("recovery failed",
				zap.String("job_id", c.JobID), zap.Error(rerr))
			continue
		}
		outcomes = append(outcomes, *out)
	}
	return outcomes, nil
}

// ValidateConsistency audits the store without mutating anything:
// unparseable manifests, stale lock holders, and liveness evidence that
// contradicts the recorded state.
func (m *Manager) ValidateConsistency() ([]Issue, error) {
	var issues []Issue

	entries, err := os.ReadDir(m.store.RootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "locks" {
			continue
		}
		jobID := entry.Name()
		job, err := m.store.Get(jobID)
		if err != nil {
			issues = append(issues, Issue{
				JobID:  jobID,
				Kind:   "unreadable_manifest",
				Detail: err.Error(),
			})
			continue
		}

		if job.State.Transient() {
			if job.PID <= 0 || !jobfile.IsProcessAlive(job.PID) {
				issues = append(issues, Issue{
					JobID:  jobID,
					Kind:   "stranded_transient_state",
					Detail: fmt.Sprintf("state %s with no live process", job.State),
				})
			}
		} else if job.PID > 0 {
			issues = append(issues, Issue{
				JobID:  jobID,
				Kind:   "pid_in_resting_state",
				Detail: fmt.Sprintf("state %s still records pid %d", job.State, job.PID),
			})
		}

		if holder, stale := m.locks.StaleHolder(lockfile.JobLockName(jobID)); stale {
			issues = append(issues, Issue{
				JobID:  jobID,
				Kind:   "stale_lock_holder",
				Detail: fmt.Sprintf("lock file records dead pid %d", holder.PID),
			})
		}
	}
	return issues, nil
}
