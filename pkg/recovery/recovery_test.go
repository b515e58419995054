package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/lockfile"
)

// deadPID is far above any real pid_max.
const deadPID = 999999999

func newTestManager(t *testing.T) (*Manager, *jobfile.Store, *lockfile.Manager) {
	t.Helper()
	root := t.TempDir()
	store := jobfile.NewStore(root)
	locks := lockfile.NewManager(filepath.Join(root, "locks"))
	return New(store, locks, zap.NewNop()), store, locks
}

func writeJob(t *testing.T, store *jobfile.Store, state jobfile.State, mutate func(*jobfile.Job)) *jobfile.Job {
	t.Helper()
	job, err := jobfile.NewJob(&jobfile.Spec{Prompt: "p"})
	require.NoError(t, err)
	job.State = state
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, store.Write(job))
	return job
}

func TestDetectCrashedFindsStrandedTransient(t *testing.T) {
	m, store, _ := newTestManager(t)

	stranded := writeJob(t, store, jobfile.StateExecuting, func(j *jobfile.Job) {
		j.PID = deadPID
		hb := time.Now().Add(-time.Hour)
		j.LastHeartbeat = &hb
	})
	writeJob(t, store, jobfile.StatePending, nil)
	writeJob(t, store, jobfile.StateSuccess, nil)

	found, err := m.DetectCrashed()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stranded.JobID, found[0].JobID)
	assert.Equal(t, jobfile.StateExecuting, found[0].State)
	assert.False(t, found[0].OrphanPID)
}

func TestDetectCrashedSkipsLockedJob(t *testing.T) {
	m, store, locks := newTestManager(t)

	job := writeJob(t, store, jobfile.StateExecuting, func(j *jobfile.Job) {
		j.PID = os.Getpid() // a live step in some process
	})

	lock, err := locks.TryAcquire(lockfile.JobLockName(job.JobID))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	found, err := m.DetectCrashed()
	require.NoError(t, err)
	assert.Empty(t, found, "a held lock means the step is alive")
}

func TestRecoverRequeuesCrashedJob(t *testing.T) {
	m, store, _ := newTestManager(t)

	ws := t.TempDir()
	job := writeJob(t, store, jobfile.StateExecuting, func(j *jobfile.Job) {
		j.PID = deadPID
		j.Workspace = ws
	})

	out, err := m.Recover(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, jobfile.StateExecuting, out.From)
	assert.Equal(t, jobfile.StatePending, out.To)

	got, err := store.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobfile.StatePending, got.State)
	assert.Zero(t, got.PID)
	assert.Contains(t, got.StatusReason, "recovered after crash in executing")
	assert.Empty(t, got.History, "repairs never mint history entries")
}

func TestRecoverMissingWorkspaceNeedsHuman(t *testing.T) {
	m, store, _ := newTestManager(t)

	job := writeJob(t, store, jobfile.StateHarvesting, func(j *jobfile.Job) {
		j.PID = deadPID
		j.Workspace = "/nonexistent/workspace/path"
	})

	out, err := m.Recover(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, jobfile.StateInterventionRequired, out.To)

	got, err := store.Get(job.JobID)
	require.NoError(t, err)
	assert.Contains(t, got.StatusReason, "workspace")
}

func TestRecoverIsIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t)

	job := writeJob(t, store, jobfile.StateProvisioning, func(j *jobfile.Job) {
		j.PID = deadPID
	})

	first, err := m.Recover(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.True(t, first.Recovered)

	second, err := m.Recover(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.False(t, second.Recovered, "already repaired")

	got, err := store.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobfile.StatePending, got.State)
}

func TestRecoverRefusesHeldLock(t *testing.T) {
	m, store, locks := newTestManager(t)

	job := writeJob(t, store, jobfile.StateExecuting, func(j *jobfile.Job) {
		j.PID = deadPID
	})
	lock, err := locks.TryAcquire(lockfile.JobLockName(job.JobID))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	out, err := m.Recover(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.False(t, out.Recovered)

	got, err := store.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobfile.StateExecuting, got.State, "nothing mutated under a live lock")
}

func TestBulkRecoverHonorsLimit(t *testing.T) {
	m, store, _ := newTestManager(t)

	for i := 0; i < 4; i++ {
		writeJob(t, store, jobfile.StateExecuting, func(j *jobfile.Job) {
			j.PID = deadPID
		})
	}

	outcomes, err := m.BulkRecover(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)

	remaining, err := m.DetectCrashed()
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	rest, err := m.BulkRecover(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, rest, 2, "limit <= 0 repairs everything")
}

func TestValidateConsistency(t *testing.T) {
	m, store, _ := newTestManager(t)

	writeJob(t, store, jobfile.StateExecuting, func(j *jobfile.Job) {
		j.PID = deadPID
	})
	writeJob(t, store, jobfile.StateSuccess, func(j *jobfile.Job) {
		j.PID = deadPID
	})
	healthy := writeJob(t, store, jobfile.StatePending, nil)

	// Corrupt one manifest on disk.
	corrupt := writeJob(t, store, jobfile.StateDraft, nil)
	require.NoError(t, os.WriteFile(store.JobPath(corrupt.JobID), []byte("{not json"), 0644))

	issues, err := m.ValidateConsistency()
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, issue := range issues {
		kinds[issue.Kind]++
		assert.NotEqual(t, healthy.JobID, issue.JobID)
	}
	assert.Equal(t, 1, kinds["stranded_transient_state"])
	assert.Equal(t, 1, kinds["pid_in_resting_state"])
	assert.Equal(t, 1, kinds["unreadable_manifest"])
}
