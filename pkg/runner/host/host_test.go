package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/runner"
)

func testJob(id string) *jobfile.Job {
	now := time.Now().UTC()
	return &jobfile.Job{
		JobID:     id,
		State:     jobfile.StatePending,
		Prompt:    "do the work",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func specFor(t *testing.T, dir string, argv ...string) runner.CommandSpec {
	t.Helper()
	return runner.CommandSpec{
		Argv:       argv,
		Dir:        dir,
		StdoutPath: filepath.Join(dir, "stdout.log"),
		StderrPath: filepath.Join(dir, "stderr.log"),
	}
}

func TestProvision_CreatesWorkspaceWithPrompt(t *testing.T) {
	root := t.TempDir()
	r := New(root, time.Second)

	ws, err := r.Provision(context.Background(), testJob("job-1"))
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(ws.Dir, "PROMPT.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "do the work")
}

func TestProvision_CopiesRepo(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "main.go"), []byte("package main\n"), 0644))

	r := New(t.TempDir(), time.Second)
	job := testJob("job-2")
	job.Repo = repo

	ws, err := r.Provision(context.Background(), job)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(ws.Dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(b))
}

func TestProvision_MissingRepoFails(t *testing.T) {
	r := New(t.TempDir(), time.Second)
	job := testJob("job-3")
	job.Repo = "/does/not/exist"

	_, err := r.Provision(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrProvisionFailed)
}

func TestSpawnWaitAndLogs(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, time.Second)

	h, err := r.Spawn(context.Background(), specFor(t, dir, "/bin/sh", "-c", "echo line-one; echo line-two"))
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	res, err := r.Wait(context.Background(), h, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Logs, "line-one")

	assert.False(t, r.IsAlive(h))

	tail, err := r.Logs(h, 1)
	require.NoError(t, err)
	assert.Equal(t, "line-two", tail)
}

func TestWait_TimeoutTerminatesProcess(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 200*time.Millisecond)

	h, err := r.Spawn(context.Background(), specFor(t, dir, "/bin/sh", "-c", "sleep 60"))
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Wait(context.Background(), h, 100*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, r.IsAlive(h), "process must be dead after Wait timeout")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTerminate_Graceful(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 2*time.Second)

	h, err := r.Spawn(context.Background(), specFor(t, dir, "/bin/sh", "-c", "sleep 60"))
	require.NoError(t, err)

	require.True(t, r.Terminate(context.Background(), h, false))
	assert.False(t, r.IsAlive(h))
}

func TestHarvest(t *testing.T) {
	root := t.TempDir()
	r := New(root, time.Second)
	job := testJob("job-h")

	ws, err := r.Provision(context.Background(), job)
	require.NoError(t, err)

	t.Run("missing outcome is malformed", func(t *testing.T) {
		_, err := r.Harvest(context.Background(), job, ws, nil, "")
		require.Error(t, err)
		assert.True(t, runner.IsMalformedSignal(err))
	})

	t.Run("done outcome with evidence", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "fix.patch"), []byte("--- a\n+++ b\n"), 0644))
		outcome := `{"signal":"done","summary":"patched","evidence":["fix.patch","missing.txt"],"cost_units":2}`
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, runner.OutcomeFileName), []byte(outcome), 0644))

		res, err := r.Harvest(context.Background(), job, ws, []string{"notes.md"}, "")
		require.NoError(t, err)
		assert.Equal(t, runner.SignalDone, res.Signal)
		assert.Equal(t, "patched", res.Summary)
		assert.Equal(t, 2.0, res.CostUnits)
		// Engine evidence always kept; agent-claimed files only when present.
		assert.Equal(t, []string{"notes.md", "fix.patch"}, res.EvidenceFiles)
	})

	t.Run("negative cost is malformed", func(t *testing.T) {
		outcome := `{"signal":"done","cost_units":-1}`
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, runner.OutcomeFileName), []byte(outcome), 0644))

		_, err := r.Harvest(context.Background(), job, ws, nil, "")
		require.Error(t, err)
		assert.True(t, runner.IsMalformedSignal(err))
	})
}

func TestRecover_RestartsProcess(t *testing.T) {
	root := t.TempDir()
	r := New(root, 200*time.Millisecond)
	job := testJob("job-r")

	ws, err := r.Provision(context.Background(), job)
	require.NoError(t, err)

	spec := specFor(t, ws.Dir, "/bin/sh", "-c", "sleep 60")
	h, err := r.Spawn(context.Background(), spec)
	require.NoError(t, err)

	res, err := r.Recover(context.Background(), h, runner.RecoverContext{
		Job:     job,
		Spec:    spec,
		Attempt: 1,
		LogTail: "no output for a while",
	})
	require.NoError(t, err)
	require.True(t, res.Restarted)
	assert.NotEqual(t, h.PID(), res.Handle.PID())

	// Recovery note placed for the restarted agent.
	b, err := os.ReadFile(filepath.Join(ws.Dir, "RECOVERY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Restart 1")

	require.True(t, r.Terminate(context.Background(), res.Handle, true))
}
