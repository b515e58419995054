// Package host implements the runner contract with local subprocesses.
//
// Workspaces are plain directories under the jobs root; agent processes
// are direct children captured to per-job log files. Termination follows
// graceful-then-forceful signaling with a bounded grace period.
package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/runner"
)

const (
	// RunnerName is the registry name for the host runner.
	RunnerName = "host"

	// DefaultTerminateGrace is how long a SIGTERM gets before SIGKILL.
	DefaultTerminateGrace = 10 * time.Second

	promptFileName   = "PROMPT.md"
	recoveryFileName = "RECOVERY.md"
)

// Runner executes agent processes on the local host.
type Runner struct {
	root  string
	grace time.Duration
}

var _ runner.Runner = (*Runner)(nil)

// New creates a host runner rooted at the jobs directory.
func New(root string, grace time.Duration) *Runner {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	return &Runner{root: strings.TrimSpace(root), grace: grace}
}

func init() {
	runner.RegisterRunner(RunnerName, func(opts map[string]any) (runner.Runner, error) {
		root, _ := opts["root"].(string)
		if strings.TrimSpace(root) == "" {
			return nil, fmt.Errorf("host runner: root option is required")
		}
		grace := DefaultTerminateGrace
		if g, ok := opts["terminate_grace"].(time.Duration); ok && g > 0 {
			grace = g
		}
		return New(root, grace), nil
	})
}

// handle tracks one spawned child. A reaper goroutine started at Spawn
// records the exit status; it ends with the process, so no background
// work survives Terminate.
type handle struct {
	id         string
	pid        int
	cmd        *exec.Cmd
	stdoutPath string
	stderrPath string

	done chan struct{}
	mu   sync.Mutex
	code int
}

func (h *handle) ID() string { return h.id }
func (h *handle) PID() int   { return h.pid }

func (h *handle) exitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Provision prepares the job workspace: a directory seeded with the
// prompt and, when a repository reference is set, a copy of that tree.
func (r *Runner) Provision(ctx context.Context, job *jobfile.Job) (runner.WorkspaceRef, error) {
	if job == nil {
		return runner.WorkspaceRef{}, &runner.Error{Op: "Provision", Runner: RunnerName, Err: fmt.Errorf("job is nil")}
	}

	dir := filepath.Join(r.root, job.JobID, "workspace")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return runner.WorkspaceRef{}, r.provisionErr(job.JobID, fmt.Errorf("create workspace: %w", err))
	}

	if job.Repo != "" {
		info, err := os.Stat(job.Repo)
		if err != nil || !info.IsDir() {
			return runner.WorkspaceRef{}, r.provisionErr(job.JobID, fmt.Errorf("repo %q is not a readable directory", job.Repo))
		}
		if err := copyTree(ctx, job.Repo, dir); err != nil {
			return runner.WorkspaceRef{}, r.provisionErr(job.JobID, fmt.Errorf("copy repo: %w", err))
		}
	}

	promptPath := filepath.Join(dir, promptFileName)
	if err := os.WriteFile(promptPath, []byte(job.Prompt+"\n"), 0644); err != nil {
		return runner.WorkspaceRef{}, r.provisionErr(job.JobID, fmt.Errorf("write prompt: %w", err))
	}

	return runner.WorkspaceRef{Dir: dir}, nil
}

func (r *Runner) provisionErr(jobID string, err error) error {
	return &runner.Error{
		Op:     "Provision",
		Runner: RunnerName,
		JobID:  jobID,
		Err:    fmt.Errorf("%w: %v", runner.ErrProvisionFailed, err),
	}
}

// Spawn starts the agent process with output captured to the spec's log
// files.
func (r *Runner) Spawn(ctx context.Context, spec runner.CommandSpec) (runner.Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, &runner.Error{Op: "Spawn", Runner: RunnerName, Err: fmt.Errorf("%w: empty argv", runner.ErrSpawnFailed)}
	}

	stdout, err := os.Create(spec.StdoutPath)
	if err != nil {
		return nil, &runner.Error{Op: "Spawn", Runner: RunnerName, Err: fmt.Errorf("%w: create stdout log: %v", runner.ErrSpawnFailed, err)}
	}
	stderr, err := os.Create(spec.StderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, &runner.Error{Op: "Spawn", Runner: RunnerName, Err: fmt.Errorf("%w: create stderr log: %v", runner.ErrSpawnFailed, err)}
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so Terminate reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, &runner.Error{Op: "Spawn", Runner: RunnerName, Err: fmt.Errorf("%w: %v", runner.ErrSpawnFailed, err)}
	}

	h := &handle{
		id:         uuid.New().String(),
		pid:        cmd.Process.Pid,
		cmd:        cmd,
		stdoutPath: spec.StdoutPath,
		stderrPath: spec.StderrPath,
		done:       make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		h.mu.Lock()
		if err == nil {
			h.code = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			h.code = exitErr.ExitCode()
		} else {
			h.code = -1
		}
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// IsAlive reports whether the child has not yet exited.
func (r *Runner) IsAlive(rh runner.Handle) bool {
	h, ok := rh.(*handle)
	if !ok {
		return false
	}
	return !h.exited()
}

// Logs returns up to tail trailing lines of the child's stdout.
func (r *Runner) Logs(rh runner.Handle, tail int) (string, error) {
	h, ok := rh.(*handle)
	if !ok {
		return "", fmt.Errorf("foreign handle type %T", rh)
	}
	b, err := os.ReadFile(h.stdoutPath)
	if err != nil {
		return "", fmt.Errorf("read stdout log: %w", err)
	}
	if tail <= 0 {
		return string(b), nil
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

// Terminate stops the child: SIGTERM, a grace period, then SIGKILL when
// force is set or the grace period expires. Returns true once the
// process is confirmed gone.
func (r *Runner) Terminate(ctx context.Context, rh runner.Handle, force bool) bool {
	h, ok := rh.(*handle)
	if !ok {
		return false
	}
	if h.exited() {
		return true
	}

	if force {
		_ = syscall.Kill(-h.pid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(-h.pid, syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return true
	case <-ctx.Done():
		return h.exited()
	case <-time.After(r.grace):
	}

	if force {
		return h.exited()
	}

	// Grace expired; escalate.
	_ = syscall.Kill(-h.pid, syscall.SIGKILL)
	select {
	case <-h.done:
		return true
	case <-ctx.Done():
		return h.exited()
	case <-time.After(r.grace):
		return h.exited()
	}
}

// Wait blocks until the child exits or timeout elapses. On timeout the
// child is terminated before Wait returns, so the process is guaranteed
// dead when the engine proceeds to harvest.
func (r *Runner) Wait(ctx context.Context, rh runner.Handle, timeout time.Duration) (runner.WaitResult, error) {
	h, ok := rh.(*handle)
	if !ok {
		return runner.WaitResult{}, fmt.Errorf("foreign handle type %T", rh)
	}

	if !h.exited() {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			_ = r.Terminate(ctx, rh, true)
		case <-timer:
			_ = r.Terminate(ctx, rh, false)
		}
	}

	logs, _ := r.Logs(rh, 0)
	return runner.WaitResult{ExitCode: h.exitCode(), Logs: logs}, nil
}

// Harvest reads the agent's structured outcome signal from the workspace
// and merges it with the engine-collected evidence.
func (r *Runner) Harvest(ctx context.Context, job *jobfile.Job, ws runner.WorkspaceRef, evidence []string, summary string) (runner.HarvestResult, error) {
	raw, err := os.ReadFile(filepath.Join(ws.Dir, runner.OutcomeFileName))
	if err != nil {
		return runner.HarvestResult{}, &runner.Error{
			Op:     "Harvest",
			Runner: RunnerName,
			JobID:  job.JobID,
			Err:    fmt.Errorf("%w: no %s in workspace: %v", runner.ErrMalformedSignal, runner.OutcomeFileName, err),
		}
	}

	outcome, err := runner.ParseOutcome(raw)
	if err != nil {
		return runner.HarvestResult{}, &runner.Error{Op: "Harvest", Runner: RunnerName, JobID: job.JobID, Err: err}
	}

	files := append([]string{}, evidence...)
	for _, rel := range outcome.Evidence {
		if _, err := os.Stat(filepath.Join(ws.Dir, rel)); err == nil {
			files = append(files, rel)
		}
	}
	files = dedupe(files)

	if summary == "" {
		summary = outcome.Summary
	}

	return runner.HarvestResult{
		Signal:        outcome.Signal,
		Summary:       summary,
		EvidenceFiles: files,
		CostUnits:     outcome.CostUnits,
	}, nil
}

// Recover restarts a stalled agent with refreshed context: the old
// process is confirmed dead first, then a recovery note with the recent
// log tail is placed in the workspace and the command respawned.
func (r *Runner) Recover(ctx context.Context, rh runner.Handle, rc runner.RecoverContext) (runner.RecoverResult, error) {
	if rh != nil && !r.Terminate(ctx, rh, false) {
		return runner.RecoverResult{}, &runner.Error{
			Op:     "Recover",
			Runner: RunnerName,
			JobID:  rc.Job.JobID,
			Err:    fmt.Errorf("stalled process would not terminate"),
		}
	}

	note := fmt.Sprintf("Restart %d after a stall. Recent output:\n\n%s\n", rc.Attempt, rc.LogTail)
	if err := os.WriteFile(filepath.Join(rc.Spec.Dir, recoveryFileName), []byte(note), 0644); err != nil {
		return runner.RecoverResult{}, &runner.Error{Op: "Recover", Runner: RunnerName, JobID: rc.Job.JobID, Err: err}
	}

	newHandle, err := r.Spawn(ctx, rc.Spec)
	if err != nil {
		return runner.RecoverResult{}, err
	}
	return runner.RecoverResult{Restarted: true, Handle: newHandle}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
