// Package runner defines the execution contracts the orchestration engine
// drives.
//
// The split is deliberate: a Runner controls where a step executes
// (workspace, process, logs, teardown) while an Agent controls what
// executes (command line, environment, interactive-prompt patterns).
// The engine never branches on runner or agent identity, so the same
// state machine drives a local subprocess, a containerized process, or a
// synthetic test double.
package runner

import (
	"context"
	"time"

	"github.com/3leaps/gowarden/pkg/jobfile"
)

// WorkspaceRef identifies a provisioned execution environment.
type WorkspaceRef struct {
	// Dir is the workspace directory on the local filesystem.
	Dir string
}

// Handle identifies a spawned agent process.
//
// Implementations are runner-specific; the engine only persists the ID
// and PID as liveness evidence.
type Handle interface {
	// ID is a runner-scoped identifier for the spawned process.
	ID() string

	// PID is the operating system process id, zero when not applicable.
	PID() int
}

// CommandSpec describes what to spawn.
type CommandSpec struct {
	Argv []string
	Env  map[string]string
	Dir  string

	// StdoutPath and StderrPath receive the process output streams.
	StdoutPath string
	StderrPath string
}

// WaitResult reports a completed (or terminated) process.
type WaitResult struct {
	ExitCode int
	Logs     string
}

// HarvestResult classifies a finished execution.
type HarvestResult struct {
	Signal        Signal
	Summary       string
	EvidenceFiles []string
	CostUnits     float64
}

// RecoverContext carries what a Runner needs to restart a stalled agent.
type RecoverContext struct {
	Job     *jobfile.Job
	Spec    CommandSpec
	Attempt int

	// LogTail is recent output, handed to the agent as refreshed context.
	LogTail string
}

// RecoverResult reports a recovery attempt.
type RecoverResult struct {
	Restarted bool
	Handle    Handle
}

// Runner abstracts where a step executes.
//
// Implementations must be safe to call from the engine's single
// step-driving path with no implicit global state; any internal
// concurrency (background log collection and the like) must be fully
// contained and torn down by Terminate or process completion.
type Runner interface {
	// Provision prepares the execution environment for a job.
	Provision(ctx context.Context, job *jobfile.Job) (WorkspaceRef, error)

	// Spawn starts the agent process described by spec.
	Spawn(ctx context.Context, spec CommandSpec) (Handle, error)

	// IsAlive reports whether the spawned process still exists.
	IsAlive(handle Handle) bool

	// Logs returns up to tail trailing lines of process output
	// (all output when tail <= 0).
	Logs(handle Handle, tail int) (string, error)

	// Terminate stops the process: graceful first, forceful when force
	// is set. Returns true once the process is confirmed gone.
	Terminate(ctx context.Context, handle Handle, force bool) bool

	// Wait blocks until the process exits or timeout elapses. On timeout
	// the process is terminated (graceful then forceful) before Wait
	// returns, so the caller may proceed to harvest.
	Wait(ctx context.Context, handle Handle, timeout time.Duration) (WaitResult, error)

	// Harvest collects the outcome of a finished execution. evidence is
	// the engine-collected file list; the runner contributes the agent's
	// structured outcome signal.
	Harvest(ctx context.Context, job *jobfile.Job, ws WorkspaceRef, evidence []string, summary string) (HarvestResult, error)

	// Recover restarts a stalled agent with refreshed inputs.
	Recover(ctx context.Context, handle Handle, rc RecoverContext) (RecoverResult, error)
}

// Agent abstracts what executes.
type Agent interface {
	// Command builds the argv for a prompt.
	Command(prompt string) []string

	// Env returns environment variables the agent requires.
	Env() map[string]string

	// StopSequences lists interactive-prompt patterns. A match in the
	// log tail means the agent is waiting on input it will never
	// receive; the engine treats that as a hang, not progress.
	StopSequences() []string
}
