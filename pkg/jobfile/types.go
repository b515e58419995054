package jobfile

import "time"

// State is the lifecycle state of an orchestrated job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type State string

const (
	// Resting states. The job waits indefinitely for an external trigger.
	StateDraft                State = "draft"
	StatePending              State = "pending"
	StateSuccess              State = "success"
	StateApprovalRequired     State = "approval_required"
	StateInterventionRequired State = "intervention_required"
	StateSuspended            State = "suspended"
	StateCanceled             State = "canceled"

	// Transient states. Entered and left within one step invocation; a
	// manifest resting in one of these with no live process is crash
	// evidence for the recovery manager.
	StateProvisioning State = "provisioning"
	StateExecuting    State = "executing"
	StateRecovering   State = "recovering"
	StateHarvesting   State = "harvesting"
)

// AllStates lists every defined state, resting first.
var AllStates = []State{
	StateDraft, StatePending, StateSuccess, StateApprovalRequired,
	StateInterventionRequired, StateSuspended, StateCanceled,
	StateProvisioning, StateExecuting, StateRecovering, StateHarvesting,
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Transient reports whether s is entered and left within one step.
func (s State) Transient() bool {
	switch s {
	case StateProvisioning, StateExecuting, StateRecovering, StateHarvesting:
		return true
	}
	return false
}

// Resting reports whether the job waits for an external trigger in s.
func (s State) Resting() bool {
	return s.Valid() && !s.Transient()
}

// Terminal reports whether no further step may run on the job.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateCanceled
}

// Monitoring roles. The role selects the sentinel's inactivity threshold:
// an autonomous long task tolerates far more silence than an agent that is
// expected to respond promptly.
const (
	RoleAutonomous  = "autonomous"
	RoleInteractive = "interactive"
)

// Metrics accumulates per-job usage. Values are monotonically
// non-decreasing within a job's lifetime.
type Metrics struct {
	CostUnits      float64 `json:"cost_units,omitempty"`
	ElapsedSeconds int64   `json:"elapsed_seconds,omitempty"`
	Iterations     int     `json:"iterations,omitempty"`
}

// StepRecord is one append-only history entry. Records are immutable once
// appended; the engine writes exactly one per step that reached harvest.
type StepRecord struct {
	Phase         string    `json:"phase"`
	State         State     `json:"state"`
	EvidenceFiles []string  `json:"evidence_files,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Job is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive
// fields); strict validation lives in the embedded JSON schema.
type Job struct {
	Schema string `json:"$schema,omitempty"`

	JobID  string `json:"job_id"`
	Name   string `json:"name,omitempty"`
	State  State  `json:"state"`
	Prompt string `json:"prompt"`
	Repo   string `json:"repo,omitempty"`

	// Runner and Agent override the process defaults when set.
	Runner string `json:"runner,omitempty"`
	Agent  string `json:"agent,omitempty"`

	Role            string   `json:"role,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	EvidenceGlobs   []string `json:"evidence_globs,omitempty"`

	// StatusReason explains the current resting state to a human: the
	// concrete failure (timeout, malformed result, provisioning error)
	// rather than a generic marker.
	StatusReason string `json:"status_reason,omitempty"`

	// Workspace is the provisioned execution directory, when one exists.
	Workspace string `json:"workspace,omitempty"`

	// PID and LastHeartbeat are the liveness evidence consulted by the
	// sentinel and the recovery manager.
	PID           int        `json:"pid,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	Metrics Metrics      `json:"metrics,omitempty"`
	History []StepRecord `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveRole returns the job's role, defaulting to autonomous.
func (j *Job) EffectiveRole() string {
	if j.Role == RoleInteractive {
		return RoleInteractive
	}
	return RoleAutonomous
}
