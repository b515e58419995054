package runner

import (
	"errors"
	"fmt"
)

// Sentinel errors for runner operations.
var (
	// ErrProvisionFailed indicates the execution environment could not
	// be prepared. The engine routes this to intervention, never retry.
	ErrProvisionFailed = errors.New("provision failed")

	// ErrSpawnFailed indicates the agent process could not be started.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrMalformedSignal indicates the agent's outcome signal was
	// missing, unparseable, or schema-invalid. Treated identically to an
	// execution failure; the raw evidence is preserved for humans.
	ErrMalformedSignal = errors.New("malformed outcome signal")

	// ErrUnknownRunner indicates no registered runner matches the name.
	ErrUnknownRunner = errors.New("unknown runner")

	// ErrUnknownAgent indicates no registered agent matches the name.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Error wraps runner failures with operation context.
type Error struct {
	// Op is the operation that failed (e.g., "Provision", "Spawn").
	Op string

	// Runner is the runner name (e.g., "host").
	Runner string

	// JobID is the job being driven, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: job %s: %v", e.Runner, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Runner, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsMalformedSignal reports whether err stems from an unusable outcome signal.
func IsMalformedSignal(err error) bool {
	return errors.Is(err, ErrMalformedSignal)
}
