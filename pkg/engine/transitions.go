package engine

import (
	"fmt"

	"github.com/3leaps/gowarden/pkg/jobfile"
)

// stateTransitions is the legality table for every manifest mutation.
// All writers (step driver, lifecycle operations, sentinel intervention,
// recovery repair) funnel through advanceState, so an illegal transition
// can never reach disk.
var stateTransitions = map[jobfile.State][]jobfile.State{
	jobfile.StateDraft: {
		jobfile.StatePending,
		jobfile.StateSuspended,
		jobfile.StateCanceled,
	},
	jobfile.StatePending: {
		jobfile.StateProvisioning,
		jobfile.StateSuspended,
		jobfile.StateCanceled,
	},
	jobfile.StateProvisioning: {
		jobfile.StateExecuting,
		jobfile.StateInterventionRequired,
		jobfile.StateCanceled,
	},
	jobfile.StateExecuting: {
		jobfile.StateRecovering,
		jobfile.StateHarvesting,
		jobfile.StateInterventionRequired,
		jobfile.StateCanceled,
	},
	jobfile.StateRecovering: {
		jobfile.StateExecuting,
		jobfile.StateHarvesting,
		jobfile.StateInterventionRequired,
		jobfile.StateCanceled,
	},
	jobfile.StateHarvesting: {
		jobfile.StateSuccess,
		jobfile.StateApprovalRequired,
		jobfile.StateInterventionRequired,
		jobfile.StateCanceled,
	},
	jobfile.StateApprovalRequired: {
		jobfile.StateSuccess,
		jobfile.StateInterventionRequired,
		jobfile.StateCanceled,
	},
	jobfile.StateInterventionRequired: {
		jobfile.StatePending,
		jobfile.StateCanceled,
	},
	jobfile.StateSuspended: {
		jobfile.StatePending,
		jobfile.StateCanceled,
	},
	// Terminal states allow nothing.
	jobfile.StateSuccess:  {},
	jobfile.StateCanceled: {},
}

// advanceState validates a transition without applying it.
func advanceState(current, next jobfile.State) error {
	allowed, ok := stateTransitions[current]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrPrecondition, current)
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s does not allow %s", ErrPrecondition, current, next)
}
