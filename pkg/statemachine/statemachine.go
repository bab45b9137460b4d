// Package statemachine implements the provision-state transition table
// (C4): a pure (state, event) -> state lookup. The rules common to every
// operation ("fail" from any *-ING/*-WAIT state, "done" from any *-ING
// state) are written out as entries of the table. Next is the only entry
// point the rest of the conductor calls; task.ProcessEvent calls it while
// holding the exclusive lock.
package statemachine

import (
	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/types"
)

// transitions maps a (from-state, event) pair to its target state. Entries
// absent from this table are illegal and rejected with InvalidState.
var transitions = map[types.ProvisionState]map[types.Event]types.ProvisionState{
	types.StateEnroll: {
		types.EventManage: types.StateVerifying,
	},
	types.StateVerifying: {
		types.EventDone: types.StateManageable,
		types.EventFail: types.StateEnroll,
	},
	types.StateManageable: {
		types.EventProvide: types.StateAvailable,
		types.EventClean:   types.StateCleaning,
		types.EventAdopt:   types.StateAdopting,
		types.EventDelete:  types.StateDeleting,
	},
	types.StateAdopting: {
		types.EventDone: types.StateActive,
		types.EventFail: types.StateError,
	},
	types.StateAvailable: {
		types.EventDeploy: types.StateDeploying,
		types.EventManage: types.StateManageable,
		types.EventClean:  types.StateCleaning,
		types.EventDelete: types.StateDeleting,
	},
	types.StateDeploying: {
		types.EventWait: types.StateDeployWait,
		types.EventDone: types.StateActive,
		types.EventFail: types.StateDeployFail,
	},
	types.StateDeployWait: {
		types.EventResume: types.StateDeploying,
		types.EventFail:   types.StateDeployFail,
		types.EventAbort:  types.StateDeployFail,
	},
	types.StateDeployFail: {
		types.EventDeploy: types.StateDeploying,
		types.EventDelete: types.StateDeleting,
	},
	types.StateActive: {
		types.EventDelete: types.StateDeleting,
		types.EventRescue: types.StateRescuing,
		// A conductor taking over an already-ACTIVE node reaffirms it with
		// 'active' rather than 'done': a self-transition, not a new state.
		types.EventActive: types.StateActive,
	},
	types.StateCleaning: {
		types.EventWait: types.StateCleanWait,
		types.EventDone: types.StateAvailable,
		types.EventFail: types.StateCleanFail,
		types.EventAbort: types.StateCleanFail,
	},
	types.StateCleanWait: {
		types.EventResume: types.StateCleaning,
		types.EventFail:   types.StateCleanFail,
		types.EventAbort:  types.StateCleanFail,
	},
	types.StateCleanFail: {
		types.EventClean:  types.StateCleaning,
		types.EventManage: types.StateManageable,
		types.EventDelete: types.StateDeleting,
	},
	types.StateRescuing: {
		types.EventWait: types.StateRescueWait,
		types.EventDone: types.StateRescue,
		types.EventFail: types.StateRescueFail,
	},
	types.StateRescueWait: {
		types.EventResume: types.StateRescuing,
		types.EventFail:   types.StateRescueFail,
		types.EventAbort:  types.StateRescueFail,
	},
	types.StateRescue: {
		types.EventUnrescue: types.StateUnrescuing,
		types.EventDelete:   types.StateDeleting,
	},
	types.StateRescueFail: {
		types.EventRescue:   types.StateRescuing,
		types.EventUnrescue: types.StateUnrescuing,
		types.EventDelete:   types.StateDeleting,
	},
	types.StateUnrescuing: {
		types.EventDone: types.StateActive,
		types.EventFail: types.StateRescueFail,
	},
	types.StateDeleting: {
		types.EventDone: types.StateAvailable,
		types.EventFail: types.StateError,
	},
	types.StateError: {
		types.EventDelete: types.StateDeleting,
		types.EventManage: types.StateVerifying,
	},
}

// Next looks up the transition for (from, event). It returns
// *cerrors.InvalidState if no such transition exists.
func Next(from types.ProvisionState, event types.Event) (types.ProvisionState, error) {
	byEvent, ok := transitions[from]
	if !ok {
		return "", cerrors.NewInvalidState("no transitions defined from state %q", from)
	}
	to, ok := byEvent[event]
	if !ok {
		return "", cerrors.NewInvalidState("event %q is not legal from state %q", event, from)
	}
	return to, nil
}

// IsWaitState reports whether s is one of the *-WAIT states, where a
// node sits suspended pending an external resume signal.
func IsWaitState(s types.ProvisionState) bool {
	switch s {
	case types.StateDeployWait, types.StateCleanWait, types.StateRescueWait:
		return true
	}
	return false
}

// IsInProgressState reports whether s is one of the *-ING states, where an
// operation is actively running on this node's worker.
func IsInProgressState(s types.ProvisionState) bool {
	switch s {
	case types.StateVerifying, types.StateAdopting, types.StateDeploying,
		types.StateCleaning, types.StateRescuing, types.StateUnrescuing, types.StateDeleting:
		return true
	}
	return false
}

// IsStableState reports whether s is a terminal/stable resting state: no
// operation is in progress and no external event is expected imminently.
func IsStableState(s types.ProvisionState) bool {
	switch s {
	case types.StateEnroll, types.StateManageable, types.StateAvailable, types.StateActive,
		types.StateDeployFail, types.StateCleanFail, types.StateRescue, types.StateRescueFail,
		types.StateError:
		return true
	}
	return false
}
