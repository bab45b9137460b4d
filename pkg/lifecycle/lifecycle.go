// Package lifecycle implements the conductor's error handlers (C6): total,
// exclusive-lock-scoped cleanup routines invoked when a deploy, clean, or
// rescue operation fails, plus the spawn-failure handlers dispatched when
// the worker pool itself refuses a job.
//
// Grounded on the teacher's reconciler.reconcileContainers "mark failed,
// persist, log, continue" total-handler shape (pkg/reconciler/reconciler.go):
// every handler here is equally total over its own node, never letting a
// cleanup-time driver exception escape unrecorded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/conductor/pkg/agent"
	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/notify"
	"github.com/cuemby/conductor/pkg/power"
	"github.com/cuemby/conductor/pkg/task"
	"github.com/cuemby/conductor/pkg/types"
)

// Handlers bundles the collaborators the C6 error handlers dispatch
// through: the notification bus and the power engine (rescuing_error_handler
// attempts a power-off before cleanup).
type Handlers struct {
	Emitter notify.Emitter
	Power   *power.Engine
}

func (h *Handlers) emit(node *types.Node, eventType string, msg string) {
	if h.Emitter == nil {
		return
	}
	h.Emitter.Emit(notify.Event{Type: eventType, Level: notify.LevelError, NodeID: node.UUID, Message: msg})
}

func (h *Handlers) invoked(handler string, resultState types.ProvisionState) {
	metrics.ErrorHandlersInvokedTotal.WithLabelValues(handler, string(resultState)).Inc()
}

// DeployingErrorHandler records the failure, optionally runs the deploy
// driver's clean_up, reloads the node, wipes deploy-internal state if the
// node is still in a deploy-family state, and fires the fail event.
func (h *Handlers) DeployingErrorHandler(ctx context.Context, t *task.Task, logmsg, errmsg string, cleanUp bool) error {
	if err := t.RequireExclusive(); err != nil {
		return err
	}
	node := t.Node
	logger := log.WithNodeID(node.UUID)

	msg := errmsg
	if msg == "" {
		msg = logmsg
	}
	node.LastError = msg
	if err := t.Save(ctx); err != nil {
		return err
	}
	logger.Error().Str("handler", "deploying_error_handler").Msg(logmsg)
	h.emit(node, "deploy", msg)

	var cleanupErr string
	if cleanUp {
		if err := t.Drivers.Deploy.CleanUp(ctx, node); err != nil {
			logger.Error().Err(err).Msg("cleanup failed during error handling")
			var domainErr cerrors.DomainError
			var addl string
			if errors.As(err, &domainErr) {
				addl = fmt.Sprintf("Also failed to clean up due to: %v", err)
			} else {
				addl = "An unhandled exception was encountered while aborting. More information may be found in the log file."
			}
			cleanupErr = fmt.Sprintf("%s. %s", msg, addl)
		}
	}

	// node.refresh() in the original reloads last_error from the store,
	// discarding the in-memory append above — cleanupErr is re-applied
	// after Refresh so it survives into the final save.
	if err := t.Refresh(ctx); err != nil {
		return err
	}
	switch node.ProvisionState {
	case types.StateDeploying, types.StateDeployWait, types.StateDeployFail:
		node.DeployStep = nil
		agent.WipeDeployInternalInfo(node, false)
	}

	if cleanupErr != "" {
		node.LastError = cleanupErr
	}

	if err := t.ProcessEvent(ctx, types.EventFail); err != nil {
		return err
	}
	h.invoked("deploying_error_handler", node.ProvisionState)
	return nil
}

// CleaningErrorHandler records a clean failure, puts the node into
// maintenance, optionally tears down cleaning, clears clean-internal
// state, and optionally fires fail (manual cleans target MANAGEABLE;
// automatic cleans let the machine return to AVAILABLE on its own).
func (h *Handlers) CleaningErrorHandler(ctx context.Context, t *task.Task, msg string, tearDownCleaning, setFailState bool) error {
	if err := t.RequireExclusive(); err != nil {
		return err
	}
	node := t.Node
	logger := log.WithNodeID(node.UUID)

	node.Fault = types.FaultCleanFailure
	node.Maintenance = true
	if node.MaintenanceReason == "" {
		node.MaintenanceReason = msg
	}
	node.LastError = msg

	if tearDownCleaning {
		if err := t.Drivers.Deploy.TearDownCleaning(ctx, node); err != nil {
			node.LastError = fmt.Sprintf("%s; tear_down_cleaning also failed: %v", node.LastError, err)
			logger.Warn().Err(err).Msg("tear_down_cleaning failed during error handling")
		}
	}

	switch node.ProvisionState {
	case types.StateCleaning, types.StateCleanWait, types.StateCleanFail:
		node.CleanStep = nil
		agent.WipeCleaningInternalInfo(node, false)
	}

	if err := t.Save(ctx); err != nil {
		return err
	}
	h.emit(node, "clean", node.LastError)
	logger.Error().Str("handler", "cleaning_error_handler").Msg(msg)

	if setFailState && node.ProvisionState != types.StateCleanFail {
		// Manual cleans (target MANAGEABLE) keep MANAGEABLE as the target
		// after failing; automatic cleans are left with no target.
		manualClean := node.TargetProvisionState == types.StateManageable
		if err := t.ProcessEvent(ctx, types.EventFail); err != nil {
			return err
		}
		if manualClean {
			node.TargetProvisionState = types.StateManageable
			if err := t.Save(ctx); err != nil {
				return err
			}
		}
	}
	h.invoked("cleaning_error_handler", node.ProvisionState)
	return nil
}

// RescuingErrorHandler powers the node off, runs the rescue driver's
// clean_up, and unconditionally scrubs agent_url and persists, regardless
// of which of those steps failed.
func (h *Handlers) RescuingErrorHandler(ctx context.Context, t *task.Task, msg string, setFailState bool) error {
	if err := t.RequireExclusive(); err != nil {
		return err
	}
	node := t.Node
	logger := log.WithNodeID(node.UUID)

	if h.Power != nil {
		if err := h.Power.PowerAction(ctx, t, types.PowerOff, 0); err != nil {
			logger.Warn().Err(err).Msg("power-off during rescue error handling failed")
		}
	}

	if err := t.Drivers.Rescue.CleanUp(ctx, node); err != nil {
		var domainErr cerrors.DomainError
		if errors.As(err, &domainErr) {
			msg = fmt.Sprintf("Rescue operation was unsuccessful, clean up failed for node: %v", err)
			logger.Error().Err(err).Msg("rescue operation was unsuccessful, clean up failed")
		} else {
			msg = fmt.Sprintf("Rescue failed, but an unhandled exception was encountered while aborting: %v", err)
			logger.Error().Err(err).Msg("rescue failed, an exception was encountered while aborting")
		}
	}

	if node.DriverInternalInfo != nil {
		delete(node.DriverInternalInfo, "agent_url")
	}
	node.LastError = msg
	if err := t.Save(ctx); err != nil {
		return err
	}
	h.emit(node, "rescue", msg)

	if setFailState {
		if err := t.ProcessEvent(ctx, types.EventFail); err != nil {
			logger.Error().Err(err).Msg("rescuing_error_handler: fail event rejected by state machine")
		}
	}
	h.invoked("rescuing_error_handler", node.ProvisionState)
	return nil
}

// CleanupAfterTimeout handles a deploy-wait timeout: the state machine has
// already moved the node, so the deploy handler must not re-fire fail.
func (h *Handlers) CleanupAfterTimeout(ctx context.Context, t *task.Task) error {
	msg := fmt.Sprintf("node %s failed to deploy: timed out waiting for the agent", t.Node.UUID)
	return h.DeployingErrorHandler(ctx, t, msg, msg, true)
}

// CleanupCleanwaitTimeout handles a CLEANWAIT timeout.
func (h *Handlers) CleanupCleanwaitTimeout(ctx context.Context, t *task.Task) error {
	msg := fmt.Sprintf("node %s failed to clean: timed out waiting for the agent", t.Node.UUID)
	return h.CleaningErrorHandler(ctx, t, msg, true, false)
}

// CleanupRescuewaitTimeout handles a RESCUEWAIT timeout.
func (h *Handlers) CleanupRescuewaitTimeout(ctx context.Context, t *task.Task) error {
	msg := fmt.Sprintf("node %s failed to rescue: timed out waiting for the agent", t.Node.UUID)
	return h.RescuingErrorHandler(ctx, t, msg, false)
}

// AbortOnConductorTakeOver handles a node whose lock was force-broken by
// another conductor taking over. It never fires an event: the take-over
// itself implies the state has already moved.
func (h *Handlers) AbortOnConductorTakeOver(ctx context.Context, t *task.Task) error {
	if err := t.RequireExclusive(); err != nil {
		return err
	}
	node := t.Node
	if node.ProvisionState == types.StateCleanFail {
		return h.CleaningErrorHandler(ctx, t, "cleaning aborted by conductor take over", true, false)
	}
	node.LastError = "aborted by conductor take over"
	return t.Save(ctx)
}

// restorePreAttemptState applies the common spawn-failure rule: if cause is
// NoFreeConductorWorker, record the standard message, persist, and run
// restore to put the node's transient fields back the way they were before
// the attempted operation. Any other cause is returned unchanged so it
// propagates to the caller.
func restorePreAttemptState(ctx context.Context, t *task.Task, cause error, restore func(*types.Node)) error {
	var noFree *cerrors.NoFreeConductorWorker
	if !errors.As(cause, &noFree) {
		return cause
	}

	node := t.Node
	node.LastError = "No free conductor workers available"
	restore(node)
	if err := t.Save(ctx); err != nil {
		return err
	}
	metrics.NoFreeWorkerTotal.Inc()
	return nil
}

// SpawnDeployingErrorHandler restores provision_state/target_provision_state
// when the deploy worker spawn was refused.
func (h *Handlers) SpawnDeployingErrorHandler(ctx context.Context, t *task.Task, cause error, priorState, priorTarget types.ProvisionState) error {
	return restorePreAttemptState(ctx, t, cause, func(n *types.Node) {
		n.ProvisionState = priorState
		n.TargetProvisionState = priorTarget
	})
}

// SpawnCleaningErrorHandler is SpawnDeployingErrorHandler's clean-operation
// counterpart.
func (h *Handlers) SpawnCleaningErrorHandler(ctx context.Context, t *task.Task, cause error, priorState, priorTarget types.ProvisionState) error {
	return restorePreAttemptState(ctx, t, cause, func(n *types.Node) {
		n.ProvisionState = priorState
		n.TargetProvisionState = priorTarget
	})
}

// SpawnRescueErrorHandler additionally scrubs the rescue password when the
// rescue worker spawn was refused.
func (h *Handlers) SpawnRescueErrorHandler(ctx context.Context, t *task.Task, cause error, priorState, priorTarget types.ProvisionState) error {
	return restorePreAttemptState(ctx, t, cause, func(n *types.Node) {
		n.ProvisionState = priorState
		n.TargetProvisionState = priorTarget
		if n.InstanceInfo != nil {
			delete(n.InstanceInfo, "rescue_password")
			delete(n.InstanceInfo, "hashed_rescue_password")
		}
	})
}

// PowerStateErrorHandler restores power_state/target_power_state when a
// power-action worker spawn was refused.
func (h *Handlers) PowerStateErrorHandler(ctx context.Context, t *task.Task, cause error, priorPowerState types.PowerState) error {
	return restorePreAttemptState(ctx, t, cause, func(n *types.Node) {
		n.PowerState = priorPowerState
		n.TargetPowerState = types.PowerNoState
	})
}

// ProvisioningErrorHandler is the generic provisioning-operation spawn
// counterpart (used by operations with no more specific handler above).
func (h *Handlers) ProvisioningErrorHandler(ctx context.Context, t *task.Task, cause error, priorState, priorTarget types.ProvisionState) error {
	return restorePreAttemptState(ctx, t, cause, func(n *types.Node) {
		n.ProvisionState = priorState
		n.TargetProvisionState = priorTarget
	})
}
