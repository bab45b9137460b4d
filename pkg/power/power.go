// Package power implements the Power Action Engine (C5): power_action,
// wait_for_power_state, and the boot-device/boot-mode adjunct operations,
// all of which require the Task's exclusive lock.
//
// Grounded on the teacher's Worker.executeContainer/stopContainer shape
// (state transition, driver call, logging, and error capture all under
// one guarded sequence) and reconciler.reconcileNodes's heartbeat-age
// back-off pattern, adapted here to wait_for_power_state's polling loop.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/conductor/pkg/agent"
	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/notify"
	"github.com/cuemby/conductor/pkg/task"
	"github.com/cuemby/conductor/pkg/types"
)

// WorkloadNotifier is the external workload-management collaborator
// notified on a successful power action for a node with an instance_uuid
// (§4.3 step 10). Its real implementation (talking to a compute service)
// is out of scope; Engine only needs the interface to dispatch through.
type WorkloadNotifier interface {
	PowerStateChanged(ctx context.Context, instanceUUID string, state types.PowerState)
}

// noopWorkloadNotifier is used when Engine is built without a notifier.
type noopWorkloadNotifier struct{}

func (noopWorkloadNotifier) PowerStateChanged(context.Context, string, types.PowerState) {}

// Engine is the Power Action Engine.
type Engine struct {
	Clock    clock.Clock
	Emitter  notify.Emitter
	Workload WorkloadNotifier
	// PowerStateChangeTimeout caps wait_for_power_state's back-off loop.
	PowerStateChangeTimeout time.Duration
}

// NewEngine builds an Engine with sane single-process defaults.
func NewEngine(clk clock.Clock, emitter notify.Emitter, timeout time.Duration) *Engine {
	return &Engine{
		Clock:                   clk,
		Emitter:                 emitter,
		Workload:                noopWorkloadNotifier{},
		PowerStateChangeTimeout: timeout,
	}
}

func targetPowerState(newState types.PowerState) types.PowerState {
	switch newState {
	case types.PowerOn, types.Reboot, types.SoftReboot:
		return types.PowerOn
	case types.PowerOff, types.SoftPowerOff:
		return types.PowerOff
	}
	return types.PowerNoState
}

func putsNodeOffWire(newState types.PowerState) bool {
	switch newState {
	case types.PowerOff, types.SoftPowerOff, types.Reboot, types.SoftReboot:
		return true
	}
	return false
}

// PowerAction runs the full algorithm in §4.3. t must be held exclusively.
func (e *Engine) PowerAction(ctx context.Context, t *task.Task, newState types.PowerState, timeout int) error {
	if err := t.RequireExclusive(); err != nil {
		return err
	}
	node := t.Node
	logger := log.WithNodeID(node.UUID)

	e.emit(node, "power_set", notify.LevelStart, fmt.Sprintf("power_set %s started", newState))

	// Step 2: skip check for non-reboot actions already at the desired state.
	if newState == types.PowerOn || newState == types.PowerOff || newState == types.SoftPowerOff {
		current, err := t.Drivers.Power.GetPowerState(ctx, node)
		if err != nil {
			node.LastError = fmt.Sprintf("failed to query current power state: %v", err)
			node.TargetPowerState = types.PowerNoState
			if saveErr := t.Save(ctx); saveErr != nil {
				return saveErr
			}
			e.emit(node, "power_set", notify.LevelError, node.LastError)
			return err
		}

		skip := (newState == types.PowerOn && current == types.PowerOn) ||
			((newState == types.PowerOff || newState == types.SoftPowerOff) &&
				(current == types.PowerOff || current == types.SoftPowerOff))
		if skip {
			node.LastError = ""
			node.PowerState = current
			node.TargetPowerState = types.PowerNoState
			if err := t.Save(ctx); err != nil {
				return err
			}
			e.emit(node, "power_set", notify.LevelEnd, fmt.Sprintf("already in power state %s", current))
			logger.Warn().Str("power_state", string(current)).Msg("power_action skipped: already at requested state")
			return nil
		}
	}

	// Steps 3-6.
	target := targetPowerState(newState)
	node.TargetPowerState = target
	node.LastError = ""
	agent.StampLastPowerStateChange(node, e.Clock.Now())

	if putsNodeOffWire(newState) {
		agent.WipeOnPowerOff(node)
	}
	if err := t.Save(ctx); err != nil {
		return err
	}

	// Step 7.
	if target == types.PowerOn && node.ProvisionState == types.StateActive {
		if err := t.Drivers.Storage.AttachVolumes(ctx, node); err != nil {
			return e.failPowerAction(ctx, t, fmt.Sprintf("failed to attach volumes before power-on: %v", err))
		}
	}

	timer := metrics.NewTimer()

	// Step 8.
	var driverErr error
	if newState == types.Reboot || newState == types.SoftReboot {
		driverErr = t.Drivers.Power.Reboot(ctx, node, timeout)
	} else {
		driverErr = t.Drivers.Power.SetPowerState(ctx, node, newState, timeout)
	}

	if driverErr != nil {
		metrics.PowerActionsTotal.WithLabelValues(string(target), "error").Inc()
		return e.failPowerAction(ctx, t, fmt.Sprintf("driver power action failed: %v", driverErr))
	}

	// Step 10.
	node.PowerState = target
	node.TargetPowerState = types.PowerNoState
	if err := t.Save(ctx); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.PowerActionDuration)
	metrics.PowerActionsTotal.WithLabelValues(string(target), "success").Inc()

	if node.InstanceUUID != "" {
		e.Workload.PowerStateChanged(ctx, node.InstanceUUID, target)
	}
	e.emit(node, "power_set", notify.LevelEnd, fmt.Sprintf("power_set %s completed", newState))

	if target == types.PowerOff && node.ProvisionState == types.StateActive {
		if err := t.Drivers.Storage.DetachVolumes(ctx, node); err != nil {
			logger.Warn().Err(err).Msg("storage detach after power-off failed; not propagated")
		}
	}

	return nil
}

func (e *Engine) failPowerAction(ctx context.Context, t *task.Task, msg string) error {
	node := t.Node
	node.TargetPowerState = types.PowerNoState
	node.LastError = msg
	if err := t.Save(ctx); err != nil {
		return err
	}
	e.emit(node, "power_set", notify.LevelError, msg)
	return cerrors.NewDriverOperationError("%s", msg)
}

func (e *Engine) emit(node *types.Node, eventType string, level notify.Level, msg string) {
	if e.Emitter == nil {
		return
	}
	e.Emitter.Emit(notify.Event{Type: eventType, Level: level, NodeID: node.UUID, Message: msg})
}

// WaitForPowerState polls the driver with exponential back-off (initial
// delay 1s, capped at e.PowerStateChangeTimeout) until the driver reports
// desired, or the overall timeout elapses (e.PowerStateChangeTimeout when
// timeout <= 0).
func (e *Engine) WaitForPowerState(ctx context.Context, t *task.Task, desired types.PowerState, timeout time.Duration) (types.PowerState, error) {
	if timeout <= 0 {
		timeout = e.PowerStateChangeTimeout
	}
	deadline := e.Clock.Now().Add(timeout)
	delay := time.Second
	maxDelay := e.PowerStateChangeTimeout
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	for {
		state, err := t.Drivers.Power.GetPowerState(ctx, t.Node)
		if err != nil {
			return types.PowerNoState, err
		}
		if state == desired {
			return state, nil
		}
		if !e.Clock.Now().Before(deadline) {
			return state, &cerrors.PowerStateFailure{Desired: string(desired)}
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// SetBootDevice sets the persistent or one-time boot device. Silently
// skipped under ADOPTING, where the driver hasn't yet established control
// of the hardware (§4.4). Requires the exclusive lock otherwise.
func (e *Engine) SetBootDevice(ctx context.Context, t *task.Task, device string, persistent bool) error {
	if t.Node.ProvisionState == types.StateAdopting {
		log.WithNodeID(t.Node.UUID).Debug().Msg("set_boot_device skipped during adopting")
		return nil
	}
	if err := t.RequireExclusive(); err != nil {
		return err
	}
	return t.Drivers.Management.SetBootDevice(ctx, t.Node, device, persistent)
}

// GetBootMode returns the node's current boot mode as reported by the
// management driver.
func (e *Engine) GetBootMode(ctx context.Context, t *task.Task) (string, error) {
	return t.Drivers.Management.GetBootMode(ctx, t.Node)
}

// SetBootMode validates mode against the driver's supported list and sets
// it, silently skipping under ADOPTING like SetBootDevice.
func (e *Engine) SetBootMode(ctx context.Context, t *task.Task, mode string) error {
	if t.Node.ProvisionState == types.StateAdopting {
		log.WithNodeID(t.Node.UUID).Debug().Msg("set_boot_mode skipped during adopting")
		return nil
	}
	if err := t.RequireExclusive(); err != nil {
		return err
	}

	supported, err := t.Drivers.Management.GetSupportedBootModes(ctx, t.Node)
	if err != nil {
		return err
	}
	found := false
	for _, m := range supported {
		if m == mode {
			found = true
			break
		}
	}
	if !found {
		return cerrors.NewInvalidParameterValue("boot mode %q not in supported modes %v", mode, supported)
	}

	return t.Drivers.Management.SetBootMode(ctx, t.Node, mode)
}
