// Package netpower implements the power-state-for-network-configuration
// scope (§4.12): a node may need to be powered on for its network driver
// to reprogram switch ports, and must be returned to whatever state it
// was in once that reprogramming settles.
//
// Grounded on the teacher's defer-based resource scoping idiom
// (`defer conn.Close()`, `defer cancel()` throughout manager.go/worker.go),
// generalized here to a power-state scope whose cleanup is conditional on
// what Acquire actually did.
package netpower

import (
	"context"
	"time"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/power"
	"github.com/cuemby/conductor/pkg/task"
	"github.com/cuemby/conductor/pkg/types"
)

// AgentChecker waits for the external network agent running on a
// smart-NIC port's host to report its port down, after a power-on forced
// for network (re)configuration.
type AgentChecker interface {
	WaitForAgentDown(ctx context.Context, host string) error
}

// Sleeper abstracts the settle-time delay so tests don't pay it.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// RealSleeper sleeps for real, respecting context cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Scope is the handle Acquire returns; callers must call Release (typically
// via defer) once their network-configuration work is done.
type Scope struct {
	poweredOn     bool
	priorState    types.PowerState
	t             *task.Task
	engine        *power.Engine
	pollInterval  time.Duration
	sleeper       Sleeper
}

// Acquire implements the §4.12 entry algorithm: if the network driver
// reports it needs the node powered on and the node is currently off, set
// a non-persistent PXE/BIOS boot device, power on, and — if the node owns
// a smart-NIC port — wait for that port's host agent to report down.
func Acquire(ctx context.Context, t *task.Task, engine *power.Engine, checker AgentChecker, sleeper Sleeper, pollInterval time.Duration) (*Scope, error) {
	if err := t.RequireExclusive(); err != nil {
		return nil, err
	}
	if sleeper == nil {
		sleeper = RealSleeper{}
	}

	scope := &Scope{
		priorState:   t.Node.PowerState,
		t:            t,
		engine:       engine,
		pollInterval: pollInterval,
		sleeper:      sleeper,
	}

	needPowerOn, err := t.Drivers.Network.NeedPowerOn(ctx, t.Node)
	if err != nil {
		return nil, cerrors.NewNetworkError("checking need_power_on: %v", err)
	}
	if !needPowerOn || t.Node.PowerState != types.PowerOff {
		return scope, nil
	}

	if err := engine.SetBootDevice(ctx, t, "bios", false); err != nil {
		return nil, cerrors.NewNetworkError("setting scratch boot device: %v", err)
	}
	if err := engine.PowerAction(ctx, t, types.PowerOn, 0); err != nil {
		return nil, cerrors.NewNetworkError("powering on for network configuration: %v", err)
	}
	scope.poweredOn = true

	if host := smartNICHost(t.Node); host != "" && checker != nil {
		if err := checker.WaitForAgentDown(ctx, host); err != nil {
			return scope, cerrors.NewNetworkError("waiting for network agent on %s: %v", host, err)
		}
	}

	return scope, nil
}

func smartNICHost(node *types.Node) string {
	for _, p := range node.Ports {
		if p.SmartNIC && p.SmartNICHost != "" {
			return p.SmartNICHost
		}
	}
	return ""
}

// Release restores the node's prior power state if Acquire powered it on,
// after sleeping twice the configured neutron-agent polling interval to
// let the network change settle.
func (s *Scope) Release(ctx context.Context) error {
	if !s.poweredOn {
		return nil
	}
	s.sleeper.Sleep(ctx, 2*s.pollInterval)

	log.WithNodeID(s.t.Node.UUID).Debug().
		Str("restoring_power_state", string(s.priorState)).
		Msg("restoring power state after network configuration")

	if s.priorState == types.PowerOff {
		return s.engine.PowerAction(ctx, s.t, types.PowerOff, 0)
	}
	return nil
}
