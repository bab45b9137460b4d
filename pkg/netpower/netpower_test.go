package netpower

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/notify"
	"github.com/cuemby/conductor/pkg/power"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/task"
	"github.com/cuemby/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: os.Stderr})
	os.Exit(m.Run())
}

type fakePowerDriver struct{ state types.PowerState }

func (f *fakePowerDriver) GetPowerState(ctx context.Context, node *types.Node) (types.PowerState, error) {
	return f.state, nil
}
func (f *fakePowerDriver) SetPowerState(ctx context.Context, node *types.Node, state types.PowerState, timeout int) error {
	f.state = state
	return nil
}
func (f *fakePowerDriver) Reboot(ctx context.Context, node *types.Node, timeout int) error { return nil }

type fakeManagementDriver struct{}

func (fakeManagementDriver) Validate(ctx context.Context, node *types.Node) error { return nil }
func (fakeManagementDriver) SetBootDevice(ctx context.Context, node *types.Node, device string, persistent bool) error {
	return nil
}
func (fakeManagementDriver) GetBootMode(ctx context.Context, node *types.Node) (string, error) {
	return "", nil
}
func (fakeManagementDriver) GetSupportedBootModes(ctx context.Context, node *types.Node) ([]string, error) {
	return nil, nil
}
func (fakeManagementDriver) SetBootMode(ctx context.Context, node *types.Node, mode string) error {
	return nil
}
func (fakeManagementDriver) DetectVendor(ctx context.Context, node *types.Node) (string, error) {
	return "", nil
}

type fakeNetworkDriver struct {
	needPowerOn bool
}

func (f *fakeNetworkDriver) NeedPowerOn(ctx context.Context, node *types.Node) (bool, error) {
	return f.needPowerOn, nil
}

type fakeAgentChecker struct {
	waited string
	err    error
}

func (f *fakeAgentChecker) WaitForAgentDown(ctx context.Context, host string) error {
	f.waited = host
	return f.err
}

type noSleep struct{ slept time.Duration }

func (n *noSleep) Sleep(ctx context.Context, d time.Duration) { n.slept = d }

type fixedResolver struct{ bag types.DriverBag }

func (f fixedResolver) ResolveDrivers(node *types.Node) types.DriverBag { return f.bag }

func newTask(t *testing.T, node *types.Node, bag types.DriverBag) *task.Task {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateNode(context.Background(), node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	mgr := task.New(st, fixedResolver{bag: bag})
	tsk, err := mgr.Acquire(context.Background(), node.UUID, true, "netpower-test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	t.Cleanup(tsk.Release)
	return tsk
}

func newEngine() *power.Engine {
	return power.NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
}

func TestAcquireNoopWhenNoPowerOnNeeded(t *testing.T) {
	node := &types.Node{UUID: "node-1", PowerState: types.PowerOff}
	nd := &fakeNetworkDriver{needPowerOn: false}
	pd := &fakePowerDriver{state: types.PowerOff}
	tsk := newTask(t, node, types.DriverBag{Network: nd, Power: pd, Management: fakeManagementDriver{}})

	scope, err := Acquire(context.Background(), tsk, newEngine(), nil, &noSleep{}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if scope.poweredOn {
		t.Error("poweredOn = true, want false when need_power_on is false")
	}
}

func TestAcquirePowersOnAndReleaseRestores(t *testing.T) {
	node := &types.Node{UUID: "node-1", PowerState: types.PowerOff}
	nd := &fakeNetworkDriver{needPowerOn: true}
	pd := &fakePowerDriver{state: types.PowerOff}
	tsk := newTask(t, node, types.DriverBag{Network: nd, Power: pd, Management: fakeManagementDriver{}})

	sleeper := &noSleep{}
	scope, err := Acquire(context.Background(), tsk, newEngine(), nil, sleeper, 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !scope.poweredOn {
		t.Fatal("poweredOn = false, want true")
	}
	if tsk.Node.PowerState != types.PowerOn {
		t.Errorf("PowerState = %q, want %q after Acquire", tsk.Node.PowerState, types.PowerOn)
	}

	if err := scope.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if sleeper.slept != 4*time.Second {
		t.Errorf("slept %v, want twice the poll interval (4s)", sleeper.slept)
	}
	if tsk.Node.PowerState != types.PowerOff {
		t.Errorf("PowerState = %q, want restored %q", tsk.Node.PowerState, types.PowerOff)
	}
}

func TestAcquireWaitsForSmartNICAgent(t *testing.T) {
	node := &types.Node{
		UUID:       "node-1",
		PowerState: types.PowerOff,
		Ports: []*types.Port{
			{UUID: "port-1", NodeUUID: "node-1", SmartNIC: true, SmartNICHost: "switch-host-7"},
		},
	}
	nd := &fakeNetworkDriver{needPowerOn: true}
	pd := &fakePowerDriver{state: types.PowerOff}
	tsk := newTask(t, node, types.DriverBag{Network: nd, Power: pd, Management: fakeManagementDriver{}})

	checker := &fakeAgentChecker{}
	_, err := Acquire(context.Background(), tsk, newEngine(), checker, &noSleep{}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if checker.waited != "switch-host-7" {
		t.Errorf("WaitForAgentDown called with host %q, want switch-host-7", checker.waited)
	}
}

func TestReleaseNoopWhenNeverPoweredOn(t *testing.T) {
	node := &types.Node{UUID: "node-1", PowerState: types.PowerOn}
	nd := &fakeNetworkDriver{needPowerOn: false}
	pd := &fakePowerDriver{state: types.PowerOn}
	tsk := newTask(t, node, types.DriverBag{Network: nd, Power: pd, Management: fakeManagementDriver{}})

	sleeper := &noSleep{}
	scope, err := Acquire(context.Background(), tsk, newEngine(), nil, sleeper, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := scope.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if sleeper.slept != 0 {
		t.Error("Release slept despite never having powered the node on")
	}
}
