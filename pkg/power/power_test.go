package power

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/locker"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/notify"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/task"
	"github.com/cuemby/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: os.Stderr})
	os.Exit(m.Run())
}

type fakePowerDriver struct {
	state      types.PowerState
	getErr     error
	setErr     error
	rebootErr  error
	setCalls   int
	rebootCall int
}

func (f *fakePowerDriver) GetPowerState(ctx context.Context, node *types.Node) (types.PowerState, error) {
	return f.state, f.getErr
}

func (f *fakePowerDriver) SetPowerState(ctx context.Context, node *types.Node, state types.PowerState, timeout int) error {
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.state = state
	return nil
}

func (f *fakePowerDriver) Reboot(ctx context.Context, node *types.Node, timeout int) error {
	f.rebootCall++
	return f.rebootErr
}

type fakeManagementDriver struct {
	bootMode   string
	supported  []string
	setModeErr error

	bootDeviceCalls int
}

func (f *fakeManagementDriver) Validate(ctx context.Context, node *types.Node) error { return nil }
func (f *fakeManagementDriver) SetBootDevice(ctx context.Context, node *types.Node, device string, persistent bool) error {
	f.bootDeviceCalls++
	return nil
}
func (f *fakeManagementDriver) GetBootMode(ctx context.Context, node *types.Node) (string, error) {
	return f.bootMode, nil
}
func (f *fakeManagementDriver) GetSupportedBootModes(ctx context.Context, node *types.Node) ([]string, error) {
	return f.supported, nil
}
func (f *fakeManagementDriver) SetBootMode(ctx context.Context, node *types.Node, mode string) error {
	if f.setModeErr != nil {
		return f.setModeErr
	}
	f.bootMode = mode
	return nil
}
func (f *fakeManagementDriver) DetectVendor(ctx context.Context, node *types.Node) (string, error) {
	return "", nil
}

type fakeStorageDriver struct {
	attachErr, detachErr error
	attachCalls          int
	detachCalls          int
}

func (f *fakeStorageDriver) AttachVolumes(ctx context.Context, node *types.Node) error {
	f.attachCalls++
	return f.attachErr
}
func (f *fakeStorageDriver) DetachVolumes(ctx context.Context, node *types.Node) error {
	f.detachCalls++
	return f.detachErr
}
func (f *fakeStorageDriver) ShouldWriteImage(ctx context.Context, node *types.Node) (bool, error) {
	return false, nil
}

// testHarness holds a real store and the node under test so Engine tests can
// drive PowerAction directly against fake drivers.
type testHarness struct {
	st   store.Store
	lk   *locker.Locker
	node *types.Node
}

func newHarness(t *testing.T, node *types.Node) *testHarness {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateNode(context.Background(), node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	return &testHarness{st: st, lk: locker.New(), node: node}
}

// acquireViaManager takes an exclusive Task on the harness node through a
// real task.TaskManager, because the fields needed to construct a task.Task
// directly are unexported.
func acquireViaManager(t *testing.T, h *testHarness, drivers types.DriverBag) *task.Task {
	t.Helper()
	mgr := task.New(h.st, fixedResolver{bag: drivers})
	tsk, err := mgr.Acquire(context.Background(), h.node.UUID, true, "power-test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return tsk
}

type fixedResolver struct{ bag types.DriverBag }

func (f fixedResolver) ResolveDrivers(node *types.Node) types.DriverBag { return f.bag }

func TestPowerActionSkipsWhenAlreadyAtState(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateAvailable}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOn}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	if err := e.PowerAction(context.Background(), tsk, types.PowerOn, 0); err != nil {
		t.Fatalf("PowerAction() error = %v", err)
	}
	if pd.setCalls != 0 {
		t.Errorf("SetPowerState called %d times, want 0 (should have skipped)", pd.setCalls)
	}
	if tsk.Node.TargetPowerState != types.PowerNoState {
		t.Errorf("TargetPowerState = %q, want empty after skip", tsk.Node.TargetPowerState)
	}
}

func TestPowerActionSetsStateAndClearsTarget(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateManageable}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOff}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	if err := e.PowerAction(context.Background(), tsk, types.PowerOn, 0); err != nil {
		t.Fatalf("PowerAction() error = %v", err)
	}
	if pd.setCalls != 1 {
		t.Errorf("SetPowerState called %d times, want 1", pd.setCalls)
	}
	if tsk.Node.PowerState != types.PowerOn {
		t.Errorf("PowerState = %q, want %q", tsk.Node.PowerState, types.PowerOn)
	}
	if tsk.Node.TargetPowerState != types.PowerNoState {
		t.Errorf("TargetPowerState = %q, want empty on success", tsk.Node.TargetPowerState)
	}
}

func TestPowerActionWipesAgentOnPowerOff(t *testing.T) {
	node := &types.Node{
		UUID:           "node-1",
		ProvisionState: types.StateActive,
		DriverInternalInfo: map[string]any{
			"agent_url":           "http://10.0.0.1:9999",
			"agent_secret_token":  "tok",
		},
	}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOn}
	sd := &fakeStorageDriver{}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd, Storage: sd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	if err := e.PowerAction(context.Background(), tsk, types.PowerOff, 0); err != nil {
		t.Fatalf("PowerAction() error = %v", err)
	}
	if _, ok := tsk.Node.DriverInternalInfo["agent_url"]; ok {
		t.Error("agent_url survived a power-off action")
	}
	if sd.detachCalls != 1 {
		t.Errorf("DetachVolumes called %d times, want 1 for an active node powering off", sd.detachCalls)
	}
}

func TestPowerActionAttachesVolumesBeforePowerOnWhenActive(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateActive}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOff}
	sd := &fakeStorageDriver{}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd, Storage: sd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	if err := e.PowerAction(context.Background(), tsk, types.PowerOn, 0); err != nil {
		t.Fatalf("PowerAction() error = %v", err)
	}
	if sd.attachCalls != 1 {
		t.Errorf("AttachVolumes called %d times, want 1", sd.attachCalls)
	}
}

func TestPowerActionFailsOnAttachError(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateActive}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOff}
	sd := &fakeStorageDriver{attachErr: cerrors.NewStorageError("disk offline")}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd, Storage: sd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	err := e.PowerAction(context.Background(), tsk, types.PowerOn, 0)
	if err == nil {
		t.Fatal("PowerAction() error = nil, want a failure when AttachVolumes fails")
	}
	if tsk.Node.TargetPowerState != types.PowerNoState {
		t.Errorf("TargetPowerState = %q, want empty after a failed action", tsk.Node.TargetPowerState)
	}
	if tsk.Node.LastError == "" {
		t.Error("LastError not set after a failed power action")
	}
}

func TestPowerActionFailsOnDriverError(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateManageable}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOff, setErr: cerrors.NewDriverOperationError("bmc unreachable")}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	err := e.PowerAction(context.Background(), tsk, types.PowerOn, 0)
	if err == nil {
		t.Fatal("PowerAction() error = nil, want failure")
	}
	var driverErr *cerrors.DriverOperationError
	if !errors.As(err, &driverErr) {
		t.Errorf("error = %v, want *cerrors.DriverOperationError", err)
	}
	if tsk.Node.LastError == "" {
		t.Error("LastError not set on driver failure")
	}
}

func TestPowerActionRequiresExclusiveLock(t *testing.T) {
	node := &types.Node{UUID: "node-1"}
	h := newHarness(t, node)
	mgr := task.New(h.st, fixedResolver{bag: types.DriverBag{Power: &fakePowerDriver{}}})
	tsk, err := mgr.Acquire(context.Background(), "node-1", false, "shared")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	err = e.PowerAction(context.Background(), tsk, types.PowerOn, 0)
	var required *cerrors.ExclusiveLockRequired
	if !errors.As(err, &required) {
		t.Errorf("error = %v, want *cerrors.ExclusiveLockRequired", err)
	}
}

func TestWaitForPowerStateSucceedsImmediately(t *testing.T) {
	node := &types.Node{UUID: "node-1"}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOn}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	got, err := e.WaitForPowerState(context.Background(), tsk, types.PowerOn, time.Second)
	if err != nil {
		t.Fatalf("WaitForPowerState() error = %v", err)
	}
	if got != types.PowerOn {
		t.Errorf("WaitForPowerState() = %q, want %q", got, types.PowerOn)
	}
}

func TestWaitForPowerStateTimesOut(t *testing.T) {
	node := &types.Node{UUID: "node-1"}
	h := newHarness(t, node)
	pd := &fakePowerDriver{state: types.PowerOff}
	tsk := acquireViaManager(t, h, types.DriverBag{Power: pd})
	defer tsk.Release()

	clk := clock.NewFake(time.Now())
	e := NewEngine(clk, notify.LoggingEmitter{}, 30*time.Second)
	e.PowerStateChangeTimeout = 0 // expires immediately past the deadline check

	_, err := e.WaitForPowerState(context.Background(), tsk, types.PowerOn, 0)
	if err == nil {
		t.Fatal("WaitForPowerState() error = nil, want a timeout failure")
	}
}

func TestSetBootDeviceSkippedDuringAdopting(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateAdopting}
	h := newHarness(t, node)
	md := &fakeManagementDriver{}
	tsk := acquireViaManager(t, h, types.DriverBag{Management: md})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	if err := e.SetBootDevice(context.Background(), tsk, "pxe", false); err != nil {
		t.Fatalf("SetBootDevice() error = %v", err)
	}
	if md.bootDeviceCalls != 0 {
		t.Errorf("driver SetBootDevice calls = %d, want 0 under ADOPTING", md.bootDeviceCalls)
	}
}

func TestSetBootModeRejectsUnsupported(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateManageable}
	h := newHarness(t, node)
	md := &fakeManagementDriver{supported: []string{"bios"}}
	tsk := acquireViaManager(t, h, types.DriverBag{Management: md})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	err := e.SetBootMode(context.Background(), tsk, "uefi")
	var invalid *cerrors.InvalidParameterValue
	if !errors.As(err, &invalid) {
		t.Errorf("error = %v, want *cerrors.InvalidParameterValue", err)
	}
}

func TestSetBootModeAcceptsSupported(t *testing.T) {
	node := &types.Node{UUID: "node-1", ProvisionState: types.StateManageable}
	h := newHarness(t, node)
	md := &fakeManagementDriver{supported: []string{"bios", "uefi"}}
	tsk := acquireViaManager(t, h, types.DriverBag{Management: md})
	defer tsk.Release()

	e := NewEngine(clock.NewFake(time.Now()), notify.LoggingEmitter{}, 30*time.Second)
	if err := e.SetBootMode(context.Background(), tsk, "uefi"); err != nil {
		t.Fatalf("SetBootMode() error = %v", err)
	}
	if md.bootMode != "uefi" {
		t.Errorf("bootMode = %q, want uefi", md.bootMode)
	}
}
