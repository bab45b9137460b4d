package store

import (
	"context"

	"github.com/cuemby/conductor/pkg/types"
)

// Store is the Node Store (C2): persistence plus the optimistic-concurrency
// primitives the TaskManager relies on to detect cross-process conflicts.
type Store interface {
	// CreateNode inserts a new node record at revision 1.
	CreateNode(ctx context.Context, node *types.Node) error

	// GetNode loads a node by UUID.
	GetNode(ctx context.Context, id string) (*types.Node, error)

	// ListNodes returns every node in the store.
	ListNodes(ctx context.Context) ([]*types.Node, error)

	// DeleteNode removes a node record.
	DeleteNode(ctx context.Context, id string) error

	// Save persists node, bumping its revision. Returns a
	// *cerrors.VersionConflict if the stored revision has advanced past
	// node.Revision since it was last loaded.
	Save(ctx context.Context, node *types.Node) error

	// Refresh reloads node in place from the store, discarding any
	// in-memory changes not yet saved.
	Refresh(ctx context.Context, node *types.Node) error

	// ListPortsByPortgroup returns the member ports of a portgroup, for
	// physical_network consistency checks (C8).
	ListPortsByPortgroup(ctx context.Context, nodeID, portgroupID string) ([]*types.Port, error)

	Close() error
}

// ObjWhatChanged compares two snapshots of the same node and reports which
// top-level fields differ, mirroring the driver-facing obj_what_changed
// contract (§6). Both arguments must refer to the same UUID.
func ObjWhatChanged(original, current *types.Node) []string {
	var changed []string
	if original.Name != current.Name {
		changed = append(changed, "name")
	}
	if original.ProvisionState != current.ProvisionState {
		changed = append(changed, "provision_state")
	}
	if original.TargetProvisionState != current.TargetProvisionState {
		changed = append(changed, "target_provision_state")
	}
	if original.PowerState != current.PowerState {
		changed = append(changed, "power_state")
	}
	if original.TargetPowerState != current.TargetPowerState {
		changed = append(changed, "target_power_state")
	}
	if original.LastError != current.LastError {
		changed = append(changed, "last_error")
	}
	if original.Maintenance != current.Maintenance {
		changed = append(changed, "maintenance")
	}
	if original.MaintenanceReason != current.MaintenanceReason {
		changed = append(changed, "maintenance_reason")
	}
	if original.Fault != current.Fault {
		changed = append(changed, "fault")
	}
	if original.InstanceUUID != current.InstanceUUID {
		changed = append(changed, "instance_uuid")
	}
	if !mapsEqual(original.InstanceInfo, current.InstanceInfo) {
		changed = append(changed, "instance_info")
	}
	if !mapsEqual(original.Properties, current.Properties) {
		changed = append(changed, "properties")
	}
	if !mapsEqual(original.DriverInternalInfo, current.DriverInternalInfo) {
		changed = append(changed, "driver_internal_info")
	}
	if !mapsEqual(original.CleanStep, current.CleanStep) {
		changed = append(changed, "clean_step")
	}
	if !mapsEqual(original.DeployStep, current.DeployStep) {
		changed = append(changed, "deploy_step")
	}
	if !stringSlicesEqual(original.Traits, current.Traits) {
		changed = append(changed, "traits")
	}
	return changed
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !equalAny(av, bv) {
			return false
		}
	}
	return true
}

func equalAny(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return a == b
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
