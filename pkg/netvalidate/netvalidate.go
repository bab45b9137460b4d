// Package netvalidate implements the physical-network port-group
// consistency rule (C8): every port in a port group must agree on
// physical_network (invariant I3).
//
// Grounded on reconciler.reconcileNodes's "query current state, compare,
// raise on mismatch" shape, adapted from a whole-fleet reconciliation loop
// to a single targeted check invoked before a port is persisted.
package netvalidate

import (
	"context"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/types"
)

// ValidatePortPhysnet checks that port's physical_network is consistent
// with the rest of its port group. changingPortgroup and changingPhysnet
// indicate whether this call is part of an update that touches those two
// fields — an update to anything else never needs to re-validate.
func ValidatePortPhysnet(ctx context.Context, st store.Store, port *types.Port, changingPortgroup, changingPhysnet bool) error {
	if port.PortgroupID == "" {
		return nil
	}
	if !changingPortgroup && !changingPhysnet {
		return nil
	}

	others, err := st.ListPortsByPortgroup(ctx, port.NodeUUID, port.PortgroupID)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, other := range others {
		if other.UUID == port.UUID {
			continue
		}
		if other.PhysicalNetworkSet {
			seen[other.PhysicalNetwork] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	if len(seen) > 1 {
		return &cerrors.PortgroupPhysnetInconsistent{PortgroupID: port.PortgroupID}
	}

	var pgPhysnet string
	for k := range seen {
		pgPhysnet = k
	}

	portPhysnet := ""
	if port.PhysicalNetworkSet {
		portPhysnet = port.PhysicalNetwork
	}
	if portPhysnet != pgPhysnet {
		return cerrors.NewConflict(
			"port %s physical_network %q conflicts with portgroup %s physical_network %q",
			port.UUID, portPhysnet, port.PortgroupID, pgPhysnet,
		)
	}
	return nil
}
