// Package types defines the data model shared by every conductor package:
// the managed Node and its Ports/PortGroups, the provision/power state
// enums, and the driver capability interfaces each Task binds to.
package types

import "time"

// Node is the central entity driven by the conductor: a physical machine
// under management, somewhere along the enroll -> manageable -> available
// -> deployed -> cleaning/rescue -> decommissioned lifecycle.
type Node struct {
	UUID string
	Name string

	ProvisionState       ProvisionState
	TargetProvisionState ProvisionState

	PowerState       PowerState
	TargetPowerState PowerState

	LastError string

	Maintenance       bool
	MaintenanceReason string
	Fault             string

	InstanceUUID string
	InstanceInfo map[string]any
	Properties   map[string]any

	// DriverInternalInfo holds conductor-reserved, driver-facing scratch
	// state: agent tokens, cached step lists, step indices. See the key
	// constants in pkg/agent (agent.go and steps.go).
	DriverInternalInfo map[string]any

	CleanStep  map[string]any
	DeployStep map[string]any

	Traits []string

	Ports []*Port

	CreatedAt time.Time
	UpdatedAt time.Time

	// Revision is bumped by the store on every Save and checked by Save
	// to detect concurrent modification (optimistic concurrency).
	Revision uint64
}

// HasTrait reports whether the node carries the given trait tag.
func (n *Node) HasTrait(trait string) bool {
	for _, t := range n.Traits {
		if t == trait {
			return true
		}
	}
	return false
}

// Port is an L2 network attachment on a Node.
type Port struct {
	UUID               string
	NodeUUID           string
	PortgroupID        string // empty = not a member of any portgroup
	PhysicalNetwork     string
	PhysicalNetworkSet  bool // distinguishes "" from unset
	LocalLinkConnection map[string]any

	// SmartNIC identifies a port whose network programming is delegated
	// to an agent running on the attached switch's host (§4.12).
	SmartNIC     bool
	SmartNICHost string
}

// PortGroup aggregates Ports that must share one physical_network value
// (invariant I3).
type PortGroup struct {
	UUID     string
	NodeUUID string
}
