// Package rpcdispatch represents the inter-conductor RPC collaborator: the
// transport that lets a conductor hand a node back to a peer (e.g.
// notify_conductor_resume_clean / notify_conductor_resume_deploy in §9's
// circular-import note). The wire protocol itself is out of scope; this
// package only names the contract callers hold the lock discipline
// against: release_resources before dispatching, since the peer will
// re-acquire.
package rpcdispatch

import "context"

// Dispatcher hands a node operation to another conductor process.
type Dispatcher interface {
	// NotifyConductorResume asks the conductor owning nodeID to resume the
	// named operation ("clean", "deploy", ...). Callers MUST have already
	// released their own lock on nodeID before calling this.
	NotifyConductorResume(ctx context.Context, nodeID, operation string) error
}

// NoOp is the Dispatcher for single-conductor deployments: it accepts the
// call and does nothing, since there is no peer to hand off to.
type NoOp struct{}

func (NoOp) NotifyConductorResume(ctx context.Context, nodeID, operation string) error {
	return nil
}
