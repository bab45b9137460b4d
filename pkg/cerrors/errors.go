// Package cerrors defines the conductor's error vocabulary (§7). Each type
// here is a distinct, typed failure mode so callers can dispatch on it with
// errors.As instead of matching on message text.
package cerrors

import "fmt"

// DomainError is implemented by every typed error in this package. Error
// handlers dispatch on it (via errors.As) to tell an expected domain
// failure (this whole family, the original's IronicException) apart from
// a genuinely unhandled exception, per §7 and §4.5.
type DomainError interface {
	error
	conductorDomainError()
}

// InvalidParameterValue means the caller supplied a bad value. Never
// retried; surfaced straight to whatever called the core.
type InvalidParameterValue struct {
	Msg string
}

func (e *InvalidParameterValue) Error() string   { return e.Msg }
func (e *InvalidParameterValue) conductorDomainError() {}

func NewInvalidParameterValue(format string, args ...any) error {
	return &InvalidParameterValue{Msg: fmt.Sprintf(format, args...)}
}

// Conflict means an invariant shared with another entity was violated
// (e.g. portgroup physical-network consistency).
type Conflict struct {
	Msg string
}

func (e *Conflict) Error() string { return e.Msg }
func (e *Conflict) conductorDomainError() {}

func NewConflict(format string, args ...any) error {
	return &Conflict{Msg: fmt.Sprintf(format, args...)}
}

// InvalidState means the requested (state, event) pair has no transition in
// the table. Swallowed by error handlers where the spec says so; surfaced
// elsewhere.
type InvalidState struct {
	Msg string
}

func (e *InvalidState) Error() string { return e.Msg }
func (e *InvalidState) conductorDomainError() {}

func NewInvalidState(format string, args ...any) error {
	return &InvalidState{Msg: fmt.Sprintf(format, args...)}
}

// NoFreeConductorWorker is the admission-control failure raised when the
// worker pool has no capacity for a new job.
type NoFreeConductorWorker struct{}

func (e *NoFreeConductorWorker) Error() string { return "No free conductor workers available" }
func (e *NoFreeConductorWorker) conductorDomainError() {}

// PowerStateFailure means wait_for_power_state timed out before observing
// the desired state.
type PowerStateFailure struct {
	Desired string
}

func (e *PowerStateFailure) Error() string {
	return fmt.Sprintf("timed out waiting for power state %q", e.Desired)
}
func (e *PowerStateFailure) conductorDomainError() {}

// NetworkError comes from the network collaborator (smart-NIC flows).
type NetworkError struct {
	Msg string
}

func (e *NetworkError) Error() string { return e.Msg }
func (e *NetworkError) conductorDomainError() {}

func NewNetworkError(format string, args ...any) error {
	return &NetworkError{Msg: fmt.Sprintf(format, args...)}
}

// StorageError comes from volume attach/detach.
type StorageError struct {
	Msg string
}

func (e *StorageError) Error() string { return e.Msg }
func (e *StorageError) conductorDomainError() {}

func NewStorageError(format string, args ...any) error {
	return &StorageError{Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedDriverExtension means the requested method isn't implemented
// by this node's driver. Callers must treat this as "feature off", not
// failure.
type UnsupportedDriverExtension struct {
	Msg string
}

func (e *UnsupportedDriverExtension) Error() string { return e.Msg }
func (e *UnsupportedDriverExtension) conductorDomainError() {}

func NewUnsupportedDriverExtension(format string, args ...any) error {
	return &UnsupportedDriverExtension{Msg: fmt.Sprintf(format, args...)}
}

// DriverOperationError is a driver-side runtime failure.
type DriverOperationError struct {
	Msg string
}

func (e *DriverOperationError) Error() string { return e.Msg }
func (e *DriverOperationError) conductorDomainError() {}

func NewDriverOperationError(format string, args ...any) error {
	return &DriverOperationError{Msg: fmt.Sprintf(format, args...)}
}

// LockAcquisitionFailed means upgrade_lock could not convert a shared hold
// to exclusive because another holder already has it exclusively.
type LockAcquisitionFailed struct {
	Msg string
}

func (e *LockAcquisitionFailed) Error() string { return e.Msg }
func (e *LockAcquisitionFailed) conductorDomainError() {}

func NewLockAcquisitionFailed(format string, args ...any) error {
	return &LockAcquisitionFailed{Msg: fmt.Sprintf(format, args...)}
}

// ExclusiveLockRequired means an operation that requires exclusive access
// was invoked under a shared lock.
type ExclusiveLockRequired struct{}

func (e *ExclusiveLockRequired) Error() string { return "exclusive lock required for this operation" }
func (e *ExclusiveLockRequired) conductorDomainError() {}

// PortgroupPhysnetInconsistent means invariant I3 was observed violated:
// a portgroup's member ports disagree on physical_network. This should
// never happen and indicates a bug elsewhere.
type PortgroupPhysnetInconsistent struct {
	PortgroupID string
}

func (e *PortgroupPhysnetInconsistent) Error() string {
	return fmt.Sprintf("portgroup %s has inconsistent physical_network values across its ports", e.PortgroupID)
}
func (e *PortgroupPhysnetInconsistent) conductorDomainError() {}

// NotFound means the requested record does not exist in the store.
type NotFound struct {
	Msg string
}

func (e *NotFound) Error() string { return e.Msg }
func (e *NotFound) conductorDomainError() {}

func NewNotFound(format string, args ...any) error {
	return &NotFound{Msg: fmt.Sprintf(format, args...)}
}

// VersionConflict is raised by the Node Store when a Save loses the
// optimistic-concurrency race.
type VersionConflict struct {
	Msg string
}

func (e *VersionConflict) Error() string { return e.Msg }
func (e *VersionConflict) conductorDomainError() {}

func NewVersionConflict(format string, args ...any) error {
	return &VersionConflict{Msg: fmt.Sprintf(format, args...)}
}
