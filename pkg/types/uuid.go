package types

import "github.com/google/uuid"

// NewUUID generates a fresh random UUID string for a new Node, Port, or
// PortGroup record. Node enrollment itself is out of scope for this core,
// but whatever out-of-scope caller creates one (and any test or seed
// helper standing in for it) mints the primary key through here rather
// than hand-rolling an ID scheme.
func NewUUID() string {
	return uuid.New().String()
}
