// Package store persists Node records (C2). BoltStore is the only
// implementation: one bucket keyed by node UUID, JSON-marshaled records,
// a Revision counter per record backing Save's optimistic-concurrency
// check and Refresh's reload-in-place.
package store
