package task

import "github.com/cuemby/conductor/pkg/cerrors"

// WorkerPool is a bounded, non-blocking admission gate. Handler spawning
// and job dispatch both use TrySpawn rather than queuing indefinitely
// (§5's "non-blocking try-acquire on the worker pool").
type WorkerPool struct {
	slots chan struct{}
}

// NewWorkerPool returns a pool with the given capacity.
func NewWorkerPool(capacity int) *WorkerPool {
	return &WorkerPool{slots: make(chan struct{}, capacity)}
}

// TrySpawn runs fn on a new goroutine if a slot is free, returning
// *cerrors.NoFreeConductorWorker immediately otherwise. The slot is
// released when fn returns.
func (p *WorkerPool) TrySpawn(fn func()) error {
	select {
	case p.slots <- struct{}{}:
	default:
		return &cerrors.NoFreeConductorWorker{}
	}
	go func() {
		defer func() { <-p.slots }()
		fn()
	}()
	return nil
}

// InUse reports how many slots are currently occupied, for metrics/tests.
func (p *WorkerPool) InUse() int {
	return len(p.slots)
}

// Capacity reports the pool's total slot count.
func (p *WorkerPool) Capacity() int {
	return cap(p.slots)
}
