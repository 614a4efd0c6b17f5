package worker

import "errors"

// Pool lifecycle and submission errors
var (
	// ErrNilProcessor is raised (panic) when a pool is built without a processor
	ErrNilProcessor = errors.New("worker pool requires a processor function")
	// ErrPoolNotStarted is returned when submitting to a pool that was never started
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolAlreadyStarted is returned when starting a running pool
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned when the work queue is at capacity
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrStopTimeout is returned when workers do not drain within the stop timeout
	ErrStopTimeout = errors.New("worker pool stop timed out")
)
