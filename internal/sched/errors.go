package sched

import "errors"

var (
	ErrStopped = errors.New("scheduler not running")

	// ErrBusy rejects a force-run while the job (or its exclusion group)
	// already holds a slot.
	ErrBusy = errors.New("job busy")

	// ErrCapacity rejects a force-run at the global concurrency ceiling.
	ErrCapacity = errors.New("concurrency ceiling reached")
)
