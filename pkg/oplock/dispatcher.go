package oplock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// NewRequestID mints an opaque per-request correlation id, used to
// trace a request across the runnable-now/deferred queues and into
// log lines.
func NewRequestID() string {
	return uuid.NewString()
}

// Dispatcher is a cooperative scheduler: while a break is in progress,
// any request whose handler is declared break-inducing (open, rename,
// delete) is queued for post-break replay instead of executed inline.
// Two explicit queues (runnable-now, deferred) make the reentrancy
// behaviour deterministic and testable, rather than relying on
// implicit stack-based reentry.
type Dispatcher struct {
	mu              sync.Mutex
	breakInProgress bool
	deferred        []Request
}

// NewDispatcher constructs an idle dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SetBreakInProgress flips the process-wide break flag the dispatcher
// consults. The break engine calls this around its wait loop (§4.5 g,
// j).
func (d *Dispatcher) SetBreakInProgress(v bool) {
	d.mu.Lock()
	d.breakInProgress = v
	d.mu.Unlock()
}

// IsBreakInProgress reports the current flag value.
func (d *Dispatcher) IsBreakInProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breakInProgress
}

// Submit either runs req immediately (safe requests, or any request
// while no break is in progress) or queues it for later replay
// (break-inducing requests arriving while a break is in progress).
// Queued requests return nil immediately; their eventual result is
// only observable through DrainDeferred.
func (d *Dispatcher) Submit(ctx context.Context, req Request) error {
	d.mu.Lock()
	if d.breakInProgress && req.BreakInducing {
		d.deferred = append(d.deferred, req)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if req.Run == nil {
		return nil
	}
	return req.Run(ctx)
}

// DrainDeferred runs every request queued while a break was in
// progress, in arrival order, and returns their errors in the same
// order (nil entries omitted). Call this once break_in_progress has
// been cleared.
func (d *Dispatcher) DrainDeferred(ctx context.Context) []error {
	d.mu.Lock()
	pending := d.deferred
	d.deferred = nil
	d.mu.Unlock()

	var errs []error
	for _, req := range pending {
		if req.Run == nil {
			continue
		}
		if err := req.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// PendingDeferred reports how many requests are currently queued.
func (d *Dispatcher) PendingDeferred() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deferred)
}
