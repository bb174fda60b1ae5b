// Package worker provides a background advancer for docstate stores.
//
// A Worker repeatedly sweeps the persisted frontier — leaf documents in
// non-final states — and advances each by one hop via Store.Next. The
// document table itself serves as the work queue, which keeps the model
// crash-resumable: anything persisted before a restart is found by the
// next sweep, with no separate queue to reconcile.
//
// Typical usage:
//
//	w := worker.New(store)
//	go func() {
//	    if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        log.Printf("worker stopped: %v", err)
//	    }
//	}()
//
// Multiple workers in one process are safe but wasteful: sweeps overlap
// and the second worker mostly finds the frontier already advanced.
// Processing concurrency inside one sweep is already bounded by the
// store's concurrency gate. Run several processes against the same
// relational backend only if your process functions are idempotent, as
// overlapping sweeps may advance the same document twice.
package worker
