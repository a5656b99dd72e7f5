// Package haltz coordinates a pool of worker goroutines that each drive one
// emulated CPU, letting other threads inject work onto a specific worker and
// briefly stop the whole pool for operations that need mutual exclusion
// against every worker at once.
//
// # Overview
//
// A machine emulator runs one goroutine per virtual CPU. Each goroutine
// executes guest instructions in bursts, and between bursts it must service
// requests from the rest of the system: interrupt injection, translation
// cache flushes, device callbacks. Some of those requests only touch the
// target CPU; others (a global cache flush, a memory-map change) must not
// overlap with any CPU executing at all.
//
// haltz provides the three pieces that make this safe without a global lock
// on the execution hot path:
//
//   - A Coordinator holding the registry of live workers and the exclusive
//     barrier state.
//   - A per-worker FIFO work queue with four delivery modes, drained by the
//     worker at safe points via ProcessQueue.
//   - An exclusive barrier (StartExclusive/EndExclusive) paired with the
//     execution window hooks (ExecStart/ExecEnd) that every worker wraps
//     around each burst.
//
// # Core Types
//
// Coordinator owns all shared state. Workers hold a non-owning reference to
// their coordinator, so the ownership graph stays acyclic:
//
//	coord := haltz.New()
//	w := haltz.NewWorker(coord).WithKick(interruptCPU)
//	coord.Add(w)
//
// The worker's driving goroutine attaches itself, then alternates execution
// bursts with queue drains:
//
//	go func() {
//	    w.Attach()
//	    defer w.Detach()
//	    for !stopped() {
//	        w.ExecStart()
//	        runBurst()
//	        w.ExecEnd()
//	        w.ProcessQueue()
//	    }
//	}()
//
// # Submitting Work
//
// Four entry points deliver a callback to a worker's goroutine, each with its
// own machine-lock contract:
//
//	w.Run(fn)              // synchronous; machine lock held while fn runs
//	w.RunAsync(fn)         // fire and forget; machine lock held
//	w.RunAsyncUnlocked(fn) // fire and forget; machine lock released
//	w.RunExclusive(fn)     // fire and forget; runs with every worker stopped
//
// Run called on the worker's own goroutine executes fn inline. Called from
// anywhere else it enqueues, kicks the worker, and blocks until the callback
// has completed on the target.
//
// # The Exclusive Barrier
//
// StartExclusive returns once every running worker has left its execution
// window; until the matching EndExclusive, any worker entering ExecStart
// blocks. The barrier costs the workers four sequentially consistent atomic
// operations per burst when idle (a store and a load in each of ExecStart and
// ExecEnd), and only falls back to the registry lock
// while an exclusive section is pending.
//
// # Observability
//
// Each Coordinator carries a metricz registry, a tracez tracer, and typed
// hookz hooks (worker added/removed, exclusive started/ended, work
// completed). Contended paths emit capitan signals. Timestamps come from an
// injectable clockz clock, so tests can run on a fake clock.
package haltz
