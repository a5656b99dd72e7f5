package haltz

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/zoobzio/capitan"
)

// Worker represents one emulated CPU: a stable small-integer identity, a
// FIFO of injected work, and the flags the exclusive barrier coordinates
// on. A Worker is driven by exactly one goroutine, which calls Attach once,
// then brackets every execution burst with ExecStart/ExecEnd and drains the
// queue with ProcessQueue at safe points in between.
//
// All other goroutines interact with a Worker only through the submission
// entry points (Run, RunAsync, RunAsyncUnlocked, RunExclusive) and the
// accessors.
type Worker struct {
	coord *Coordinator

	index  int  // unique while registered; guarded by coord.mu for writes
	linked bool // registry membership; guarded by coord.mu

	running     atomic.Bool // inside an execution window
	hasWaiter   bool        // counted by a starting exclusive section; guarded by coord.mu
	inExclusive bool        // this worker's goroutine holds the exclusive section
	gid         atomic.Int64

	mu    sync.Mutex
	cond  *sync.Cond // broadcast when queued items have completed
	queue []*workItem

	kick func()
}

// NewWorker creates a worker bound to c with the Unassigned index. The
// worker is not registered until Add and has no driving goroutine until
// Attach.
func NewWorker(c *Coordinator) *Worker {
	w := &Worker{
		coord: c,
		index: Unassigned,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// WithIndex sets a manual index. Call before Add; a coordinator that ever
// auto-assigned an index rejects manual ones.
func (w *Worker) WithIndex(index int) *Worker {
	w.index = index
	return w
}

// WithKick installs the interrupt hook that makes the worker leave its
// current execution burst promptly. The coordination core calls it on every
// enqueue and when an exclusive section needs the worker stopped; without
// one, delivery waits for the worker's next natural safe point.
//
// The hook may run with internal locks held, so it must not call back into
// the coordinator or the worker; set a flag, poke an eventfd, cancel a
// context.
func (w *Worker) WithKick(kick func()) *Worker {
	w.kick = kick
	return w
}

// Index returns the worker's registry index, or Unassigned. The index is
// stable from Add to Remove.
func (w *Worker) Index() int {
	return w.index
}

// IsRunning reports whether the worker is inside an execution window.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// InExclusive reports whether this worker's goroutine currently holds the
// exclusive section. Meaningful only on the worker's own goroutine.
func (w *Worker) InExclusive() bool {
	return w.inExclusive
}

// IsSelf reports whether the calling goroutine is w's driving goroutine.
func (w *Worker) IsSelf() bool {
	return w.gid.Load() == goid.Get()
}

// Attach binds the calling goroutine as w's driving goroutine, making it
// the coordinator's Current worker on this goroutine. Attaching a worker
// that is already attached panics.
func (w *Worker) Attach() {
	g := goid.Get()
	if !w.gid.CompareAndSwap(0, g) {
		panic("haltz: worker already attached to a goroutine")
	}
	w.coord.current.Store(g, w)
}

// Detach unbinds the calling goroutine from w. It must be called on the
// goroutine that attached.
func (w *Worker) Detach() {
	g := goid.Get()
	if w.gid.Load() != g {
		panic("haltz: Detach on a goroutine that is not attached to this worker")
	}
	w.coord.current.Delete(g)
	w.gid.Store(0)
}

// Kick invokes the worker's interrupt hook, if any.
func (w *Worker) Kick() {
	w.coord.metrics.Counter(KicksTotal).Inc()
	if w.kick != nil {
		w.kick()
	}
}

// QueueLen returns the number of work items waiting on the worker.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// ExecStart opens an execution window. It waits out any exclusive section
// in flight, so that on return the worker may execute guest code until
// ExecEnd.
//
// The running publish here and the pending read below are both
// sequentially consistent and pair with StartExclusive's pending publish
// and running read. Three interleavings cover the race:
//
//  1. The initiator saw running == true: hasWaiter is set, pending counts
//     this worker, and the initiator kicked it. Proceed; ExecEnd will
//     decrement and signal.
//
//  2. The initiator saw running == false but pending is already nonzero
//     (this includes a section that is currently executing): hasWaiter is
//     false. Withdraw the running claim and wait for the section to end.
//
//  3. pending was still zero here: the initiator is yet to enumerate, will
//     see running == true, and will kick this worker.
func (w *Worker) ExecStart() {
	c := w.coord
	w.running.Store(true)

	if c.pending.Load() != 0 {
		c.mu.Lock()
		if !w.hasWaiter {
			// Not counted by the initiator, so this worker must not run
			// alongside the section. Holding the lock, the flags can be
			// flipped without rechecking pending in between.
			w.running.Store(false)
			capitan.Info(context.Background(), SignalExecStalled,
				FieldIndex.Field(w.index),
				FieldPending.Field(int(c.pending.Load())),
				FieldTimestamp.Field(float64(c.clock.Now().Unix())),
			)
			for c.pending.Load() != 0 {
				c.resume.Wait()
			}
			w.running.Store(true)
		}
		c.mu.Unlock()
	}
	c.metrics.Counter(ExecWindowsTotal).Inc()
}

// ExecEnd closes the execution window opened by ExecStart and, if a
// starting exclusive section counted this worker, reports it stopped.
//
// The running publish and pending read pair with StartExclusive exactly as
// in ExecStart. If the initiator did not count this worker, pending is left
// alone; the next ExecStart self-suspends if the section is still in
// flight.
func (w *Worker) ExecEnd() {
	c := w.coord
	w.running.Store(false)

	if c.pending.Load() != 0 {
		c.mu.Lock()
		if w.hasWaiter {
			w.hasWaiter = false
			if c.pending.Add(-1) == 1 {
				c.exclusive.Signal()
			}
		}
		c.mu.Unlock()
	}
}
