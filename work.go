package haltz

import (
	"context"
	"strconv"
)

// Func is a callback delivered to a worker. It runs on the worker's own
// goroutine, with the machine lock held or released according to the entry
// point it was submitted through.
type Func func(w *Worker)

// Mode identifies how a work item is delivered and which machine-lock
// contract its callback runs under.
type Mode uint8

const (
	// ModeSync items are submitter-owned; Run blocks until the callback
	// has completed. The machine lock is held while it runs.
	ModeSync Mode = iota

	// ModeAsync items run with the machine lock held; the submitter does
	// not wait.
	ModeAsync

	// ModeAsyncUnlocked items run with the machine lock released, for
	// callbacks that take locks ordered before it.
	ModeAsyncUnlocked

	// ModeExclusive items run inside a StartExclusive/EndExclusive pair,
	// with the machine lock released and every other worker stopped.
	ModeExclusive
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeAsyncUnlocked:
		return "async-unlocked"
	case ModeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// workItem is one queued callback. The mode tag replaces the flag triple of
// a classic work item, so contradictory combinations (an exclusive item
// that wants the machine lock, a queue-owned item with a completion flag)
// cannot be built.
type workItem struct {
	fn   Func
	mode Mode
	done bool // sync items only; guarded by the worker's mutex
}

// queueLocked appends an item and kicks the worker. Caller holds w.mu.
func (w *Worker) queueLocked(it *workItem) {
	it.done = false
	w.queue = append(w.queue, it)
	w.coord.metrics.Counter(WorkEnqueuedTotal).Inc()
	w.Kick()
}

func (w *Worker) enqueue(it *workItem) {
	w.mu.Lock()
	w.queueLocked(it)
	w.mu.Unlock()
}

// Run executes fn on w's goroutine and returns once it has completed, with
// the machine lock held for the duration of the callback.
//
// Called on w's own goroutine, fn runs inline (taking the machine lock
// first if the caller does not hold it). Called from anywhere else, Run
// releases the machine lock if held — sleeping with it held would deadlock
// against an exclusive item queued ahead of this one — enqueues, kicks the
// worker, and waits on the worker's condition variable; the lock is
// reacquired before returning. The caller's Current binding is untouched by
// the wait.
func (w *Worker) Run(fn Func) {
	c := w.coord
	held := c.machine.HeldByCaller()

	if w.IsSelf() {
		if held {
			fn(w)
		} else {
			c.machine.Lock()
			fn(w)
			c.machine.Unlock()
		}
		c.completed(w, ModeSync)
		return
	}

	if held {
		c.machine.Unlock()
	}

	it := &workItem{fn: fn, mode: ModeSync}
	w.mu.Lock()
	w.queueLocked(it)
	for !it.done {
		w.cond.Wait()
	}
	w.mu.Unlock()

	if held {
		c.machine.Lock()
	}
}

// RunAsync queues fn on w and returns immediately. The callback runs with
// the machine lock held.
func (w *Worker) RunAsync(fn Func) {
	w.enqueue(&workItem{fn: fn, mode: ModeAsync})
}

// RunAsyncUnlocked queues fn on w and returns immediately. The callback
// runs with the machine lock released, so it may take locks that order
// before the machine lock without inverting the hierarchy.
func (w *Worker) RunAsyncUnlocked(fn Func) {
	w.enqueue(&workItem{fn: fn, mode: ModeAsyncUnlocked})
}

// RunExclusive queues fn on w and returns immediately. When the item
// reaches the head of the queue, w quiesces every other worker via the
// exclusive barrier, runs fn, and releases them. The callback runs with the
// machine lock released and w's InExclusive reporting true.
func (w *Worker) RunExclusive(fn Func) {
	w.enqueue(&workItem{fn: fn, mode: ModeExclusive})
}

// ProcessQueue drains w's work queue. It must be called from w's own
// goroutine at a safe point, outside any execution window.
//
// The worker's mutex is released around every callback, so submitters keep
// enqueueing while a long item runs; anything they add is picked up by the
// same drain. Once the queue is empty the worker's condition variable is
// broadcast to wake synchronous submitters.
func (w *Worker) ProcessQueue() {
	c := w.coord

	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	held := c.machine.HeldByCaller()
	_, span := c.tracer.StartSpan(context.Background(), QueueDrainSpan)
	span.SetTag(TagWorkerIndex, strconv.Itoa(w.index))

	drained := 0
	for len(w.queue) > 0 {
		it := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		switch it.mode {
		case ModeExclusive:
			// The barrier must not be entered with the machine lock held:
			// another worker stuck acquiring it could never reach ExecEnd,
			// and StartExclusive would wait on that worker forever.
			if held {
				c.machine.Unlock()
			}
			c.StartExclusive()
			it.fn(w)
			c.EndExclusive()
			if held {
				c.machine.Lock()
			}
		case ModeAsyncUnlocked:
			if held {
				c.machine.Unlock()
				it.fn(w)
				c.machine.Lock()
			} else {
				it.fn(w)
			}
		default: // ModeSync, ModeAsync
			if held {
				it.fn(w)
			} else {
				c.machine.Lock()
				it.fn(w)
				c.machine.Unlock()
			}
		}
		c.completed(w, it.mode)
		drained++

		w.mu.Lock()
		if it.mode == ModeSync {
			// Published to the submitter by the broadcast below; the
			// submitter rechecks under w.mu.
			it.done = true
		}
	}
	w.cond.Broadcast()
	w.mu.Unlock()

	span.SetTag(TagDrainedItems, strconv.Itoa(drained))
	span.Finish()
}

// completed records one finished work item.
func (c *Coordinator) completed(w *Worker, mode Mode) {
	c.metrics.Counter(WorkCompletedTotal).Inc()
	if c.hooks.ListenerCount(EventWorkCompleted) > 0 {
		_ = c.hooks.Emit(context.Background(), EventWorkCompleted, Event{ //nolint:errcheck
			Index:     w.index,
			Mode:      mode,
			Timestamp: c.clock.Now(),
		})
	}
}
