package haltz

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for Coordinator observability.
const (
	WorkersAddedTotal      = metricz.Key("registry.workers.added.total")
	WorkersRemovedTotal    = metricz.Key("registry.workers.removed.total")
	ExclusiveSectionsTotal = metricz.Key("exclusive.sections.total")
	WorkEnqueuedTotal      = metricz.Key("work.enqueued.total")
	WorkCompletedTotal     = metricz.Key("work.completed.total")
	KicksTotal             = metricz.Key("worker.kicks.total")
	ExecWindowsTotal       = metricz.Key("worker.exec.windows.total")
)

// Span names for Coordinator operations.
const (
	ExclusiveQuiesceSpan = tracez.Key("exclusive.quiesce")
	QueueDrainSpan       = tracez.Key("worker.drain")
)

// Span tags for Coordinator operations.
const (
	TagWorkerIndex    = tracez.Tag("worker.index")
	TagStoppedWorkers = tracez.Tag("exclusive.stopped")
	TagDrainedItems   = tracez.Tag("drain.items")
)

// Hook event keys.
const (
	EventWorkerAdded      = hookz.Key("registry.worker.added")
	EventWorkerRemoved    = hookz.Key("registry.worker.removed")
	EventExclusiveStarted = hookz.Key("exclusive.started")
	EventExclusiveEnded   = hookz.Key("exclusive.ended")
	EventWorkCompleted    = hookz.Key("work.completed")
)

// Event is the payload delivered to hook handlers registered on a
// Coordinator. Fields that do not apply to a particular event are left at
// their zero value; Index is Unassigned for events not tied to one worker.
type Event struct {
	Timestamp time.Time     // When the event occurred
	Duration  time.Duration // Callback or section duration, where measured
	Index     int           // Worker index the event concerns
	Stopped   int           // Workers quiesced (exclusive.started)
	Mode      Mode          // Delivery mode (work.completed)
}

// Unassigned is the sentinel index of a worker that is not in a registry.
// NewWorker starts workers at Unassigned; Add replaces it and Remove
// restores it.
const Unassigned = -1

// Coordinator owns the shared state of a worker pool: the registry of live
// workers and the exclusive barrier that lets one thread stop all of them.
//
// Workers reference their coordinator but never own it, and the coordinator
// holds the only strong references to registered workers, so the ownership
// graph is a DAG. One process may run several independent coordinators;
// nothing in the package is global.
//
// The pending count at the heart of the barrier has three meanings:
//
//	0     no exclusive section in flight
//	1     an exclusive section is executing; all counted workers stopped
//	n >= 2  a section is starting; n-1 workers still have to stop
//
// It is written under the registry lock and read with atomic loads on the
// execution fast path. The sequentially consistent publish in
// StartExclusive pairs with the running publish in ExecStart so that no
// worker can both set running and be missed by the enumeration.
type Coordinator struct {
	clock   clockz.Clock
	machine MachineLock

	mu        sync.Mutex // registry lock: membership, pending writes, hasWaiter writes
	exclusive *sync.Cond // signalled when the last counted worker quiesces
	resume    *sync.Cond // broadcast when an exclusive section ends

	workers      atomic.Pointer[[]*Worker] // copy-on-write registry snapshot
	pending      atomic.Int32
	autoAssigned bool // an index was ever auto-assigned; guarded by mu

	current        sync.Map  // goroutine id -> *Worker
	exclusiveSince time.Time // section start; touched only by the barrier holder

	// Observability
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[Event]
}

// New creates a Coordinator with an empty registry, no exclusive section in
// flight, and a fresh TrackedMutex as the machine lock.
func New() *Coordinator {
	registry := metricz.New()
	registry.Counter(WorkersAddedTotal)
	registry.Counter(WorkersRemovedTotal)
	registry.Counter(ExclusiveSectionsTotal)
	registry.Counter(WorkEnqueuedTotal)
	registry.Counter(WorkCompletedTotal)
	registry.Counter(KicksTotal)
	registry.Counter(ExecWindowsTotal)

	c := &Coordinator{
		clock:   clockz.RealClock,
		machine: NewTrackedMutex(),
		metrics: registry,
		tracer:  tracez.New(),
		hooks:   hookz.New[Event](),
	}
	c.exclusive = sync.NewCond(&c.mu)
	c.resume = sync.NewCond(&c.mu)
	empty := make([]*Worker, 0)
	c.workers.Store(&empty)
	return c
}

// WithClock sets a custom clock for timestamps and durations.
func (c *Coordinator) WithClock(clock clockz.Clock) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

// WithMachineLock replaces the machine lock. Call before any worker starts;
// the dispatcher consults the lock on every drain.
func (c *Coordinator) WithMachineLock(l MachineLock) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine = l
	return c
}

// MachineLock returns the coarse lock the dispatcher toggles around
// callbacks.
func (c *Coordinator) MachineLock() MachineLock {
	return c.machine
}

// Add inserts w into the registry. A worker carrying the Unassigned
// sentinel gets the lowest index above every registered one, and from then
// on every other worker in this coordinator must also be auto-assigned;
// a manual index after an automatic one panics, as does a duplicate
// manual index. An automatic index after manual ones is accepted.
func (c *Coordinator) Add(w *Worker) {
	c.addLocked(w)
	c.metrics.Counter(WorkersAddedTotal).Inc()
	if c.hooks.ListenerCount(EventWorkerAdded) > 0 {
		_ = c.hooks.Emit(context.Background(), EventWorkerAdded, Event{ //nolint:errcheck
			Index:     w.index,
			Timestamp: c.clock.Now(),
		})
	}
}

func (c *Coordinator) addLocked(w *Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.index == Unassigned {
		w.index = c.freeIndexLocked()
		c.autoAssigned = true
	} else if c.autoAssigned {
		panic("haltz: manual worker index after automatic assignment")
	}
	snapshot := *c.workers.Load()
	for _, other := range snapshot {
		if other.index == w.index {
			panic("haltz: duplicate worker index " + strconv.Itoa(w.index))
		}
	}

	next := make([]*Worker, len(snapshot)+1)
	copy(next, snapshot)
	next[len(snapshot)] = w
	c.workers.Store(&next)
	w.linked = true
}

// freeIndexLocked returns one more than the highest registered index.
// Caller holds c.mu.
func (c *Coordinator) freeIndexLocked() int {
	max := 0
	for _, w := range *c.workers.Load() {
		if w.index >= max {
			max = w.index + 1
		}
	}
	return max
}

// Remove takes w out of the registry and resets its index to Unassigned.
// Removing a worker that was never added, or was already removed, is a
// no-op.
func (c *Coordinator) Remove(w *Worker) {
	index, removed := c.removeLocked(w)
	if !removed {
		return
	}
	c.metrics.Counter(WorkersRemovedTotal).Inc()
	if c.hooks.ListenerCount(EventWorkerRemoved) > 0 {
		_ = c.hooks.Emit(context.Background(), EventWorkerRemoved, Event{ //nolint:errcheck
			Index:     index,
			Timestamp: c.clock.Now(),
		})
	}
}

func (c *Coordinator) removeLocked(w *Worker) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !w.linked {
		return Unassigned, false
	}
	snapshot := *c.workers.Load()
	next := make([]*Worker, 0, len(snapshot)-1)
	for _, other := range snapshot {
		if other != w {
			next = append(next, other)
		}
	}
	c.workers.Store(&next)
	w.linked = false
	index := w.index
	w.index = Unassigned
	return index, true
}

// ForEach calls fn for every registered worker until fn returns false.
//
// Iteration walks the registry snapshot current at the time of the call and
// takes no locks, so it never blocks writers; workers added or removed
// concurrently may or may not be observed. Callers that need a consistent
// enumeration bracket the call with Lock/Unlock.
func (c *Coordinator) ForEach(fn func(*Worker) bool) {
	for _, w := range *c.workers.Load() {
		if !fn(w) {
			return
		}
	}
}

// Len returns the number of registered workers.
func (c *Coordinator) Len() int {
	return len(*c.workers.Load())
}

// Lock acquires the registry lock. While held, the registry cannot change
// and no exclusive section can start or finish.
func (c *Coordinator) Lock() {
	c.mu.Lock()
}

// Unlock releases the registry lock.
func (c *Coordinator) Unlock() {
	c.mu.Unlock()
}

// Current returns the worker attached to the calling goroutine, or nil if
// the caller is not a worker goroutine of this coordinator.
func (c *Coordinator) Current() *Worker {
	if w, ok := c.current.Load(goid.Get()); ok {
		return w.(*Worker)
	}
	return nil
}

// StartExclusive stops every running worker and returns once all of them
// have left their execution windows. Until the matching EndExclusive,
// workers entering ExecStart block, so the caller has mutual exclusion
// against the whole pool.
//
// Concurrent initiators serialize: a second StartExclusive waits for the
// first section to end before starting its own. Calling StartExclusive
// again from a worker goroutine (one that called Attach) already holding
// the section panics. A goroutine with no attached worker is not checked: a
// second call from it waits for its own section to end and never returns.
// The caller
// must not hold the machine lock (a worker blocked on it could never reach
// ExecEnd) and must not be inside its own execution window.
func (c *Coordinator) StartExclusive() {
	self := c.Current()
	if self != nil && self.inExclusive {
		panic("haltz: StartExclusive from the goroutine already holding the exclusive section")
	}

	ctx, span := c.tracer.StartSpan(context.Background(), ExclusiveQuiesceSpan)
	start := c.clock.Now()

	c.mu.Lock()
	// Wait out any section already in flight.
	for c.pending.Load() != 0 {
		c.resume.Wait()
	}

	// Announce the section before reading the running flags. This store and
	// the loads below are sequentially consistent: a worker that publishes
	// running after this point observes pending != 0 in ExecStart and
	// suspends itself; a worker that published before is seen here and
	// counted.
	c.pending.Store(1)

	stopped := 0
	for _, w := range *c.workers.Load() {
		if w == self {
			continue
		}
		if w.running.Load() {
			w.hasWaiter = true
			stopped++
			w.Kick()
		}
	}
	c.pending.Store(int32(stopped) + 1)

	if stopped > 0 {
		capitan.Warn(ctx, SignalExclusiveWaiting,
			FieldStopped.Field(stopped),
			FieldPending.Field(stopped+1),
			FieldTimestamp.Field(float64(start.Unix())),
		)
	}
	for c.pending.Load() > 1 {
		c.exclusive.Wait()
	}
	c.mu.Unlock()

	// Safe without the lock: no other initiator can proceed until
	// EndExclusive resets pending to 0.
	if self != nil {
		self.inExclusive = true
	}
	c.exclusiveSince = c.clock.Now()
	c.metrics.Counter(ExclusiveSectionsTotal).Inc()

	span.SetTag(TagStoppedWorkers, strconv.Itoa(stopped))
	span.Finish()

	if c.hooks.ListenerCount(EventExclusiveStarted) > 0 {
		_ = c.hooks.Emit(ctx, EventExclusiveStarted, Event{ //nolint:errcheck
			Index:     indexOf(self),
			Stopped:   stopped,
			Timestamp: c.clock.Now(),
		})
	}
}

// EndExclusive finishes the exclusive section and releases every worker
// blocked on it.
func (c *Coordinator) EndExclusive() {
	self := c.Current()
	if self != nil {
		self.inExclusive = false
	}
	sectionStart := c.exclusiveSince

	c.mu.Lock()
	c.pending.Store(0)
	c.resume.Broadcast()
	c.mu.Unlock()

	if c.hooks.ListenerCount(EventExclusiveEnded) > 0 {
		now := c.clock.Now()
		_ = c.hooks.Emit(context.Background(), EventExclusiveEnded, Event{ //nolint:errcheck
			Index:     indexOf(self),
			Duration:  now.Sub(sectionStart),
			Timestamp: now,
		})
	}
}

func indexOf(w *Worker) int {
	if w == nil {
		return Unassigned
	}
	return w.index
}

// OnWorkerAdded registers a handler called after a worker joins the
// registry. The handler runs asynchronously.
func (c *Coordinator) OnWorkerAdded(handler func(context.Context, Event) error) error {
	_, err := c.hooks.Hook(EventWorkerAdded, handler)
	return err
}

// OnWorkerRemoved registers a handler called after a worker leaves the
// registry. The handler runs asynchronously.
func (c *Coordinator) OnWorkerRemoved(handler func(context.Context, Event) error) error {
	_, err := c.hooks.Hook(EventWorkerRemoved, handler)
	return err
}

// OnExclusiveStarted registers a handler called once an exclusive section
// has quiesced the pool. The handler runs asynchronously.
func (c *Coordinator) OnExclusiveStarted(handler func(context.Context, Event) error) error {
	_, err := c.hooks.Hook(EventExclusiveStarted, handler)
	return err
}

// OnExclusiveEnded registers a handler called when an exclusive section
// ends. The handler runs asynchronously.
func (c *Coordinator) OnExclusiveEnded(handler func(context.Context, Event) error) error {
	_, err := c.hooks.Hook(EventExclusiveEnded, handler)
	return err
}

// OnWorkCompleted registers a handler called after each work item finishes.
// The handler runs asynchronously.
func (c *Coordinator) OnWorkCompleted(handler func(context.Context, Event) error) error {
	_, err := c.hooks.Hook(EventWorkCompleted, handler)
	return err
}

// Metrics returns the metrics registry for this coordinator.
func (c *Coordinator) Metrics() *metricz.Registry {
	return c.metrics
}

// Tracer returns the tracer for this coordinator.
func (c *Coordinator) Tracer() *tracez.Tracer {
	return c.tracer
}

// Close shuts down the observability components. Workers and queued items
// are unaffected.
func (c *Coordinator) Close() error {
	c.tracer.Close()
	c.hooks.Close()
	return nil
}
