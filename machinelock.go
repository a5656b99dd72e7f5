package haltz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// MachineLock is the coarse lock protecting shared machine state — device
// models, the memory map, anything outside a single CPU. The dispatcher
// never assumes the lock's state; it asks HeldByCaller and acquires or
// releases around each callback according to the item's mode.
//
// Embedders that already have such a lock implement this interface over it;
// everyone else gets a TrackedMutex from New.
type MachineLock interface {
	Lock()
	Unlock()

	// HeldByCaller reports whether the calling goroutine holds the lock.
	HeldByCaller() bool
}

// TrackedMutex is a mutex that knows its holder, so any goroutine can ask
// whether it is the one holding it. It optionally reports acquisitions that
// had to wait longer than a threshold, the moral equivalent of a traced
// mutex in an emulator built with lock diagnostics on.
type TrackedMutex struct {
	mu        sync.Mutex
	holder    atomic.Int64
	clock     clockz.Clock
	warnAfter time.Duration
}

// NewTrackedMutex returns an unlocked TrackedMutex with contention
// reporting disabled.
func NewTrackedMutex() *TrackedMutex {
	return &TrackedMutex{}
}

// WithClock sets a custom clock for contention timing.
func (m *TrackedMutex) WithClock(clock clockz.Clock) *TrackedMutex {
	m.clock = clock
	return m
}

// WithWarnAfter enables contention reporting: an acquisition that blocks
// for d or longer emits a machinelock.contended signal. Zero disables.
func (m *TrackedMutex) WithWarnAfter(d time.Duration) *TrackedMutex {
	m.warnAfter = d
	return m
}

// Lock acquires the mutex and records the calling goroutine as holder.
func (m *TrackedMutex) Lock() {
	if m.warnAfter > 0 {
		clock := m.getClock()
		start := clock.Now()
		m.mu.Lock()
		if wait := clock.Since(start); wait >= m.warnAfter {
			capitan.Warn(context.Background(), SignalMachineLockContended,
				FieldWaitSeconds.Field(wait.Seconds()),
				FieldTimestamp.Field(float64(clock.Now().Unix())),
			)
		}
	} else {
		m.mu.Lock()
	}
	m.holder.Store(goid.Get())
}

// Unlock clears the holder and releases the mutex. Unlocking from a
// goroutine that does not hold it panics.
func (m *TrackedMutex) Unlock() {
	if m.holder.Load() != goid.Get() {
		panic("haltz: TrackedMutex.Unlock by a goroutine that does not hold it")
	}
	m.holder.Store(0)
	m.mu.Unlock()
}

// HeldByCaller reports whether the calling goroutine holds the mutex.
func (m *TrackedMutex) HeldByCaller() bool {
	return m.holder.Load() == goid.Get()
}

// getClock returns the clock to use.
func (m *TrackedMutex) getClock() clockz.Clock {
	if m.clock == nil {
		return clockz.RealClock
	}
	return m.clock
}
