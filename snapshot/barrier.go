package snapshot

import (
	"sync"

	"github.com/gleandb/glean/epoch"
)

// epochBarrier coordinates the mappers' lock-step march through the
// snapshot window. Workers process one epoch, report completion, and
// sleep; the last completion wakes the gleaner, which advances the
// processing epoch and broadcasts.
type epochBarrier struct {
	mutex sync.Mutex
	cond  *sync.Cond

	processing epoch.Epoch
	validUntil epoch.Epoch
	allCount   int
	completed  int
	errorCount int
	stopped    bool
}

func newEpochBarrier(first, validUntil epoch.Epoch, workers int) *epochBarrier {
	b := &epochBarrier{
		processing: first,
		validUntil: validUntil,
		allCount:   workers,
	}
	b.cond = sync.NewCond(&b.mutex)
	return b
}

func (b *epochBarrier) processingEpoch() epoch.Epoch {
	b.mutex.Lock()
	e := b.processing
	b.mutex.Unlock()
	return e
}

// waitNextEpoch reports this worker done with the current epoch and
// blocks until the barrier advances. Returns false when the window is
// exhausted or the gleaner stopped the cycle.
func (b *epochBarrier) waitNextEpoch() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	next := b.processing.Next()
	b.completed++
	if b.completed == b.allCount {
		// Last one through; wake everyone including the gleaner.
		b.cond.Broadcast()
	}
	if b.validUntil.Before(next) {
		return false
	}
	for b.processing != next && !b.stopped {
		b.cond.Wait()
	}
	return !b.stopped
}

// advanceWhenComplete is the gleaner side: wait for all workers, then
// advance. Returns false when the window is exhausted or an error was
// reported.
func (b *epochBarrier) advanceWhenComplete() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for b.completed < b.allCount && b.errorCount == 0 && !b.stopped {
		b.cond.Wait()
	}
	if b.errorCount > 0 || b.stopped {
		return false
	}
	next := b.processing.Next()
	if b.validUntil.Before(next) {
		return false
	}
	b.completed = 0
	b.processing = next
	b.cond.Broadcast()
	return true
}

func (b *epochBarrier) reportError() {
	b.mutex.Lock()
	b.errorCount++
	b.stopped = true
	b.cond.Broadcast()
	b.mutex.Unlock()
}

func (b *epochBarrier) stop() {
	b.mutex.Lock()
	b.stopped = true
	b.cond.Broadcast()
	b.mutex.Unlock()
}

func (b *epochBarrier) failed() bool {
	b.mutex.Lock()
	n := b.errorCount
	b.mutex.Unlock()
	return n > 0
}
