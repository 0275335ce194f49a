package xct

import (
	"sync"
)

// rundownLatch is the global begin/pause barrier. Transaction begins
// acquire it in shared mode for the transaction's lifetime; the snapshot
// installer acquires it exclusively. A begin already in progress when the
// installer arrives completes; later begins block until the installer
// releases. Precommits and aborts never block on the latch.
type rundownLatch struct {
	mutex   sync.Mutex
	cond    *sync.Cond
	active  int
	pausing bool
}

func newRundownLatch() *rundownLatch {
	l := &rundownLatch{}
	l.cond = sync.NewCond(&l.mutex)
	return l
}

// enter acquires the latch in shared mode.
func (l *rundownLatch) enter() {
	l.mutex.Lock()
	for l.pausing {
		l.cond.Wait()
	}
	l.active++
	l.mutex.Unlock()
}

// exit releases one shared hold.
func (l *rundownLatch) exit() {
	l.mutex.Lock()
	l.active--
	if l.active == 0 {
		l.cond.Broadcast()
	}
	l.mutex.Unlock()
}

// pause blocks new entries and waits for in-flight holders to drain.
func (l *rundownLatch) pause() {
	l.mutex.Lock()
	l.pausing = true
	for l.active > 0 {
		l.cond.Wait()
	}
	l.mutex.Unlock()
}

// resume lifts the pause.
func (l *rundownLatch) resume() {
	l.mutex.Lock()
	l.pausing = false
	l.cond.Broadcast()
	l.mutex.Unlock()
}
