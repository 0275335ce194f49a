package snapshot

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gleandb/glean/memory"
)

// Manager runs the snapshot daemon: a background worker that triggers a
// gleaner cycle on the configured interval, under page pool pressure, or
// on demand.
type Manager struct {
	opts    *Options
	gleaner *Gleaner
	pool    *memory.GlobalPool

	mutex   sync.Mutex
	running bool
	last    *Snapshot

	trigger chan chan error
	stop    chan struct{}
	done    chan struct{}
}

func NewManager(opts *Options, gleaner *Gleaner, pool *memory.GlobalPool) *Manager {
	return &Manager{
		opts:    opts,
		gleaner: gleaner,
		pool:    pool,
		trigger: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the snapshot daemon.
func (mgr *Manager) Start() {
	mgr.mutex.Lock()
	if mgr.running {
		mgr.mutex.Unlock()
		return
	}
	mgr.running = true
	mgr.mutex.Unlock()

	go mgr.daemon()
}

// Stop shuts the daemon down; idempotent.
func (mgr *Manager) Stop() {
	mgr.mutex.Lock()
	if !mgr.running {
		mgr.mutex.Unlock()
		return
	}
	mgr.running = false
	mgr.mutex.Unlock()

	close(mgr.stop)
	<-mgr.done
}

// Latest returns the most recently completed snapshot of this process.
func (mgr *Manager) Latest() *Snapshot {
	mgr.mutex.Lock()
	snap := mgr.last
	mgr.mutex.Unlock()
	return snap
}

// TriggerSnapshot requests an immediate cycle and waits for it.
func (mgr *Manager) TriggerSnapshot() error {
	reply := make(chan error, 1)
	select {
	case mgr.trigger <- reply:
		return <-reply
	case <-mgr.stop:
		return nil
	}
}

func (mgr *Manager) daemon() {
	defer close(mgr.done)
	interval := time.Duration(mgr.opts.SnapshotIntervalMilliseconds) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// Pool pressure is polled more often than the snapshot interval.
	pressure := time.NewTicker(interval/10 + time.Millisecond)
	defer pressure.Stop()

	for {
		select {
		case <-mgr.stop:
			return
		case reply := <-mgr.trigger:
			reply <- mgr.runCycle("manual")
		case <-ticker.C:
			err := mgr.runCycle("interval")
			if err != nil {
				log.WithField("error", err).Error("interval snapshot failed")
			}
		case <-pressure.C:
			trigger := mgr.opts.SnapshotTriggerPagePoolPercent
			if trigger < 100 && mgr.pool.MinFreePercent() < trigger {
				err := mgr.runCycle("pool-pressure")
				if err != nil {
					log.WithField("error", err).Error("pool-pressure snapshot failed")
				}
			}
		}
	}
}

// runCycle executes one gleaner run. Structural failures abandon the
// cycle; transactions continue against the last good snapshot.
func (mgr *Manager) runCycle(reason string) error {
	log.WithField("reason", reason).Debug("snapshot cycle starting")
	snap, err := mgr.gleaner.Run()
	if err != nil {
		log.WithFields(log.Fields{
			"reason": reason,
			"error":  err,
		}).Error("snapshot cycle abandoned")
		return err
	}
	if snap != nil {
		mgr.mutex.Lock()
		mgr.last = snap
		mgr.mutex.Unlock()
	}
	return nil
}
