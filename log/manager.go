package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gleandb/glean/epoch"
)

// Manager owns every thread's log buffer and the per-thread log files,
// and advances the global durable epoch as buffered records reach disk.
// Log files live under folder/node_<n>/thread_<t>.log; within one file
// records are epoch-sorted with epoch marks at the boundaries.
type Manager struct {
	folder  string
	clock   *epoch.Clock
	buffers []*Buffer

	mutex sync.Mutex
	files map[uint16]*os.File

	stop chan struct{}
	done chan struct{}
}

func NewManager(folder string, clock *epoch.Clock, buffers []*Buffer) (*Manager, error) {
	mgr := &Manager{
		folder:  folder,
		clock:   clock,
		buffers: buffers,
		files:   map[uint16]*os.File{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, buf := range buffers {
		dir := mgr.NodeFolder(buf.Node())
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("log: %s", err)
		}
		f, err := os.OpenFile(mgr.ThreadLogPath(buf.Node(), buf.Thread()),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			mgr.closeFiles()
			return nil, fmt.Errorf("log: %s", err)
		}
		mgr.files[buf.Thread()] = f
	}
	return mgr, nil
}

func (mgr *Manager) NodeFolder(node uint8) string {
	return filepath.Join(mgr.folder, fmt.Sprintf("node_%d", node))
}

func (mgr *Manager) ThreadLogPath(node uint8, thread uint16) string {
	return filepath.Join(mgr.NodeFolder(node), fmt.Sprintf("thread_%d.log", thread))
}

func (mgr *Manager) Buffers() []*Buffer {
	return mgr.buffers
}

// Start runs the flush daemon; each tick drains completed epochs to disk
// and advances the durable frontier.
func (mgr *Manager) Start(interval time.Duration) {
	go func() {
		defer close(mgr.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-mgr.stop:
				err := mgr.Flush()
				if err != nil {
					log.WithField("error", err).Error("final log flush failed")
				}
				return
			case <-ticker.C:
				err := mgr.Flush()
				if err != nil {
					log.WithField("error", err).Error("log flush failed")
				}
			}
		}
	}()
}

func (mgr *Manager) Stop() {
	select {
	case <-mgr.stop:
	default:
		close(mgr.stop)
	}
	<-mgr.done
	mgr.closeFiles()
}

func (mgr *Manager) closeFiles() {
	mgr.mutex.Lock()
	for tid, f := range mgr.files {
		f.Close()
		delete(mgr.files, tid)
	}
	mgr.mutex.Unlock()
}

// Flush drains every buffer's completed epochs to its log file, fsyncs,
// and publishes the new durable epoch: the oldest epoch any buffer could
// guarantee.
func (mgr *Manager) Flush() error {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	grace := mgr.clock.Grace()
	if !grace.Valid() {
		return nil
	}

	durable := grace
	for _, buf := range mgr.buffers {
		safe := buf.SafeEpoch(grace)
		data := buf.Drain(safe)
		if len(data) > 0 {
			f, ok := mgr.files[buf.Thread()]
			if !ok {
				return fmt.Errorf("log: no file for thread %d", buf.Thread())
			}
			_, err := f.Write(data)
			if err != nil {
				return fmt.Errorf("log: thread %d: %s", buf.Thread(), err)
			}
			err = f.Sync()
			if err != nil {
				return fmt.Errorf("log: thread %d: %s", buf.Thread(), err)
			}
		}
		durable = epoch.Min(durable, safe)
	}

	mgr.clock.SetDurable(durable)
	return nil
}

// WaitDurable blocks until epoch e is durable, advancing the epoch clock
// and flushing as needed. This is the log-boundary advancement trigger.
func (mgr *Manager) WaitDurable(e epoch.Epoch) error {
	for {
		d := mgr.clock.Durable()
		if d.Valid() && !d.Before(e) {
			return nil
		}
		if !mgr.clock.Current().After(e) {
			mgr.clock.Advance()
		}
		err := mgr.Flush()
		if err != nil {
			return err
		}
		d = mgr.clock.Durable()
		if !d.Valid() || d.Before(e) {
			time.Sleep(time.Millisecond)
		}
	}
}
