package snapshot

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gleandb/glean/epoch"
	glog "github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
)

// logCursor reads one thread's log file record by record, tracking the
// epoch the stream is currently inside.
type logCursor struct {
	path     string
	file     *os.File
	r        *bufio.Reader
	curEpoch epoch.Epoch
	pending  []byte
	eof      bool
}

func openLogCursor(path string, bufBytes int) (*logCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &logCursor{path: path, eof: true}, nil
		}
		return nil, fmt.Errorf("snapshot: %s", err)
	}
	return &logCursor{
		path: path,
		file: f,
		r:    bufio.NewReaderSize(f, bufBytes),
	}, nil
}

func (lc *logCursor) close() {
	if lc.file != nil {
		lc.file.Close()
		lc.file = nil
	}
}

// next returns the next data record at or below the target epoch,
// leaving records of later epochs pending. Returns nil when the cursor
// has nothing more for this epoch.
func (lc *logCursor) next(target epoch.Epoch) ([]byte, error) {
	for {
		if lc.pending == nil {
			if lc.eof {
				return nil, nil
			}
			rec, err := lc.read()
			if err == io.EOF {
				lc.eof = true
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			lc.pending = rec
		}
		rec := lc.pending
		if glog.Type(rec) == glog.TypeEpochMark {
			lc.curEpoch = epoch.Epoch(glog.EpochMarkNew(rec))
			lc.pending = nil
			continue
		}
		if target.Before(lc.curEpoch) {
			// Belongs to a later epoch; hold it for the next round.
			return nil, nil
		}
		lc.pending = nil
		if glog.Type(rec) == glog.TypeFiller {
			continue
		}
		return rec, nil
	}
}

func (lc *logCursor) read() ([]byte, error) {
	var hdr [glog.HeaderSize]byte
	_, err := io.ReadFull(lc.r, hdr[:])
	if err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	total := glog.Length(hdr[:])
	if total < glog.HeaderSize {
		return nil, fmt.Errorf("snapshot: %s: bad record length %d", lc.path, total)
	}
	rec := make([]byte, total)
	copy(rec, hdr[:])
	_, err = io.ReadFull(lc.r, rec[glog.HeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s: truncated record", lc.path)
	}
	return rec, nil
}

// bucketKey identifies one mapper bucket: records of one storage bound
// for one partition.
type bucketKey struct {
	storageID storage.StorageId
	partition int
}

// Mapper reads one node's log files for the epoch window under snapshot
// and buckets the records by (storage, partition), handing full buckets
// to the owning reducer. Mappers step through the window one epoch at a
// time under the gleaner's barrier.
type Mapper struct {
	gleaner *Gleaner
	node    uint8
	cursors []*logCursor
	buckets map[bucketKey][]byte

	uninitOnce sync.Once
}

func newMapper(g *Gleaner, node uint8, logPaths []string) (*Mapper, error) {
	m := &Mapper{
		gleaner: g,
		node:    node,
		buckets: map[bucketKey][]byte{},
	}
	bufBytes := int(g.opts.LogMapperIoBufferKb) * 1024
	for _, path := range logPaths {
		lc, err := openLogCursor(path, bufBytes)
		if err != nil {
			m.uninit()
			return nil, err
		}
		m.cursors = append(m.cursors, lc)
	}
	return m, nil
}

// uninit is idempotent: it runs both on the worker's own exit and again
// from the gleaner's teardown when an earlier error interrupted the
// worker.
func (m *Mapper) uninit() {
	m.uninitOnce.Do(func() {
		for _, lc := range m.cursors {
			lc.close()
		}
	})
}

// run is the worker loop: process the current epoch, report completion,
// sleep until the barrier advances.
func (m *Mapper) run() error {
	defer m.uninit()
	log.WithField("node", m.node).Info("mapper started")
	for {
		e := m.gleaner.barrier.processingEpoch()
		err := m.handleEpoch(e)
		if err != nil {
			m.gleaner.barrier.reportError()
			return err
		}
		if !m.gleaner.barrier.waitNextEpoch() {
			break
		}
	}
	err := m.flushAll()
	if err != nil {
		m.gleaner.barrier.reportError()
		return err
	}
	log.WithField("node", m.node).Info("mapper finished")
	return nil
}

// handleEpoch routes every record of one epoch from this node's logs.
func (m *Mapper) handleEpoch(e epoch.Epoch) error {
	for _, lc := range m.cursors {
		for {
			rec, err := lc.next(e)
			if err != nil {
				return err
			}
			if rec == nil {
				break
			}
			if !lc.curEpoch.Valid() ||
				(m.gleaner.base.Valid() && !m.gleaner.base.Before(lc.curEpoch)) {
				// Already covered by the previous snapshot.
				continue
			}
			err = m.route(rec)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mapper) route(rec []byte) error {
	st, ok := m.gleaner.storMgr.Lookup(storage.StorageId(glog.StorageID(rec)))
	if !ok {
		// Storage dropped since the record was written.
		return nil
	}
	partition := st.Partitioner().Partition(rec, m.gleaner.partitions)
	key := bucketKey{storageID: st.ID(), partition: partition}
	m.buckets[key] = append(m.buckets[key], rec...)
	if len(m.buckets[key]) >= int(m.gleaner.opts.LogMapperBucketKb)*1024 {
		m.gleaner.reducers[partition].consume(m.buckets[key])
		m.buckets[key] = nil
	}
	return nil
}

func (m *Mapper) flushAll() error {
	for key, data := range m.buckets {
		if len(data) > 0 {
			m.gleaner.reducers[key.partition].consume(data)
		}
		delete(m.buckets, key)
	}
	return nil
}
