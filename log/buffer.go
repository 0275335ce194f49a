package log

import (
	"sync"
	"sync/atomic"

	"github.com/gleandb/glean/epoch"
)

// Buffer is one thread's redo log buffer. The owning thread is the only
// appender; the log manager drains completed epochs to the thread's log
// file. An epoch-mark record is inserted whenever the commit epoch of
// appended records changes, so the on-disk stream is epoch-delimited.
type Buffer struct {
	node   uint8
	thread uint16

	// inCommit is the epoch of a commit whose records are about to be
	// appended; the manager must not declare that epoch durable until the
	// append lands. Zero when no commit is in flight.
	inCommit atomic.Uint32

	mutex    sync.Mutex
	data     []byte
	segments []segment
	last     epoch.Epoch
}

// segment marks where records of one epoch begin within data.
type segment struct {
	epoch epoch.Epoch
	start int
}

func NewBuffer(node uint8, thread uint16) *Buffer {
	return &Buffer{
		node:   node,
		thread: thread,
	}
}

func (buf *Buffer) Node() uint8 {
	return buf.node
}

func (buf *Buffer) Thread() uint16 {
	return buf.thread
}

// BeginCommit publishes the epoch a commit is about to append records
// into. Must be called before the commit's epoch read becomes externally
// visible through record publication.
func (buf *Buffer) BeginCommit(e epoch.Epoch) {
	buf.inCommit.Store(uint32(e))
}

// EndCommit clears the in-flight marker set by BeginCommit.
func (buf *Buffer) EndCommit() {
	buf.inCommit.Store(uint32(epoch.Invalid))
}

// Append adds the records of one committed transaction, all in epoch e.
func (buf *Buffer) Append(e epoch.Epoch, records [][]byte) {
	buf.mutex.Lock()
	if e != buf.last {
		buf.segments = append(buf.segments, segment{epoch: e, start: len(buf.data)})
		buf.data = append(buf.data, NewEpochMark(uint32(buf.last), uint32(e))...)
		buf.last = e
	}
	for _, rec := range records {
		buf.data = append(buf.data, rec...)
	}
	buf.mutex.Unlock()
}

// SafeEpoch returns the newest epoch this buffer allows to be declared
// durable, given the global candidate. An in-flight commit holds the
// frontier back to just before its epoch.
func (buf *Buffer) SafeEpoch(candidate epoch.Epoch) epoch.Epoch {
	in := epoch.Epoch(buf.inCommit.Load())
	if in.Valid() && in.Prev().Before(candidate) {
		return in.Prev()
	}
	return candidate
}

// Drain removes and returns all buffered bytes belonging to epochs at or
// before upTo.
func (buf *Buffer) Drain(upTo epoch.Epoch) []byte {
	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	cut := len(buf.data)
	nseg := len(buf.segments)
	for i, seg := range buf.segments {
		if upTo.Before(seg.epoch) {
			cut = seg.start
			nseg = i
			break
		}
	}
	if cut == 0 {
		return nil
	}

	drained := make([]byte, cut)
	copy(drained, buf.data[:cut])
	rest := buf.data[cut:]
	buf.data = append(buf.data[:0], rest...)
	segments := buf.segments[nseg:]
	for i := range segments {
		segments[i].start -= cut
	}
	buf.segments = append(buf.segments[:0], segments...)
	return drained
}

// Buffered returns the current number of buffered bytes.
func (buf *Buffer) Buffered() int {
	buf.mutex.Lock()
	n := len(buf.data)
	buf.mutex.Unlock()
	return n
}
