// Package thread provides the per-thread execution context that storage
// operations run under: the thread's transaction, redo log buffer, page
// pool handle, and snapshot page reader.
package thread

import (
	"fmt"

	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/xct"
)

// SnapshotPageReader resolves snapshot page pointers into page frames;
// the snapshot file set implements it.
type SnapshotPageReader interface {
	ReadPage(storageID uint32, spp page.SnapshotPagePointer, frame []byte) error
}

// Thread is one execution context, pinned (logically) to a NUMA node. It
// carries at most one active transaction. Threads are created by the
// engine at start and handed to worker goroutines; a thread must not be
// used from two goroutines at once.
type Thread struct {
	id   uint16
	node uint8

	xct     *xct.Xct
	logBuf  *log.Buffer
	pool    *memory.GlobalPool
	snapRdr SnapshotPageReader

	// snapFrame is scratch for reading one snapshot page during record
	// accesses; reused across operations.
	snapFrame []byte
}

func New(id uint16, node uint8, x *xct.Xct, logBuf *log.Buffer,
	pool *memory.GlobalPool) *Thread {

	return &Thread{
		id:        id,
		node:      node,
		xct:       x,
		logBuf:    logBuf,
		pool:      pool,
		snapFrame: make([]byte, page.Size),
	}
}

func (t *Thread) ID() uint16 {
	return t.id
}

func (t *Thread) Node() uint8 {
	return t.node
}

func (t *Thread) Xct() *xct.Xct {
	return t.xct
}

func (t *Thread) LogBuffer() *log.Buffer {
	return t.logBuf
}

func (t *Thread) Pool() *memory.GlobalPool {
	return t.pool
}

func (t *Thread) SetSnapshotReader(rdr SnapshotPageReader) {
	t.snapRdr = rdr
}

// ReadSnapshotPage reads an immutable snapshot page into the thread's
// scratch frame; the frame is valid until the next call on this thread.
func (t *Thread) ReadSnapshotPage(storageID uint32,
	spp page.SnapshotPagePointer) ([]byte, error) {

	if t.snapRdr == nil {
		return nil, fmt.Errorf("thread %d: no snapshot reader", t.id)
	}
	err := t.snapRdr.ReadPage(storageID, spp, t.snapFrame)
	if err != nil {
		return nil, err
	}
	return t.snapFrame, nil
}

// Pool of threads, partitioned across nodes: thread i belongs to node
// i / threadsPerNode.
type Pool struct {
	threads []*Thread
	perNode int
}

func NewPool(nodes, threadsPerNode, maxReadSet, maxWriteSet, localWorkBytes int,
	pool *memory.GlobalPool) *Pool {

	p := &Pool{perNode: threadsPerNode}
	for i := 0; i < nodes*threadsPerNode; i++ {
		id := uint16(i)
		node := uint8(i / threadsPerNode)
		x := xct.NewXct(id, maxReadSet, maxWriteSet, localWorkBytes)
		buf := log.NewBuffer(node, id)
		p.threads = append(p.threads, New(id, node, x, buf, pool))
	}
	return p
}

func (p *Pool) Size() int {
	return len(p.threads)
}

func (p *Pool) Thread(id uint16) *Thread {
	return p.threads[id]
}

func (p *Pool) Threads() []*Thread {
	return p.threads
}

func (p *Pool) Buffers() []*log.Buffer {
	bufs := make([]*log.Buffer, 0, len(p.threads))
	for _, t := range p.threads {
		bufs = append(bufs, t.logBuf)
	}
	return bufs
}

// ClearRetrospectives drops every thread's retrospective lock list; the
// snapshot installer calls this inside the pause window because volatile
// drops may invalidate the record addresses the lists hold.
func (p *Pool) ClearRetrospectives() {
	for _, t := range p.threads {
		t.xct.Retrospective().Clear()
	}
}
