package engine

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/flags"
	glog "github.com/gleandb/glean/log"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/snapshot"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/array"
	"github.com/gleandb/glean/storage/hash"
	"github.com/gleandb/glean/storage/ordered"
	"github.com/gleandb/glean/storage/seq"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

// Engine is the single owning root. Build one with New, Start it, use
// its thread contexts to run transactions, and Stop it; Start and Stop
// are idempotent.
type Engine struct {
	opts Options

	clock    *epoch.Clock
	pool     *memory.GlobalPool
	threads  *thread.Pool
	logMgr   *glog.Manager
	storMgr  *storage.Manager
	xctMgr   *xct.Manager
	fileSet  *snapshot.FileSet
	manifest *snapshot.Manifest
	snapMgr  *snapshot.Manager

	mutex   sync.Mutex
	started bool
	stopped bool
}

func New(opts Options) (*Engine, error) {
	err := opts.verify()
	if err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// Start builds and launches every component, reloading storages from the
// latest snapshot manifest when one exists.
func (e *Engine) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return nil
	}

	e.clock = epoch.NewClock(1)

	pool, err := memory.NewGlobalPool(e.opts.Nodes, e.opts.PoolPagesPerNode)
	if err != nil {
		return err
	}
	e.pool = pool

	e.threads = thread.NewPool(e.opts.Nodes, e.opts.ThreadsPerNode,
		e.opts.MaxReadSetSize, e.opts.MaxWriteSetSize, e.opts.LocalWorkMemoryBytes,
		e.pool)

	e.logMgr, err = glog.NewManager(e.opts.LogFolder, e.clock, e.threads.Buffers())
	if err != nil {
		e.pool.Close()
		return err
	}

	e.storMgr = storage.NewManager(&storage.Context{
		Pool:    e.pool,
		Nodes:   e.opts.Nodes,
		Threads: e.threads.Size(),
	})

	e.xctMgr = xct.NewManager(e.clock, e.logMgr, e.storMgr, e.opts.OrdinalCap)
	e.xctMgr.SetRetrospectiveLocking(e.opts.Flags.GetFlag(flags.RetrospectiveLocking))

	e.fileSet = snapshot.NewFileSet(&e.opts.Snapshot)
	for _, t := range e.threads.Threads() {
		t.SetSnapshotReader(e.fileSet)
	}

	e.manifest, err = snapshot.OpenManifest(&e.opts.Snapshot)
	if err != nil {
		e.logMgr.Stop()
		e.pool.Close()
		return err
	}

	err = e.reloadFromManifest()
	if err != nil {
		e.manifest.Close()
		e.logMgr.Stop()
		e.pool.Close()
		return err
	}

	gleaner := snapshot.NewGleaner(&e.opts.Snapshot, e.clock, e.logMgr, e.storMgr,
		e.xctMgr, e.pool, e.threads, e.fileSet, e.manifest)
	e.snapMgr = snapshot.NewManager(&e.opts.Snapshot, gleaner, e.pool)

	flushInterval := e.opts.LogFlushInterval
	if e.opts.Flags.GetFlag(flags.EagerLogFlush) {
		flushInterval = time.Millisecond
	}
	e.logMgr.Start(flushInterval)
	e.xctMgr.Start(e.opts.EpochQuantum)
	e.snapMgr.Start()

	e.started = true
	e.stopped = false
	log.WithFields(log.Fields{
		"nodes":   e.opts.Nodes,
		"threads": e.threads.Size(),
	}).Info("engine started")
	return nil
}

// reloadFromManifest rebuilds every storage recorded in the latest
// snapshot, rooted at its snapshot pages.
func (e *Engine) reloadFromManifest() error {
	latest, err := e.manifest.Latest()
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	// Resume the clock past the reloaded snapshot's window so new
	// commits sort after everything the snapshot covers.
	e.clock.Restart(latest.ValidUntil.Next())
	for _, entry := range latest.Storages {
		meta := entry.Metadata
		meta.RootSnapshot = entry.Root
		_, err = e.storMgr.Load(meta)
		if err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"snapshot": latest.ID,
		"storages": len(latest.Storages),
	}).Info("reloaded storages from snapshot")
	return nil
}

// Stop tears the engine down; idempotent, safe after a partial Start
// failure.
func (e *Engine) Stop() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if !e.started || e.stopped {
		return nil
	}
	e.snapMgr.Stop()
	e.xctMgr.Stop()
	e.logMgr.Stop()
	e.manifest.Close()
	e.fileSet.Close()
	err := e.pool.Close()
	e.stopped = true
	e.started = false
	log.Info("engine stopped")
	return err
}

func (e *Engine) Options() *Options {
	return &e.opts
}

func (e *Engine) Clock() *epoch.Clock {
	return e.clock
}

func (e *Engine) Pool() *memory.GlobalPool {
	return e.pool
}

func (e *Engine) Threads() *thread.Pool {
	return e.threads
}

// Thread returns one execution context; each worker goroutine must use
// its own.
func (e *Engine) Thread(id uint16) *thread.Thread {
	return e.threads.Thread(id)
}

func (e *Engine) LogManager() *glog.Manager {
	return e.logMgr
}

func (e *Engine) StorageManager() *storage.Manager {
	return e.storMgr
}

func (e *Engine) XctManager() *xct.Manager {
	return e.xctMgr
}

func (e *Engine) SnapshotManager() *snapshot.Manager {
	return e.snapMgr
}

func (e *Engine) Manifest() *snapshot.Manifest {
	return e.manifest
}

// CreateArrayStorage creates a fixed-record array storage.
func (e *Engine) CreateArrayStorage(name string, recordSize uint16,
	arraySize uint64) (*array.Storage, error) {

	st, err := e.storMgr.Create(storage.Metadata{
		Type:       storage.TypeArray,
		Name:       name,
		RecordSize: recordSize,
		ArraySize:  arraySize,
	})
	if err != nil {
		return nil, err
	}
	return st.(*array.Storage), nil
}

// CreateHashStorage creates a hashed key-value storage.
func (e *Engine) CreateHashStorage(name string, bucketCount uint32) (*hash.Storage, error) {
	st, err := e.storMgr.Create(storage.Metadata{
		Type:        storage.TypeHash,
		Name:        name,
		BucketCount: bucketCount,
	})
	if err != nil {
		return nil, err
	}
	return st.(*hash.Storage), nil
}

// CreateSeqStorage creates an append-only sequential storage.
func (e *Engine) CreateSeqStorage(name string) (*seq.Storage, error) {
	st, err := e.storMgr.Create(storage.Metadata{
		Type: storage.TypeSeq,
		Name: name,
	})
	if err != nil {
		return nil, err
	}
	return st.(*seq.Storage), nil
}

// CreateOrderedStorage creates a byte-key ordered storage.
func (e *Engine) CreateOrderedStorage(name string) (*ordered.Storage, error) {
	st, err := e.storMgr.Create(storage.Metadata{
		Type: storage.TypeOrdered,
		Name: name,
	})
	if err != nil {
		return nil, err
	}
	return st.(*ordered.Storage), nil
}

// RunXct runs fn inside a serializable transaction on t, retrying on
// race aborts until it commits. Returns the commit epoch.
func (e *Engine) RunXct(t *thread.Thread, fn func(t *thread.Thread) errcode.ErrorCode) (
	epoch.Epoch, error) {

	for {
		code := e.xctMgr.Begin(t.Xct(), xct.Serializable)
		if code != errcode.Ok {
			return epoch.Invalid, errcode.Stackf(code, "beginning transaction")
		}
		code = fn(t)
		if code == errcode.XctRaceAbort {
			e.xctMgr.Abort(t.Xct())
			continue
		}
		if code != errcode.Ok {
			e.xctMgr.Abort(t.Xct())
			return epoch.Invalid, errcode.Stackf(code, "transaction body failed")
		}
		commitEpoch, code := e.xctMgr.Precommit(t.Xct(), t.LogBuffer())
		if code == errcode.XctRaceAbort {
			continue
		}
		if code != errcode.Ok {
			return epoch.Invalid, errcode.Stackf(code, "precommit failed")
		}
		return commitEpoch, nil
	}
}

// RunReadOnlyXct runs fn inside a snapshot-isolation transaction.
func (e *Engine) RunReadOnlyXct(t *thread.Thread,
	fn func(t *thread.Thread) errcode.ErrorCode) error {

	code := e.xctMgr.Begin(t.Xct(), xct.Snapshot)
	if code != errcode.Ok {
		return errcode.Stackf(code, "beginning read-only transaction")
	}
	code = fn(t)
	if code != errcode.Ok {
		e.xctMgr.Abort(t.Xct())
		return errcode.Stackf(code, "read-only transaction failed")
	}
	_, code = e.xctMgr.Precommit(t.Xct(), t.LogBuffer())
	if code != errcode.Ok {
		return errcode.Stackf(code, "read-only precommit failed")
	}
	return nil
}

// WaitForCommit blocks until the given commit epoch is durable.
func (e *Engine) WaitForCommit(commitEpoch epoch.Epoch) error {
	return e.xctMgr.WaitForCommit(commitEpoch)
}
