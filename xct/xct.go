package xct

import (
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/storage/page"
)

// IsolationLevel selects how a transaction reads.
type IsolationLevel int

const (
	// Serializable transactions verify every read at precommit.
	Serializable IsolationLevel = iota
	// Snapshot transactions are read-only and observe the grace epoch;
	// they are consistent by construction and skip verification.
	Snapshot
)

const (
	// MaxPointerSets bounds the pointer set of one transaction.
	MaxPointerSets = 1024
	// MaxPageVersionSets bounds the page version set of one transaction.
	MaxPageVersionSets = 1024
)

// Xct is one thread's transaction. At most one is active per thread; the
// thread owns its Xct exclusively and reuses it across activations.
type Xct struct {
	threadID  uint16
	active    bool
	isolation IsolationLevel

	pointerSet     []PointerAccess
	pageVersionSet []PageVersionAccess
	readSet        []ReadAccess
	writeSet       []WriteAccess
	lockFreeWrites []LockFreeWriteAccess

	maxReadSet  int
	maxWriteSet int

	cll CurrentLockList
	rll RetrospectiveLockList

	localWork  *memory.LocalWorkMemory
	lastIssued XctId
}

// NewXct builds the reusable transaction object for one thread.
func NewXct(threadID uint16, maxReadSet, maxWriteSet, localWorkBytes int) *Xct {
	return &Xct{
		threadID:       threadID,
		maxReadSet:     maxReadSet,
		maxWriteSet:    maxWriteSet,
		pointerSet:     make([]PointerAccess, 0, MaxPointerSets),
		pageVersionSet: make([]PageVersionAccess, 0, MaxPageVersionSets),
		readSet:        make([]ReadAccess, 0, maxReadSet),
		writeSet:       make([]WriteAccess, 0, maxWriteSet),
		localWork:      memory.NewLocalWorkMemory(localWorkBytes),
	}
}

// Activate begins the transaction, resetting all sets and the local work
// memory. If a retrospective lock list survives from a prior abort, the
// current lock list is prepopulated from it so those locks are taken up
// front at the next precommit.
func (x *Xct) Activate(isolation IsolationLevel) errcode.ErrorCode {
	if x.active {
		return errcode.XctAlreadyActive
	}
	x.active = true
	x.isolation = isolation
	x.pointerSet = x.pointerSet[:0]
	x.pageVersionSet = x.pageVersionSet[:0]
	x.readSet = x.readSet[:0]
	x.writeSet = x.writeSet[:0]
	x.lockFreeWrites = x.lockFreeWrites[:0]
	x.cll.Clear()
	x.localWork.Reset()
	if !x.rll.Empty() {
		x.cll.PrepopulateFromRetrospective(&x.rll)
	}
	return errcode.Ok
}

// Deactivate closes the transaction. All locks must already be released.
func (x *Xct) Deactivate() {
	x.active = false
}

func (x *Xct) Active() bool {
	return x.active
}

func (x *Xct) Isolation() IsolationLevel {
	return x.isolation
}

func (x *Xct) ThreadID() uint16 {
	return x.threadID
}

// ReadOnly reports whether this transaction has made no writes.
func (x *Xct) ReadOnly() bool {
	return len(x.writeSet) == 0 && len(x.lockFreeWrites) == 0
}

func (x *Xct) LastIssued() XctId {
	return x.lastIssued
}

// LocalWork returns the transaction's bump allocator for stack-scoped
// storage buffers; its contents die at the next Activate.
func (x *Xct) LocalWork() *memory.LocalWorkMemory {
	return x.localWork
}

func (x *Xct) PointerSet() []PointerAccess {
	return x.pointerSet
}

func (x *Xct) PageVersionSet() []PageVersionAccess {
	return x.pageVersionSet
}

func (x *Xct) ReadSet() []ReadAccess {
	return x.readSet
}

func (x *Xct) WriteSet() []WriteAccess {
	return x.writeSet
}

func (x *Xct) LockFreeWriteSet() []LockFreeWriteAccess {
	return x.lockFreeWrites
}

func (x *Xct) Retrospective() *RetrospectiveLockList {
	return &x.rll
}

// AddToPointerSet records a followed volatile pointer that may be swung.
// Snapshot-isolation reads skip tracking; their epoch fence makes the
// observation unnecessary.
func (x *Xct) AddToPointerSet(address *page.DualPagePointer,
	observed page.VolatilePagePointer) errcode.ErrorCode {

	if x.isolation == Snapshot {
		return errcode.Ok
	}
	for i := range x.pointerSet {
		if x.pointerSet[i].Address == address {
			return errcode.Ok
		}
	}
	if len(x.pointerSet) >= MaxPointerSets {
		return errcode.XctPointerSetOverflow
	}
	x.pointerSet = append(x.pointerSet, PointerAccess{Address: address, Observed: observed})
	return errcode.Ok
}

// OverwriteToPointerSet replaces the observation for a pointer this
// transaction itself installed, so installing a page does not abort the
// installer.
func (x *Xct) OverwriteToPointerSet(address *page.DualPagePointer,
	observed page.VolatilePagePointer) {

	for i := range x.pointerSet {
		if x.pointerSet[i].Address == address {
			x.pointerSet[i].Observed = observed
			return
		}
	}
	if len(x.pointerSet) < MaxPointerSets {
		x.pointerSet = append(x.pointerSet,
			PointerAccess{Address: address, Observed: observed})
	}
}

// AddToPageVersionSet records a structural page read.
func (x *Xct) AddToPageVersionSet(address *page.PageVersion,
	observed page.PageVersionStatus) errcode.ErrorCode {

	if x.isolation == Snapshot {
		return errcode.Ok
	}
	if len(x.pageVersionSet) >= MaxPageVersionSets {
		return errcode.XctPageVersionSetOverflow
	}
	x.pageVersionSet = append(x.pageVersionSet,
		PageVersionAccess{Address: address, Observed: observed})
	return errcode.Ok
}

// AddToReadSet records an observed record version. Call BEFORE reading
// the payload; the observe-then-read order is what makes validation
// sound. Returns the entry index for related-write linking.
func (x *Xct) AddToReadSet(storageID uint32, owner *RwLockableXctId,
	observed XctId) (int32, errcode.ErrorCode) {

	if x.isolation == Snapshot {
		return -1, errcode.Ok
	}
	if len(x.readSet) >= x.maxReadSet {
		return -1, errcode.XctReadSetOverflow
	}
	x.readSet = append(x.readSet, ReadAccess{
		StorageID:    storageID,
		Owner:        owner,
		Observed:     observed,
		RelatedWrite: -1,
	})
	return int32(len(x.readSet) - 1), errcode.Ok
}

// AddToWriteSet records an intended record write and its redo log record.
// Returns the entry index for related-read linking.
func (x *Xct) AddToWriteSet(w WriteAccess) (int32, errcode.ErrorCode) {
	if len(x.writeSet) >= x.maxWriteSet {
		return -1, errcode.XctWriteSetOverflow
	}
	if w.RelatedRead < 0 {
		w.RelatedRead = -1
	}
	x.writeSet = append(x.writeSet, w)
	return int32(len(x.writeSet) - 1), errcode.Ok
}

// AddToLockFreeWriteSet records an append-only write that bypasses
// locking and read verification.
func (x *Xct) AddToLockFreeWriteSet(lf LockFreeWriteAccess) errcode.ErrorCode {
	if len(x.lockFreeWrites) >= x.maxWriteSet {
		return errcode.XctWriteSetOverflow
	}
	x.lockFreeWrites = append(x.lockFreeWrites, lf)
	return errcode.Ok
}

// FindReadSet returns the index of this transaction's read of the given
// owner, or -1. Storages use it to cross-link read-modify-write pairs.
func (x *Xct) FindReadSet(owner *RwLockableXctId) int32 {
	for i := len(x.readSet) - 1; i >= 0; i-- {
		if x.readSet[i].Owner == owner {
			return int32(i)
		}
	}
	return -1
}

// LinkReadWrite cross-links a read and a write of the same record so that
// validation does not count the transaction's own lock on the record as a
// conflict; the read's version is still compared. The invariant is mutual
// and both entries name the same owner address.
func (x *Xct) LinkReadWrite(readIdx, writeIdx int32) {
	if readIdx < 0 || writeIdx < 0 {
		return
	}
	x.readSet[readIdx].RelatedWrite = writeIdx
	x.writeSet[writeIdx].RelatedRead = readIdx
}
