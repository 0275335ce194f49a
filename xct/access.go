package xct

import (
	"github.com/gleandb/glean/storage/page"
)

// PointerAccess records that a reader followed a volatile pointer which
// storages are allowed to swing; validation re-reads the pointer.
type PointerAccess struct {
	Address  *page.DualPagePointer
	Observed page.VolatilePagePointer
}

// PageVersionAccess records a structural read of a page: the observed
// status must be unchanged at validation.
type PageVersionAccess struct {
	Address  *page.PageVersion
	Observed page.PageVersionStatus
}

// ReadAccess records one record read. RelatedWrite is the index of this
// transaction's own write to the same record, or -1; validation does not
// treat the lock on such entries as a conflict, since this transaction
// holds it, but still compares their version with the observed one.
type ReadAccess struct {
	StorageID    uint32
	Owner        *RwLockableXctId
	Observed     XctId
	RelatedWrite int32
}

// WriteAccess records one record write: the owner word to lock and stamp,
// the in-page payload destination, and the redo log record to apply and
// emit. RelatedRead is the index of this transaction's own read of the
// same record, or -1.
type WriteAccess struct {
	StorageID   uint32
	Owner       *RwLockableXctId
	Payload     []byte
	Log         []byte
	RelatedRead int32

	// Apply installs the log record into the volatile page; called during
	// the publish phase while the owner is write-locked. It returns the
	// status bits to stamp alongside the issued id.
	Apply func(w *WriteAccess, id XctId) XctId

	locked bool
}

// LockFreeWriteAccess is a log record for an append-only storage; it
// bypasses locking and read verification entirely.
type LockFreeWriteAccess struct {
	StorageID uint32
	Log       []byte

	// Apply performs the volatile append; called during publish.
	Apply func(lf *LockFreeWriteAccess, id XctId)
}
