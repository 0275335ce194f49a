// Package page defines the fixed-size page, its version word, and the
// dual volatile/snapshot pointer that every logical page is reached
// through.
package page

import (
	"sync/atomic"
	"unsafe"
)

const (
	// Size is the fixed byte size of every page, volatile or snapshot.
	Size = 4096

	// HeaderSize is the byte size of the common page header at the start
	// of every page. Storage-specific content begins at this offset.
	HeaderSize = 40

	// BodySize is the number of bytes available to storage-specific
	// content in one page.
	BodySize = Size - HeaderSize
)

// Kind tags the storage-specific layout of a page body.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindArrayInterior
	KindArrayLeaf
	KindHashRoot
	KindHashBucket
	KindSeqData
	KindOrderedLeaf
	KindRootInfo
	KindFileHeader
)

// Header is the common prefix of every page frame. The header of a
// volatile page is mutated in place; the header of a snapshot page is
// written once by a composer and immutable afterwards.
//
// The struct is overlaid onto the first HeaderSize bytes of a page frame,
// so its layout must stay 8-byte aligned and within HeaderSize.
type Header struct {
	Version        PageVersion         // 8
	StorageID      uint32              // 12
	kind           uint8               // 13
	Node           uint8               // 14
	reserved       uint16              // 16
	Self           VolatilePagePointer // 24
	SnapshotOrigin SnapshotPagePointer // 32: for snapshot pages, their own pointer
	extra          uint64              // 40
}

func (h *Header) Kind() Kind {
	return Kind(h.kind)
}

func (h *Header) Init(storageID uint32, kind Kind, node uint8, self VolatilePagePointer) {
	h.Version = PageVersion{}
	h.StorageID = storageID
	h.kind = uint8(kind)
	h.Node = node
	h.Self = self
	h.SnapshotOrigin = 0
	h.extra = 0
}

// Extra is a storage-interpreted header word (e.g. the byte count used in
// an append-only page); accessed atomically because appenders and
// scanners race on it.
func (h *Header) Extra() uint64 {
	return atomic.LoadUint64(&h.extra)
}

func (h *Header) SetExtra(v uint64) {
	atomic.StoreUint64(&h.extra, v)
}

// HeaderOf overlays the common header onto a page frame. The frame must be
// at least Size bytes and 8-byte aligned, which the page pool guarantees.
func HeaderOf(frame []byte) *Header {
	return (*Header)(unsafe.Pointer(&frame[0]))
}

// Body returns the storage-specific portion of a page frame.
func Body(frame []byte) []byte {
	return frame[HeaderSize:Size]
}

// PageVersion is the per-page version word: a change counter plus status
// bits sampled and validated by optimistic readers. The locked bit is held
// only for short structural modifications (slot reservation, page chaining).
type PageVersion struct {
	word uint64
}

const (
	versionLockedBit   = uint64(1) << 63
	versionMovedBit    = uint64(1) << 62
	versionRetiredBit  = uint64(1) << 61
	versionCounterMask = (uint64(1) << 48) - 1
	versionStatusMask  = ^versionLockedBit
)

// PageVersionStatus is a PageVersion sample with the locked bit cleared;
// this is what goes into a transaction's page version set.
type PageVersionStatus uint64

func (pv *PageVersion) load() uint64 {
	return atomic.LoadUint64(&pv.word)
}

// Status samples the version for validation. If the page is locked the
// caller must treat the sample as unstable and retry.
func (pv *PageVersion) Status() (PageVersionStatus, bool) {
	w := pv.load()
	return PageVersionStatus(w & versionStatusMask), w&versionLockedBit == 0
}

// SpinStatus samples the version, spinning past any in-flight lock.
func (pv *PageVersion) SpinStatus() PageVersionStatus {
	for {
		st, stable := pv.Status()
		if stable {
			return st
		}
	}
}

// Verify reports whether the page still has the observed status and is
// not currently locked.
func (pv *PageVersion) Verify(observed PageVersionStatus) bool {
	w := pv.load()
	return w&versionLockedBit == 0 && PageVersionStatus(w&versionStatusMask) == observed
}

// Lock acquires the page's structural lock, spinning until available.
func (pv *PageVersion) Lock() {
	for {
		w := pv.load()
		if w&versionLockedBit == 0 &&
			atomic.CompareAndSwapUint64(&pv.word, w, w|versionLockedBit) {
			return
		}
	}
}

func (pv *PageVersion) TryLock() bool {
	w := pv.load()
	return w&versionLockedBit == 0 &&
		atomic.CompareAndSwapUint64(&pv.word, w, w|versionLockedBit)
}

// Unlock releases the structural lock, bumping the change counter so that
// concurrent optimistic readers and page-version-set validation observe
// the modification.
func (pv *PageVersion) Unlock() {
	w := pv.load()
	next := ((w &^ versionLockedBit) & ^versionCounterMask) | ((w + 1) & versionCounterMask)
	atomic.StoreUint64(&pv.word, next)
}

// UnlockUnchanged releases the structural lock without bumping the
// counter; used when the locked section made no observable change.
func (pv *PageVersion) UnlockUnchanged() {
	w := pv.load()
	atomic.StoreUint64(&pv.word, w&^versionLockedBit)
}

func (pv *PageVersion) SetMoved() {
	for {
		w := pv.load()
		if atomic.CompareAndSwapUint64(&pv.word, w, w|versionMovedBit) {
			return
		}
	}
}

func (pv *PageVersion) IsMoved() bool {
	return pv.load()&versionMovedBit != 0
}

func (pv *PageVersion) SetRetired() {
	for {
		w := pv.load()
		if atomic.CompareAndSwapUint64(&pv.word, w, w|versionRetiredBit) {
			return
		}
	}
}

func (pv *PageVersion) IsRetired() bool {
	return pv.load()&versionRetiredBit != 0
}
