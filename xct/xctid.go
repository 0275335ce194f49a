// Package xct implements the optimistic transaction engine: the 128-bit
// version word stamped on every record, per-transaction read/write/pointer
// tracking, the lock-list discipline, and the precommit protocol.
package xct

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/gleandb/glean/epoch"
)

// XctId is the version half of the 128-bit word on every record:
// {epoch : 28, ordinal : 24, status : 8} packed into one uint64. A
// committed transaction's id is strictly greater (epoch, then ordinal)
// than every id it read or overwrote, and than the issuing thread's
// previous id. The zero value means "never committed".
type XctId struct {
	data uint64
}

const (
	ordinalBits = 24
	// MaxOrdinal is the largest ordinal one epoch can hold per thread;
	// issuance rolls over to the next epoch beyond it.
	MaxOrdinal = (uint32(1) << ordinalBits) - 1

	statusDeleted = uint64(0x01)
	statusMoved   = uint64(0x02)
)

func MakeXctId(e epoch.Epoch, ordinal uint32) XctId {
	return XctId{data: uint64(e)<<36 | uint64(ordinal&MaxOrdinal)<<12}
}

func XctIdFromData(data uint64) XctId {
	return XctId{data: data}
}

func (id XctId) Data() uint64 {
	return id.data
}

func (id XctId) Epoch() epoch.Epoch {
	return epoch.Epoch(id.data >> 36)
}

func (id XctId) Ordinal() uint32 {
	return uint32(id.data>>12) & MaxOrdinal
}

func (id XctId) Valid() bool {
	return id.Epoch().Valid()
}

func (id XctId) IsDeleted() bool {
	return id.data&(statusDeleted<<4) != 0
}

func (id XctId) SetDeleted() XctId {
	id.data |= statusDeleted << 4
	return id
}

func (id XctId) ClearStatus() XctId {
	id.data &^= 0xfff
	return id
}

// Before orders ids lexicographically by (epoch, ordinal), ignoring
// status bits.
func (id XctId) Before(o XctId) bool {
	if id.Epoch() != o.Epoch() {
		return id.Epoch().Before(o.Epoch())
	}
	return id.Ordinal() < o.Ordinal()
}

// EqualsVersion compares two ids ignoring status bits.
func (id XctId) EqualsVersion(o XctId) bool {
	return id.data&^0xfff == o.data&^0xfff
}

// EqualsObserved compares ids exactly as read-set validation requires:
// the full word including the deleted bit, so a concurrent delete of a
// read record is detected.
func (id XctId) EqualsObserved(o XctId) bool {
	return id.data == o.data
}

func (id XctId) String() string {
	return fmt.Sprintf("xid[%d:%d]", id.Epoch(), id.Ordinal())
}

// MaxXctId returns the later of two ids by (epoch, ordinal).
func MaxXctId(a, b XctId) XctId {
	if a.Before(b) {
		return b
	}
	return a
}

// RwLockableXctId is the full 128-bit record owner word: the version half
// plus a lock word carrying the reader/writer lock state and the id of
// the thread that last wrote the record. The two halves live side by side
// so a reader samples version and lock state together: writers mutate the
// version half only while holding the writer lock, and release it before
// unlocking, so an unlocked sample of the version half is stable.
//
// The moved bit lives in the lock word; it is set when the record's
// physical home migrates and the storage's moved-record tracking resolves
// the forwarding.
type RwLockableXctId struct {
	data uint64
	lock uint64
}

const (
	lockWriterBit   = uint64(1) << 23
	lockMovedBit    = uint64(1) << 22
	lockReaderMask  = uint64(0xffff)
	lockThreadShift = 24
)

// RwLockableAt overlays an owner word onto raw page bytes. The offset
// must be 8-byte aligned, which every storage's record layout guarantees.
func RwLockableAt(b []byte) *RwLockableXctId {
	return (*RwLockableXctId)(unsafe.Pointer(&b[0]))
}

// Load atomically samples the version half.
func (o *RwLockableXctId) Load() XctId {
	return XctId{data: atomic.LoadUint64(&o.data)}
}

// LoadStable samples the version half, spinning past any concurrent
// writer so the returned id is a committed value.
func (o *RwLockableXctId) LoadStable() XctId {
	spins := 0
	for {
		if atomic.LoadUint64(&o.lock)&lockWriterBit == 0 {
			id := XctId{data: atomic.LoadUint64(&o.data)}
			if atomic.LoadUint64(&o.lock)&lockWriterBit == 0 {
				return id
			}
		}
		spins++
		if spins&0x3f == 0 {
			runtime.Gosched()
		}
	}
}

// SetCommitted publishes a new version; the caller must hold the writer
// lock.
func (o *RwLockableXctId) SetCommitted(id XctId) {
	atomic.StoreUint64(&o.data, id.data)
}

// InitVersion installs a version on a freshly reserved record before it
// becomes reachable; no lock is required.
func (o *RwLockableXctId) InitVersion(id XctId) {
	atomic.StoreUint64(&o.data, id.data)
	atomic.StoreUint64(&o.lock, 0)
}

func (o *RwLockableXctId) IsMoved() bool {
	return atomic.LoadUint64(&o.lock)&lockMovedBit != 0
}

// SetMoved marks the record as migrated; the caller must hold the writer
// lock or the containing page's structural lock.
func (o *RwLockableXctId) SetMoved() {
	for {
		w := atomic.LoadUint64(&o.lock)
		if atomic.CompareAndSwapUint64(&o.lock, w, w|lockMovedBit) {
			return
		}
	}
}

// TryWriteLock attempts to acquire the writer lock without waiting.
func (o *RwLockableXctId) TryWriteLock(thread uint16) bool {
	w := atomic.LoadUint64(&o.lock)
	if w&lockWriterBit != 0 || w&lockReaderMask != 0 {
		return false
	}
	next := (w &^ (uint64(0xffff) << lockThreadShift)) | lockWriterBit |
		uint64(thread)<<lockThreadShift
	return atomic.CompareAndSwapUint64(&o.lock, w, next)
}

// WriteLock acquires the writer lock, spinning until available. Lock
// acquisition across records always happens in ascending address order,
// so waiting cannot deadlock.
func (o *RwLockableXctId) WriteLock(thread uint16) {
	spins := 0
	for !o.TryWriteLock(thread) {
		spins++
		if spins&0x3f == 0 {
			runtime.Gosched()
		}
	}
}

func (o *RwLockableXctId) WriteUnlock() {
	for {
		w := atomic.LoadUint64(&o.lock)
		if atomic.CompareAndSwapUint64(&o.lock, w, w&^lockWriterBit) {
			return
		}
	}
}

func (o *RwLockableXctId) IsWriteLocked() bool {
	return atomic.LoadUint64(&o.lock)&lockWriterBit != 0
}

// ReadLock acquires the lock in shared mode. The commit protocol itself
// never read-locks; storages use shared mode for operations that must
// pin a record across a non-atomic inspection.
func (o *RwLockableXctId) ReadLock() {
	spins := 0
	for {
		w := atomic.LoadUint64(&o.lock)
		if w&lockWriterBit == 0 && w&lockReaderMask != lockReaderMask {
			if atomic.CompareAndSwapUint64(&o.lock, w, w+1) {
				return
			}
		}
		spins++
		if spins&0x3f == 0 {
			runtime.Gosched()
		}
	}
}

func (o *RwLockableXctId) ReadUnlock() {
	atomic.AddUint64(&o.lock, ^uint64(0))
}

// LastWriter returns the thread that most recently write-locked the
// record.
func (o *RwLockableXctId) LastWriter() uint16 {
	return uint16(atomic.LoadUint64(&o.lock) >> lockThreadShift)
}
