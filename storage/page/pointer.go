package page

import (
	"fmt"
	"sync/atomic"
)

// PoolOffset locates a page frame within one node's page pool. Zero is
// the null offset; valid offsets start at one.
type PoolOffset uint32

// VolatilePagePointer names a mutable, pool-backed page: the owning NUMA
// node in the high bits and the pool offset in the low bits. The zero
// value is the null pointer.
type VolatilePagePointer uint64

func NewVolatilePointer(node uint8, offset PoolOffset) VolatilePagePointer {
	return VolatilePagePointer(uint64(node)<<32 | uint64(offset))
}

func (vpp VolatilePagePointer) IsNull() bool {
	return vpp.Offset() == 0
}

func (vpp VolatilePagePointer) Node() uint8 {
	return uint8(vpp >> 32)
}

func (vpp VolatilePagePointer) Offset() PoolOffset {
	return PoolOffset(vpp)
}

func (vpp VolatilePagePointer) String() string {
	if vpp.IsNull() {
		return "vol[null]"
	}
	return fmt.Sprintf("vol[%d:%d]", vpp.Node(), vpp.Offset())
}

// SnapshotPagePointer names an immutable page within a snapshot file:
// {node : 8, snapshot id : 16, page id : 40}. Page ids are offsets in
// units of pages within the per-node snapshot file of one storage
// partition. The zero value is the null pointer.
type SnapshotPagePointer uint64

func NewSnapshotPointer(node uint8, snapshotID uint16, pageID uint64) SnapshotPagePointer {
	return SnapshotPagePointer(uint64(node)<<56 | uint64(snapshotID)<<40 |
		pageID&((uint64(1)<<40)-1))
}

func (spp SnapshotPagePointer) IsNull() bool {
	return spp == 0
}

func (spp SnapshotPagePointer) Node() uint8 {
	return uint8(spp >> 56)
}

func (spp SnapshotPagePointer) SnapshotID() uint16 {
	return uint16(spp >> 40)
}

func (spp SnapshotPagePointer) PageID() uint64 {
	return uint64(spp) & ((uint64(1) << 40) - 1)
}

func (spp SnapshotPagePointer) String() string {
	if spp.IsNull() {
		return "snap[null]"
	}
	return fmt.Sprintf("snap[%d:%d:%d]", spp.Node(), spp.SnapshotID(), spp.PageID())
}

// DualPagePointer is the pair through which every logical page is
// reached. Either, both, or neither half may be non-null:
//
//   - the volatile half is installed by transactions (null -> page) and
//     swung only for storages that allow root movement;
//   - the snapshot half is written only by the snapshot installer;
//   - the volatile half is cleared only while transactions are paused
//     during snapshot installation.
//
// Both halves are read and written atomically, individually. Readers that
// follow a volatile pointer that may be swung must record the observation
// in their transaction's pointer set.
type DualPagePointer struct {
	volatile uint64
	snapshot uint64
}

func (dpp *DualPagePointer) Volatile() VolatilePagePointer {
	return VolatilePagePointer(atomic.LoadUint64(&dpp.volatile))
}

func (dpp *DualPagePointer) Snapshot() SnapshotPagePointer {
	return SnapshotPagePointer(atomic.LoadUint64(&dpp.snapshot))
}

// CasVolatile installs a volatile page if the pointer still holds
// expected; this is the only way transactions mutate the volatile half.
func (dpp *DualPagePointer) CasVolatile(expected, desired VolatilePagePointer) bool {
	return atomic.CompareAndSwapUint64(&dpp.volatile, uint64(expected), uint64(desired))
}

// StoreVolatile overwrites the volatile half. Callers must either hold the
// containing page's structural lock or be the snapshot installer running
// inside the pause window.
func (dpp *DualPagePointer) StoreVolatile(vpp VolatilePagePointer) {
	atomic.StoreUint64(&dpp.volatile, uint64(vpp))
}

// StoreSnapshot swings the snapshot half; the snapshot installer is the
// sole caller.
func (dpp *DualPagePointer) StoreSnapshot(spp SnapshotPagePointer) {
	atomic.StoreUint64(&dpp.snapshot, uint64(spp))
}

func (dpp *DualPagePointer) IsNull() bool {
	return dpp.Volatile().IsNull() && dpp.Snapshot().IsNull()
}

func (dpp *DualPagePointer) String() string {
	return fmt.Sprintf("{%s %s}", dpp.Volatile(), dpp.Snapshot())
}
