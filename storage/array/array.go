// Package array implements the fixed-size record array storage: a dense
// offset -> record mapping over a shallow tree of pages. Records never
// move; every record exists from creation with a zero payload and a
// never-committed owner id.
package array

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

const (
	// pointersPerInterior is how many child dual pointers one interior
	// page holds.
	pointersPerInterior = page.BodySize / int(unsafe.Sizeof(page.DualPagePointer{}))

	ownerSize = int(unsafe.Sizeof(xct.RwLockableXctId{}))

	maxLevels = 4
)

func init() {
	storage.Register(storage.TypeArray,
		func(meta *storage.Metadata, ctx *storage.Context) (storage.ComposableStorage, error) {
			return newStorage(meta, ctx)
		})
}

// Storage is one array storage. The tree has a fixed shape computed at
// creation: levels of interior pages over leaf pages of fixed-stride
// records.
type Storage struct {
	meta storage.Metadata
	ctx  *storage.Context
	root page.DualPagePointer

	stride  int // owner + payload, 8-byte aligned
	perLeaf uint64
	levels  int
	// capacity[l] is how many records one page at level l covers;
	// capacity[0] is perLeaf.
	capacity [maxLevels]uint64
}

func newStorage(meta *storage.Metadata, ctx *storage.Context) (*Storage, error) {
	if meta.RecordSize == 0 || meta.ArraySize == 0 {
		return nil, fmt.Errorf("array: %s: record size and array size must be positive",
			meta.Name)
	}
	st := &Storage{
		meta:   *meta,
		ctx:    ctx,
		stride: (ownerSize + int(meta.RecordSize) + 7) &^ 7,
	}
	st.perLeaf = uint64(page.BodySize / st.stride)
	if st.perLeaf == 0 {
		return nil, fmt.Errorf("array: %s: record size %d too large for one page",
			meta.Name, meta.RecordSize)
	}

	st.capacity[0] = st.perLeaf
	st.levels = 1
	for st.capacity[st.levels-1] < meta.ArraySize {
		if st.levels == maxLevels {
			return nil, fmt.Errorf("array: %s: array size %d too large",
				meta.Name, meta.ArraySize)
		}
		st.capacity[st.levels] = st.capacity[st.levels-1] * uint64(pointersPerInterior)
		st.levels++
	}

	if meta.RootSnapshot.IsNull() {
		// Fresh storage: preallocate the full volatile tree so every
		// record exists from the start.
		vpp, code := st.buildVolatileSubtree(st.levels-1, 0)
		if code != errcode.Ok {
			return nil, errcode.Stackf(code, "array: %s: preallocating volatile tree",
				meta.Name)
		}
		st.root.StoreVolatile(vpp)
	} else {
		st.root.StoreSnapshot(meta.RootSnapshot)
	}
	return st, nil
}

func (st *Storage) ID() storage.StorageId {
	return st.meta.ID
}

func (st *Storage) Type() storage.Type {
	return storage.TypeArray
}

func (st *Storage) Name() string {
	return st.meta.Name
}

func (st *Storage) Metadata() *storage.Metadata {
	return &st.meta
}

func (st *Storage) RootPointer() *page.DualPagePointer {
	return &st.root
}

func (st *Storage) ArraySize() uint64 {
	return st.meta.ArraySize
}

// TrackMoved: array records never migrate, so a moved bit here means a
// corrupted owner word.
func (st *Storage) TrackMoved(w *xct.WriteAccess) errcode.ErrorCode {
	return errcode.Internal
}

func (st *Storage) Drop() {
	vpp := st.root.Volatile()
	if !vpp.IsNull() {
		st.dropSubtreePages(vpp, st.levels-1)
		st.root.StoreVolatile(0)
	}
}

func (st *Storage) dropSubtreePages(vpp page.VolatilePagePointer, level int) {
	if level > 0 {
		children := interiorChildren(st.ctx.Pool.Resolve(vpp))
		for i := range children {
			child := children[i].Volatile()
			if !child.IsNull() {
				st.dropSubtreePages(child, level-1)
			}
		}
	}
	st.ctx.Pool.Release(vpp)
}

// nodeOf spreads leaf ranges across NUMA nodes by offset.
func (st *Storage) nodeOf(offset uint64) uint8 {
	return uint8(offset * uint64(st.ctx.Nodes) / st.meta.ArraySize)
}

// interiorChildren overlays the child pointer array onto an interior
// page frame.
func interiorChildren(frame []byte) []page.DualPagePointer {
	body := page.Body(frame)
	return unsafe.Slice((*page.DualPagePointer)(unsafe.Pointer(&body[0])),
		pointersPerInterior)
}

// leafRecord returns the owner word and payload of one record slot in a
// leaf frame.
func (st *Storage) leafRecord(frame []byte, slot uint64) (*xct.RwLockableXctId, []byte) {
	body := page.Body(frame)
	base := int(slot) * st.stride
	rec := body[base : base+st.stride]
	return xct.RwLockableAt(rec), rec[ownerSize : ownerSize+int(st.meta.RecordSize)]
}

// buildVolatileSubtree allocates and zero-initializes the whole subtree
// rooted at the given level for the records starting at base.
func (st *Storage) buildVolatileSubtree(level int, base uint64) (page.VolatilePagePointer,
	errcode.ErrorCode) {

	node := st.nodeOf(base)
	vpp, frame, code := st.ctx.Pool.Allocate(node)
	if code != errcode.Ok {
		return 0, code
	}
	kind := page.KindArrayLeaf
	if level > 0 {
		kind = page.KindArrayInterior
	}
	page.HeaderOf(frame).Init(uint32(st.meta.ID), kind, node, vpp)

	if level > 0 {
		children := interiorChildren(frame)
		for i := 0; i < pointersPerInterior; i++ {
			childBase := base + uint64(i)*st.capacity[level-1]
			if childBase >= st.meta.ArraySize {
				break
			}
			child, code := st.buildVolatileSubtree(level-1, childBase)
			if code != errcode.Ok {
				return 0, code
			}
			children[i].StoreVolatile(child)
		}
	}
	return vpp, errcode.Ok
}

// installVolatile copies a snapshot page into a fresh volatile page, or
// zero-builds one when no snapshot exists, and publishes it with a CAS
// on the parent pointer. Returns the winning pointer.
func (st *Storage) installVolatile(t *thread.Thread, dpp *page.DualPagePointer,
	level int, base uint64) (page.VolatilePagePointer, errcode.ErrorCode) {

	cur := dpp.Volatile()
	if !cur.IsNull() {
		return cur, errcode.Ok
	}

	node := st.nodeOf(base)
	vpp, frame, code := st.ctx.Pool.Allocate(node)
	if code != errcode.Ok {
		return 0, code
	}

	spp := dpp.Snapshot()
	if !spp.IsNull() {
		snap, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
		if err != nil {
			st.ctx.Pool.Release(vpp)
			return 0, errcode.SnapshotIOFailed
		}
		copy(frame, snap)
		hdr := page.HeaderOf(frame)
		hdr.Version = page.PageVersion{}
		hdr.Node = node
		hdr.Self = vpp
		if level > 0 {
			// Children of a copied interior keep only their snapshot
			// halves; volatile children are installed on demand.
			children := interiorChildren(frame)
			for i := range children {
				children[i].StoreVolatile(0)
			}
		}
	} else {
		kind := page.KindArrayLeaf
		if level > 0 {
			kind = page.KindArrayInterior
		}
		page.HeaderOf(frame).Init(uint32(st.meta.ID), kind, node, vpp)
	}

	if dpp.CasVolatile(0, vpp) {
		t.Xct().OverwriteToPointerSet(dpp, vpp)
		return vpp, errcode.Ok
	}
	st.ctx.Pool.Release(vpp)
	winner := dpp.Volatile()
	code = t.Xct().AddToPointerSet(dpp, winner)
	if code != errcode.Ok {
		return 0, code
	}
	return winner, errcode.Ok
}

// locateVolatile descends to the leaf holding offset, installing missing
// volatile pages; used by writes.
func (st *Storage) locateVolatile(t *thread.Thread, offset uint64) (*xct.RwLockableXctId,
	[]byte, errcode.ErrorCode) {

	dpp := &st.root
	level := st.levels - 1
	base := uint64(0)
	for {
		vpp := dpp.Volatile()
		if vpp.IsNull() {
			var code errcode.ErrorCode
			vpp, code = st.installVolatile(t, dpp, level, base)
			if code != errcode.Ok {
				return nil, nil, code
			}
		}
		frame := st.ctx.Pool.Resolve(vpp)
		if level == 0 {
			owner, payload := st.leafRecord(frame, offset-base)
			return owner, payload, errcode.Ok
		}
		idx := (offset - base) / st.capacity[level-1]
		dpp = &interiorChildren(frame)[idx]
		base += idx * st.capacity[level-1]
		level--
	}
}

// readRecord reads the record at offset into a visitor callback. The
// visitor must copy what it needs before returning; for snapshot-backed
// reads the frame is thread-scratch memory.
func (st *Storage) readRecord(t *thread.Thread, offset uint64,
	visit func(owner *xct.RwLockableXctId, payload []byte) errcode.ErrorCode) errcode.ErrorCode {

	if offset >= st.meta.ArraySize {
		return errcode.StrInvalidOffset
	}
	x := t.Xct()
	dpp := &st.root
	level := st.levels - 1
	base := uint64(0)
	for {
		vpp := dpp.Volatile()
		if vpp.IsNull() {
			// Fall through to the immutable snapshot half; the pointer
			// observation detects a concurrent volatile install.
			code := x.AddToPointerSet(dpp, 0)
			if code != errcode.Ok {
				return code
			}
			return st.readSnapshotRecord(t, dpp.Snapshot(), level, base, offset, visit)
		}
		frame := st.ctx.Pool.Resolve(vpp)
		if level == 0 {
			owner, payload := st.leafRecord(frame, offset-base)
			if x.Isolation() == xct.Snapshot {
				// No commit-time validation for snapshot reads; retry
				// until the copy is known untorn.
				for {
					observed := owner.LoadStable()
					code := visit(owner, payload)
					if code != errcode.Ok {
						return code
					}
					if owner.Load().EqualsObserved(observed) {
						return errcode.Ok
					}
				}
			}
			observed := owner.LoadStable()
			_, code := x.AddToReadSet(uint32(st.meta.ID), owner, observed)
			if code != errcode.Ok {
				return code
			}
			return visit(owner, payload)
		}
		idx := (offset - base) / st.capacity[level-1]
		dpp = &interiorChildren(frame)[idx]
		base += idx * st.capacity[level-1]
		level--
	}
}

// readSnapshotRecord descends snapshot pages only; everything under a
// snapshot pointer is immutable, so no observations are recorded.
func (st *Storage) readSnapshotRecord(t *thread.Thread, spp page.SnapshotPagePointer,
	level int, base uint64, offset uint64,
	visit func(owner *xct.RwLockableXctId, payload []byte) errcode.ErrorCode) errcode.ErrorCode {

	for {
		if spp.IsNull() {
			return errcode.Internal
		}
		frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
		if err != nil {
			return errcode.SnapshotIOFailed
		}
		if level == 0 {
			owner, payload := st.leafRecord(frame, offset-base)
			return visit(owner, payload)
		}
		idx := (offset - base) / st.capacity[level-1]
		spp = interiorChildren(frame)[idx].Snapshot()
		base += idx * st.capacity[level-1]
		level--
	}
}

// Get copies the full payload of the record at offset into buf.
func (st *Storage) Get(t *thread.Thread, offset uint64, buf []byte) errcode.ErrorCode {
	if len(buf) < int(st.meta.RecordSize) {
		return errcode.StrTooShortPayload
	}
	return st.readRecord(t, offset,
		func(owner *xct.RwLockableXctId, payload []byte) errcode.ErrorCode {
			copy(buf[:st.meta.RecordSize], payload)
			return errcode.Ok
		})
}

// GetPart copies len(buf) payload bytes starting at payloadOffset.
func (st *Storage) GetPart(t *thread.Thread, offset uint64, payloadOffset uint16,
	buf []byte) errcode.ErrorCode {

	if int(payloadOffset)+len(buf) > int(st.meta.RecordSize) {
		return errcode.StrInvalidOffset
	}
	return st.readRecord(t, offset,
		func(owner *xct.RwLockableXctId, payload []byte) errcode.ErrorCode {
			copy(buf, payload[payloadOffset:int(payloadOffset)+len(buf)])
			return errcode.Ok
		})
}

// GetUint64 reads one primitive field.
func (st *Storage) GetUint64(t *thread.Thread, offset uint64,
	payloadOffset uint16) (uint64, errcode.ErrorCode) {

	var buf [8]byte
	code := st.GetPart(t, offset, payloadOffset, buf[:])
	if code != errcode.Ok {
		return 0, code
	}
	return binary.LittleEndian.Uint64(buf[:]), errcode.Ok
}

func (st *Storage) GetInt64(t *thread.Thread, offset uint64,
	payloadOffset uint16) (int64, errcode.ErrorCode) {

	u, code := st.GetUint64(t, offset, payloadOffset)
	return int64(u), code
}

// Overwrite replaces the full payload of the record at offset.
func (st *Storage) Overwrite(t *thread.Thread, offset uint64, data []byte) errcode.ErrorCode {
	return st.OverwritePart(t, offset, 0, data)
}

// OverwritePart replaces payload bytes starting at payloadOffset.
func (st *Storage) OverwritePart(t *thread.Thread, offset uint64, payloadOffset uint16,
	data []byte) errcode.ErrorCode {

	if offset >= st.meta.ArraySize {
		return errcode.StrInvalidOffset
	}
	if int(payloadOffset)+len(data) > int(st.meta.RecordSize) {
		return errcode.StrTooLongPayload
	}
	owner, payload, code := st.locateVolatile(t, offset)
	if code != errcode.Ok {
		return code
	}

	x := t.Xct()
	rec := log.NewArrayOverwrite(uint32(st.meta.ID), offset, payloadOffset, data)
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     owner,
		Payload:   payload,
		Log:       rec,
		Apply:     applyOverwrite,
	})
	if code != errcode.Ok {
		return code
	}
	x.LinkReadWrite(x.FindReadSet(owner), wi)
	return errcode.Ok
}

func (st *Storage) OverwriteUint64(t *thread.Thread, offset uint64, payloadOffset uint16,
	v uint64) errcode.ErrorCode {

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return st.OverwritePart(t, offset, payloadOffset, buf[:])
}

func (st *Storage) OverwriteInt64(t *thread.Thread, offset uint64, payloadOffset uint16,
	v int64) errcode.ErrorCode {

	return st.OverwriteUint64(t, offset, payloadOffset, uint64(v))
}

// Increment adds delta to the int64 field at payloadOffset and returns
// the new value. The read and write land on the same volatile record in
// one step: the read observation is taken from the record the new value
// derives from, and the cross-linked entries keep validation exact.
func (st *Storage) Increment(t *thread.Thread, offset uint64, payloadOffset uint16,
	delta int64) (int64, errcode.ErrorCode) {

	if offset >= st.meta.ArraySize {
		return 0, errcode.StrInvalidOffset
	}
	if int(payloadOffset)+8 > int(st.meta.RecordSize) {
		return 0, errcode.StrInvalidOffset
	}
	owner, payload, code := st.locateVolatile(t, offset)
	if code != errcode.Ok {
		return 0, code
	}

	x := t.Xct()
	observed := owner.LoadStable()
	ri, code := x.AddToReadSet(uint32(st.meta.ID), owner, observed)
	if code != errcode.Ok {
		return 0, code
	}
	next := int64(binary.LittleEndian.Uint64(payload[payloadOffset:])) + delta

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(next))
	rec := log.NewArrayOverwrite(uint32(st.meta.ID), offset, payloadOffset, buf[:])
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     owner,
		Payload:   payload,
		Log:       rec,
		Apply:     applyOverwrite,
	})
	if code != errcode.Ok {
		return 0, code
	}
	x.LinkReadWrite(ri, wi)
	return next, errcode.Ok
}

// applyOverwrite installs an overwrite log record into the locked
// record's payload during the publish phase.
func applyOverwrite(w *xct.WriteAccess, id xct.XctId) xct.XctId {
	data := log.ArrayData(w.Log)
	off := log.ArrayPayloadOffset(w.Log)
	copy(w.Payload[off:int(off)+len(data)], data)
	return id
}
