// Package hash implements the hashed key -> payload storage. Keys hash
// into a fixed set of buckets; each bucket is a chain of slot pages.
// Slots are reserved under the page's structural lock and become visible
// when their owner id is stamped at commit; deletion flags the owner
// rather than reclaiming the slot, and payload growth migrates a record
// to a fresh slot with the moved bit forwarding old references.
package hash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

const (
	bucketsPerInterior = page.BodySize / int(unsafe.Sizeof(page.DualPagePointer{}))

	nextPointerSize = int(unsafe.Sizeof(page.DualPagePointer{}))
	ownerSize       = int(unsafe.Sizeof(xct.RwLockableXctId{}))
	slotHeaderSize  = ownerSize + 8 // owner, keyLen u16, payCap u16, payLen u16, pad

	chainCapacity = page.BodySize - nextPointerSize
)

func init() {
	storage.Register(storage.TypeHash,
		func(meta *storage.Metadata, ctx *storage.Context) (storage.ComposableStorage, error) {
			return newStorage(meta, ctx)
		})
}

type Storage struct {
	meta storage.Metadata
	ctx  *storage.Context
	root page.DualPagePointer

	levels int // 1: root interior only; 2: root -> interior -> chains
}

func newStorage(meta *storage.Metadata, ctx *storage.Context) (*Storage, error) {
	if meta.BucketCount == 0 {
		return nil, fmt.Errorf("hash: %s: bucket count must be positive", meta.Name)
	}
	// Round the bucket count up to a power of two for mask hashing.
	bc := uint32(1)
	for bc < meta.BucketCount {
		bc <<= 1
	}
	meta.BucketCount = bc

	st := &Storage{meta: *meta, ctx: ctx}
	switch {
	case int(bc) <= bucketsPerInterior:
		st.levels = 1
	case int(bc) <= bucketsPerInterior*bucketsPerInterior:
		st.levels = 2
	default:
		return nil, fmt.Errorf("hash: %s: bucket count %d too large", meta.Name, bc)
	}

	if meta.RootSnapshot.IsNull() {
		vpp, code := st.buildInterior(st.levels, 0)
		if code != errcode.Ok {
			return nil, errcode.Stackf(code, "hash: %s: preallocating bucket roots",
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
	return storage.TypeHash
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

func (st *Storage) BucketCount() uint32 {
	return st.meta.BucketCount
}

func (st *Storage) bucketOf(key []byte) uint32 {
	return uint32(xxhash.Sum64(key)) & (st.meta.BucketCount - 1)
}

func (st *Storage) nodeOfBucket(bucket uint32) uint8 {
	return uint8(uint64(bucket) * uint64(st.ctx.Nodes) / uint64(st.meta.BucketCount))
}

func interiorChildren(frame []byte) []page.DualPagePointer {
	body := page.Body(frame)
	return unsafe.Slice((*page.DualPagePointer)(unsafe.Pointer(&body[0])),
		bucketsPerInterior)
}

func nextPointerOf(frame []byte) *page.DualPagePointer {
	return (*page.DualPagePointer)(unsafe.Pointer(&page.Body(frame)[0]))
}

// buildInterior allocates the interior page(s) covering buckets starting
// at base, with all bucket chains empty.
func (st *Storage) buildInterior(level int, base uint32) (page.VolatilePagePointer,
	errcode.ErrorCode) {

	node := st.nodeOfBucket(base)
	vpp, frame, code := st.ctx.Pool.Allocate(node)
	if code != errcode.Ok {
		return 0, code
	}
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindHashRoot, node, vpp)

	if level == 2 {
		children := interiorChildren(frame)
		for i := 0; i < bucketsPerInterior; i++ {
			childBase := base + uint32(i)*uint32(bucketsPerInterior)
			if childBase >= st.meta.BucketCount {
				break
			}
			child, code := st.buildInterior(1, childBase)
			if code != errcode.Ok {
				return 0, code
			}
			children[i].StoreVolatile(child)
		}
	}
	return vpp, errcode.Ok
}

func (st *Storage) Drop() {
	vpp := st.root.Volatile()
	if vpp.IsNull() {
		return
	}
	st.dropInterior(vpp, st.levels)
	st.root.StoreVolatile(0)
}

func (st *Storage) dropInterior(vpp page.VolatilePagePointer, level int) {
	children := interiorChildren(st.ctx.Pool.Resolve(vpp))
	for i := range children {
		child := children[i].Volatile()
		if child.IsNull() {
			continue
		}
		if level == 2 {
			st.dropInterior(child, 1)
		} else {
			st.dropChain(child)
		}
	}
	st.ctx.Pool.Release(vpp)
}

func (st *Storage) dropChain(vpp page.VolatilePagePointer) {
	for !vpp.IsNull() {
		frame := st.ctx.Pool.Resolve(vpp)
		next := nextPointerOf(frame).Volatile()
		st.ctx.Pool.Release(vpp)
		vpp = next
	}
}

// slot is a decoded view of one record slot inside a chain page.
type slot struct {
	owner   *xct.RwLockableXctId
	key     []byte
	payload []byte // full capacity
	lenPtr  []byte // the u16 live payload length field
}

func (s *slot) payloadLen() int {
	return int(binary.LittleEndian.Uint16(s.lenPtr))
}

func (s *slot) setPayloadLen(n int) {
	binary.LittleEndian.PutUint16(s.lenPtr, uint16(n))
}

func slotSpace(keyLen, payCap int) int {
	return log.Align8(slotHeaderSize + keyLen + payCap)
}

// walkSlots decodes the slots of one chain page; visit returns false to
// stop.
func walkSlots(frame []byte, visit func(s *slot) bool) {
	used := int(page.HeaderOf(frame).Extra())
	body := page.Body(frame)[nextPointerSize:]
	pos := 0
	for pos < used {
		keyLen := int(binary.LittleEndian.Uint16(body[pos+ownerSize:]))
		payCap := int(binary.LittleEndian.Uint16(body[pos+ownerSize+2:]))
		s := slot{
			owner:   xct.RwLockableAt(body[pos:]),
			key:     body[pos+slotHeaderSize : pos+slotHeaderSize+keyLen],
			payload: body[pos+slotHeaderSize+keyLen : pos+slotHeaderSize+keyLen+payCap],
			lenPtr:  body[pos+ownerSize+4 : pos+ownerSize+6],
		}
		if !visit(&s) {
			return
		}
		pos += slotSpace(keyLen, payCap)
	}
}

// bucketPointer descends the volatile interior pages to the chain-head
// dual pointer of a bucket. Returns nil when the interior itself is only
// snapshot-backed (the caller falls to the snapshot path).
func (st *Storage) bucketPointer(t *thread.Thread, bucket uint32,
	install bool) (*page.DualPagePointer, errcode.ErrorCode) {

	x := t.Xct()
	dpp := &st.root
	level := st.levels
	base := uint32(0)
	for {
		vpp := dpp.Volatile()
		if vpp.IsNull() {
			if !install {
				code := x.AddToPointerSet(dpp, 0)
				if code != errcode.Ok {
					return nil, code
				}
				return nil, errcode.Ok
			}
			var code errcode.ErrorCode
			vpp, code = st.installInterior(t, dpp, level, base)
			if code != errcode.Ok {
				return nil, code
			}
		}
		frame := st.ctx.Pool.Resolve(vpp)
		children := interiorChildren(frame)
		if level == 1 {
			return &children[bucket-base], errcode.Ok
		}
		idx := (bucket - base) / uint32(bucketsPerInterior)
		dpp = &children[idx]
		base += idx * uint32(bucketsPerInterior)
		level--
	}
}

// installInterior copies a snapshot interior into a fresh volatile page,
// keeping only the snapshot halves of its children.
func (st *Storage) installInterior(t *thread.Thread, dpp *page.DualPagePointer,
	level int, base uint32) (page.VolatilePagePointer, errcode.ErrorCode) {

	node := st.nodeOfBucket(base)
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
		children := interiorChildren(frame)
		for i := range children {
			children[i].StoreVolatile(0)
		}
	} else {
		page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindHashRoot, node, vpp)
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

// findLive searches a bucket's volatile chain for the newest usable slot
// of a key: a live slot, a deleted slot (reusable by insert), skipping
// moved slots. Also returns the chain's tail frame for reservation and
// phantom protection.
func (st *Storage) findLive(headDpp *page.DualPagePointer,
	key []byte) (found *slot, tail []byte) {

	vpp := headDpp.Volatile()
	for !vpp.IsNull() {
		frame := st.ctx.Pool.Resolve(vpp)
		walkSlots(frame, func(s *slot) bool {
			if !s.owner.IsMoved() && bytes.Equal(s.key, key) {
				cp := *s
				found = &cp
				return false
			}
			return true
		})
		tail = frame
		if found != nil {
			return found, tail
		}
		vpp = nextPointerOf(frame).Volatile()
	}
	return nil, tail
}

// observeAbsent records whatever makes a not-found answer validatable:
// the tail page's version when a chain exists, nothing otherwise (the
// bucket pointer observation already covers chain installation).
func (st *Storage) observeAbsent(x *xct.Xct, headDpp *page.DualPagePointer,
	tail []byte) errcode.ErrorCode {

	if tail == nil {
		return x.AddToPointerSet(headDpp, headDpp.Volatile())
	}
	pv := &page.HeaderOf(tail).Version
	return x.AddToPageVersionSet(pv, pv.SpinStatus())
}

// Get copies the payload of key into buf, returning the copied length.
func (st *Storage) Get(t *thread.Thread, key []byte, buf []byte) (int, errcode.ErrorCode) {
	x := t.Xct()
	bucket := st.bucketOf(key)
	headDpp, code := st.bucketPointer(t, bucket, false)
	if code != errcode.Ok {
		return 0, code
	}
	if headDpp == nil {
		return st.getSnapshot(t, bucket, key, buf)
	}

	s, tail := st.findLive(headDpp, key)
	if s == nil {
		if headDpp.Volatile().IsNull() {
			// Chain never installed; check the snapshot side.
			code = x.AddToPointerSet(headDpp, 0)
			if code != errcode.Ok {
				return 0, code
			}
			return st.getSnapshotChain(t, headDpp.Snapshot(), key, buf)
		}
		code = st.observeAbsent(x, headDpp, tail)
		if code != errcode.Ok {
			return 0, code
		}
		return 0, errcode.StrKeyNotFound
	}

	for {
		observed := s.owner.LoadStable()
		if x.Isolation() != xct.Snapshot {
			_, code = x.AddToReadSet(uint32(st.meta.ID), s.owner, observed)
			if code != errcode.Ok {
				return 0, code
			}
		}
		if !observed.Valid() || observed.IsDeleted() {
			return 0, errcode.StrKeyNotFound
		}
		n := s.payloadLen()
		if n > len(s.payload) {
			n = len(s.payload)
		}
		if len(buf) < n {
			return 0, errcode.StrTooShortPayload
		}
		copy(buf[:n], s.payload[:n])
		if x.Isolation() != xct.Snapshot || s.owner.Load().EqualsObserved(observed) {
			return n, errcode.Ok
		}
	}
}

// GetInt64 reads an 8-byte little-endian payload.
func (st *Storage) GetInt64(t *thread.Thread, key []byte) (int64, errcode.ErrorCode) {
	var buf [8]byte
	n, code := st.Get(t, key, buf[:])
	if code != errcode.Ok {
		return 0, code
	}
	if n < 8 {
		return 0, errcode.StrTooShortPayload
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), errcode.Ok
}

// getSnapshot reads through the snapshot interior pages when the
// volatile root is dropped.
func (st *Storage) getSnapshot(t *thread.Thread, bucket uint32, key []byte,
	buf []byte) (int, errcode.ErrorCode) {

	spp := st.root.Snapshot()
	level := st.levels
	base := uint32(0)
	for !spp.IsNull() {
		frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
		if err != nil {
			return 0, errcode.SnapshotIOFailed
		}
		children := interiorChildren(frame)
		if level == 1 {
			return st.getSnapshotChain(t, children[bucket-base].Snapshot(), key, buf)
		}
		idx := (bucket - base) / uint32(bucketsPerInterior)
		spp = children[idx].Snapshot()
		base += idx * uint32(bucketsPerInterior)
		level--
	}
	return 0, errcode.StrKeyNotFound
}

func (st *Storage) getSnapshotChain(t *thread.Thread, spp page.SnapshotPagePointer,
	key []byte, buf []byte) (int, errcode.ErrorCode) {

	for !spp.IsNull() {
		frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
		if err != nil {
			return 0, errcode.SnapshotIOFailed
		}
		var found *slot
		walkSlots(frame, func(s *slot) bool {
			if bytes.Equal(s.key, key) {
				cp := *s
				found = &cp
				return false
			}
			return true
		})
		if found != nil {
			id := found.owner.Load()
			if !id.Valid() || id.IsDeleted() {
				return 0, errcode.StrKeyNotFound
			}
			n := found.payloadLen()
			if len(buf) < n {
				return 0, errcode.StrTooShortPayload
			}
			copy(buf[:n], found.payload[:n])
			return n, errcode.Ok
		}
		spp = nextPointerOf(frame).Snapshot()
	}
	return 0, errcode.StrKeyNotFound
}
