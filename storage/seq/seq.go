// Package seq implements the append-only sequential storage. Appends go
// through the transaction's lock-free write set: no locking, no read
// verification, applied at publish into per-thread volatile page chains.
// Scans are unordered across threads.
package seq

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

const (
	// Each page body starts with the next-page dual pointer; records are
	// packed after it.
	nextPointerSize = int(unsafe.Sizeof(page.DualPagePointer{}))

	recordHeaderSize = 16 // u16 total len, u16 payload len, u32 pad, u64 xct data

	pageCapacity = page.BodySize - nextPointerSize
)

func init() {
	storage.Register(storage.TypeSeq,
		func(meta *storage.Metadata, ctx *storage.Context) (storage.ComposableStorage, error) {
			return newStorage(meta, ctx), nil
		})
}

// threadChain is one thread's private volatile page chain; only the
// owning thread appends, scanners follow the chain and the atomic used
// counters.
type threadChain struct {
	head page.VolatilePagePointer
	tail page.VolatilePagePointer
}

type Storage struct {
	meta storage.Metadata
	ctx  *storage.Context
	root page.DualPagePointer

	chains []threadChain

	// snapshotEpoch is the valid-until epoch of the storage's current
	// snapshot; scans skip volatile records at or below it to avoid
	// double counting against the snapshot chain.
	snapshotEpoch atomic.Uint32
}

func newStorage(meta *storage.Metadata, ctx *storage.Context) *Storage {
	st := &Storage{
		meta:   *meta,
		ctx:    ctx,
		chains: make([]threadChain, ctx.Threads),
	}
	if !meta.RootSnapshot.IsNull() {
		st.root.StoreSnapshot(meta.RootSnapshot)
	}
	return st
}

func (st *Storage) ID() storage.StorageId {
	return st.meta.ID
}

func (st *Storage) Type() storage.Type {
	return storage.TypeSeq
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

// TrackMoved: sequential records never move and never enter the locked
// write set.
func (st *Storage) TrackMoved(w *xct.WriteAccess) errcode.ErrorCode {
	return errcode.Internal
}

func (st *Storage) Drop() {
	for tid := range st.chains {
		chain := &st.chains[tid]
		vpp := chain.head
		for !vpp.IsNull() {
			frame := st.ctx.Pool.Resolve(vpp)
			next := nextPointerOf(frame).Volatile()
			st.ctx.Pool.Release(vpp)
			vpp = next
		}
		chain.head = 0
		chain.tail = 0
	}
}

func nextPointerOf(frame []byte) *page.DualPagePointer {
	return (*page.DualPagePointer)(unsafe.Pointer(&page.Body(frame)[0]))
}

func recordSpace(payloadLen int) int {
	return log.Align8(recordHeaderSize + payloadLen)
}

// Append registers one payload for append at commit; the record becomes
// visible to scans only after publish.
func (st *Storage) Append(t *thread.Thread, payload []byte) errcode.ErrorCode {
	if recordSpace(len(payload)) > pageCapacity {
		return errcode.StrTooLongPayload
	}
	rec := log.NewSeqAppend(uint32(st.meta.ID), payload)
	return t.Xct().AddToLockFreeWriteSet(xct.LockFreeWriteAccess{
		StorageID: uint32(st.meta.ID),
		Log:       rec,
		Apply: func(lf *xct.LockFreeWriteAccess, id xct.XctId) {
			st.applyAppend(t, log.Value(lf.Log), id)
		},
	})
}

// applyAppend runs at publish on the committing thread: the thread owns
// its chain, so the only synchronization is the release store of the
// used counter that makes the record visible to concurrent scanners.
func (st *Storage) applyAppend(t *thread.Thread, payload []byte, id xct.XctId) {
	chain := &st.chains[t.ID()]
	need := recordSpace(len(payload))

	var frame []byte
	if chain.tail.IsNull() {
		frame = st.newChainPage(t, chain)
	} else {
		frame = st.ctx.Pool.Resolve(chain.tail)
		used := int(page.HeaderOf(frame).Extra())
		if used+need > pageCapacity {
			frame = st.newChainPage(t, chain)
		}
	}
	if frame == nil {
		// Pool exhausted; the append is still durable in the log and
		// will reappear via the next snapshot.
		return
	}

	hdr := page.HeaderOf(frame)
	used := int(hdr.Extra())
	body := page.Body(frame)[nextPointerSize:]
	rec := body[used : used+need]
	binary.LittleEndian.PutUint16(rec[0:], uint16(need))
	binary.LittleEndian.PutUint16(rec[2:], uint16(len(payload)))
	binary.LittleEndian.PutUint64(rec[8:], id.Data())
	copy(rec[recordHeaderSize:], payload)
	hdr.SetExtra(uint64(used + need))
}

func (st *Storage) newChainPage(t *thread.Thread, chain *threadChain) []byte {
	vpp, frame, code := st.ctx.Pool.Allocate(t.Node())
	if code != errcode.Ok {
		return nil
	}
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindSeqData, t.Node(), vpp)
	if chain.tail.IsNull() {
		chain.head = vpp
	} else {
		nextPointerOf(st.ctx.Pool.Resolve(chain.tail)).StoreVolatile(vpp)
	}
	chain.tail = vpp
	return frame
}

// Visit is the scan callback; returning a non-Ok code stops the scan.
type Visit func(id xct.XctId, payload []byte) errcode.ErrorCode

// Scan walks every record committed at or before limit: the snapshot
// chains first, then volatile records newer than the snapshot. Record
// order is per-thread append order; threads interleave arbitrarily.
func (st *Storage) Scan(t *thread.Thread, limit epoch.Epoch, visit Visit) errcode.ErrorCode {
	code := st.scanSnapshot(t, limit, visit)
	if code != errcode.Ok {
		return code
	}
	snapE := epoch.Epoch(st.snapshotEpoch.Load())
	for tid := range st.chains {
		vpp := st.chains[tid].head
		for !vpp.IsNull() {
			frame := st.ctx.Pool.Resolve(vpp)
			code = scanFrame(frame, nextPointerSize, func(id xct.XctId,
				payload []byte) errcode.ErrorCode {

				e := id.Epoch()
				if snapE.Valid() && !snapE.Before(e) {
					return errcode.Ok // already covered by the snapshot
				}
				if limit.Valid() && limit.Before(e) {
					return errcode.Ok
				}
				return visit(id, payload)
			})
			if code != errcode.Ok {
				return code
			}
			vpp = nextPointerOf(frame).Volatile()
		}
	}
	return errcode.Ok
}

func (st *Storage) scanSnapshot(t *thread.Thread, limit epoch.Epoch,
	visit Visit) errcode.ErrorCode {

	root := st.root.Snapshot()
	if root.IsNull() {
		return errcode.Ok
	}
	rootFrame, err := t.ReadSnapshotPage(uint32(st.meta.ID), root)
	if err != nil {
		return errcode.SnapshotIOFailed
	}
	// The root page lists partition head pointers.
	heads := headPointers(rootFrame)
	for _, head := range heads {
		spp := head
		for !spp.IsNull() {
			frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
			if err != nil {
				return errcode.SnapshotIOFailed
			}
			next := nextPointerOf(frame).Snapshot()
			code := scanFrame(frame, nextPointerSize, func(id xct.XctId,
				payload []byte) errcode.ErrorCode {

				if limit.Valid() && limit.Before(id.Epoch()) {
					return errcode.Ok
				}
				return visit(id, payload)
			})
			if code != errcode.Ok {
				return code
			}
			spp = next
		}
	}
	return errcode.Ok
}

// scanFrame parses the packed records of one page body.
func scanFrame(frame []byte, skip int, visit Visit) errcode.ErrorCode {
	used := int(page.HeaderOf(frame).Extra())
	body := page.Body(frame)[skip:]
	pos := 0
	for pos < used {
		total := int(binary.LittleEndian.Uint16(body[pos:]))
		payloadLen := int(binary.LittleEndian.Uint16(body[pos+2:]))
		id := xct.XctIdFromData(binary.LittleEndian.Uint64(body[pos+8:]))
		code := visit(id, body[pos+recordHeaderSize:pos+recordHeaderSize+payloadLen])
		if code != errcode.Ok {
			return code
		}
		pos += total
	}
	return errcode.Ok
}

// headPointers parses the partition head pointers out of a snapshot root
// page; the composer packs them as a count followed by pointers.
func headPointers(frame []byte) []page.SnapshotPagePointer {
	body := page.Body(frame)
	n := int(binary.LittleEndian.Uint64(body[0:]))
	heads := make([]page.SnapshotPagePointer, 0, n)
	for i := 0; i < n; i++ {
		heads = append(heads,
			page.SnapshotPagePointer(binary.LittleEndian.Uint64(body[8+i*8:])))
	}
	return heads
}
