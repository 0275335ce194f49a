package hash

import (
	"unsafe"

	"bytes"
	"encoding/binary"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

// installChainHead creates a bucket's first chain page.
func (st *Storage) installChainHead(t *thread.Thread, headDpp *page.DualPagePointer,
	bucket uint32) (page.VolatilePagePointer, errcode.ErrorCode) {

	cur := headDpp.Volatile()
	if !cur.IsNull() {
		return cur, errcode.Ok
	}
	node := st.nodeOfBucket(bucket)
	vpp, frame, code := st.ctx.Pool.Allocate(node)
	if code != errcode.Ok {
		return 0, code
	}
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindHashBucket, node, vpp)
	if headDpp.CasVolatile(0, vpp) {
		t.Xct().OverwriteToPointerSet(headDpp, vpp)
		return vpp, errcode.Ok
	}
	st.ctx.Pool.Release(vpp)
	winner := headDpp.Volatile()
	code = t.Xct().AddToPointerSet(headDpp, winner)
	if code != errcode.Ok {
		return 0, code
	}
	return winner, errcode.Ok
}

// reserve appends a fresh invisible slot for key at the bucket's tail,
// growing the chain as needed. If a concurrent reservation for the same
// key slipped in, that slot is returned instead (second return true).
func (st *Storage) reserve(t *thread.Thread, headDpp *page.DualPagePointer,
	bucket uint32, key []byte, payCap int) (*slot, bool, errcode.ErrorCode) {

	if slotSpace(len(key), payCap) > chainCapacity {
		return nil, false, errcode.StrTooLongPayload
	}

	vpp := headDpp.Volatile()
	if vpp.IsNull() {
		var code errcode.ErrorCode
		vpp, code = st.installChainHead(t, headDpp, bucket)
		if code != errcode.Ok {
			return nil, false, code
		}
	}

	for {
		frame := st.ctx.Pool.Resolve(vpp)
		next := nextPointerOf(frame).Volatile()
		if !next.IsNull() {
			vpp = next
			continue
		}

		hdr := page.HeaderOf(frame)
		hdr.Version.Lock()
		// The chain may have grown while we were locking.
		if next = nextPointerOf(frame).Volatile(); !next.IsNull() {
			hdr.Version.UnlockUnchanged()
			vpp = next
			continue
		}

		// Another transaction may have reserved this key meanwhile. A slot
		// the caller holds write-locked is the record it is migrating, not
		// a racer.
		self := t.Xct().ThreadID()
		var racer *slot
		walkSlots(frame, func(s *slot) bool {
			if s.owner.IsWriteLocked() && s.owner.LastWriter() == self {
				return true
			}
			if !s.owner.IsMoved() && bytes.Equal(s.key, key) {
				cp := *s
				racer = &cp
				return false
			}
			return true
		})
		if racer != nil {
			hdr.Version.UnlockUnchanged()
			return racer, true, errcode.Ok
		}

		used := int(hdr.Extra())
		space := slotSpace(len(key), payCap)
		if used+space > chainCapacity {
			newVpp, newFrame, code := st.ctx.Pool.Allocate(st.nodeOfBucket(bucket))
			if code != errcode.Ok {
				hdr.Version.UnlockUnchanged()
				return nil, false, code
			}
			page.HeaderOf(newFrame).Init(uint32(st.meta.ID), page.KindHashBucket,
				st.nodeOfBucket(bucket), newVpp)
			nextPointerOf(frame).StoreVolatile(newVpp)
			hdr.Version.Unlock()
			vpp = newVpp
			continue
		}

		body := page.Body(frame)[nextPointerSize:]
		base := body[used : used+space]
		owner := xct.RwLockableAt(base)
		owner.InitVersion(xct.XctId{})
		binary.LittleEndian.PutUint16(base[ownerSize:], uint16(len(key)))
		binary.LittleEndian.PutUint16(base[ownerSize+2:], uint16(payCap))
		binary.LittleEndian.PutUint16(base[ownerSize+4:], 0)
		copy(base[slotHeaderSize:], key)
		hdr.SetExtra(uint64(used + space))
		hdr.Version.Unlock()

		s := &slot{
			owner:   owner,
			key:     base[slotHeaderSize : slotHeaderSize+len(key)],
			payload: base[slotHeaderSize+len(key) : slotHeaderSize+len(key)+payCap],
			lenPtr:  base[ownerSize+4 : ownerSize+6],
		}
		return s, false, errcode.Ok
	}
}

// applyValue installs an insert/overwrite log record's value into the
// slot during publish. The slot's header is recovered from the owner
// word's address so the apply stays correct after TrackMoved rewrites
// the entry.
func applyValue(w *xct.WriteAccess, id xct.XctId) xct.XctId {
	val := log.Value(w.Log)
	copy(w.Payload[:len(val)], val)
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(w.Owner)), slotHeaderSize)
	binary.LittleEndian.PutUint16(hdr[ownerSize+4:], uint16(len(val)))
	return id.ClearStatus()
}

func applyDelete(w *xct.WriteAccess, id xct.XctId) xct.XctId {
	return id.SetDeleted()
}

// Insert adds a new record; the payload capacity is the larger of the
// payload and the physical payload hint.
func (st *Storage) Insert(t *thread.Thread, key, payload []byte,
	hint int) errcode.ErrorCode {

	x := t.Xct()
	bucket := st.bucketOf(key)
	headDpp, code := st.bucketPointer(t, bucket, true)
	if code != errcode.Ok {
		return code
	}

	s, _ := st.findLive(headDpp, key)
	if s == nil {
		// No volatile slot; a snapshot record may still exist.
		var buf [1]byte
		_, scode := st.getSnapshotChain(t, headDpp.Snapshot(), key, buf[:1])
		if scode == errcode.Ok || scode == errcode.StrTooShortPayload {
			return errcode.StrKeyAlreadyExists
		}
		cap := len(payload)
		if hint > cap {
			cap = hint
		}
		var raced bool
		s, raced, code = st.reserve(t, headDpp, bucket, key, cap)
		if code != errcode.Ok {
			return code
		}
		if raced {
			return st.insertIntoExisting(t, s, key, payload)
		}
		rec := log.NewHashInsert(uint32(st.meta.ID), key, payload)
		_, code = x.AddToWriteSet(xct.WriteAccess{
			StorageID: uint32(st.meta.ID),
			Owner:     s.owner,
			Payload:   s.payload,
			Log:       rec,
			Apply:     applyValue,
		})
		return code
	}
	return st.insertIntoExisting(t, s, key, payload)
}

// insertIntoExisting handles insert when a slot for the key already
// exists: live means duplicate, deleted means the slot is reusable, and
// an uncommitted reservation is a race.
func (st *Storage) insertIntoExisting(t *thread.Thread, s *slot, key,
	payload []byte) errcode.ErrorCode {

	x := t.Xct()
	observed := s.owner.LoadStable()
	ri, code := x.AddToReadSet(uint32(st.meta.ID), s.owner, observed)
	if code != errcode.Ok {
		return code
	}
	if !observed.Valid() {
		// Reserved by a concurrent, uncommitted insert.
		return errcode.XctRaceAbort
	}
	if !observed.IsDeleted() {
		return errcode.StrKeyAlreadyExists
	}
	if len(payload) > len(s.payload) {
		return errcode.StrTooLongPayload
	}
	rec := log.NewHashInsert(uint32(st.meta.ID), key, payload)
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     s.owner,
		Payload:   s.payload,
		Log:       rec,
		Apply:     applyValue,
	})
	if code != errcode.Ok {
		return code
	}
	x.LinkReadWrite(ri, wi)
	return errcode.Ok
}

// locateLive finds the live slot for a mutation, recording the
// observations that make a not-found answer validatable.
func (st *Storage) locateLive(t *thread.Thread, key []byte) (*slot, int32,
	errcode.ErrorCode) {

	x := t.Xct()
	bucket := st.bucketOf(key)
	headDpp, code := st.bucketPointer(t, bucket, true)
	if code != errcode.Ok {
		return nil, -1, code
	}
	s, tail := st.findLive(headDpp, key)
	if s == nil {
		s, code = st.materializeFromSnapshot(t, headDpp, bucket, key)
		if code == errcode.StrKeyNotFound {
			code = st.observeAbsent(x, headDpp, tail)
			if code != errcode.Ok {
				return nil, -1, code
			}
			return nil, -1, errcode.StrKeyNotFound
		}
		if code != errcode.Ok {
			return nil, -1, code
		}
	}
	observed := s.owner.LoadStable()
	ri, code := x.AddToReadSet(uint32(st.meta.ID), s.owner, observed)
	if code != errcode.Ok {
		return nil, -1, code
	}
	if !observed.Valid() {
		return nil, -1, errcode.XctRaceAbort
	}
	if observed.IsDeleted() {
		return nil, -1, errcode.StrKeyNotFound
	}
	return s, ri, errcode.Ok
}

// Overwrite replaces the payload of an existing record in place; the new
// payload must fit the slot's capacity.
func (st *Storage) Overwrite(t *thread.Thread, key, payload []byte) errcode.ErrorCode {
	x := t.Xct()
	s, ri, code := st.locateLive(t, key)
	if code != errcode.Ok {
		return code
	}
	if len(payload) > len(s.payload) {
		return errcode.StrTooLongPayload
	}
	rec := log.NewHashOverwrite(uint32(st.meta.ID), key, payload)
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     s.owner,
		Payload:   s.payload,
		Log:       rec,
		Apply:     applyValue,
	})
	if code != errcode.Ok {
		return code
	}
	x.LinkReadWrite(ri, wi)
	return errcode.Ok
}

func (st *Storage) OverwriteInt64(t *thread.Thread, key []byte, v int64) errcode.ErrorCode {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return st.Overwrite(t, key, buf[:])
}

// Upsert inserts or overwrites. A payload larger than the existing
// slot's capacity migrates the record to a fresh slot; the old slot's
// moved bit forwards concurrent writers through TrackMoved.
func (st *Storage) Upsert(t *thread.Thread, key, payload []byte,
	hint int) errcode.ErrorCode {

	x := t.Xct()
	bucket := st.bucketOf(key)
	headDpp, code := st.bucketPointer(t, bucket, true)
	if code != errcode.Ok {
		return code
	}
	s, _ := st.findLive(headDpp, key)
	if s == nil {
		return st.Insert(t, key, payload, hint)
	}
	observed := s.owner.LoadStable()
	ri, code := x.AddToReadSet(uint32(st.meta.ID), s.owner, observed)
	if code != errcode.Ok {
		return code
	}
	if !observed.Valid() {
		return errcode.XctRaceAbort
	}
	if observed.IsDeleted() || len(payload) <= len(s.payload) {
		rec := log.NewHashOverwrite(uint32(st.meta.ID), key, payload)
		if observed.IsDeleted() {
			rec = log.NewHashInsert(uint32(st.meta.ID), key, payload)
		}
		if len(payload) > len(s.payload) {
			return errcode.StrTooLongPayload
		}
		wi, code := x.AddToWriteSet(xct.WriteAccess{
			StorageID: uint32(st.meta.ID),
			Owner:     s.owner,
			Payload:   s.payload,
			Log:       rec,
			Apply:     applyValue,
		})
		if code != errcode.Ok {
			return code
		}
		x.LinkReadWrite(ri, wi)
		return errcode.Ok
	}

	moved, code := st.moveRecord(t, headDpp, bucket, s, key, len(payload), hint)
	if code != errcode.Ok {
		return code
	}
	rec := log.NewHashOverwrite(uint32(st.meta.ID), key, payload)
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     moved.owner,
		Payload:   moved.payload,
		Log:       rec,
		Apply:     applyValue,
	})
	if code != errcode.Ok {
		return code
	}
	x.LinkReadWrite(ri, wi)
	return errcode.Ok
}

// moveRecord migrates a record to a larger slot. The old owner is locked
// while the committed state is copied, then flagged moved so every
// outstanding reference re-resolves by key.
func (st *Storage) moveRecord(t *thread.Thread, headDpp *page.DualPagePointer,
	bucket uint32, old *slot, key []byte, newLen, hint int) (*slot, errcode.ErrorCode) {

	cap := newLen
	if hint > cap {
		cap = hint
	}
	old.owner.WriteLock(t.Xct().ThreadID())
	newSlot, raced, code := st.reserve(t, headDpp, bucket, key, cap)
	if code != errcode.Ok {
		old.owner.WriteUnlock()
		return nil, code
	}
	if raced {
		// Someone else migrated it first; fall back to the new home.
		old.owner.WriteUnlock()
		return newSlot, errcode.Ok
	}
	n := old.payloadLen()
	copy(newSlot.payload[:n], old.payload[:n])
	newSlot.setPayloadLen(n)
	newSlot.owner.InitVersion(old.owner.Load())
	old.owner.SetMoved()
	old.owner.WriteUnlock()
	return newSlot, errcode.Ok
}

// materializeFromSnapshot copies a snapshot-resident live record into a
// fresh volatile slot so a mutation has an owner word to lock and stamp.
func (st *Storage) materializeFromSnapshot(t *thread.Thread,
	headDpp *page.DualPagePointer, bucket uint32, key []byte) (*slot, errcode.ErrorCode) {

	payload, cap, id, code := st.findSnapshotSlot(t, headDpp.Snapshot(), key)
	if code != errcode.Ok {
		return nil, code
	}
	if !id.Valid() || id.IsDeleted() {
		return nil, errcode.StrKeyNotFound
	}
	s, raced, code := st.reserve(t, headDpp, bucket, key, cap)
	if code != errcode.Ok {
		return nil, code
	}
	if !raced {
		copy(s.payload[:len(payload)], payload)
		s.setPayloadLen(len(payload))
		s.owner.InitVersion(id)
	}
	return s, errcode.Ok
}

// findSnapshotSlot copies one key's slot out of the snapshot chain.
func (st *Storage) findSnapshotSlot(t *thread.Thread, spp page.SnapshotPagePointer,
	key []byte) (payload []byte, cap int, id xct.XctId, code errcode.ErrorCode) {

	code = errcode.StrKeyNotFound
	for !spp.IsNull() {
		frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
		if err != nil {
			return nil, 0, xct.XctId{}, errcode.SnapshotIOFailed
		}
		done := false
		walkSlots(frame, func(s *slot) bool {
			if bytes.Equal(s.key, key) {
				n := s.payloadLen()
				// The copy is stack-scoped to this operation; it draws
				// from the transaction's work memory.
				buf, acode := t.Xct().LocalWork().Allocate(n)
				if acode != errcode.Ok {
					code = acode
					done = true
					return false
				}
				copy(buf, s.payload[:n])
				payload = buf
				cap = len(s.payload)
				id = s.owner.Load()
				code = errcode.Ok
				done = true
				return false
			}
			return true
		})
		if done {
			return payload, cap, id, code
		}
		spp = nextPointerOf(frame).Snapshot()
	}
	return nil, 0, xct.XctId{}, code
}

// Delete removes an existing record by flagging its owner deleted.
func (st *Storage) Delete(t *thread.Thread, key []byte) errcode.ErrorCode {
	x := t.Xct()
	s, ri, code := st.locateLive(t, key)
	if code != errcode.Ok {
		return code
	}
	rec := log.NewHashDelete(uint32(st.meta.ID), key)
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     s.owner,
		Payload:   s.payload,
		Log:       rec,
		Apply:     applyDelete,
	})
	if code != errcode.Ok {
		return code
	}
	x.LinkReadWrite(ri, wi)
	return errcode.Ok
}

// Increment adds delta to an int64 record and returns the new value.
func (st *Storage) Increment(t *thread.Thread, key []byte, delta int64) (int64,
	errcode.ErrorCode) {

	cur, code := st.GetInt64(t, key)
	if code != errcode.Ok {
		return 0, code
	}
	next := cur + delta
	code = st.OverwriteInt64(t, key, next)
	if code != errcode.Ok {
		return 0, code
	}
	return next, errcode.Ok
}

// TrackMoved re-resolves a write-set entry whose slot migrated: the
// record's new home is found by key in the volatile chain.
func (st *Storage) TrackMoved(w *xct.WriteAccess) errcode.ErrorCode {
	key := log.Key(w.Log)
	bucket := st.bucketOf(key)

	dpp := &st.root
	level := st.levels
	base := uint32(0)
	for {
		vpp := dpp.Volatile()
		if vpp.IsNull() {
			return errcode.StrMovedRecord
		}
		children := interiorChildren(st.ctx.Pool.Resolve(vpp))
		if level == 1 {
			dpp = &children[bucket-base]
			break
		}
		idx := (bucket - base) / uint32(bucketsPerInterior)
		dpp = &children[idx]
		base += idx * uint32(bucketsPerInterior)
		level--
	}

	s, _ := st.findLive(dpp, key)
	if s == nil {
		return errcode.StrMovedRecord
	}
	w.Owner = s.owner
	w.Payload = s.payload
	return errcode.Ok
}
