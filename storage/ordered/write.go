package ordered

import (
	"bytes"
	"encoding/binary"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

// applyValue installs an insert/overwrite value into the record during
// publish; the record is recovered from the owner word's address.
func applyValue(w *xct.WriteAccess, id xct.XctId) xct.XctId {
	r := recordOfOwner(w.Owner)
	val := log.Value(w.Log)
	copy(r.payload[:len(val)], val)
	r.length = len(val)
	return id.ClearStatus()
}

func applyDelete(w *xct.WriteAccess, id xct.XctId) xct.XctId {
	return id.SetDeleted()
}

// recordOfOwner maps an owner word pointer back to its containing
// record; the owner is always the second field of record.
func recordOfOwner(owner *xct.RwLockableXctId) *record {
	return ownerContainer(owner)
}

// addValueWrite registers a write-set entry against a record.
func (st *Storage) addValueWrite(x *xct.Xct, r *record, rec []byte,
	relatedRead int32) errcode.ErrorCode {

	apply := applyValue
	if log.Type(rec) == log.TypeOrderedDelete {
		apply = applyDelete
	}
	wi, code := x.AddToWriteSet(xct.WriteAccess{
		StorageID: uint32(st.meta.ID),
		Owner:     &r.owner,
		Payload:   r.payload,
		Log:       rec,
		Apply:     apply,
	})
	if code != errcode.Ok {
		return code
	}
	x.LinkReadWrite(relatedRead, wi)
	return errcode.Ok
}

// reserveRecord creates an invisible record for key under the tree
// mutex, bumping the structural version so not-found observations are
// invalidated.
func (st *Storage) reserveRecord(x *xct.Xct, key []byte, capacity int) *record {
	st.mutex.Lock()
	if existing := st.lookup(key); existing != nil {
		st.mutex.Unlock()
		return existing
	}
	r := &record{
		key:     append([]byte(nil), key...),
		payload: make([]byte, capacity),
	}
	st.structVersion.Lock()
	st.tree.ReplaceOrInsert(r)
	st.structVersion.Unlock()
	st.installRoot(x)
	st.mutex.Unlock()
	return r
}

// Insert adds a new record.
func (st *Storage) Insert(t *thread.Thread, key, payload []byte,
	hint int) errcode.ErrorCode {

	x := t.Xct()
	code := st.observeRoot(x)
	if code != errcode.Ok {
		return code
	}

	st.mutex.RLock()
	r := st.lookup(key)
	st.mutex.RUnlock()

	if r == nil {
		// Check the snapshot side before creating a fresh record.
		_, id, scode := st.findSnapshot(t, key)
		if scode == errcode.Ok && id.Valid() && !id.IsDeleted() {
			return errcode.StrKeyAlreadyExists
		}
		if scode != errcode.Ok && scode != errcode.StrKeyNotFound {
			return scode
		}
		capacity := len(payload)
		if hint > capacity {
			capacity = hint
		}
		r = st.reserveRecord(x, key, capacity)
	}

	observed := r.owner.LoadStable()
	ri, code := x.AddToReadSet(uint32(st.meta.ID), &r.owner, observed)
	if code != errcode.Ok {
		return code
	}
	if observed.Valid() && !observed.IsDeleted() {
		return errcode.StrKeyAlreadyExists
	}
	if len(payload) > len(r.payload) {
		if observed.Valid() {
			var mcode errcode.ErrorCode
			r, mcode = st.growRecord(t, r, key, len(payload), hint)
			if mcode != errcode.Ok {
				return mcode
			}
		} else {
			return errcode.StrTooLongPayload
		}
	}
	rec := log.NewOrderedInsert(uint32(st.meta.ID), key, payload)
	return st.addValueWrite(x, r, rec, ri)
}

// locateLive finds the live record for a mutation, materializing from
// the snapshot when the tree misses.
func (st *Storage) locateLive(t *thread.Thread, key []byte) (*record, int32,
	errcode.ErrorCode) {

	x := t.Xct()
	code := st.observeRoot(x)
	if code != errcode.Ok {
		return nil, -1, code
	}

	st.mutex.RLock()
	r := st.lookup(key)
	st.mutex.RUnlock()

	if r == nil {
		payload, id, scode := st.findSnapshot(t, key)
		if scode == errcode.StrKeyNotFound || (scode == errcode.Ok &&
			(!id.Valid() || id.IsDeleted())) {

			st.mutex.RLock()
			pv := &st.structVersion
			status := pv.SpinStatus()
			st.mutex.RUnlock()
			code = x.AddToPageVersionSet(pv, status)
			if code != errcode.Ok {
				return nil, -1, code
			}
			return nil, -1, errcode.StrKeyNotFound
		}
		if scode != errcode.Ok {
			return nil, -1, scode
		}
		r = st.reserveRecord(x, key, len(payload))
		if !r.owner.Load().Valid() && len(r.payload) >= len(payload) {
			copy(r.payload[:len(payload)], payload)
			r.length = len(payload)
			r.owner.InitVersion(id)
		}
	}

	observed := r.owner.LoadStable()
	ri, code := x.AddToReadSet(uint32(st.meta.ID), &r.owner, observed)
	if code != errcode.Ok {
		return nil, -1, code
	}
	if !observed.Valid() {
		return nil, -1, errcode.XctRaceAbort
	}
	if observed.IsDeleted() {
		return nil, -1, errcode.StrKeyNotFound
	}
	return r, ri, errcode.Ok
}

// Overwrite replaces an existing record's payload.
func (st *Storage) Overwrite(t *thread.Thread, key, payload []byte) errcode.ErrorCode {
	x := t.Xct()
	r, ri, code := st.locateLive(t, key)
	if code != errcode.Ok {
		return code
	}
	if len(payload) > len(r.payload) {
		r, code = st.growRecord(t, r, key, len(payload), 0)
		if code != errcode.Ok {
			return code
		}
	}
	rec := log.NewOrderedOverwrite(uint32(st.meta.ID), key, payload)
	return st.addValueWrite(x, r, rec, ri)
}

func (st *Storage) OverwriteInt64(t *thread.Thread, key []byte, v int64) errcode.ErrorCode {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return st.Overwrite(t, key, buf[:])
}

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

// Upsert inserts or overwrites.
func (st *Storage) Upsert(t *thread.Thread, key, payload []byte,
	hint int) errcode.ErrorCode {

	code := st.Overwrite(t, key, payload)
	if code == errcode.StrKeyNotFound {
		return st.Insert(t, key, payload, hint)
	}
	return code
}

// Delete flags an existing record deleted.
func (st *Storage) Delete(t *thread.Thread, key []byte) errcode.ErrorCode {
	x := t.Xct()
	r, ri, code := st.locateLive(t, key)
	if code != errcode.Ok {
		return code
	}
	rec := log.NewOrderedDelete(uint32(st.meta.ID), key)
	return st.addValueWrite(x, r, rec, ri)
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

// growRecord migrates a record to a larger one: the replacement takes
// the committed state, the original is flagged moved, and outstanding
// write-set entries re-resolve through TrackMoved.
func (st *Storage) growRecord(t *thread.Thread, old *record, key []byte,
	newLen, hint int) (*record, errcode.ErrorCode) {

	capacity := newLen
	if hint > capacity {
		capacity = hint
	}
	old.owner.WriteLock(t.Xct().ThreadID())
	if old.owner.IsMoved() {
		old.owner.WriteUnlock()
		st.mutex.RLock()
		r := st.lookup(key)
		st.mutex.RUnlock()
		if r == nil {
			return nil, errcode.StrMovedRecord
		}
		return r, errcode.Ok
	}

	fresh := &record{
		key:     append([]byte(nil), key...),
		payload: make([]byte, capacity),
		length:  old.length,
	}
	copy(fresh.payload, old.payload[:old.length])
	fresh.owner.InitVersion(old.owner.Load())

	st.mutex.Lock()
	st.structVersion.Lock()
	st.tree.ReplaceOrInsert(fresh)
	st.structVersion.Unlock()
	st.mutex.Unlock()

	old.owner.SetMoved()
	old.owner.WriteUnlock()
	return fresh, errcode.Ok
}

// TrackMoved re-resolves a write-set entry after a grow migration.
func (st *Storage) TrackMoved(w *xct.WriteAccess) errcode.ErrorCode {
	key := log.Key(w.Log)
	st.mutex.RLock()
	r := st.lookup(key)
	st.mutex.RUnlock()
	if r == nil {
		return errcode.StrMovedRecord
	}
	w.Owner = &r.owner
	w.Payload = r.payload
	return errcode.Ok
}

// Snapshot chain record layout: owner (16), keyLen u16, payLen u16,
// 4 pad, key, payload; 8-byte aligned. Pages chain through the leading
// next pointer like the other chained storages.
const (
	nextPointerSize = 16
	ownerSize       = 16
	slotHeaderSize  = ownerSize + 8
)

func slotSpace(keyLen, payLen int) int {
	return log.Align8(slotHeaderSize + keyLen + payLen)
}

func nextPointerOf(frame []byte) *page.DualPagePointer {
	return pageNextPointer(frame)
}

// findSnapshot searches the snapshot chains for key.
func (st *Storage) findSnapshot(t *thread.Thread, key []byte) ([]byte, xct.XctId,
	errcode.ErrorCode) {

	heads, code := st.snapshotHeads(t)
	if code != errcode.Ok {
		return nil, xct.XctId{}, code
	}
	part := partitionOfKey(key, len(heads))
	if part < 0 {
		return nil, xct.XctId{}, errcode.StrKeyNotFound
	}
	spp := heads[part]
	for !spp.IsNull() {
		frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
		if err != nil {
			return nil, xct.XctId{}, errcode.SnapshotIOFailed
		}
		var payload []byte
		var id xct.XctId
		var acode errcode.ErrorCode
		found := false
		walkSnapSlots(frame, func(k, p []byte, owner xct.XctId) bool {
			if bytes.Equal(k, key) {
				var buf []byte
				buf, acode = t.Xct().LocalWork().Allocate(len(p))
				if acode == errcode.Ok {
					copy(buf, p)
					payload = buf
					id = owner
				}
				found = true
				return false
			}
			return true
		})
		if found {
			if acode != errcode.Ok {
				return nil, xct.XctId{}, acode
			}
			return payload, id, errcode.Ok
		}
		spp = nextPointerOf(frame).Snapshot()
	}
	return nil, xct.XctId{}, errcode.StrKeyNotFound
}

// getSnapshot is the read path when the tree misses.
func (st *Storage) getSnapshot(t *thread.Thread, key []byte, buf []byte) (int,
	errcode.ErrorCode) {

	payload, id, code := st.findSnapshot(t, key)
	if code != errcode.Ok {
		return 0, code
	}
	if !id.Valid() || id.IsDeleted() {
		return 0, errcode.StrKeyNotFound
	}
	if len(buf) < len(payload) {
		return 0, errcode.StrTooShortPayload
	}
	copy(buf, payload)
	return len(payload), errcode.Ok
}

// scanSnapshot walks every snapshot record in key order.
func (st *Storage) scanSnapshot(t *thread.Thread, visit Visit) errcode.ErrorCode {
	heads, code := st.snapshotHeads(t)
	if code != errcode.Ok {
		return code
	}
	for _, head := range heads {
		spp := head
		for !spp.IsNull() {
			frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), spp)
			if err != nil {
				return errcode.SnapshotIOFailed
			}
			next := nextPointerOf(frame).Snapshot()
			var vcode errcode.ErrorCode
			walkSnapSlots(frame, func(k, p []byte, owner xct.XctId) bool {
				if !owner.Valid() || owner.IsDeleted() {
					return true
				}
				vcode = visit(k, p)
				return vcode == errcode.Ok
			})
			if vcode != errcode.Ok {
				return vcode
			}
			spp = next
		}
	}
	return errcode.Ok
}

// snapshotHeads reads the root page's partition head list; empty when
// there is no snapshot yet.
func (st *Storage) snapshotHeads(t *thread.Thread) ([]page.SnapshotPagePointer,
	errcode.ErrorCode) {

	root := st.root.Snapshot()
	if root.IsNull() {
		return nil, errcode.Ok
	}
	frame, err := t.ReadSnapshotPage(uint32(st.meta.ID), root)
	if err != nil {
		return nil, errcode.SnapshotIOFailed
	}
	return parseHeads(frame), errcode.Ok
}
