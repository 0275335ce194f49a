// Package ordered implements the byte-key ordered storage: a volatile
// in-memory btree index over stable record structs, backed by sorted
// snapshot chains. This is the one storage whose root pointer swings
// (installation of the first tree generation), so readers record the
// root observation in their pointer set.
package ordered

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

const btreeDegree = 16

func init() {
	storage.Register(storage.TypeOrdered,
		func(meta *storage.Metadata, ctx *storage.Context) (storage.ComposableStorage, error) {
			return newStorage(meta, ctx), nil
		})
}

// record is one live volatile record. The struct never moves; payload
// growth beyond capacity replaces the tree item and flags this one
// moved.
type record struct {
	key     []byte
	owner   xct.RwLockableXctId
	payload []byte // capacity
	length  int    // live bytes; mutated only under the owner's writer lock
}

func (r *record) Less(item btree.Item) bool {
	return bytes.Compare(r.key, item.(*record).key) < 0
}

type Storage struct {
	meta storage.Metadata
	ctx  *storage.Context
	root page.DualPagePointer

	mutex sync.RWMutex
	tree  *btree.BTree

	// generation feeds the pseudo volatile root pointer; it advances
	// when the tree is installed or torn down so pointer-set validation
	// sees the swing.
	generation uint32

	// structVersion is bumped on every tree shape change; readers that
	// miss record it for phantom protection.
	structVersion page.PageVersion
}

func newStorage(meta *storage.Metadata, ctx *storage.Context) *Storage {
	st := &Storage{
		meta: *meta,
		ctx:  ctx,
		tree: btree.New(btreeDegree),
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
	return storage.TypeOrdered
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

func (st *Storage) Drop() {
	st.mutex.Lock()
	st.tree = btree.New(btreeDegree)
	st.mutex.Unlock()
	st.root.StoreVolatile(0)
}

// observeRoot records the swinging root pointer; every operation starts
// here.
func (st *Storage) observeRoot(x *xct.Xct) errcode.ErrorCode {
	return x.AddToPointerSet(&st.root, st.root.Volatile())
}

// installRoot publishes the first tree generation; the caller holds the
// tree mutex.
func (st *Storage) installRoot(x *xct.Xct) {
	if !st.root.Volatile().IsNull() {
		return
	}
	st.generation++
	vpp := page.NewVolatilePointer(0, page.PoolOffset(st.generation))
	st.root.StoreVolatile(vpp)
	x.OverwriteToPointerSet(&st.root, vpp)
}

func (st *Storage) lookup(key []byte) *record {
	item := st.tree.Get(&record{key: key})
	if item == nil {
		return nil
	}
	r := item.(*record)
	if r.owner.IsMoved() {
		return nil
	}
	return r
}

// Get copies the payload of key into buf, returning the copied length.
func (st *Storage) Get(t *thread.Thread, key []byte, buf []byte) (int, errcode.ErrorCode) {
	x := t.Xct()
	code := st.observeRoot(x)
	if code != errcode.Ok {
		return 0, code
	}

	st.mutex.RLock()
	r := st.lookup(key)
	st.mutex.RUnlock()

	if r == nil {
		st.mutex.RLock()
		pv := &st.structVersion
		status := pv.SpinStatus()
		st.mutex.RUnlock()
		code = x.AddToPageVersionSet(pv, status)
		if code != errcode.Ok {
			return 0, code
		}
		return st.getSnapshot(t, key, buf)
	}

	for {
		observed := r.owner.LoadStable()
		if x.Isolation() != xct.Snapshot {
			_, code = x.AddToReadSet(uint32(st.meta.ID), &r.owner, observed)
			if code != errcode.Ok {
				return 0, code
			}
		}
		if !observed.Valid() || observed.IsDeleted() {
			return 0, errcode.StrKeyNotFound
		}
		n := r.length
		if n > len(r.payload) {
			n = len(r.payload)
		}
		if len(buf) < n {
			return 0, errcode.StrTooShortPayload
		}
		copy(buf[:n], r.payload[:n])
		if x.Isolation() != xct.Snapshot || r.owner.Load().EqualsObserved(observed) {
			return n, errcode.Ok
		}
	}
}

// Visit is the scan callback.
type Visit func(key, payload []byte) errcode.ErrorCode

// Scan visits every live record in key order: the volatile tree merged
// over the snapshot chains, tree versions winning.
func (st *Storage) Scan(t *thread.Thread, visit Visit) errcode.ErrorCode {
	x := t.Xct()
	code := st.observeRoot(x)
	if code != errcode.Ok {
		return code
	}

	type entry struct {
		key     []byte
		payload []byte
	}
	merged := map[string]*entry{}
	var order []string

	snapErr := st.scanSnapshot(t, func(key, payload []byte) errcode.ErrorCode {
		k := string(key)
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = &entry{
			key:     append([]byte(nil), key...),
			payload: append([]byte(nil), payload...),
		}
		return errcode.Ok
	})
	if snapErr != errcode.Ok {
		return snapErr
	}

	st.mutex.RLock()
	pv := &st.structVersion
	status := pv.SpinStatus()
	var treeCode errcode.ErrorCode
	st.tree.Ascend(func(item btree.Item) bool {
		r := item.(*record)
		if r.owner.IsMoved() {
			return true
		}
		observed := r.owner.LoadStable()
		if _, code := x.AddToReadSet(uint32(st.meta.ID), &r.owner, observed); code != errcode.Ok {
			treeCode = code
			return false
		}
		k := string(r.key)
		if !observed.Valid() || observed.IsDeleted() {
			delete(merged, k)
			return true
		}
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = &entry{
			key:     append([]byte(nil), r.key...),
			payload: append([]byte(nil), r.payload[:r.length]...),
		}
		return true
	})
	st.mutex.RUnlock()
	if treeCode != errcode.Ok {
		return treeCode
	}
	code = x.AddToPageVersionSet(pv, status)
	if code != errcode.Ok {
		return code
	}

	sort.Strings(order)
	for _, k := range order {
		e, ok := merged[k]
		if !ok {
			continue
		}
		code = visit(e.key, e.payload)
		if code != errcode.Ok {
			return code
		}
	}
	return errcode.Ok
}
