package ordered

import (
	"encoding/binary"
	"sort"
	"unsafe"

	"github.com/google/btree"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/xct"
)

func ownerContainer(owner *xct.RwLockableXctId) *record {
	return (*record)(unsafe.Pointer(uintptr(unsafe.Pointer(owner)) -
		unsafe.Offsetof(record{}.owner)))
}

func pageNextPointer(frame []byte) *page.DualPagePointer {
	return (*page.DualPagePointer)(unsafe.Pointer(&page.Body(frame)[0]))
}

// partitionOfKey range-partitions keys by their first byte.
func partitionOfKey(key []byte, partitions int) int {
	if partitions <= 0 {
		return -1
	}
	var b int
	if len(key) > 0 {
		b = int(key[0])
	}
	return b * partitions / 256
}

// walkSnapSlots parses the packed records of one snapshot chain page.
func walkSnapSlots(frame []byte, visit func(key, payload []byte, owner xct.XctId) bool) {
	used := int(page.HeaderOf(frame).Extra())
	body := page.Body(frame)[nextPointerSize:]
	pos := 0
	for pos < used {
		keyLen := int(binary.LittleEndian.Uint16(body[pos+ownerSize:]))
		payLen := int(binary.LittleEndian.Uint16(body[pos+ownerSize+2:]))
		owner := xct.RwLockableAt(body[pos:]).Load()
		key := body[pos+slotHeaderSize : pos+slotHeaderSize+keyLen]
		payload := body[pos+slotHeaderSize+keyLen : pos+slotHeaderSize+keyLen+payLen]
		if !visit(key, payload, owner) {
			return
		}
		pos += slotSpace(keyLen, payLen)
	}
}

// parseHeads reads the partition head pointers out of a root page.
func parseHeads(frame []byte) []page.SnapshotPagePointer {
	body := page.Body(frame)
	n := int(binary.LittleEndian.Uint64(body[0:]))
	heads := make([]page.SnapshotPagePointer, 0, n)
	for i := 0; i < n; i++ {
		heads = append(heads,
			page.SnapshotPagePointer(binary.LittleEndian.Uint64(body[8+i*8:])))
	}
	return heads
}

type partitioner struct{}

func (st *Storage) Partitioner() storage.Partitioner {
	return partitioner{}
}

func (partitioner) Partition(rec []byte, partitions int) int {
	p := partitionOfKey(log.Key(rec), partitions)
	if p < 0 {
		return 0
	}
	return p
}

type composer struct {
	st *Storage
}

func (st *Storage) Composer() storage.Composer {
	return &composer{st: st}
}

type keyState struct {
	key     []byte
	payload []byte
	id      xct.XctId
	deleted bool
}

// Compose merges this partition's previous snapshot records with the
// sorted redo sequence into fresh sorted chain pages.
func (c *composer) Compose(args *storage.ComposeArgs) error {
	st := c.st
	args.RootInfo = storage.RootInfo{
		StorageID: st.meta.ID,
		Partition: args.Partition,
	}

	states := map[string]*keyState{}

	// Previous snapshot records of this partition.
	prevHead := c.prevPartitionHead(args)
	spp := prevHead
	frame := make([]byte, page.Size)
	for !spp.IsNull() {
		err := args.Previous.ReadPage(uint32(st.meta.ID), spp, frame)
		if err != nil {
			return err
		}
		walkSnapSlots(frame, func(key, payload []byte, owner xct.XctId) bool {
			states[string(key)] = &keyState{
				key:     append([]byte(nil), key...),
				payload: append([]byte(nil), payload...),
				id:      owner,
				deleted: !owner.Valid() || owner.IsDeleted(),
			}
			return true
		})
		spp = nextPointerOf(frame).Snapshot()
	}

	// Apply the redo sequence in order.
	for _, stream := range args.Streams {
		for {
			rec, err := stream.Next()
			if err != nil {
				return err
			}
			if rec == nil {
				break
			}
			k := string(log.Key(rec))
			id := xct.XctIdFromData(log.XctData(rec))
			state, ok := states[k]
			if !ok {
				state = &keyState{key: append([]byte(nil), log.Key(rec)...)}
				states[k] = state
			}
			switch log.Type(rec) {
			case log.TypeOrderedInsert, log.TypeOrderedOverwrite:
				state.payload = append(state.payload[:0], log.Value(rec)...)
				state.id = id
				state.deleted = false
			case log.TypeOrderedDelete:
				state.id = id.SetDeleted()
				state.deleted = true
			}
		}
	}

	keys := make([]string, 0, len(states))
	for k, state := range states {
		if !state.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil
	}

	var frames [][]byte
	var cur []byte
	used := 0
	for _, k := range keys {
		state := states[k]
		space := slotSpace(len(state.key), len(state.payload))
		if cur == nil || used+space > page.BodySize-nextPointerSize {
			cur = make([]byte, page.Size)
			page.HeaderOf(cur).Init(uint32(st.meta.ID), page.KindOrderedLeaf,
				args.Writer.Node(), 0)
			frames = append(frames, cur)
			used = 0
		}
		body := page.Body(cur)[nextPointerSize:]
		base := body[used : used+space]
		xct.RwLockableAt(base).InitVersion(state.id)
		binary.LittleEndian.PutUint16(base[ownerSize:], uint16(len(state.key)))
		binary.LittleEndian.PutUint16(base[ownerSize+2:], uint16(len(state.payload)))
		copy(base[slotHeaderSize:], state.key)
		copy(base[slotHeaderSize+len(state.key):], state.payload)
		used += space
		page.HeaderOf(cur).SetExtra(uint64(used))
	}

	var next page.SnapshotPagePointer
	var head page.SnapshotPagePointer
	for i := len(frames) - 1; i >= 0; i-- {
		nextPointerOf(frames[i]).StoreSnapshot(next)
		ptr, err := args.Writer.WritePage(frames[i])
		if err != nil {
			return err
		}
		next = ptr
		head = ptr
	}
	args.RootInfo.Entries = append(args.RootInfo.Entries,
		storage.RootInfoEntry{Index: uint64(args.Partition), Pointer: head})
	return nil
}

func (c *composer) prevPartitionHead(args *storage.ComposeArgs) page.SnapshotPagePointer {
	st := c.st
	root := st.meta.RootSnapshot
	if root.IsNull() {
		return 0
	}
	frame := make([]byte, page.Size)
	err := args.Previous.ReadPage(uint32(st.meta.ID), root, frame)
	if err != nil {
		return 0
	}
	heads := parseHeads(frame)
	if args.Partition >= len(heads) {
		return 0
	}
	return heads[args.Partition]
}

// ConstructRoot writes the root page listing partition heads.
func (c *composer) ConstructRoot(args *storage.ConstructRootArgs) error {
	st := c.st
	maxPartition := -1
	for _, info := range args.RootInfos {
		for _, ent := range info.Entries {
			if int(ent.Index) > maxPartition {
				maxPartition = int(ent.Index)
			}
		}
	}
	frame := make([]byte, page.Size)
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindOrderedLeaf,
		args.Writer.Node(), 0)
	body := page.Body(frame)
	binary.LittleEndian.PutUint64(body[0:], uint64(maxPartition+1))
	for _, info := range args.RootInfos {
		for _, ent := range info.Entries {
			binary.LittleEndian.PutUint64(body[8+int(ent.Index)*8:], uint64(ent.Pointer))
		}
	}
	ptr, err := args.Writer.WritePage(frame)
	if err != nil {
		return err
	}
	args.NewRootPointer = ptr
	return nil
}

func (c *composer) InstallSnapshotPointers(root page.SnapshotPagePointer,
	rdr storage.SnapshotReader, infos []*storage.RootInfo) error {

	c.st.root.StoreSnapshot(root)
	c.st.meta.RootSnapshot = root
	return nil
}

// DropVolatiles removes tree records fully covered by the snapshot.
// Ordered records live on the Go heap rather than the page pool, so
// dropping frees them to the garbage collector instead of a free list.
func (c *composer) DropVolatiles(args *storage.DropVolatilesArgs) storage.DropResult {
	st := c.st
	result := storage.DropResult{DroppedAll: true}
	if args.PartitionedDrop && args.Partition != 0 {
		return result
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	var covered []*record
	st.tree.Ascend(func(item btree.Item) bool {
		r := item.(*record)
		e := r.owner.Load().Epoch()
		result.MaxObserved = epoch.Max(result.MaxObserved, e)
		if r.owner.IsMoved() || !e.Valid() || !args.ValidUntil.Before(e) {
			covered = append(covered, r)
		}
		return true
	})
	if args.Expired() {
		result.DroppedAll = false
		return result
	}
	st.structVersion.Lock()
	for _, r := range covered {
		st.tree.Delete(r)
	}
	st.structVersion.Unlock()
	if st.tree.Len() > 0 {
		result.DroppedAll = false
	}
	return result
}

// DropRootVolatile retires the tree generation once it is empty; the
// next insert installs a new generation, swinging the root pointer.
func (c *composer) DropRootVolatile(args *storage.DropVolatilesArgs) {
	st := c.st
	st.mutex.Lock()
	if st.tree.Len() == 0 {
		st.root.StoreVolatile(0)
	}
	st.mutex.Unlock()
}
