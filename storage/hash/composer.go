package hash

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/xct"
)

type partitioner struct {
	st *Storage
}

func (st *Storage) Partitioner() storage.Partitioner {
	return &partitioner{st: st}
}

// Partition routes records by bucket range so each partition composes a
// contiguous span of buckets.
func (p *partitioner) Partition(rec []byte, partitions int) int {
	st := p.st
	bucket := uint32(xxhash.Sum64(log.Key(rec))) & (st.meta.BucketCount - 1)
	return int(uint64(bucket) * uint64(partitions) / uint64(st.meta.BucketCount))
}

type composer struct {
	st *Storage
}

func (st *Storage) Composer() storage.Composer {
	return &composer{st: st}
}

// bucketRange returns the buckets partition p covers.
func (c *composer) bucketRange(p, partitions int) (uint32, uint32) {
	bc := uint64(c.st.meta.BucketCount)
	lo := uint64(p) * bc / uint64(partitions)
	hi := uint64(p+1) * bc / uint64(partitions)
	return uint32(lo), uint32(hi)
}

// bucketState is the composed view of one key within a bucket.
type bucketState struct {
	key     []byte
	payload []byte
	cap     int
	id      xct.XctId
	deleted bool
}

// Compose rebuilds this partition's buckets: previous snapshot records
// with the sorted redo sequence applied in xct id order, written as new
// chain pages.
func (c *composer) Compose(args *storage.ComposeArgs) error {
	st := c.st
	partitions := args.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	lo, hi := c.bucketRange(args.Partition, partitions)
	args.RootInfo = storage.RootInfo{
		StorageID: st.meta.ID,
		Partition: args.Partition,
	}

	// Group this partition's records by bucket; within one key they stay
	// in xct order from the reducer sort.
	byBucket := map[uint32][][]byte{}
	for _, stream := range args.Streams {
		for {
			rec, err := stream.Next()
			if err != nil {
				return err
			}
			if rec == nil {
				break
			}
			bucket := uint32(xxhash.Sum64(log.Key(rec))) & (st.meta.BucketCount - 1)
			byBucket[bucket] = append(byBucket[bucket], rec)
		}
	}

	for bucket := lo; bucket < hi; bucket++ {
		recs := byBucket[bucket]
		prevHead := c.prevChainHead(args, bucket)
		if recs == nil && prevHead.IsNull() {
			continue
		}
		head, err := c.composeBucket(args, bucket, prevHead, recs)
		if err != nil {
			return err
		}
		if !head.IsNull() {
			args.RootInfo.Entries = append(args.RootInfo.Entries,
				storage.RootInfoEntry{Index: uint64(bucket), Pointer: head})
		}
	}
	return nil
}

// composeBucket merges one bucket's previous snapshot records with its
// redo sequence and writes the surviving records as a fresh chain.
func (c *composer) composeBucket(args *storage.ComposeArgs, bucket uint32,
	prevHead page.SnapshotPagePointer, recs [][]byte) (page.SnapshotPagePointer, error) {

	st := c.st
	states := map[string]*bucketState{}
	order := []string{}

	// Previous snapshot records first.
	spp := prevHead
	frame := make([]byte, page.Size)
	for !spp.IsNull() {
		err := args.Previous.ReadPage(uint32(st.meta.ID), spp, frame)
		if err != nil {
			return 0, err
		}
		walkSlots(frame, func(s *slot) bool {
			k := string(s.key)
			if _, ok := states[k]; !ok {
				order = append(order, k)
			}
			id := s.owner.Load()
			states[k] = &bucketState{
				key:     append([]byte(nil), s.key...),
				payload: append([]byte(nil), s.payload[:s.payloadLen()]...),
				cap:     len(s.payload),
				id:      id,
				deleted: !id.Valid() || id.IsDeleted(),
			}
			return true
		})
		spp = nextPointerOf(frame).Snapshot()
	}

	// Apply the redo sequence; records arrive sorted by (key, xct id),
	// and later writers win.
	for _, rec := range recs {
		k := string(log.Key(rec))
		id := xct.XctIdFromData(log.XctData(rec))
		state, ok := states[k]
		if !ok {
			state = &bucketState{key: append([]byte(nil), log.Key(rec)...)}
			states[k] = state
			order = append(order, k)
		}
		switch log.Type(rec) {
		case log.TypeHashInsert, log.TypeHashOverwrite:
			val := log.Value(rec)
			state.payload = append(state.payload[:0], val...)
			if len(val) > state.cap {
				state.cap = len(val)
			}
			state.id = id
			state.deleted = false
		case log.TypeHashDelete:
			state.id = id.SetDeleted()
			state.deleted = true
		}
	}

	// Pack live records into chain pages; write back to front so next
	// pointers are known.
	var frames [][]byte
	var cur []byte
	used := 0
	sort.Strings(order)
	for _, k := range order {
		state := states[k]
		if state.deleted {
			continue
		}
		space := slotSpace(len(state.key), state.cap)
		if cur == nil || used+space > chainCapacity {
			cur = make([]byte, page.Size)
			page.HeaderOf(cur).Init(uint32(st.meta.ID), page.KindHashBucket,
				args.Writer.Node(), 0)
			frames = append(frames, cur)
			used = 0
		}
		body := page.Body(cur)[nextPointerSize:]
		base := body[used : used+space]
		owner := xct.RwLockableAt(base)
		owner.InitVersion(state.id)
		binary.LittleEndian.PutUint16(base[ownerSize:], uint16(len(state.key)))
		binary.LittleEndian.PutUint16(base[ownerSize+2:], uint16(state.cap))
		binary.LittleEndian.PutUint16(base[ownerSize+4:], uint16(len(state.payload)))
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
			return 0, err
		}
		next = ptr
		head = ptr
	}
	return head, nil
}

// prevChainHead locates a bucket's chain head in the previous snapshot.
func (c *composer) prevChainHead(args *storage.ComposeArgs,
	bucket uint32) page.SnapshotPagePointer {

	st := c.st
	spp := st.meta.RootSnapshot
	level := st.levels
	base := uint32(0)
	frame := make([]byte, page.Size)
	for !spp.IsNull() {
		err := args.Previous.ReadPage(uint32(st.meta.ID), spp, frame)
		if err != nil {
			return 0
		}
		children := interiorChildren(frame)
		if level == 1 {
			return children[bucket-base].Snapshot()
		}
		idx := (bucket - base) / uint32(bucketsPerInterior)
		spp = children[idx].Snapshot()
		base += idx * uint32(bucketsPerInterior)
		level--
	}
	return 0
}

// ConstructRoot builds the interior page(s) mapping buckets to their new
// chain heads.
func (c *composer) ConstructRoot(args *storage.ConstructRootArgs) error {
	st := c.st
	heads := map[uint32]page.SnapshotPagePointer{}
	for _, info := range args.RootInfos {
		for _, ent := range info.Entries {
			heads[uint32(ent.Index)] = ent.Pointer
		}
	}

	if st.levels == 1 {
		frame := make([]byte, page.Size)
		page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindHashRoot,
			args.Writer.Node(), 0)
		children := interiorChildren(frame)
		for bucket, head := range heads {
			children[bucket].StoreSnapshot(head)
		}
		ptr, err := args.Writer.WritePage(frame)
		if err != nil {
			return err
		}
		args.NewRootPointer = ptr
		return nil
	}

	rootFrame := make([]byte, page.Size)
	page.HeaderOf(rootFrame).Init(uint32(st.meta.ID), page.KindHashRoot,
		args.Writer.Node(), 0)
	rootChildren := interiorChildren(rootFrame)
	groups := (int(st.meta.BucketCount) + bucketsPerInterior - 1) / bucketsPerInterior
	for g := 0; g < groups; g++ {
		frame := make([]byte, page.Size)
		page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindHashRoot,
			args.Writer.Node(), 0)
		children := interiorChildren(frame)
		any := false
		for i := 0; i < bucketsPerInterior; i++ {
			bucket := uint32(g*bucketsPerInterior + i)
			if head, ok := heads[bucket]; ok {
				children[i].StoreSnapshot(head)
				any = true
			}
		}
		if !any {
			continue
		}
		ptr, err := args.Writer.WritePage(frame)
		if err != nil {
			return err
		}
		rootChildren[g].StoreSnapshot(ptr)
	}
	ptr, err := args.Writer.WritePage(rootFrame)
	if err != nil {
		return err
	}
	args.NewRootPointer = ptr
	return nil
}

// InstallSnapshotPointers swings the bucket-level snapshot pointers
// throughout the volatile interior pages.
func (c *composer) InstallSnapshotPointers(root page.SnapshotPagePointer,
	rdr storage.SnapshotReader, infos []*storage.RootInfo) error {

	st := c.st
	st.root.StoreSnapshot(root)
	st.meta.RootSnapshot = root
	vpp := st.root.Volatile()
	if vpp.IsNull() {
		return nil
	}
	return c.installInterior(st.ctx.Pool.Resolve(vpp), root, st.levels, rdr)
}

func (c *composer) installInterior(volFrame []byte, spp page.SnapshotPagePointer,
	level int, rdr storage.SnapshotReader) error {

	if spp.IsNull() {
		return nil
	}
	snapFrame := make([]byte, page.Size)
	err := rdr.ReadPage(uint32(c.st.meta.ID), spp, snapFrame)
	if err != nil {
		return err
	}
	volChildren := interiorChildren(volFrame)
	snapChildren := interiorChildren(snapFrame)
	for i := range volChildren {
		child := snapChildren[i].Snapshot()
		if child.IsNull() {
			continue
		}
		volChildren[i].StoreSnapshot(child)
		if level == 2 {
			childVpp := volChildren[i].Volatile()
			if !childVpp.IsNull() {
				err = c.installInterior(c.st.ctx.Pool.Resolve(childVpp), child, 1, rdr)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DropVolatiles releases bucket chains fully covered by the snapshot.
// Chains drop whole or not at all so readers never land mid-chain.
func (c *composer) DropVolatiles(args *storage.DropVolatilesArgs) storage.DropResult {
	st := c.st
	result := storage.DropResult{DroppedAll: true}
	vpp := st.root.Volatile()
	if vpp.IsNull() {
		return result
	}
	partitions := args.Partitions
	if partitions <= 0 {
		partitions = 1
	}

	for bucket := uint32(0); bucket < st.meta.BucketCount; bucket++ {
		p := int(uint64(bucket) * uint64(partitions) / uint64(st.meta.BucketCount))
		if args.PartitionedDrop && p != args.Partition {
			continue
		}
		dpp := c.volatileBucketPointer(bucket)
		if dpp == nil {
			continue
		}
		res := c.dropChainIfCovered(args, dpp)
		result.Combine(res)
	}
	return result
}

func (c *composer) volatileBucketPointer(bucket uint32) *page.DualPagePointer {
	st := c.st
	dpp := &st.root
	level := st.levels
	base := uint32(0)
	for {
		vpp := dpp.Volatile()
		if vpp.IsNull() {
			return nil
		}
		children := interiorChildren(st.ctx.Pool.Resolve(vpp))
		if level == 1 {
			return &children[bucket-base]
		}
		idx := (bucket - base) / uint32(bucketsPerInterior)
		dpp = &children[idx]
		base += idx * uint32(bucketsPerInterior)
		level--
	}
}

func (c *composer) dropChainIfCovered(args *storage.DropVolatilesArgs,
	dpp *page.DualPagePointer) storage.DropResult {

	st := c.st
	result := storage.DropResult{DroppedAll: true}
	head := dpp.Volatile()
	if head.IsNull() {
		return result
	}

	var maxE epoch.Epoch
	vpp := head
	for !vpp.IsNull() {
		frame := st.ctx.Pool.Resolve(vpp)
		walkSlots(frame, func(s *slot) bool {
			maxE = epoch.Max(maxE, s.owner.Load().Epoch())
			return true
		})
		vpp = nextPointerOf(frame).Volatile()
	}
	result.MaxObserved = maxE
	if (maxE.Valid() && args.ValidUntil.Before(maxE)) || args.Expired() {
		result.DroppedAll = false
		return result
	}

	vpp = head
	for !vpp.IsNull() {
		frame := st.ctx.Pool.Resolve(vpp)
		next := nextPointerOf(frame).Volatile()
		args.Drop(vpp)
		vpp = next
	}
	dpp.StoreVolatile(0)
	return result
}

// DropRootVolatile releases the interior pages once every bucket chain
// is gone.
func (c *composer) DropRootVolatile(args *storage.DropVolatilesArgs) {
	st := c.st
	vpp := st.root.Volatile()
	if vpp.IsNull() {
		return
	}
	if st.levels == 2 {
		children := interiorChildren(st.ctx.Pool.Resolve(vpp))
		for i := range children {
			child := children[i].Volatile()
			if !child.IsNull() {
				args.Drop(child)
				children[i].StoreVolatile(0)
			}
		}
	}
	args.Drop(vpp)
	st.root.StoreVolatile(0)
}
