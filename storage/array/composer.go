package array

import (
	"fmt"
	"sort"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/xct"
)

// rootChildren returns how many root-level subtrees the array has; a
// single-level array counts as one.
func (st *Storage) rootChildren() int {
	if st.levels == 1 {
		return 1
	}
	sub := st.capacity[st.levels-2]
	return int((st.meta.ArraySize + sub - 1) / sub)
}

func (st *Storage) childPartition(child, partitions int) int {
	return child * partitions / st.rootChildren()
}

type partitioner struct {
	st *Storage
}

func (st *Storage) Partitioner() storage.Partitioner {
	return &partitioner{st: st}
}

// Partition routes an overwrite record by the root subtree its offset
// falls under, so each partition composes contiguous subtrees.
func (p *partitioner) Partition(rec []byte, partitions int) int {
	st := p.st
	if st.levels == 1 {
		return 0
	}
	child := int(log.ArrayOffset(rec) / st.capacity[st.levels-2])
	return st.childPartition(child, partitions)
}

type composer struct {
	st *Storage
}

func (st *Storage) Composer() storage.Composer {
	return &composer{st: st}
}

// drainStreams loads and merges the partition's sorted runs into one
// (offset, xct id)-ordered slice.
func drainStreams(streams []storage.SortedStream) ([][]byte, error) {
	var recs [][]byte
	for _, stream := range streams {
		for {
			rec, err := stream.Next()
			if err != nil {
				return nil, err
			}
			if rec == nil {
				break
			}
			recs = append(recs, rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		oi, oj := log.ArrayOffset(recs[i]), log.ArrayOffset(recs[j])
		if oi != oj {
			return oi < oj
		}
		ii := xct.XctIdFromData(log.XctData(recs[i]))
		ij := xct.XctIdFromData(log.XctData(recs[j]))
		return ii.Before(ij)
	})
	return recs, nil
}

// Compose rebuilds this partition's root subtrees: previous snapshot
// state with the sorted redo sequence applied in xct id order.
func (c *composer) Compose(args *storage.ComposeArgs) error {
	st := c.st
	recs, err := drainStreams(args.Streams)
	if err != nil {
		return err
	}

	args.RootInfo = storage.RootInfo{
		StorageID: st.meta.ID,
		Partition: args.Partition,
	}

	if st.levels == 1 {
		if args.Partition != 0 {
			return nil
		}
		ptr, err := c.composeLeaf(args, 0, recs)
		if err != nil {
			return err
		}
		args.RootInfo.Entries = append(args.RootInfo.Entries,
			storage.RootInfoEntry{Index: 0, Pointer: ptr})
		return nil
	}

	sub := st.capacity[st.levels-2]
	for child := 0; child < st.rootChildren(); child++ {
		if st.childPartition(child, partitionsOf(args)) != args.Partition {
			continue
		}
		base := uint64(child) * sub
		lo := sort.Search(len(recs), func(i int) bool {
			return log.ArrayOffset(recs[i]) >= base
		})
		hi := sort.Search(len(recs), func(i int) bool {
			return log.ArrayOffset(recs[i]) >= base+sub
		})
		ptr, err := c.composeSubtree(args, st.levels-2, base, recs[lo:hi])
		if err != nil {
			return err
		}
		args.RootInfo.Entries = append(args.RootInfo.Entries,
			storage.RootInfoEntry{Index: uint64(child), Pointer: ptr})
	}
	return nil
}

// partitionsOf recovers the partition count; one compose call exists per
// partition and the gleaner numbers them densely per node.
func partitionsOf(args *storage.ComposeArgs) int {
	if args.Partitions <= 0 {
		return 1
	}
	return args.Partitions
}

func (c *composer) composeSubtree(args *storage.ComposeArgs, level int, base uint64,
	recs [][]byte) (page.SnapshotPagePointer, error) {

	st := c.st
	if level == 0 {
		return c.composeLeaf(args, base, recs)
	}

	frame := make([]byte, page.Size)
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindArrayInterior, args.Writer.Node(), 0)
	children := interiorChildren(frame)
	sub := st.capacity[level-1]
	for i := 0; i < pointersPerInterior; i++ {
		childBase := base + uint64(i)*sub
		if childBase >= st.meta.ArraySize {
			break
		}
		lo := sort.Search(len(recs), func(j int) bool {
			return log.ArrayOffset(recs[j]) >= childBase
		})
		hi := sort.Search(len(recs), func(j int) bool {
			return log.ArrayOffset(recs[j]) >= childBase+sub
		})
		ptr, err := c.composeSubtree(args, level-1, childBase, recs[lo:hi])
		if err != nil {
			return 0, err
		}
		children[i].StoreSnapshot(ptr)
	}
	return args.Writer.WritePage(frame)
}

// composeLeaf materializes one leaf: the previous snapshot leaf (or
// zeroes) with this cycle's overwrites applied in order.
func (c *composer) composeLeaf(args *storage.ComposeArgs, base uint64,
	recs [][]byte) (page.SnapshotPagePointer, error) {

	st := c.st
	frame := make([]byte, page.Size)
	prev := c.prevLeafPointer(args, base)
	if !prev.IsNull() {
		err := args.Previous.ReadPage(uint32(st.meta.ID), prev, frame)
		if err != nil {
			return 0, err
		}
	}
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindArrayLeaf, args.Writer.Node(), 0)

	for _, rec := range recs {
		offset := log.ArrayOffset(rec)
		owner, payload := st.leafRecord(frame, offset-base)
		data := log.ArrayData(rec)
		off := log.ArrayPayloadOffset(rec)
		copy(payload[off:int(off)+len(data)], data)
		owner.InitVersion(xct.XctIdFromData(log.XctData(rec)))
	}
	return args.Writer.WritePage(frame)
}

// prevLeafPointer descends the previous snapshot tree to the leaf
// covering base; null when there is no previous snapshot.
func (c *composer) prevLeafPointer(args *storage.ComposeArgs, target uint64) page.SnapshotPagePointer {
	st := c.st
	spp := st.meta.RootSnapshot
	level := st.levels - 1
	base := uint64(0)
	frame := make([]byte, page.Size)
	for !spp.IsNull() && level > 0 {
		err := args.Previous.ReadPage(uint32(st.meta.ID), spp, frame)
		if err != nil {
			return 0
		}
		idx := (target - base) / st.capacity[level-1]
		spp = interiorChildren(frame)[idx].Snapshot()
		base += idx * st.capacity[level-1]
		level--
	}
	return spp
}

// ConstructRoot merges every partition's root-level subtree pointers
// into the storage's new root page.
func (c *composer) ConstructRoot(args *storage.ConstructRootArgs) error {
	st := c.st
	if st.levels == 1 {
		for _, info := range args.RootInfos {
			for _, ent := range info.Entries {
				args.NewRootPointer = ent.Pointer
				return nil
			}
		}
		return fmt.Errorf("array: %s: no root info for single-level array", st.meta.Name)
	}

	frame := make([]byte, page.Size)
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindArrayInterior,
		args.Writer.Node(), 0)
	children := interiorChildren(frame)
	for _, info := range args.RootInfos {
		for _, ent := range info.Entries {
			children[ent.Index].StoreSnapshot(ent.Pointer)
		}
	}
	ptr, err := args.Writer.WritePage(frame)
	if err != nil {
		return err
	}
	args.NewRootPointer = ptr
	return nil
}

// InstallSnapshotPointers swings the snapshot halves throughout the
// volatile tree to the newly composed pages; runs inside the pause
// window.
func (c *composer) InstallSnapshotPointers(root page.SnapshotPagePointer,
	rdr storage.SnapshotReader, infos []*storage.RootInfo) error {

	st := c.st
	st.root.StoreSnapshot(root)
	st.meta.RootSnapshot = root
	vpp := st.root.Volatile()
	if vpp.IsNull() {
		return nil
	}
	return c.installSubtree(st.ctx.Pool.Resolve(vpp), root, st.levels-1, rdr)
}

func (c *composer) installSubtree(volFrame []byte, spp page.SnapshotPagePointer,
	level int, rdr storage.SnapshotReader) error {

	if level == 0 || spp.IsNull() {
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
		childVpp := volChildren[i].Volatile()
		if !childVpp.IsNull() {
			err = c.installSubtree(c.st.ctx.Pool.Resolve(childVpp), child, level-1, rdr)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DropVolatiles returns to the pool every volatile subtree whose records
// all committed at or before the snapshot's valid-until epoch.
func (c *composer) DropVolatiles(args *storage.DropVolatilesArgs) storage.DropResult {
	st := c.st
	result := storage.DropResult{DroppedAll: true}
	vpp := st.root.Volatile()
	if vpp.IsNull() {
		return result
	}

	if st.levels == 1 {
		if args.PartitionedDrop && args.Partition != 0 {
			return result
		}
		res, _ := c.dropSubtree(args, &st.root, 0)
		result.Combine(res)
		return result
	}

	children := interiorChildren(st.ctx.Pool.Resolve(vpp))
	partitions := args.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	for child := 0; child < st.rootChildren(); child++ {
		if args.PartitionedDrop && st.childPartition(child, partitions) != args.Partition {
			continue
		}
		if children[child].Volatile().IsNull() {
			continue
		}
		res, _ := c.dropSubtree(args, &children[child], st.levels-2)
		result.Combine(res)
	}
	return result
}

// dropSubtree walks one subtree depth first, dropping pages whose
// content is fully covered by the snapshot. Reports the subtree's newest
// observed commit epoch and whether the page was dropped.
func (c *composer) dropSubtree(args *storage.DropVolatilesArgs, dpp *page.DualPagePointer,
	level int) (storage.DropResult, bool) {

	st := c.st
	vpp := dpp.Volatile()
	if vpp.IsNull() {
		return storage.DropResult{DroppedAll: true}, true
	}
	frame := st.ctx.Pool.Resolve(vpp)
	result := storage.DropResult{DroppedAll: true}

	if level == 0 {
		var maxE epoch.Epoch
		body := page.Body(frame)
		for slot := 0; slot < int(st.perLeaf); slot++ {
			base := slot * st.stride
			if base+st.stride > len(body) {
				break
			}
			owner := xct.RwLockableAt(body[base:])
			e := owner.Load().Epoch()
			maxE = epoch.Max(maxE, e)
		}
		result.MaxObserved = maxE
		if maxE.Valid() && args.ValidUntil.Before(maxE) {
			result.DroppedAll = false
			return result, false
		}
		if args.Expired() {
			result.DroppedAll = false
			return result, false
		}
		args.Drop(vpp)
		dpp.StoreVolatile(0)
		return result, true
	}

	children := interiorChildren(frame)
	allDropped := true
	for i := range children {
		if children[i].Volatile().IsNull() {
			continue
		}
		res, dropped := c.dropSubtree(args, &children[i], level-1)
		result.Combine(res)
		allDropped = allDropped && dropped
	}
	if allDropped && !args.Expired() {
		args.Drop(vpp)
		dpp.StoreVolatile(0)
		return result, true
	}
	result.DroppedAll = false
	return result, false
}

// DropRootVolatile releases the root page once every partition has
// dropped all of its subtrees.
func (c *composer) DropRootVolatile(args *storage.DropVolatilesArgs) {
	vpp := c.st.root.Volatile()
	if vpp.IsNull() {
		return
	}
	args.Drop(vpp)
	c.st.root.StoreVolatile(0)
}
