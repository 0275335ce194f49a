package seq

import (
	"encoding/binary"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/xct"
)

type partitioner struct{}

func (st *Storage) Partitioner() storage.Partitioner {
	return partitioner{}
}

// Partition routes appends by their committing thread so one partition's
// records keep per-thread order.
func (partitioner) Partition(rec []byte, partitions int) int {
	return int(log.XctThread(rec)) % partitions
}

type composer struct {
	st *Storage
}

func (st *Storage) Composer() storage.Composer {
	return &composer{st: st}
}

// Compose packs this partition's appended records, in xct id order, into
// a fresh chain of snapshot pages. The chain's tail links to the
// previous snapshot's chain for the same partition, so older records
// stay reachable without rewriting them.
func (c *composer) Compose(args *storage.ComposeArgs) error {
	st := c.st
	args.RootInfo = storage.RootInfo{
		StorageID: st.meta.ID,
		Partition: args.Partition,
	}

	var frames [][]byte
	var cur []byte
	used := 0
	for _, stream := range args.Streams {
		for {
			rec, err := stream.Next()
			if err != nil {
				return err
			}
			if rec == nil {
				break
			}
			payload := log.Value(rec)
			need := recordSpace(len(payload))
			if cur == nil || used+need > pageCapacity {
				cur = make([]byte, page.Size)
				page.HeaderOf(cur).Init(uint32(st.meta.ID), page.KindSeqData,
					args.Writer.Node(), 0)
				frames = append(frames, cur)
				used = 0
			}
			body := page.Body(cur)[nextPointerSize:]
			slot := body[used : used+need]
			binary.LittleEndian.PutUint16(slot[0:], uint16(need))
			binary.LittleEndian.PutUint16(slot[2:], uint16(len(payload)))
			binary.LittleEndian.PutUint64(slot[8:], log.XctData(rec))
			copy(slot[recordHeaderSize:], payload)
			used += need
			page.HeaderOf(cur).SetExtra(uint64(used))
		}
	}

	prevHead := c.prevPartitionHead(args)
	if len(frames) == 0 {
		if !prevHead.IsNull() {
			args.RootInfo.Entries = append(args.RootInfo.Entries,
				storage.RootInfoEntry{Index: uint64(args.Partition), Pointer: prevHead})
		}
		return nil
	}

	// Write back to front so each page knows its successor's pointer.
	next := prevHead
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
	heads := headPointers(frame)
	if args.Partition >= len(heads) {
		return 0
	}
	return heads[args.Partition]
}

// ConstructRoot writes the root page listing every partition's head
// pointer.
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
	page.HeaderOf(frame).Init(uint32(st.meta.ID), page.KindSeqData, args.Writer.Node(), 0)
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

// InstallSnapshotPointers swings the root. The snapshot's epoch fence,
// which keeps scans from double counting volatile records, is recorded
// separately through SetSnapshotEpoch.
func (c *composer) InstallSnapshotPointers(root page.SnapshotPagePointer,
	rdr storage.SnapshotReader, infos []*storage.RootInfo) error {

	c.st.root.StoreSnapshot(root)
	c.st.meta.RootSnapshot = root
	return nil
}

// SetSnapshotEpoch is called by the installer with the cycle's
// valid-until epoch after pointers are swung.
func (st *Storage) SetSnapshotEpoch(e epoch.Epoch) {
	st.snapshotEpoch.Store(uint32(e))
}

// DropVolatiles releases chain prefixes whose records are all covered by
// the snapshot. Records within one thread's chain are epoch-monotone, so
// checking a page's last record suffices.
func (c *composer) DropVolatiles(args *storage.DropVolatilesArgs) storage.DropResult {
	st := c.st
	result := storage.DropResult{DroppedAll: true}
	for tid := range st.chains {
		if args.PartitionedDrop && tid%maxInt(args.Partitions, 1) != args.Partition {
			continue
		}
		chain := &st.chains[tid]
		for !chain.head.IsNull() {
			frame := st.ctx.Pool.Resolve(chain.head)
			last := lastRecordEpoch(frame)
			if last.Valid() && args.ValidUntil.Before(last) {
				result.MaxObserved = epoch.Max(result.MaxObserved, last)
				result.DroppedAll = false
				break
			}
			if args.Expired() {
				result.DroppedAll = false
				break
			}
			next := nextPointerOf(frame).Volatile()
			args.Drop(chain.head)
			chain.head = next
			if next.IsNull() {
				chain.tail = 0
			}
		}
		if !chain.head.IsNull() {
			result.DroppedAll = false
		}
	}
	return result
}

// DropRootVolatile: sequential storages have no volatile root page.
func (c *composer) DropRootVolatile(args *storage.DropVolatilesArgs) {
}

func lastRecordEpoch(frame []byte) epoch.Epoch {
	var last epoch.Epoch
	scanFrame(frame, nextPointerSize,
		func(id xct.XctId, payload []byte) errcode.ErrorCode {
			last = id.Epoch()
			return errcode.Ok
		})
	return last
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
