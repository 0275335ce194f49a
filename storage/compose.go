package storage

import (
	"time"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/storage/page"
)

// SnapshotWriter allocates page ids and writes composed pages into the
// snapshot file of one (storage, partition); implemented by the snapshot
// module.
type SnapshotWriter interface {
	Node() uint8
	SnapshotID() uint16
	// WritePage appends one page frame and returns its pointer within
	// the snapshot.
	WritePage(frame []byte) (page.SnapshotPagePointer, error)
}

// SnapshotReader resolves previous-snapshot page pointers; implemented by
// the snapshot file set.
type SnapshotReader interface {
	ReadPage(storageID uint32, spp page.SnapshotPagePointer, frame []byte) error
}

// SortedStream yields the redo log records of one sorted run, in
// (key, xct id) order, already restricted to one storage and partition.
// Next returns nil at end of stream.
type SortedStream interface {
	Next() ([]byte, error)
}

// RootInfo is what one partition's compose() hands to construct_root():
// the snapshot pointers and key-range metadata for the subtrees the
// partition rebuilt.
type RootInfo struct {
	StorageID StorageId
	Partition int
	Entries   []RootInfoEntry
}

// RootInfoEntry names one root-level subtree: arrays index children by
// position, keyed storages by separator key or bucket.
type RootInfoEntry struct {
	Index   uint64
	Key     []byte
	Pointer page.SnapshotPagePointer
}

// ComposeArgs carries the inputs of one compose() call: previous snapshot
// pages plus this partition's sorted runs.
type ComposeArgs struct {
	Writer     SnapshotWriter
	Previous   SnapshotReader
	Streams    []SortedStream
	BaseEpoch  epoch.Epoch
	ValidUntil epoch.Epoch
	Partition  int
	Partitions int

	// RootInfo is filled by compose() for the gleaner to collect.
	RootInfo RootInfo
}

// ConstructRootArgs merges the per-partition root infos of one storage
// into its new root snapshot page.
type ConstructRootArgs struct {
	Writer    SnapshotWriter
	Previous  SnapshotReader
	RootInfos []*RootInfo

	// NewRootPointer is filled by construct_root().
	NewRootPointer page.SnapshotPagePointer
}

// DropVolatilesArgs drives the volatile-drop pass inside the snapshot
// install pause. Dropped pages are batched through per-node chunks.
type DropVolatilesArgs struct {
	ValidUntil epoch.Epoch
	Pool       *memory.GlobalPool
	Chunks     []*memory.PagePoolOffsetChunk
	Dropped    *uint64

	// Partition restricts the drop pass to one partition's subtrees when
	// PartitionedDrop is set; otherwise the whole storage is walked.
	Partition       int
	Partitions      int
	PartitionedDrop bool

	// Deadline bounds the pause window; once past it the composer stops
	// dropping and reports DroppedAll false. Zero means unbounded.
	Deadline time.Time
}

// Expired reports whether the pause budget is spent.
func (args *DropVolatilesArgs) Expired() bool {
	return !args.Deadline.IsZero() && time.Now().After(args.Deadline)
}

// Drop batches one volatile page for return to the pool.
func (args *DropVolatilesArgs) Drop(vpp page.VolatilePagePointer) {
	chunk := args.Chunks[vpp.Node()]
	chunk.Add(vpp.Offset())
	if chunk.Full() {
		args.Pool.Node(vpp.Node()).ReleaseChunk(chunk)
	}
	*args.Dropped++
}

// Flush drains every chunk back to its pool.
func (args *DropVolatilesArgs) Flush() {
	for node, chunk := range args.Chunks {
		if chunk.Size() > 0 {
			args.Pool.Node(uint8(node)).ReleaseChunk(chunk)
		}
	}
}

// DropResult summarizes one partition's volatile drop.
type DropResult struct {
	// MaxObserved is the newest commit epoch seen on any record in the
	// partition's subtrees.
	MaxObserved epoch.Epoch
	// DroppedAll is true when every volatile page of the partition was
	// returned to the pool.
	DroppedAll bool
}

// Combine merges another partition's result into this one.
func (dr *DropResult) Combine(other DropResult) {
	dr.MaxObserved = epoch.Max(dr.MaxObserved, other.MaxObserved)
	dr.DroppedAll = dr.DroppedAll && other.DroppedAll
}

// Composer builds a storage's new snapshot pages from sorted redo runs
// and installs the results. One composer instance serves one storage;
// Compose runs once per partition, ConstructRoot once per storage, and
// the install/drop calls run inside the pause window.
type Composer interface {
	Compose(args *ComposeArgs) error
	ConstructRoot(args *ConstructRootArgs) error

	// InstallSnapshotPointers swings the snapshot half of every affected
	// dual pointer to the newly composed pages, reading the new snapshot
	// tree through rdr.
	InstallSnapshotPointers(root page.SnapshotPagePointer, rdr SnapshotReader,
		infos []*RootInfo) error

	// DropVolatiles returns pool pages whose subtrees saw no commit newer
	// than the snapshot's valid-until epoch.
	DropVolatiles(args *DropVolatilesArgs) DropResult

	// DropRootVolatile releases the root volatile page; called only when
	// every partition reported DroppedAll.
	DropRootVolatile(args *DropVolatilesArgs)
}

// Partitioner routes one redo record to a partition; the mapper asks the
// storage's partitioner for every record it buckets.
type Partitioner interface {
	Partition(rec []byte, partitions int) int
}

// ComposableStorage is implemented by storage types that participate in
// snapshots.
type ComposableStorage interface {
	Storage
	Composer() Composer
	Partitioner() Partitioner
}
