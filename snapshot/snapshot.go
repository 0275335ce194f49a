package snapshot

import (
	"fmt"
	"path/filepath"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
)

// ID identifies one completed snapshot; ids are dense, starting at 1.
type ID uint16

// Snapshot is the metadata of one snapshot cycle: the epoch window it
// covers and, once complete, every storage's new root pointer and
// metadata.
type Snapshot struct {
	ID         ID
	BaseEpoch  epoch.Epoch
	ValidUntil epoch.Epoch

	// Storages maps storage id to its state as of this snapshot.
	Storages map[storage.StorageId]StorageEntry
}

// StorageEntry is one storage's manifest record within a snapshot.
type StorageEntry struct {
	Metadata storage.Metadata
	Root     page.SnapshotPagePointer

	// Files maps partition to the snapshot file holding its pages,
	// relative to the partition's node folder.
	Files map[int]string
}

// FileName names the snapshot file of one storage partition within its
// node folder.
func FileName(id ID, storageID storage.StorageId) string {
	return fmt.Sprintf("snapshot_%d_storage_%d.sp", id, storageID)
}

// FilePath resolves the full path of one storage partition's snapshot
// file.
func FilePath(opts *Options, node int, id ID, storageID storage.StorageId) string {
	return filepath.Join(opts.ConvertFolderPathPattern(node), FileName(id, storageID))
}
