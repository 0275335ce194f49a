// Package storage defines the uniform contract every storage type
// implements, the metadata describing a storage, and the registry that
// dispatches storage construction on the storage type integer; composers
// and partitioners come from each storage's own methods. Per-record operations are methods on the concrete storage
// types, keeping hot paths monomorphic; this package only carries the
// cold, shared surface.
package storage

import (
	"errors"
	"fmt"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage/page"
	"github.com/gleandb/glean/xct"
)

// StorageId identifies one storage engine-wide. Ids are dense, assigned
// at creation, and never reused.
type StorageId uint32

// Type tags the layout of a storage; storage construction looks up the
// type's registered factory by it.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeArray
	TypeHash
	TypeSeq
	TypeOrdered
)

func (typ Type) String() string {
	switch typ {
	case TypeArray:
		return "array"
	case TypeHash:
		return "hash"
	case TypeSeq:
		return "seq"
	case TypeOrdered:
		return "ordered"
	}
	return fmt.Sprintf("type-%d", uint8(typ))
}

var (
	ErrUnknownType = errors.New("storage: unknown storage type")
)

// Metadata describes one storage; it is persisted in snapshot file
// headers and the snapshot manifest so a restarted engine can rebuild
// the storage over its snapshot root.
type Metadata struct {
	ID   StorageId
	Type Type
	Name string

	// Array parameters.
	RecordSize uint16
	ArraySize  uint64

	// Hash parameters.
	BucketCount uint32

	// RootSnapshot is the storage's root snapshot page after the most
	// recent snapshot cycle; null before the first cycle.
	RootSnapshot page.SnapshotPagePointer
}

// Storage is the shared, cold surface of every storage type. The
// per-record operations live on the concrete types.
type Storage interface {
	ID() StorageId
	Type() Type
	Name() string
	Metadata() *Metadata

	// RootPointer exposes the storage's root dual pointer for the
	// snapshot installer.
	RootPointer() *page.DualPagePointer

	// TrackMoved re-resolves a write-set entry whose record has migrated;
	// it updates the entry in place or returns a code forcing an abort.
	TrackMoved(w *xct.WriteAccess) errcode.ErrorCode

	// Drop releases every volatile page the storage holds; called when
	// the storage is destroyed, outside any transaction.
	Drop()
}
