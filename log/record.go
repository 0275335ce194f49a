// Package log implements the redo log: the record wire format, the
// per-thread append buffers written during commit, and the manager that
// makes buffered records durable and tracks the durable epoch frontier.
package log

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record wire format. Every record begins with a fixed header:
//
//	length     u16   total record length in bytes, 8-byte aligned
//	type       u16
//	storage_id u32
//	xct_id     u128  (data word, then thread word)
//
// followed by a type-dependent payload. Records within one thread's log
// are epoch-sorted; epoch-mark records delimit epoch boundaries.
const (
	HeaderSize = 24

	TypeFiller uint16 = iota
	TypeEpochMark
	TypeArrayOverwrite
	TypeHashInsert
	TypeHashOverwrite
	TypeHashDelete
	TypeOrderedInsert
	TypeOrderedOverwrite
	TypeOrderedDelete
	TypeSeqAppend
)

var (
	ErrTruncatedRecord = errors.New("log: truncated record")
)

// Align8 rounds a record length up to the 8-byte alignment the wire
// format requires.
func Align8(n int) int {
	return (n + 7) &^ 7
}

func Length(rec []byte) int {
	return int(binary.LittleEndian.Uint16(rec[0:]))
}

func Type(rec []byte) uint16 {
	return binary.LittleEndian.Uint16(rec[2:])
}

func StorageID(rec []byte) uint32 {
	return binary.LittleEndian.Uint32(rec[4:])
}

func XctData(rec []byte) uint64 {
	return binary.LittleEndian.Uint64(rec[8:])
}

func XctThread(rec []byte) uint16 {
	return uint16(binary.LittleEndian.Uint64(rec[16:]))
}

// StampXctID writes the issued transaction id into an already-encoded
// record; the transaction calls this during the publish phase of commit,
// after id issuance.
func StampXctID(rec []byte, xctData uint64, thread uint16) {
	binary.LittleEndian.PutUint64(rec[8:], xctData)
	binary.LittleEndian.PutUint64(rec[16:], uint64(thread))
}

func newRecord(typ uint16, storageID uint32, payloadLen int) []byte {
	total := Align8(HeaderSize + payloadLen)
	rec := make([]byte, total)
	binary.LittleEndian.PutUint16(rec[0:], uint16(total))
	binary.LittleEndian.PutUint16(rec[2:], typ)
	binary.LittleEndian.PutUint32(rec[4:], storageID)
	return rec
}

// NewEpochMark builds the marker record that separates epochs within one
// thread's log stream.
func NewEpochMark(oldEpoch, newEpoch uint32) []byte {
	rec := newRecord(TypeEpochMark, 0, 8)
	binary.LittleEndian.PutUint32(rec[HeaderSize:], oldEpoch)
	binary.LittleEndian.PutUint32(rec[HeaderSize+4:], newEpoch)
	return rec
}

func EpochMarkNew(rec []byte) uint32 {
	return binary.LittleEndian.Uint32(rec[HeaderSize+4:])
}

// NewArrayOverwrite logs a full or partial overwrite of the record at an
// array offset.
func NewArrayOverwrite(storageID uint32, offset uint64, payloadOffset uint16,
	data []byte) []byte {

	rec := newRecord(TypeArrayOverwrite, storageID, 12+len(data))
	binary.LittleEndian.PutUint64(rec[HeaderSize:], offset)
	binary.LittleEndian.PutUint16(rec[HeaderSize+8:], payloadOffset)
	binary.LittleEndian.PutUint16(rec[HeaderSize+10:], uint16(len(data)))
	copy(rec[HeaderSize+12:], data)
	return rec
}

func ArrayOffset(rec []byte) uint64 {
	return binary.LittleEndian.Uint64(rec[HeaderSize:])
}

func ArrayPayloadOffset(rec []byte) uint16 {
	return binary.LittleEndian.Uint16(rec[HeaderSize+8:])
}

func ArrayData(rec []byte) []byte {
	n := binary.LittleEndian.Uint16(rec[HeaderSize+10:])
	return rec[HeaderSize+12 : HeaderSize+12+int(n)]
}

func newKeyValue(typ uint16, storageID uint32, key, payload []byte) []byte {
	rec := newRecord(typ, storageID, 4+len(key)+len(payload))
	binary.LittleEndian.PutUint16(rec[HeaderSize:], uint16(len(key)))
	binary.LittleEndian.PutUint16(rec[HeaderSize+2:], uint16(len(payload)))
	copy(rec[HeaderSize+4:], key)
	copy(rec[HeaderSize+4+len(key):], payload)
	return rec
}

func NewHashInsert(storageID uint32, key, payload []byte) []byte {
	return newKeyValue(TypeHashInsert, storageID, key, payload)
}

func NewHashOverwrite(storageID uint32, key, payload []byte) []byte {
	return newKeyValue(TypeHashOverwrite, storageID, key, payload)
}

func NewHashDelete(storageID uint32, key []byte) []byte {
	return newKeyValue(TypeHashDelete, storageID, key, nil)
}

func NewOrderedInsert(storageID uint32, key, payload []byte) []byte {
	return newKeyValue(TypeOrderedInsert, storageID, key, payload)
}

func NewOrderedOverwrite(storageID uint32, key, payload []byte) []byte {
	return newKeyValue(TypeOrderedOverwrite, storageID, key, payload)
}

func NewOrderedDelete(storageID uint32, key []byte) []byte {
	return newKeyValue(TypeOrderedDelete, storageID, key, nil)
}

func NewSeqAppend(storageID uint32, payload []byte) []byte {
	return newKeyValue(TypeSeqAppend, storageID, nil, payload)
}

// Key returns the key bytes of a key-value record.
func Key(rec []byte) []byte {
	n := binary.LittleEndian.Uint16(rec[HeaderSize:])
	return rec[HeaderSize+4 : HeaderSize+4+int(n)]
}

// Value returns the payload bytes of a key-value record.
func Value(rec []byte) []byte {
	kn := binary.LittleEndian.Uint16(rec[HeaderSize:])
	vn := binary.LittleEndian.Uint16(rec[HeaderSize+2:])
	base := HeaderSize + 4 + int(kn)
	return rec[base : base+int(vn)]
}

// SortKey returns the byte string the reducer sorts a record by, within
// one storage. Array records sort by big-endian offset; key-value records
// by their key; sequential appends carry no key and keep arrival order.
func SortKey(rec []byte) []byte {
	switch Type(rec) {
	case TypeArrayOverwrite:
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], ArrayOffset(rec))
		return key[:]
	case TypeHashInsert, TypeHashOverwrite, TypeHashDelete,
		TypeOrderedInsert, TypeOrderedOverwrite, TypeOrderedDelete:
		return Key(rec)
	}
	return nil
}

// Next splits the first record off an encoded stream.
func Next(stream []byte) (rec []byte, rest []byte, err error) {
	if len(stream) < HeaderSize {
		return nil, nil, ErrTruncatedRecord
	}
	n := Length(stream)
	if n < HeaderSize || n%8 != 0 {
		return nil, nil, fmt.Errorf("log: bad record length %d", n)
	}
	if len(stream) < n {
		return nil, nil, ErrTruncatedRecord
	}
	return stream[:n], stream[n:], nil
}
