package log

import (
	"bytes"
	"testing"

	"github.com/gleandb/glean/epoch"
)

func TestRecordHeaderAndStamp(t *testing.T) {
	rec := NewHashInsert(7, []byte("key"), []byte("value"))
	if Length(rec) != len(rec) {
		t.Fatalf("Length got %d want %d", Length(rec), len(rec))
	}
	if Length(rec)%8 != 0 {
		t.Fatalf("record length %d not 8-byte aligned", Length(rec))
	}
	if Type(rec) != TypeHashInsert {
		t.Fatalf("Type got %d", Type(rec))
	}
	if StorageID(rec) != 7 {
		t.Fatalf("StorageID got %d", StorageID(rec))
	}
	StampXctID(rec, 0xdeadbeef, 3)
	if XctData(rec) != 0xdeadbeef {
		t.Fatalf("XctData got %x", XctData(rec))
	}
	if XctThread(rec) != 3 {
		t.Fatalf("XctThread got %d", XctThread(rec))
	}
	if !bytes.Equal(Key(rec), []byte("key")) {
		t.Fatalf("Key got %q", Key(rec))
	}
	if !bytes.Equal(Value(rec), []byte("value")) {
		t.Fatalf("Value got %q", Value(rec))
	}
}

func TestArrayRecord(t *testing.T) {
	rec := NewArrayOverwrite(3, 1234, 8, []byte{1, 2, 3, 4})
	if ArrayOffset(rec) != 1234 {
		t.Fatalf("ArrayOffset got %d", ArrayOffset(rec))
	}
	if ArrayPayloadOffset(rec) != 8 {
		t.Fatalf("ArrayPayloadOffset got %d", ArrayPayloadOffset(rec))
	}
	if !bytes.Equal(ArrayData(rec), []byte{1, 2, 3, 4}) {
		t.Fatalf("ArrayData got %v", ArrayData(rec))
	}
	key := SortKey(rec)
	if len(key) != 8 {
		t.Fatalf("SortKey length got %d", len(key))
	}
	rec2 := NewArrayOverwrite(3, 1235, 0, []byte{9})
	if bytes.Compare(SortKey(rec), SortKey(rec2)) >= 0 {
		t.Fatal("SortKey not ordered by offset")
	}
}

func TestNextSplitsStream(t *testing.T) {
	var stream []byte
	recs := [][]byte{
		NewEpochMark(0, 1),
		NewSeqAppend(1, []byte("abc")),
		NewHashDelete(2, []byte("gone")),
	}
	for _, rec := range recs {
		stream = append(stream, rec...)
	}
	for i := 0; len(stream) > 0; i++ {
		rec, rest, err := Next(stream)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(rec, recs[i]) {
			t.Fatalf("record %d mismatch", i)
		}
		stream = rest
	}
	_, _, err := Next([]byte{1, 2, 3})
	if err != ErrTruncatedRecord {
		t.Fatalf("truncated stream got %v", err)
	}
}

func TestBufferEpochSegments(t *testing.T) {
	buf := NewBuffer(0, 0)
	buf.Append(2, [][]byte{NewSeqAppend(1, []byte("a"))})
	buf.Append(2, [][]byte{NewSeqAppend(1, []byte("b"))})
	buf.Append(3, [][]byte{NewSeqAppend(1, []byte("c"))})

	drained := buf.Drain(2)
	if len(drained) == 0 {
		t.Fatal("nothing drained for epoch 2")
	}
	// The drained stream starts with the epoch-2 mark and holds both
	// epoch-2 records but not the epoch-3 record.
	count := 0
	marks := 0
	for stream := drained; len(stream) > 0; {
		rec, rest, err := Next(stream)
		if err != nil {
			t.Fatal(err)
		}
		switch Type(rec) {
		case TypeEpochMark:
			marks++
			if EpochMarkNew(rec) != 2 {
				t.Fatalf("unexpected epoch mark for %d", EpochMarkNew(rec))
			}
		case TypeSeqAppend:
			count++
		}
		stream = rest
	}
	if marks != 1 || count != 2 {
		t.Fatalf("drained marks=%d records=%d want 1/2", marks, count)
	}

	// Epoch 3 remains buffered.
	if buf.Buffered() == 0 {
		t.Fatal("epoch 3 records were drained early")
	}
	drained = buf.Drain(3)
	if len(drained) == 0 {
		t.Fatal("epoch 3 never drained")
	}
	if buf.Buffered() != 0 {
		t.Fatal("buffer not empty after full drain")
	}
}

func TestBufferSafeEpoch(t *testing.T) {
	buf := NewBuffer(0, 0)
	grace := epoch.Epoch(10)
	if got := buf.SafeEpoch(grace); got != grace {
		t.Fatalf("idle SafeEpoch got %d want %d", got, grace)
	}
	buf.BeginCommit(8)
	if got := buf.SafeEpoch(grace); got != 7 {
		t.Fatalf("in-commit SafeEpoch got %d want 7", got)
	}
	buf.EndCommit()
	if got := buf.SafeEpoch(grace); got != grace {
		t.Fatalf("post-commit SafeEpoch got %d want %d", got, grace)
	}
}
