package snapshot

import (
	"testing"

	"github.com/gleandb/glean/epoch"
	glog "github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/xct"
)

func TestReducerSortOrder(t *testing.T) {
	opts := DefaultOptions()
	opts.FolderPathPattern = t.TempDir()
	r := newReducer(&opts, 0)

	mk := func(storageID uint32, key string, e, ordinal uint32, thread uint16) []byte {
		rec := glog.NewHashOverwrite(storageID, []byte(key), []byte("v"))
		glog.StampXctID(rec, xct.MakeXctId(epoch.Epoch(e), ordinal).Data(), thread)
		return rec
	}

	// Arrival order scrambles storages, keys, and xct ids.
	var chunk []byte
	chunk = append(chunk, mk(2, "b", 2, 3, 0)...)
	chunk = append(chunk, mk(1, "z", 2, 1, 0)...)
	chunk = append(chunk, mk(2, "a", 3, 1, 1)...)
	chunk = append(chunk, mk(2, "a", 2, 5, 0)...)
	chunk = append(chunk, mk(1, "a", 2, 2, 0)...)
	r.consume(chunk)

	err := r.finalize()
	if err != nil {
		t.Fatal(err)
	}

	collect := func(id storage.StorageId) [][]byte {
		var recs [][]byte
		for _, stream := range r.Streams(id) {
			for {
				rec, err := stream.Next()
				if err != nil {
					t.Fatal(err)
				}
				if rec == nil {
					break
				}
				recs = append(recs, rec)
			}
		}
		return recs
	}

	s1 := collect(1)
	if len(s1) != 2 {
		t.Fatalf("storage 1 got %d records want 2", len(s1))
	}
	if string(glog.Key(s1[0])) != "a" || string(glog.Key(s1[1])) != "z" {
		t.Fatal("storage 1 records not key sorted")
	}

	s2 := collect(2)
	if len(s2) != 3 {
		t.Fatalf("storage 2 got %d records want 3", len(s2))
	}
	if string(glog.Key(s2[0])) != "a" || string(glog.Key(s2[1])) != "a" ||
		string(glog.Key(s2[2])) != "b" {
		t.Fatal("storage 2 records not key sorted")
	}
	// Within one key, xct id ascending: the later writer comes last.
	first := xct.XctIdFromData(glog.XctData(s2[0]))
	second := xct.XctIdFromData(glog.XctData(s2[1]))
	if !first.Before(second) {
		t.Fatalf("same-key records not xct ordered: %s then %s", first, second)
	}

	r.cleanup()
}

func TestReducerSpill(t *testing.T) {
	opts := DefaultOptions()
	opts.FolderPathPattern = t.TempDir()
	opts.LogReducerBufferMb = 0 // force a spill on nearly every consume
	r := newReducer(&opts, 0)
	r.arenaCap = 256

	for i := 0; i < 64; i++ {
		rec := glog.NewHashOverwrite(1, []byte{byte(i)}, []byte("payload"))
		glog.StampXctID(rec, xct.MakeXctId(2, uint32(i+1)).Data(), 0)
		r.consume(rec)
	}
	err := r.finalize()
	if err != nil {
		t.Fatal(err)
	}
	var count int
	var prev []byte
	for _, stream := range r.Streams(1) {
		for {
			rec, err := stream.Next()
			if err != nil {
				t.Fatal(err)
			}
			if rec == nil {
				break
			}
			if prev != nil && string(prev) > string(glog.Key(rec)) {
				t.Fatal("spilled records not sorted after merge")
			}
			prev = append(prev[:0], glog.Key(rec)...)
			count++
		}
	}
	if count != 64 {
		t.Fatalf("got %d records want 64", count)
	}
	r.cleanup()
}
