package engine_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gleandb/glean/engine"
	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/snapshot"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/hash"
	"github.com/gleandb/glean/testutil"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

func testOptions(t *testing.T, dir string) engine.Options {
	t.Helper()
	testutil.SetupLogger(filepath.Join(dir, "engine_test.log"))
	opts := engine.DefaultOptions()
	opts.LogFolder = filepath.Join(dir, "logs")
	opts.PoolPagesPerNode = 1 << 12
	opts.Snapshot.FolderPathPattern = filepath.Join(dir, "snapshots", "node_$NODE$")
	// Keep the daemons quiet unless a test drives them explicitly.
	opts.Snapshot.SnapshotIntervalMilliseconds = 3600 * 1000
	return opts
}

func startEngine(t *testing.T, opts engine.Options) *engine.Engine {
	t.Helper()
	e, err := engine.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Stop()
	})
	return e
}

func TestHashRoundTrip(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir()))
	st, err := e.CreateHashStorage("kv", 64)
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)

	key := []byte("alpha")
	value := []byte("first value")

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Insert(tt, key, value, 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		buf := make([]byte, 64)
		n, code := st.Get(tt, key, buf)
		if code != errcode.Ok {
			return code
		}
		if !bytes.Equal(buf[:n], value) {
			t.Errorf("Get got %q want %q", buf[:n], value)
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}

	// Duplicate insert fails cleanly.
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		code := st.Insert(tt, key, []byte("other"), 0)
		if code != errcode.StrKeyAlreadyExists {
			t.Errorf("duplicate Insert got %s want %s", code,
				errcode.StrKeyAlreadyExists)
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Delete(tt, key)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		buf := make([]byte, 64)
		_, code := st.Get(tt, key, buf)
		if code != errcode.StrKeyNotFound {
			t.Errorf("Get after delete got %s want %s", code, errcode.StrKeyNotFound)
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reinsert after delete reuses the tombstoned slot.
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Insert(tt, key, []byte("again"), 0)
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		buf := make([]byte, 64)
		n, code := st.Get(tt, key, buf)
		if code != errcode.Ok {
			return code
		}
		if !bytes.Equal(buf[:n], []byte("again")) {
			t.Errorf("Get after reinsert got %q", buf[:n])
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHashUpsertGrowsRecord(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir()))
	st, err := e.CreateHashStorage("kv", 16)
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)
	key := []byte("grow")

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Insert(tt, key, []byte("tiny"), 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	big := bytes.Repeat([]byte("x"), 200)
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Upsert(tt, key, big, 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		buf := make([]byte, 256)
		n, code := st.Get(tt, key, buf)
		if code != errcode.Ok {
			return code
		}
		if !bytes.Equal(buf[:n], big) {
			t.Errorf("Get after growing upsert got %d bytes", n)
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTrackMovedDuringCommit(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir()))
	st, err := e.CreateHashStorage("kv", 16)
	if err != nil {
		t.Fatal(err)
	}
	mgr := e.XctManager()
	t1 := e.Thread(0)
	t2 := e.Thread(1)
	key := []byte("migrant")

	_, err = e.RunXct(t1, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Insert(tt, key, []byte("tiny"), 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	// t1 prepares an overwrite, then t2 grows the record, migrating it
	// to a fresh slot before t1 reaches its lock phase.
	if code := mgr.Begin(t1.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	if code := st.Overwrite(t1, key, []byte("mine")); code != errcode.Ok {
		t.Fatal(code)
	}

	big := bytes.Repeat([]byte("b"), 150)
	_, err = e.RunXct(t2, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Upsert(tt, key, big, 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	// t1's lock phase re-resolves the moved record and validation sees
	// t2's commit.
	_, code := mgr.Precommit(t1.Xct(), t1.LogBuffer())
	if code != errcode.XctRaceAbort {
		t.Fatalf("precommit over moved record got %s want %s", code,
			errcode.XctRaceAbort)
	}

	// The retry lands on the migrated slot and wins.
	_, err = e.RunXct(t1, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Overwrite(tt, key, []byte("mine"))
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.RunXct(t1, func(tt *thread.Thread) errcode.ErrorCode {
		buf := make([]byte, 256)
		n, code := st.Get(tt, key, buf)
		if code != errcode.Ok {
			return code
		}
		if !bytes.Equal(buf[:n], []byte("mine")) {
			t.Errorf("final value got %q want %q", buf[:n], "mine")
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOrderedRoundTrip(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir()))
	st, err := e.CreateOrderedStorage("tree")
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)

	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		k := k
		_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
			return st.Insert(tt, []byte(k), []byte("v-"+k), 0)
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var scanned []string
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		scanned = scanned[:0]
		return st.Scan(tt, func(key, payload []byte) errcode.ErrorCode {
			scanned = append(scanned, string(key))
			return errcode.Ok
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "bravo", "charlie", "delta"}
	if len(scanned) != len(want) {
		t.Fatalf("Scan got %d keys want %d", len(scanned), len(want))
	}
	for i := range want {
		if scanned[i] != want[i] {
			t.Fatalf("Scan order got %v want %v", scanned, want)
		}
	}

	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		return st.Delete(tt, []byte("bravo"))
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		buf := make([]byte, 16)
		_, code := st.Get(tt, []byte("bravo"), buf)
		if code != errcode.StrKeyNotFound {
			t.Errorf("Get after delete got %s", code)
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCommitConflict(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir()))
	arr, err := e.CreateArrayStorage("counters", 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	mgr := e.XctManager()
	t1 := e.Thread(0)
	t2 := e.Thread(1)

	_, err = e.RunXct(t1, func(tt *thread.Thread) errcode.ErrorCode {
		return arr.OverwriteInt64(tt, 0, 0, 100)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Both transactions read-modify-write the same record.
	if code := mgr.Begin(t1.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	v1, code := arr.GetInt64(t1, 0, 0)
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if code = arr.OverwriteInt64(t1, 0, 0, v1+1); code != errcode.Ok {
		t.Fatal(code)
	}

	if code := mgr.Begin(t2.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	v2, code := arr.GetInt64(t2, 0, 0)
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if code = arr.OverwriteInt64(t2, 0, 0, v2+10); code != errcode.Ok {
		t.Fatal(code)
	}

	_, code = mgr.Precommit(t1.Xct(), t1.LogBuffer())
	if code != errcode.Ok {
		t.Fatalf("first precommit got %s", code)
	}
	_, code = mgr.Precommit(t2.Xct(), t2.LogBuffer())
	if code != errcode.XctRaceAbort {
		t.Fatalf("second precommit got %s want %s", code, errcode.XctRaceAbort)
	}
	if t2.Xct().Retrospective().Empty() {
		t.Fatal("race abort did not populate the retrospective lock list")
	}

	// The retry sees the first commit and wins.
	if code := mgr.Begin(t2.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	v2, code = arr.GetInt64(t2, 0, 0)
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if v2 != 101 {
		t.Fatalf("retry read got %d want 101", v2)
	}
	if code = arr.OverwriteInt64(t2, 0, 0, v2+10); code != errcode.Ok {
		t.Fatal(code)
	}
	_, code = mgr.Precommit(t2.Xct(), t2.LogBuffer())
	if code != errcode.Ok {
		t.Fatalf("retry precommit got %s", code)
	}

	_, err = e.RunXct(t1, func(tt *thread.Thread) errcode.ErrorCode {
		v, code := arr.GetInt64(tt, 0, 0)
		if code != errcode.Ok {
			return code
		}
		if v != 111 {
			t.Errorf("final value got %d want 111", v)
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOrdinalExhaustion(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	opts.OrdinalCap = 8
	opts.EpochQuantum = time.Hour // epoch advances only on ordinal rollover
	e := startEngine(t, opts)

	arr, err := e.CreateArrayStorage("counters", 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)

	seen := map[xct.XctId]struct{}{}
	var ids []xct.XctId
	for i := 0; i < 10; i++ {
		_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
			return arr.OverwriteInt64(tt, 0, 0, int64(i))
		})
		if err != nil {
			t.Fatal(err)
		}
		id := tt.Xct().LastIssued()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate xct id %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		if !ids[i-1].Before(ids[i]) {
			t.Fatalf("ids not monotone: %s then %s", ids[i-1], ids[i])
		}
	}
	// With eight ordinals per epoch, the ninth commit must land in the
	// next epoch at ordinal 1.
	rolled := false
	for i := 1; i < len(ids); i++ {
		if ids[i-1].Epoch() != ids[i].Epoch() {
			if ids[i].Ordinal() != 1 {
				t.Fatalf("rollover commit got ordinal %d want 1", ids[i].Ordinal())
			}
			if ids[i-1].Epoch().Next() != ids[i].Epoch() {
				t.Fatalf("rollover skipped epochs: %s then %s", ids[i-1], ids[i])
			}
			rolled = true
		}
	}
	if !rolled {
		t.Fatal("ordinal cap 8 never forced an epoch rollover across 10 commits")
	}
}

func TestReadSetOverflow(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.MaxReadSetSize = 4
	e := startEngine(t, opts)

	arr, err := e.CreateArrayStorage("wide", 8, 16)
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)
	mgr := e.XctManager()

	if code := mgr.Begin(tt.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	var code errcode.ErrorCode
	for i := uint64(0); i < 16; i++ {
		_, code = arr.GetInt64(tt, i, 0)
		if code != errcode.Ok {
			break
		}
	}
	if code != errcode.XctReadSetOverflow {
		t.Fatalf("got %s want %s", code, errcode.XctReadSetOverflow)
	}
	if code := mgr.Abort(tt.Xct()); code != errcode.Ok {
		t.Fatal(code)
	}
}

func TestSnapshotAndDrop(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)
	e := startEngine(t, opts)

	const records = 64
	arr, err := e.CreateArrayStorage("data", 16, records)
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)

	expected := map[uint64]int64{}
	var lastEpoch epoch.Epoch
	for i := 0; i < 1000; i++ {
		offset := uint64(i % records)
		value := int64(i)
		commitEpoch, err := e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
			return arr.OverwriteInt64(tt, offset, 0, value)
		})
		if err != nil {
			t.Fatal(err)
		}
		expected[offset] = value
		lastEpoch = epoch.Max(lastEpoch, commitEpoch)
	}

	err = e.WaitForCommit(lastEpoch)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := e.Pool().FreeCount()
	err = e.SnapshotManager().TriggerSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	snap := e.SnapshotManager().Latest()
	if snap == nil {
		t.Fatal("no snapshot recorded")
	}
	if snap.ValidUntil.Before(lastEpoch) {
		t.Fatalf("snapshot valid-until %d misses last commit epoch %d",
			snap.ValidUntil, lastEpoch)
	}

	path := snapshot.FilePath(&opts.Snapshot, 0, snap.ID, arr.ID())
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %s", err)
	}

	freeAfter := e.Pool().FreeCount()
	if freeAfter <= freeBefore {
		t.Fatalf("volatile drop freed no pages: before %d after %d",
			freeBefore, freeAfter)
	}

	// A read-only transaction sees identical values through the
	// snapshot pages.
	err = e.RunReadOnlyXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		for offset, want := range expected {
			v, code := arr.GetInt64(tt, offset, 0)
			if code != errcode.Ok {
				return code
			}
			if v != want {
				t.Errorf("offset %d got %d want %d", offset, v, want)
			}
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}

	// Serializable reads and writes keep working over dropped subtrees.
	_, err = e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
		v, code := arr.GetInt64(tt, 3, 0)
		if code != errcode.Ok {
			return code
		}
		if v != expected[3] {
			t.Errorf("post-drop read got %d want %d", v, expected[3])
		}
		return arr.OverwriteInt64(tt, 3, 0, v+1)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRestartReload(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)

	expected := map[string]string{
		"one": "uno", "two": "dos", "three": "tres",
	}

	e := startEngine(t, opts)
	st, err := e.CreateHashStorage("kv", 32)
	if err != nil {
		t.Fatal(err)
	}
	tt := e.Thread(0)
	var lastEpoch epoch.Epoch
	for k, v := range expected {
		k, v := k, v
		commitEpoch, err := e.RunXct(tt, func(tt *thread.Thread) errcode.ErrorCode {
			return st.Insert(tt, []byte(k), []byte(v), 0)
		})
		if err != nil {
			t.Fatal(err)
		}
		lastEpoch = epoch.Max(lastEpoch, commitEpoch)
	}
	err = e.WaitForCommit(lastEpoch)
	if err != nil {
		t.Fatal(err)
	}
	err = e.SnapshotManager().TriggerSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	err = e.Stop()
	if err != nil {
		t.Fatal(err)
	}

	// A fresh engine over the same folders reloads the snapshot state.
	e2 := startEngine(t, opts)
	loaded, ok := e2.StorageManager().LookupByName("kv")
	if !ok {
		t.Fatal("storage not reloaded from manifest")
	}
	if loaded.Type() != storage.TypeHash {
		t.Fatalf("reloaded type got %s", loaded.Type())
	}
	st2 := loaded.(*hash.Storage)
	tt2 := e2.Thread(0)
	err = e2.RunReadOnlyXct(tt2, func(tt2 *thread.Thread) errcode.ErrorCode {
		for k, v := range expected {
			buf := make([]byte, 64)
			n, code := st2.Get(tt2, []byte(k), buf)
			if code != errcode.Ok {
				return code
			}
			if string(buf[:n]) != v {
				t.Errorf("reloaded %q got %q want %q", k, buf[:n], v)
			}
		}
		return errcode.Ok
	})
	if err != nil {
		t.Fatal(err)
	}
}
